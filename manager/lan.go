package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
)

// lanTransportError is an HTTP-level LAN failure: network error,
// non-2xx status, or an encryption failure. It spends error budget; a
// post-200 parse failure of the application payload does not, because
// the transport itself proved healthy.
type lanTransportError struct {
	status int // 0 for network errors
	err    error
}

func (e *lanTransportError) Error() string {
	if e.status == 0 {
		return fmt.Sprintf("lan transport: %s", e.err)
	}
	return fmt.Sprintf("lan transport: http %d", e.status)
}

func (e *lanTransportError) Unwrap() error { return e.err }

// lanSender POSTs envelopes straight to the device's /config endpoint
// and feeds the reply back through the device inbound path, so
// correlation works identically on both transports.
type lanSender struct {
	http    *http.Client
	userKey string
	stats   *Stats
	deliver func(d *device.Device, msg *common.Message)
	logger  logrus.FieldLogger
}

func newLANSender(userKey string, stats *Stats, deliver func(*device.Device, *common.Message), logger logrus.FieldLogger) *lanSender {
	return &lanSender{
		http:    &http.Client{},
		userKey: userKey,
		stats:   stats,
		deliver: deliver,
		logger:  logger,
	}
}

// send performs one LAN attempt within the given timeout.
func (l *lanSender) send(ctx context.Context, ip string, d *device.Device, msg *common.Message, timeout time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	encrypted := d.SupportsEncryption()
	var key []byte
	if encrypted {
		key, err = d.EncryptionKey(l.userKey)
		if err != nil {
			return &lanTransportError{err: err}
		}
		if body, err = common.EncryptPayload(key, body); err != nil {
			return &lanTransportError{err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + ip + "/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	res, err := l.http.Do(req)
	if err != nil {
		l.record(d, msg, 0, started)
		if ctx.Err() == context.DeadlineExceeded {
			return &lanTransportError{err: &common.NetworkTimeoutError{Address: ip, Timeout: timeout}}
		}
		return &lanTransportError{err: err}
	}
	defer res.Body.Close()
	l.record(d, msg, res.StatusCode, started)

	if res.StatusCode != http.StatusOK {
		return &lanTransportError{status: res.StatusCode}
	}

	rb, err := io.ReadAll(res.Body)
	if err != nil {
		return &lanTransportError{err: err}
	}
	if encrypted {
		if rb, err = common.DecryptPayload(key, rb); err != nil {
			return &lanTransportError{err: err}
		}
	}

	reply, err := common.ParseMessage(rb)
	if err != nil {
		// transport healthy, payload garbage: no budget spend
		return err
	}
	if !reply.VerifySignature(l.userKey) {
		// same drop rule as the broker path, and no budget spend either
		l.logger.WithFields(logrus.Fields{
			"device":    d.UUID(),
			"messageId": reply.Header.MessageID,
		}).Warn("dropping lan reply with bad signature")
		return &common.ParseError{Reason: "bad reply signature"}
	}
	l.deliver(d, reply)
	return nil
}

func (l *lanSender) record(d *device.Device, msg *common.Message, status int, started time.Time) {
	l.stats.Record(Sample{
		Timestamp:  started,
		DeviceUUID: d.UUID(),
		Transport:  TransportHTTP,
		Namespace:  msg.Header.Namespace,
		Method:     string(msg.Header.Method),
		Status:     status,
		RTT:        time.Since(started),
	})
}
