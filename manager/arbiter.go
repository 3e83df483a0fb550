package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
)

// TransportMode selects how the arbiter routes commands between the
// cloud broker and the device's LAN endpoint.
type TransportMode int

const (
	// ModeMQTTOnly routes everything through the broker.
	ModeMQTTOnly TransportMode = iota
	// ModeLANHTTPFirst tries the LAN endpoint for any method first,
	// falling back to the broker.
	ModeLANHTTPFirst
	// ModeLANHTTPFirstOnlyGET tries the LAN endpoint for GET requests
	// only; mutations always use the broker.
	ModeLANHTTPFirstOnlyGET
)

func (m TransportMode) String() string {
	switch m {
	case ModeMQTTOnly:
		return "mqtt-only"
	case ModeLANHTTPFirst:
		return "lan-http-first"
	case ModeLANHTTPFirstOnlyGET:
		return "lan-http-first-only-get"
	default:
		return fmt.Sprintf("transport-mode(%d)", int(m))
	}
}

// maxLANAttemptTimeout caps how long a LAN attempt may stall a command
// before the broker fallback kicks in.
const maxLANAttemptTimeout = time.Second

// arbiter routes one outbound envelope per call. The LAN leg is
// attempted when the mode and method qualify, the device's address is
// known and the error budget has headroom; any LAN failure falls back
// to the broker, spending budget only on HTTP-level failures.
type arbiter struct {
	mode    TransportMode
	timeout time.Duration

	budget *ErrorBudget
	lan    func(ctx context.Context, ip string, d *device.Device, msg *common.Message, timeout time.Duration) error
	mqtt   func(ctx context.Context, d *device.Device, msg *common.Message) error
	logger logrus.FieldLogger
}

// send routes one envelope. A non-nil override replaces the configured
// mode for this call only.
func (a *arbiter) send(ctx context.Context, d *device.Device, msg *common.Message, override *TransportMode) error {
	mode := a.mode
	if override != nil {
		mode = *override
	}
	if ip := d.IP(); ip != "" && lanEligible(mode, msg.Header.Method) {
		if a.budget.IsOutOfBudget(d.UUID()) {
			a.logger.WithField("device", d.UUID()).Debug("lan error budget exhausted, using broker")
		} else if err := a.lan(ctx, ip, d, msg, a.lanTimeout()); err != nil {
			var te *lanTransportError
			if errors.As(err, &te) {
				a.budget.NotifyError(d.UUID())
			}
			a.logger.WithFields(logrus.Fields{
				"device": d.UUID(),
				"error":  err,
			}).Debug("lan attempt failed, falling back to broker")
		} else {
			return nil
		}
	}
	return a.mqtt(ctx, d, msg)
}

// lanEligible applies the mode matrix to the request method.
func lanEligible(mode TransportMode, method common.Method) bool {
	switch mode {
	case ModeLANHTTPFirst:
		return true
	case ModeLANHTTPFirstOnlyGET:
		return method == common.MethodGet
	default:
		return false
	}
}

// lanTimeout keeps the LAN attempt short even with generous session
// timeouts.
func (a *arbiter) lanTimeout() time.Duration {
	if a.timeout < maxLANAttemptTimeout {
		return a.timeout
	}
	return maxLANAttemptTimeout
}
