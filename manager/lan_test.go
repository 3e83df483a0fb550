package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
)

func lanReply(t *testing.T, req *common.Message, key string) []byte {
	t.Helper()
	reply, err := common.NewMessage(
		common.MethodGetAck, req.Header.Namespace, map[string]interface{}{"all": map[string]interface{}{}},
		"/appliance/"+req.Header.UUID+"/publish", "", key)
	require.NoError(t, err)
	reply.Header.MessageID = req.Header.MessageID
	reply.Header.Sign = common.Sign(reply.Header.MessageID, key, reply.Header.Timestamp)
	b, err := json.Marshal(reply)
	require.NoError(t, err)
	return b
}

func TestLANSenderDeliversReply(t *testing.T) {
	var delivered *common.Message
	stats := NewStats(true, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := common.ParseMessage(body)
		require.NoError(t, err)
		w.Write(lanReply(t, req, "userkey"))
	}))
	defer srv.Close()

	l := newLANSender("userkey", stats, func(_ *device.Device, msg *common.Message) {
		delivered = msg
	}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	msg := testEnvelope(t, common.MethodGet)
	host := strings.TrimPrefix(srv.URL, "http://")

	require.NoError(t, l.send(context.Background(), host, d, msg, time.Second))
	require.NotNil(t, delivered)
	assert.Equal(t, msg.Header.MessageID, delivered.Header.MessageID)
	assert.Equal(t, common.MethodGetAck, delivered.Header.Method)

	counts := stats.Counts()
	assert.Equal(t, 1, counts[TransportHTTP][200])
}

func TestLANSenderNonOKIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := newLANSender("userkey", NewStats(true, 8), func(*device.Device, *common.Message) {
		t.Fatal("nothing should be delivered")
	}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	err := l.send(context.Background(), strings.TrimPrefix(srv.URL, "http://"), d, testEnvelope(t, common.MethodGet), time.Second)
	var te *lanTransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.status)
}

func TestLANSenderNetworkErrorStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // immediately, so the dial fails

	stats := NewStats(true, 8)
	l := newLANSender("userkey", stats, func(*device.Device, *common.Message) {}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	err := l.send(context.Background(), strings.TrimPrefix(srv.URL, "http://"), d, testEnvelope(t, common.MethodGet), time.Second)
	var te *lanTransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, stats.Counts()[TransportHTTP][0], "network errors land in the 0 bucket")
}

func TestLANSenderGarbageReplyIsNotTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	l := newLANSender("userkey", NewStats(false, 0), func(*device.Device, *common.Message) {}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	err := l.send(context.Background(), strings.TrimPrefix(srv.URL, "http://"), d, testEnvelope(t, common.MethodGet), time.Second)
	require.Error(t, err)
	var te *lanTransportError
	assert.False(t, errors.As(err, &te), "post-200 parse failures are not transport errors")
}

func TestLANSenderRejectsBadSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := common.ParseMessage(body)
		require.NoError(t, err)
		// a well-formed reply signed with the wrong key
		w.Write(lanReply(t, req, "someone-elses-key"))
	}))
	defer srv.Close()

	l := newLANSender("userkey", NewStats(false, 0), func(*device.Device, *common.Message) {
		t.Fatal("unverified reply must not be delivered")
	}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	err := l.send(context.Background(), strings.TrimPrefix(srv.URL, "http://"), d, testEnvelope(t, common.MethodGet), time.Second)
	require.Error(t, err)
	var te *lanTransportError
	assert.False(t, errors.As(err, &te), "signature rejection spends no error budget")
}

func TestLANSenderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	l := newLANSender("userkey", NewStats(false, 0), func(*device.Device, *common.Message) {}, common.DiscardLogger())

	d := newTestDevice(t, "10.0.0.5")
	start := time.Now()
	err := l.send(context.Background(), strings.TrimPrefix(srv.URL, "http://"), d, testEnvelope(t, common.MethodGet), 100*time.Millisecond)
	var te *lanTransportError
	require.ErrorAs(t, err, &te)
	var nte *common.NetworkTimeoutError
	assert.ErrorAs(t, err, &nte)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}
