package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
	"github.com/merosskit/meross/device"
	"github.com/merosskit/meross/httpapi"
)

type fakeAPI struct {
	sess      *credentials.Session
	devices   []httpapi.DeviceRecord
	subs      map[string][]httpapi.SubdeviceRecord
	loggedOut bool
}

func (f *fakeAPI) Credentials() *credentials.Session { return f.sess }

func (f *fakeAPI) GetDevices(context.Context) ([]httpapi.DeviceRecord, error) {
	return f.devices, nil
}

func (f *fakeAPI) GetSubDevices(_ context.Context, hubUUID string) ([]httpapi.SubdeviceRecord, error) {
	return f.subs[hubUUID], nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.loggedOut = true
	f.sess = nil
	return nil
}

func testSession(t *testing.T) *credentials.Session {
	t.Helper()
	sess, err := credentials.New("token", "userkey", "42", "user@example.com", "iotx.meross.com", "mqtt-eu.meross.com", time.Now())
	require.NoError(t, err)
	return sess
}

// wireManager builds a manager with a stubbed broker leg so transport
// tests run without a real connection.
func wireManager(t *testing.T, mqtt func(context.Context, *device.Device, *common.Message) error, opts ...Option) *Manager {
	t.Helper()
	sess := testSession(t)
	m, err := New(&fakeAPI{sess: sess}, opts...)
	require.NoError(t, err)
	m.session = sess
	m.arb = &arbiter{
		mode:    ModeMQTTOnly,
		timeout: m.timeout,
		budget:  m.budget,
		mqtt:    mqtt,
		logger:  common.DiscardLogger(),
	}
	return m
}

func TestNewRequiresAPIClient(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestConnectRequiresLogin(t *testing.T) {
	m, err := New(&fakeAPI{})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Connect(context.Background()), common.ErrNotLoggedIn)
}

func TestPublishMessageBeforeConnect(t *testing.T) {
	m, err := New(&fakeAPI{sess: testSession(t)})
	require.NoError(t, err)
	d := newTestDevice(t, "")
	_, perr := m.PublishMessage(context.Background(), d, common.MethodGet, common.NamespaceSystemAll, nil)
	assert.ErrorIs(t, perr, common.ErrUnconnected)
}

func TestPublishMessageRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	var m *Manager
	m = wireManager(t, func(_ context.Context, d *device.Device, msg *common.Message) error {
		reply := &common.Message{
			Header: common.Header{
				From:      "/appliance/" + msg.Header.UUID + "/publish",
				MessageID: msg.Header.MessageID,
				Method:    common.MethodGetAck,
				Namespace: msg.Header.Namespace,
			},
			Payload: json.RawMessage(`{"all":{"system":{}}}`),
		}
		go m.deliverInbound(d, reply)
		return nil
	})

	d := newTestDevice(t, "")
	payload, err := m.PublishMessage(context.Background(), d, common.MethodGet, common.NamespaceSystemAll, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"all":{"system":{}}}`, string(payload))
	assert.Equal(t, 0, m.correlator.Len())
}

func TestPublishMessageTimeoutDropsLateReply(t *testing.T) {
	var sent *common.Message
	m := wireManager(t, func(_ context.Context, _ *device.Device, msg *common.Message) error {
		sent = msg // broker swallows the message, no reply ever comes
		return nil
	}, WithTimeout(100*time.Millisecond))

	d := newTestDevice(t, "")
	start := time.Now()
	_, err := m.PublishMessage(context.Background(), d, common.MethodSet, common.NamespaceControlToggle, map[string]int{"channel": 0})

	var te *common.CommandTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, d.UUID(), te.DeviceUUID)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 0, m.correlator.Len(), "timed-out entry is removed")

	// a matching reply arriving later is dropped silently
	require.NotNil(t, sent)
	m.deliverInbound(d, &common.Message{
		Header: common.Header{
			MessageID: sent.Header.MessageID,
			Method:    common.MethodSetAck,
			Namespace: sent.Header.Namespace,
		},
		Payload: json.RawMessage(`{}`),
	})
	assert.Equal(t, 0, m.correlator.Len())
}

func TestPublishMessageDeviceError(t *testing.T) {
	var m *Manager
	m = wireManager(t, func(_ context.Context, d *device.Device, msg *common.Message) error {
		go m.deliverInbound(d, &common.Message{
			Header: common.Header{
				MessageID: msg.Header.MessageID,
				Method:    common.MethodError,
				Namespace: msg.Header.Namespace,
			},
			Payload: json.RawMessage(`{"error":{"code":5001}}`),
		})
		return nil
	})

	d := newTestDevice(t, "")
	_, err := m.PublishMessage(context.Background(), d, common.MethodSet, common.NamespaceControlToggle, nil)
	var ce *common.CommandError
	require.ErrorAs(t, err, &ce)
}

func TestPublishMessageBrokerFailure(t *testing.T) {
	m := wireManager(t, func(context.Context, *device.Device, *common.Message) error {
		return &common.MqttError{Reason: "publish", Err: context.DeadlineExceeded}
	})

	d := newTestDevice(t, "")
	_, err := m.PublishMessage(context.Background(), d, common.MethodGet, common.NamespaceSystemAll, nil)
	var me *common.MqttError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 0, m.correlator.Len(), "publish failure resolves the pending entry")
}

func TestSubdeviceCommandsAddressTheHub(t *testing.T) {
	var target string
	var m *Manager
	m = wireManager(t, func(_ context.Context, d *device.Device, msg *common.Message) error {
		target = msg.Header.UUID
		go m.deliverInbound(d, &common.Message{
			Header: common.Header{
				MessageID: msg.Header.MessageID,
				Method:    common.MethodGetAck,
				Namespace: msg.Header.Namespace,
			},
			Payload: json.RawMessage(`{}`),
		})
		return nil
	})

	hub := registryDevice("hub-1", "hub", "msh300", map[string]json.RawMessage{
		common.NamespaceHubDigest: json.RawMessage(`{}`),
	})
	sub := device.NewSubdevice(hub, httpapi.SubdeviceRecord{SubDeviceID: "0001", SubDeviceType: "mts100"}, common.DiscardLogger())

	_, err := m.PublishMessage(context.Background(), sub, common.MethodGet, common.NamespaceHubToggleX, nil)
	require.NoError(t, err)
	assert.Equal(t, "hub-1", target)
}

func TestHandlePushRoutesToDevice(t *testing.T) {
	m := wireManager(t, func(context.Context, *device.Device, *common.Message) error { return nil })

	d := registryDevice("uuid-1", "plug", "mss310", map[string]json.RawMessage{
		common.NamespaceControlToggle: json.RawMessage(`{}`),
	})
	m.registry.Register(d)

	m.handlePush("uuid-1", &common.Message{
		Header: common.Header{
			From:      "/appliance/uuid-1/publish",
			MessageID: "abc",
			Method:    common.MethodPush,
			Namespace: common.NamespaceControlToggle,
			Timestamp: 1700000000,
		},
		Payload: json.RawMessage(`{"togglex":[{"channel":0,"onoff":1}]}`),
	})

	v, _, ok := d.State().Get(device.FeatureToggle, 0)
	require.True(t, ok)
	assert.Equal(t, float64(1), v.(map[string]interface{})["onoff"])

	// unknown devices are ignored
	m.handlePush("no-such-device", &common.Message{Header: common.Header{Method: common.MethodPush}})
}

// fakeBroker records dialled domains and publishes into the void.
type fakeBroker struct {
	mu      sync.Mutex
	domains []string
}

func (f *fakeBroker) Connect(_ context.Context, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = append(f.domains, fmt.Sprintf("%s:%d", host, port))
	return nil
}

func (f *fakeBroker) Publish(context.Context, *device.Device, *common.Message) error { return nil }
func (f *fakeBroker) Close()                                                        {}

func TestConnectEnrollsDevices(t *testing.T) {
	defer leaktest.Check(t)()

	api := &fakeAPI{
		sess: testSession(t),
		devices: []httpapi.DeviceRecord{
			{UUID: "plug-1", DevName: "plug", DeviceType: "mss310", OnlineStatus: 1, Domain: "mqtt-eu.meross.com"},
			{UUID: "hub-1", DevName: "hub", DeviceType: "msh300", OnlineStatus: 1, Domain: "mqtt-us.meross.com:443"},
			{UUID: "broken-1", DevName: "mute", DeviceType: "mss210", OnlineStatus: 1, Domain: "mqtt-eu.meross.com"},
			{UUID: "off-1", DevName: "offline", DeviceType: "mss110", OnlineStatus: 2, Domain: "mqtt-ap.meross.com"},
		},
		subs: map[string][]httpapi.SubdeviceRecord{
			"hub-1": {{SubDeviceID: "0001", SubDeviceType: "mts100"}},
		},
	}

	var (
		initMu      sync.Mutex
		initialized []string
	)
	m, err := New(api, WithDeviceInitializedHandler(func(d *device.Device) {
		initMu.Lock()
		initialized = append(initialized, d.InternalID())
		initMu.Unlock()
	}))
	require.NoError(t, err)
	defer m.DisconnectAll(false)

	broker := &fakeBroker{}
	m.pool = broker
	m.arb = &arbiter{
		mode:    ModeMQTTOnly,
		timeout: m.timeout,
		budget:  m.budget,
		logger:  common.DiscardLogger(),
		mqtt: func(_ context.Context, d *device.Device, msg *common.Message) error {
			if d.UUID() == "broken-1" {
				return &common.MqttError{Reason: "publish", Err: errors.New("broker unreachable")}
			}
			ability := fmt.Sprintf(`{"ability":{%q:{}}}`, common.NamespaceControlToggle)
			if d.UUID() == "hub-1" {
				ability = fmt.Sprintf(`{"ability":{%q:{},%q:{},%q:{}}}`,
					common.NamespaceHubDigest, common.NamespaceHubToggleX, common.NamespaceHubOnline)
			}
			go m.deliverInbound(d, &common.Message{
				Header: common.Header{
					MessageID: msg.Header.MessageID,
					Method:    common.MethodGetAck,
					Namespace: msg.Header.Namespace,
				},
				Payload: json.RawMessage(ability),
			})
			return nil
		},
	}

	require.NoError(t, m.Connect(context.Background()))

	// one dial per distinct domain with an online device on it
	broker.mu.Lock()
	assert.ElementsMatch(t, []string{"mqtt-eu.meross.com:2001", "mqtt-us.meross.com:443"}, broker.domains)
	broker.mu.Unlock()

	_, ok := m.GetDevice("plug-1")
	assert.True(t, ok)
	hub, ok := m.GetDevice("hub-1")
	require.True(t, ok)
	assert.Equal(t, device.KindHub, hub.Kind())

	// a failed ability query skips the device without failing enrollment
	_, ok = m.GetDevice("broken-1")
	assert.False(t, ok)
	_, ok = m.GetDevice("off-1")
	assert.False(t, ok)

	sub, ok := m.GetSubdevice("hub-1", "0001")
	require.True(t, ok)
	assert.Equal(t, "hub-1", sub.HubUUID())
	_, ok = hub.Subdevice("0001")
	assert.True(t, ok)

	// hubs are announced before their children
	initMu.Lock()
	hubAt, subAt := -1, -1
	for i, id := range initialized {
		switch id {
		case hub.InternalID():
			hubAt = i
		case sub.InternalID():
			subAt = i
		}
	}
	initMu.Unlock()
	require.GreaterOrEqual(t, hubAt, 0)
	require.GreaterOrEqual(t, subAt, 0)
	assert.Less(t, hubAt, subAt)

	// the deferred hub status refresh is pending
	m.mu.Lock()
	assert.Len(t, m.timers, 1)
	m.mu.Unlock()
}

func TestTokenData(t *testing.T) {
	api := &fakeAPI{sess: testSession(t)}
	m, err := New(api)
	require.NoError(t, err)

	td := m.TokenData()
	require.NotNil(t, td)
	assert.Equal(t, "token", td.Token)
	assert.Equal(t, "42", td.UserID)

	api.sess = nil
	assert.Nil(t, m.TokenData())
}

func TestLogoutTearsDown(t *testing.T) {
	defer leaktest.Check(t)()

	api := &fakeAPI{sess: testSession(t)}
	m, err := New(api)
	require.NoError(t, err)

	d := registryDevice("uuid-1", "plug", "mss310", nil)
	m.registry.Register(d)
	pending := m.correlator.Register("msg-1", "uuid-1", "x", time.Minute)

	require.NoError(t, m.Logout(context.Background()))
	assert.True(t, api.loggedOut)
	assert.Equal(t, 0, m.registry.Len())

	_, werr := pending.Wait(context.Background())
	assert.ErrorIs(t, werr, common.ErrCancelled)

	_, perr := m.PublishMessage(context.Background(), d, common.MethodGet, common.NamespaceSystemAll, nil)
	assert.ErrorIs(t, perr, common.ErrUnconnected)
}
