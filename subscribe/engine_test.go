package subscribe

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
	"github.com/merosskit/meross/httpapi"
)

const systemAllReply = `{"all":{"system":{"hardware":{"macAddress":"48:e1:e9:00:00:01"},"firmware":{"innerIp":"10.0.0.5"},"online":{"status":1}},"digest":{"togglex":[{"channel":0,"onoff":1}]}}}`

// fakeTransport serves canned replies per namespace and counts calls.
type fakeTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]json.RawMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls: make(map[string]int),
		responses: map[string]json.RawMessage{
			common.NamespaceSystemAll:   json.RawMessage(systemAllReply),
			common.NamespaceElectricity: json.RawMessage(`{"electricity":{"channel":0,"power":213000,"voltage":2301,"current":950}}`),
			common.NamespaceConsumption: json.RawMessage(`{"consumptionx":[{"date":"2026-08-24","time":1700000000,"value":42}]}`),
		},
	}
}

func (f *fakeTransport) PublishMessage(_ context.Context, _ *device.Device, _ common.Method, namespace string, _ interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[namespace]++
	return f.responses[namespace], nil
}

func (f *fakeTransport) count(namespace string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[namespace]
}

func newPolledDevice(tr device.Transport) *device.Device {
	d := device.New(httpapi.DeviceRecord{
		UUID:         "9f186ee7a2329c81769aa15e10dd0a93f7c39a2c",
		DevName:      "plug",
		DeviceType:   "mss310",
		OnlineStatus: 1,
	}, tr, common.DiscardLogger())
	d.SetAbilities(map[string]json.RawMessage{
		common.NamespaceControlToggle: json.RawMessage(`{}`),
		common.NamespaceElectricity:   json.RawMessage(`{}`),
		common.NamespaceConsumption:   json.RawMessage(`{}`),
	})
	return d
}

func collect(updates chan Update) Listener {
	return func(u Update) {
		select {
		case updates <- u:
		default:
		}
	}
}

func TestEngineStatePolling(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0))
	defer e.Close()

	updates := make(chan Update, 16)
	cancel := e.SubscribeState(d, 40*time.Millisecond, collect(updates))
	defer cancel()

	select {
	case u := <-updates:
		assert.Equal(t, device.SourcePoll, u.Source)
		assert.Same(t, d, u.Device)
		require.Contains(t, u.State, device.FeatureToggle)
		assert.Empty(t, u.Changes, "full refreshes carry no change set")
	case <-time.After(2 * time.Second):
		t.Fatal("no poll update arrived")
	}
	assert.GreaterOrEqual(t, tr.count(common.NamespaceSystemAll), 1)
}

func TestEngineCacheSuppression(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	require.NoError(t, d.RefreshState(context.Background()))
	baseline := tr.count(common.NamespaceSystemAll)

	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(time.Minute))
	defer e.Close()

	updates := make(chan Update, 16)
	cancel := e.SubscribeState(d, 30*time.Millisecond, collect(updates))
	defer cancel()

	select {
	case u := <-updates:
		assert.Equal(t, device.SourceCache, u.Source, "fresh cache answers the poll")
		require.Contains(t, u.State, device.FeatureToggle)
	case <-time.After(2 * time.Second):
		t.Fatal("no cache update arrived")
	}
	assert.Equal(t, baseline, tr.count(common.NamespaceSystemAll), "no network call behind a fresh cache")
}

func TestEngineMinimumIntervalWins(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0))
	defer e.Close()

	slow := make(chan Update, 16)
	fast := make(chan Update, 16)
	cancelSlow := e.SubscribeState(d, time.Hour, collect(slow))
	defer cancelSlow()
	cancelFast := e.SubscribeState(d, 40*time.Millisecond, collect(fast))

	// the shared loop runs at the fast listener's cadence, so even the
	// hour-interval listener sees an update promptly
	select {
	case <-slow:
	case <-time.After(2 * time.Second):
		t.Fatal("slow listener starved despite a faster co-listener")
	}

	// dropping the fast listener restores the hour cadence
	cancelFast()
	time.Sleep(50 * time.Millisecond) // let an in-flight poll land
	drainUpdates(slow)
	select {
	case <-slow:
		t.Fatal("unexpected update at hour cadence")
	case <-time.After(200 * time.Millisecond):
	}
}

func drainUpdates(ch chan Update) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestEnginePushSuppressesPolls(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0), WithPushWindow(5*time.Second))
	defer e.Close()

	updates := make(chan Update, 16)
	cancel := e.SubscribeState(d, 40*time.Millisecond, collect(updates))
	defer cancel()

	d.HandleMessage(&common.Message{
		Header: common.Header{
			From:      "/appliance/" + d.UUID() + "/publish",
			MessageID: "push-1",
			Method:    common.MethodPush,
			Namespace: common.NamespaceControlToggle,
			Timestamp: time.Now().Unix(),
		},
		Payload: json.RawMessage(`{"togglex":[{"channel":0,"onoff":1}]}`),
	}, device.SourcePush)

	select {
	case u := <-updates:
		assert.Equal(t, device.SourcePush, u.Source)
		require.Contains(t, u.Changes, device.FeatureToggle)
		assert.Equal(t, map[string]interface{}{"channel": float64(0), "onoff": float64(1)}, u.Changes[device.FeatureToggle][0])
	case <-time.After(time.Second):
		t.Fatal("push update not delivered")
	}

	// polls scheduled inside the push window are skipped
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, tr.count(common.NamespaceSystemAll))
}

func TestEngineElectricityPolling(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()))
	defer e.Close()

	updates := make(chan Update, 16)
	cancel := e.SubscribeElectricity(d, 40*time.Millisecond, collect(updates))
	defer cancel()

	select {
	case u := <-updates:
		assert.Equal(t, device.SourcePoll, u.Source)
		require.Contains(t, u.Changes, device.FeatureElectricity)
		reading := u.Changes[device.FeatureElectricity][0].(map[string]interface{})
		assert.Equal(t, float64(213000), reading["power"])
	case <-time.After(2 * time.Second):
		t.Fatal("no electricity update arrived")
	}

	// cached value also lands in the state cache
	_, _, ok := d.State().Get(device.FeatureElectricity, 0)
	assert.True(t, ok)
}

func TestEngineListenerPanicIsolated(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0))
	defer e.Close()

	got := make(chan Update, 16)
	cancelBad := e.SubscribeState(d, 40*time.Millisecond, func(Update) { panic("boom") })
	defer cancelBad()
	cancelGood := e.SubscribeState(d, 40*time.Millisecond, collect(got))
	defer cancelGood()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy listener starved by a panicking one")
	}
}

func TestEngineResubscribeAfterLoopShutdown(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0))
	defer e.Close()

	stale := make(chan Update, 16)
	cancelStale := e.SubscribeState(d, time.Hour, collect(stale))

	// shut the loop down out from under the engine map, the state a new
	// subscriber finds when it races the last listener's removal
	e.mu.Lock()
	loop := e.loops[d.InternalID()]
	e.mu.Unlock()
	require.NotNil(t, loop)
	loop.shutdown()

	updates := make(chan Update, 16)
	cancel := e.SubscribeState(d, 30*time.Millisecond, collect(updates))
	defer cancel()

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber attached to a dead loop never polled")
	}

	e.mu.Lock()
	fresh := e.loops[d.InternalID()]
	e.mu.Unlock()
	assert.NotSame(t, loop, fresh)

	cancelStale()
}

func TestEngineUnsubscribeStopsLoop(t *testing.T) {
	defer leaktest.Check(t)()
	tr := newFakeTransport()
	d := newPolledDevice(tr)
	e := NewEngine(WithLogger(common.DiscardLogger()), WithCacheMaxAge(0))

	updates := make(chan Update, 16)
	cancel := e.SubscribeState(d, 30*time.Millisecond, collect(updates))

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no update before unsubscribe")
	}
	cancel()
	time.Sleep(50 * time.Millisecond) // let an in-flight poll land

	calls := tr.count(common.NamespaceSystemAll)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, calls, tr.count(common.NamespaceSystemAll), "polling stopped after unsubscribe")
	e.Close()
}
