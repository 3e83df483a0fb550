package subscribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/credentials"
	"github.com/merosskit/meross/httpapi"
)

type fakeListAPI struct {
	mu      sync.Mutex
	devices []httpapi.DeviceRecord
}

func (f *fakeListAPI) set(devices []httpapi.DeviceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeListAPI) Credentials() *credentials.Session { return nil }

func (f *fakeListAPI) GetDevices(context.Context) ([]httpapi.DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]httpapi.DeviceRecord, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeListAPI) GetSubDevices(context.Context, string) ([]httpapi.SubdeviceRecord, error) {
	return nil, nil
}

func (f *fakeListAPI) Logout(context.Context) error { return nil }

func record(uuid, name string) httpapi.DeviceRecord {
	return httpapi.DeviceRecord{UUID: uuid, DevName: name, DeviceType: "mss310", OnlineStatus: 1}
}

func nextEvent(t *testing.T, events chan DeviceListEvent) DeviceListEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no device list event arrived")
		return DeviceListEvent{}
	}
}

func TestDeviceListDiff(t *testing.T) {
	defer leaktest.Check(t)()
	api := &fakeListAPI{}
	api.set([]httpapi.DeviceRecord{record("uuid-a", "plug a"), record("uuid-b", "plug b")})

	p := NewDeviceListPoller(api, 30*time.Millisecond, common.DiscardLogger())
	events := make(chan DeviceListEvent, 16)
	cancel := p.Subscribe(func(ev DeviceListEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	// first poll: everything is new
	ev := nextEvent(t, events)
	assert.Len(t, ev.Devices, 2)
	assert.Len(t, ev.Added, 2)
	assert.Empty(t, ev.Removed)
	assert.Empty(t, ev.Changed)

	// rename one, drop the other, add a third
	api.set([]httpapi.DeviceRecord{record("uuid-a", "renamed plug"), record("uuid-c", "plug c")})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatal("diff never observed")
		}
		if len(ev.Added)+len(ev.Removed)+len(ev.Changed) > 0 {
			break
		}
	}
	require.Len(t, ev.Added, 1)
	assert.Equal(t, "uuid-c", ev.Added[0].UUID)
	require.Len(t, ev.Removed, 1)
	assert.Equal(t, "uuid-b", ev.Removed[0].UUID)
	require.Len(t, ev.Changed, 1)
	if diff := cmp.Diff(record("uuid-a", "renamed plug"), ev.Changed[0]); diff != "" {
		t.Errorf("changed record mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceListStableListNoDiff(t *testing.T) {
	defer leaktest.Check(t)()
	api := &fakeListAPI{}
	api.set([]httpapi.DeviceRecord{record("uuid-a", "plug a")})

	p := NewDeviceListPoller(api, 30*time.Millisecond, common.DiscardLogger())
	events := make(chan DeviceListEvent, 16)
	cancel := p.Subscribe(func(ev DeviceListEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	nextEvent(t, events) // initial add
	ev := nextEvent(t, events)
	assert.Empty(t, ev.Added)
	assert.Empty(t, ev.Removed)
	assert.Empty(t, ev.Changed)
	assert.Len(t, ev.Devices, 1)
}

func TestDeviceListPollerStopsWithLastListener(t *testing.T) {
	defer leaktest.Check(t)()
	api := &fakeListAPI{}
	api.set([]httpapi.DeviceRecord{record("uuid-a", "plug a")})

	p := NewDeviceListPoller(api, 20*time.Millisecond, common.DiscardLogger())
	got := make(chan DeviceListEvent, 16)
	cancel := p.Subscribe(func(ev DeviceListEvent) {
		select {
		case got <- ev:
		default:
		}
	})
	nextEvent(t, got)
	cancel()
	// leaktest verifies the poll goroutine exited
}
