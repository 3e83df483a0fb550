package subscribe

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/httpapi"
)

// DefaultDeviceListInterval is the cadence of the account device-list
// poll.
const DefaultDeviceListInterval = 120 * time.Second

// DeviceListEvent reports one device-list poll with the diff against
// the previous poll.
type DeviceListEvent struct {
	Devices   []httpapi.DeviceRecord
	Added     []httpapi.DeviceRecord
	Removed   []httpapi.DeviceRecord
	Changed   []httpapi.DeviceRecord
	Timestamp time.Time
}

// DeviceListListener consumes device-list events.
type DeviceListListener func(DeviceListEvent)

// DeviceListPoller polls the HTTP device list while at least one
// listener is registered and diffs successive results by uuid.
type DeviceListPoller struct {
	api      httpapi.Client
	interval time.Duration
	logger   logrus.FieldLogger

	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]DeviceListListener
	known     map[string]string // uuid -> canonical record
	stop      chan struct{}
}

// NewDeviceListPoller builds a poller; a non-positive interval uses
// the default.
func NewDeviceListPoller(api httpapi.Client, interval time.Duration, logger logrus.FieldLogger) *DeviceListPoller {
	if interval <= 0 {
		interval = DefaultDeviceListInterval
	}
	if logger == nil {
		logger = common.NewLoggerFromEnv("devicelist", "MEROSS_LOG_LEVEL")
	}
	return &DeviceListPoller{
		api:       api,
		interval:  interval,
		logger:    logger,
		listeners: make(map[uint64]DeviceListListener),
	}
}

// Subscribe registers a listener, starting the poll loop on the first
// registration. The returned function cancels the subscription; the
// loop stops when the last listener leaves.
func (p *DeviceListPoller) Subscribe(fn DeviceListListener) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	if p.stop == nil {
		p.stop = make(chan struct{})
		go p.run(p.stop)
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		if len(p.listeners) == 0 && p.stop != nil {
			close(p.stop)
			p.stop = nil
		}
		p.mu.Unlock()
	}
}

func (p *DeviceListPoller) run(stop chan struct{}) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.poll()
		}
	}
}

// poll fetches the list, diffs it against the previous poll and emits
// one event.
func (p *DeviceListPoller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records, err := p.api.GetDevices(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("device list poll failed")
		return
	}

	current := make(map[string]string, len(records))
	byUUID := make(map[string]httpapi.DeviceRecord, len(records))
	for _, rec := range records {
		current[rec.UUID] = canonicalRecord(rec)
		byUUID[rec.UUID] = rec
	}

	ev := DeviceListEvent{Devices: records, Timestamp: time.Now()}
	p.mu.Lock()
	known := p.known
	p.known = current
	fns := make([]DeviceListListener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for uuid, canon := range current {
		prev, ok := known[uuid]
		switch {
		case !ok:
			ev.Added = append(ev.Added, byUUID[uuid])
		case prev != canon:
			ev.Changed = append(ev.Changed, byUUID[uuid])
		}
	}
	for uuid := range known {
		if _, ok := current[uuid]; !ok {
			var rec httpapi.DeviceRecord
			if err := json.Unmarshal([]byte(known[uuid]), &rec); err == nil {
				ev.Removed = append(ev.Removed, rec)
			}
		}
	}

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Errorf("device list listener panic: %v", r)
				}
			}()
			fn(ev)
		}()
	}
}

// canonicalRecord serialises a record deterministically so structural
// equality reduces to string comparison.
func canonicalRecord(rec httpapi.DeviceRecord) string {
	b, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	return string(b)
}
