// Package subscribe layers polling loops, push suppression and cache
// reuse on top of enrolled devices, delivering a unified update stream.
package subscribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
	"github.com/merosskit/meross/device"
)

// Polling defaults.
const (
	DefaultStateInterval       = 30 * time.Second
	DefaultElectricityInterval = 30 * time.Second
	DefaultConsumptionInterval = 60 * time.Second

	// a state poll scheduled this close after a push is redundant
	DefaultPushWindow = 5 * time.Second
	// pushes older than this no longer count as live push traffic
	DefaultPushInactivity = 60 * time.Second
	// full-state results younger than this answer polls from cache
	DefaultCacheMaxAge = 10 * time.Second
)

// Update is the unified event delivered to listeners regardless of
// whether the sample came from a push, a poll or the cache.
type Update struct {
	Source    device.Source
	Timestamp time.Time
	Device    *device.Device
	State     map[device.Feature]map[int]interface{}
	Changes   map[device.Feature]map[int]interface{}
}

// Listener consumes updates. Failures are logged and do not block
// other listeners or subsequent polls.
type Listener func(Update)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the engine logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCacheMaxAge tunes cache suppression; zero disables it.
func WithCacheMaxAge(d time.Duration) Option {
	return func(e *Engine) { e.cacheMaxAge = d }
}

// WithPushWindow tunes how close after a push a state poll is skipped.
func WithPushWindow(d time.Duration) Option {
	return func(e *Engine) { e.pushWindow = d }
}

// WithPushInactivity tunes how long push traffic suppresses the
// electricity and consumption polls.
func WithPushInactivity(d time.Duration) Option {
	return func(e *Engine) { e.pushInactivity = d }
}

// WithPollTimeout bounds each poll's network call.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pollTimeout = d }
}

// Engine runs per-device polling loops. Multiple listeners on the same
// device and category share one loop running at the minimum of the
// requested intervals.
type Engine struct {
	logger         logrus.FieldLogger
	cacheMaxAge    time.Duration
	pushWindow     time.Duration
	pushInactivity time.Duration
	pollTimeout    time.Duration

	mu     sync.Mutex
	loops  map[string]*deviceLoop
	closed bool
}

// NewEngine builds a subscription engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:         common.NewLoggerFromEnv("subscribe", "MEROSS_LOG_LEVEL"),
		cacheMaxAge:    DefaultCacheMaxAge,
		pushWindow:     DefaultPushWindow,
		pushInactivity: DefaultPushInactivity,
		pollTimeout:    DefaultTimeoutPerPoll,
		loops:          make(map[string]*deviceLoop),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultTimeoutPerPoll bounds one poll round trip.
const DefaultTimeoutPerPoll = 10 * time.Second

// pollKind discriminates the polling categories.
type pollKind int

const (
	pollState pollKind = iota
	pollElectricity
	pollConsumption
)

func (k pollKind) String() string {
	switch k {
	case pollState:
		return "state"
	case pollElectricity:
		return "electricity"
	default:
		return "consumption"
	}
}

// SubscribeState delivers full-state updates at most every interval,
// plus push updates as they arrive. The returned function cancels the
// subscription.
func (e *Engine) SubscribeState(d *device.Device, interval time.Duration, fn Listener) func() {
	if interval <= 0 {
		interval = DefaultStateInterval
	}
	return e.subscribe(d, pollState, interval, fn)
}

// SubscribeElectricity polls instantaneous power readings.
func (e *Engine) SubscribeElectricity(d *device.Device, interval time.Duration, fn Listener) func() {
	if interval <= 0 {
		interval = DefaultElectricityInterval
	}
	return e.subscribe(d, pollElectricity, interval, fn)
}

// SubscribeConsumption polls accumulated consumption readings.
func (e *Engine) SubscribeConsumption(d *device.Device, interval time.Duration, fn Listener) func() {
	if interval <= 0 {
		interval = DefaultConsumptionInterval
	}
	return e.subscribe(d, pollConsumption, interval, fn)
}

func (e *Engine) subscribe(d *device.Device, kind pollKind, interval time.Duration, fn Listener) func() {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return func() {}
		}
		loop, ok := e.loops[d.InternalID()]
		if !ok {
			loop = newDeviceLoop(e, d)
			e.loops[d.InternalID()] = loop
		}
		e.mu.Unlock()

		id, ok := loop.add(kind, interval, fn)
		if !ok {
			// lost the race with the last listener's removal: the loop
			// shut down between lookup and add, so retire it and retry
			// with a fresh one
			e.mu.Lock()
			if e.loops[d.InternalID()] == loop {
				delete(e.loops, d.InternalID())
			}
			e.mu.Unlock()
			continue
		}
		return func() {
			if loop.remove(kind, id) {
				e.mu.Lock()
				if e.loops[d.InternalID()] == loop {
					delete(e.loops, d.InternalID())
				}
				e.mu.Unlock()
			}
		}
	}
}

// Close stops every polling loop.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	loops := make([]*deviceLoop, 0, len(e.loops))
	for _, l := range e.loops {
		loops = append(loops, l)
	}
	e.loops = make(map[string]*deviceLoop)
	e.mu.Unlock()

	for _, l := range loops {
		l.shutdown()
	}
}

type listenerReg struct {
	interval time.Duration
	fn       Listener
}

// deviceLoop owns the pollers and push bookkeeping for one device.
type deviceLoop struct {
	e *Engine
	d *device.Device

	mu           sync.Mutex
	nextID       uint64
	listeners    map[pollKind]map[uint64]*listenerReg
	pollers      map[pollKind]chan struct{} // close to stop
	pushActive   bool
	pushLastSeen time.Time
	pushTimer    *time.Timer
	stateHandle  device.Handle
	done         bool
}

func newDeviceLoop(e *Engine, d *device.Device) *deviceLoop {
	l := &deviceLoop{
		e:         e,
		d:         d,
		listeners: make(map[pollKind]map[uint64]*listenerReg),
		pollers:   make(map[pollKind]chan struct{}),
	}
	l.stateHandle = d.Subscribe(device.EventState, l.onStateEvent)
	return l
}

// add registers a listener and restarts the category poller at the new
// minimum interval. It reports false when the loop has already shut
// down, in which case the caller must start over with a fresh loop.
func (l *deviceLoop) add(kind pollKind, interval time.Duration, fn Listener) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return 0, false
	}
	l.nextID++
	if l.listeners[kind] == nil {
		l.listeners[kind] = make(map[uint64]*listenerReg)
	}
	l.listeners[kind][l.nextID] = &listenerReg{interval: interval, fn: fn}
	l.restartPollerLocked(kind)
	return l.nextID, true
}

// remove detaches a listener; it reports whether the loop is now empty
// and has shut itself down.
func (l *deviceLoop) remove(kind pollKind, id uint64) bool {
	l.mu.Lock()
	delete(l.listeners[kind], id)
	l.restartPollerLocked(kind)

	for _, regs := range l.listeners {
		if len(regs) > 0 {
			l.mu.Unlock()
			return false
		}
	}
	l.mu.Unlock()
	l.shutdown()
	return true
}

func (l *deviceLoop) shutdown() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	for kind, stop := range l.pollers {
		close(stop)
		delete(l.pollers, kind)
	}
	if l.pushTimer != nil {
		l.pushTimer.Stop()
	}
	l.mu.Unlock()
	l.d.Unsubscribe(l.stateHandle)
}

// restartPollerLocked recomputes the minimum interval for a category
// and replaces its poller. Callers hold l.mu.
func (l *deviceLoop) restartPollerLocked(kind pollKind) {
	if stop, ok := l.pollers[kind]; ok {
		close(stop)
		delete(l.pollers, kind)
	}
	if l.done {
		return
	}
	min := time.Duration(0)
	for _, reg := range l.listeners[kind] {
		if min == 0 || reg.interval < min {
			min = reg.interval
		}
	}
	if min == 0 {
		return
	}
	stop := make(chan struct{})
	l.pollers[kind] = stop
	go l.run(kind, min, stop)
}

func (l *deviceLoop) run(kind pollKind, interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.poll(kind)
		}
	}
}

// onStateEvent turns device push events into unified updates and
// maintains the push-suppression bookkeeping.
func (l *deviceLoop) onStateEvent(ev device.Event) {
	if ev.State == nil || ev.State.Source != device.SourcePush {
		return
	}

	l.mu.Lock()
	l.pushActive = true
	l.pushLastSeen = time.Now()
	if l.pushTimer == nil {
		l.pushTimer = time.AfterFunc(l.e.pushInactivity, l.clearPushActive)
	} else {
		l.pushTimer.Reset(l.e.pushInactivity)
	}
	l.mu.Unlock()

	kind := pollState
	switch ev.State.Type {
	case device.FeatureElectricity:
		kind = pollElectricity
	case device.FeatureConsumption:
		kind = pollConsumption
	}
	l.emit(kind, Update{
		Source:    device.SourcePush,
		Timestamp: ev.State.Timestamp,
		Device:    l.d,
		State:     l.d.State().Snapshot(),
		Changes: map[device.Feature]map[int]interface{}{
			ev.State.Type: {ev.State.Channel: ev.State.Value},
		},
	})
}

func (l *deviceLoop) clearPushActive() {
	l.mu.Lock()
	l.pushActive = false
	l.mu.Unlock()
}

func (l *deviceLoop) poll(kind pollKind) {
	l.mu.Lock()
	pushActive := l.pushActive
	sincePush := time.Since(l.pushLastSeen)
	l.mu.Unlock()

	switch kind {
	case pollState:
		if pushActive && sincePush < l.e.pushWindow {
			l.e.logger.WithField("device", l.d.UUID()).Debug("state poll skipped, push just seen")
			return
		}
		l.pollState()
	default:
		// live push traffic carries these readings already
		if pushActive {
			return
		}
		l.pollReading(kind)
	}
}

// pollState refreshes the full device state, answering from cache when
// the last refresh is young enough.
func (l *deviceLoop) pollState() {
	if l.e.cacheMaxAge > 0 && time.Since(l.d.LastFullUpdate()) < l.e.cacheMaxAge {
		l.emit(pollState, Update{
			Source:    device.SourceCache,
			Timestamp: time.Now(),
			Device:    l.d,
			State:     l.d.State().Snapshot(),
			Changes:   map[device.Feature]map[int]interface{}{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.e.pollTimeout)
	defer cancel()
	if err := l.d.RefreshState(ctx); err != nil {
		l.e.logger.WithFields(logrus.Fields{
			"device": l.d.UUID(),
			"error":  err,
		}).Warn("state poll failed")
		return
	}
	l.emit(pollState, Update{
		Source:    device.SourcePoll,
		Timestamp: time.Now(),
		Device:    l.d,
		State:     l.d.State().Snapshot(),
		Changes:   map[device.Feature]map[int]interface{}{},
	})
}

// pollReading fetches electricity or consumption and feeds the reply
// through the device's inbound tables, so the cache and listeners see
// it the same way they see pushes.
func (l *deviceLoop) pollReading(kind pollKind) {
	namespace := common.NamespaceElectricity
	if kind == pollConsumption {
		namespace = common.NamespaceConsumption
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.e.pollTimeout)
	defer cancel()

	rev := l.d.State().Revision()
	payload, err := l.d.Publish(ctx, common.MethodGet, namespace, nil)
	if err != nil {
		l.e.logger.WithFields(logrus.Fields{
			"device": l.d.UUID(),
			"kind":   kind.String(),
			"error":  err,
		}).Warn("reading poll failed")
		return
	}
	l.d.HandleMessage(&common.Message{
		Header: common.Header{
			MessageID: common.NewMessageID(),
			Method:    common.MethodGetAck,
			Namespace: namespace,
			Timestamp: time.Now().Unix(),
		},
		Payload: payload,
	}, device.SourcePoll)

	l.emit(kind, Update{
		Source:    device.SourcePoll,
		Timestamp: time.Now(),
		Device:    l.d,
		State:     l.d.State().Snapshot(),
		Changes:   l.d.State().ChangedSince(rev),
	})
}

// emit fans an update out to the category's listeners; a panicking
// listener never blocks the others.
func (l *deviceLoop) emit(kind pollKind, u Update) {
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.listeners[kind]))
	for _, reg := range l.listeners[kind] {
		fns = append(fns, reg.fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.e.logger.WithField("device", l.d.UUID()).Errorf("listener panic: %v", r)
					l.d.EmitError(fmt.Errorf("subscription listener panic: %v", r))
				}
			}()
			fn(u)
		}()
	}
}
