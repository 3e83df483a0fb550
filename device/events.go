package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind discriminates device events.
type EventKind int

const (
	EventState EventKind = iota
	EventOnline
	EventConnected
	EventDisconnected
	EventError
)

// Source tells where a state sample came from.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceCache Source = "cache"
)

// StateEvent is the unified state-change payload.
type StateEvent struct {
	Type      Feature
	Channel   int
	Value     interface{}
	Source    Source
	Timestamp time.Time
}

// Event is delivered to subscribed handlers.
type Event struct {
	Kind   EventKind
	Device *Device

	State        *StateEvent  // EventState
	OnlineStatus OnlineStatus // EventOnline
	Err          error        // EventError, EventDisconnected (nil on clean close)
}

// Handler consumes device events. Handlers run on the dispatching
// goroutine; panics are recovered and re-emitted as error events.
type Handler func(Event)

// Handle detaches a subscribed handler.
type Handle struct {
	kind EventKind
	id   uint64
}

type eventMux struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventKind]map[uint64]Handler
	logger logrus.FieldLogger
}

func newEventMux(logger logrus.FieldLogger) *eventMux {
	return &eventMux{subs: make(map[EventKind]map[uint64]Handler), logger: logger}
}

func (m *eventMux) subscribe(kind EventKind, fn Handler) Handle {
	if fn == nil {
		panic("fn is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if m.subs[kind] == nil {
		m.subs[kind] = make(map[uint64]Handler)
	}
	m.subs[kind][m.nextID] = fn
	return Handle{kind: kind, id: m.nextID}
}

func (m *eventMux) unsubscribe(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[h.kind], h.id)
}

// emit calls every handler for the event kind. A failing listener is
// logged and surfaced as an error event without blocking the rest.
func (m *eventMux) emit(ev Event) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.subs[ev.Kind]))
	for _, fn := range m.subs[ev.Kind] {
		handlers = append(handlers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range handlers {
		m.safeCall(fn, ev)
	}
}

func (m *eventMux) safeCall(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("event", ev.Kind).Errorf("listener panic: %v", r)
			if ev.Kind != EventError {
				m.emit(Event{Kind: EventError, Device: ev.Device, Err: fmt.Errorf("listener panic: %v", r)})
			}
		}
	}()
	fn(ev)
}
