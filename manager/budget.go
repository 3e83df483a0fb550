package manager

import (
	"sync"
	"time"
)

// Error budget defaults.
const (
	DefaultMaxErrors         = 1
	DefaultErrorBudgetWindow = time.Minute
)

// ErrorBudget counts LAN transport failures per device inside a
// tumbling window. When a device runs out of budget the arbiter stops
// spending time on LAN attempts until the window turns over.
type ErrorBudget struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*budgetEntry
}

type budgetEntry struct {
	remaining   int
	windowStart time.Time
}

// NewErrorBudget builds a budget; non-positive arguments fall back to
// the defaults.
func NewErrorBudget(maxErrors int, window time.Duration) *ErrorBudget {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if window <= 0 {
		window = DefaultErrorBudgetWindow
	}
	return &ErrorBudget{
		max:     maxErrors,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*budgetEntry),
	}
}

// entry returns the device's bucket, turning the window over when it
// has elapsed. Callers hold b.mu.
func (b *ErrorBudget) entry(uuid string) *budgetEntry {
	e, ok := b.entries[uuid]
	if !ok {
		e = &budgetEntry{remaining: b.max, windowStart: b.now()}
		b.entries[uuid] = e
		return e
	}
	if b.now().After(e.windowStart.Add(b.window)) {
		e.remaining = b.max
		e.windowStart = b.now()
	}
	return e
}

// NotifyError spends one unit of the device's budget.
func (b *ErrorBudget) NotifyError(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(uuid)
	if e.remaining > 0 {
		e.remaining--
	}
}

// IsOutOfBudget reports whether the device may not attempt LAN.
func (b *ErrorBudget) IsOutOfBudget(uuid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(uuid).remaining < 1
}

// Remaining returns the units left in the current window.
func (b *ErrorBudget) Remaining(uuid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(uuid).remaining
}

// Reset refills the device's budget immediately.
func (b *ErrorBudget) Reset(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[uuid] = &budgetEntry{remaining: b.max, windowStart: b.now()}
}
