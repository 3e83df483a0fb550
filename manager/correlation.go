package manager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/merosskit/meross/common"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

// PendingCall is one in-flight request awaiting its ack.
type PendingCall struct {
	messageID string
	ch        chan callResult // buffered, written at most once
	timer     *time.Timer
}

// Wait blocks for the correlated reply, the deadline or the context.
func (p *PendingCall) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches asynchronous replies to the originating call by
// message id. Every pending entry is removed exactly once: on reply,
// on timeout, on publish failure or on shutdown. Late replies are
// silently dropped.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*PendingCall)}
}

// Register adds a pending entry with a deadline. The timeout failure
// carries the device uuid and a command descriptor for diagnostics.
func (c *Correlator) Register(messageID, deviceUUID, command string, timeout time.Duration) *PendingCall {
	p := &PendingCall{
		messageID: messageID,
		ch:        make(chan callResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(messageID, callResult{err: &common.CommandTimeoutError{
			DeviceUUID: deviceUUID,
			Timeout:    timeout,
			Command:    command,
		}})
	})

	c.mu.Lock()
	c.pending[messageID] = p
	c.mu.Unlock()
	return p
}

// Complete resolves a pending call with the reply payload. Unknown
// ids are a no-op and report false.
func (c *Correlator) Complete(messageID string, payload json.RawMessage) bool {
	return c.resolve(messageID, callResult{payload: payload})
}

// Fail rejects a pending call. Unknown ids are a no-op.
func (c *Correlator) Fail(messageID string, err error) bool {
	return c.resolve(messageID, callResult{err: err})
}

// Cancel removes a pending call, rejecting it with a cancellation.
func (c *Correlator) Cancel(messageID string) {
	c.resolve(messageID, callResult{err: common.ErrCancelled})
}

// Len returns the number of in-flight calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CloseAll rejects every pending call, used on shutdown.
func (c *Correlator) CloseAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*PendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- callResult{err: err}
	}
}

// resolve removes and completes the entry in one critical section so
// completion happens at most once.
func (c *Correlator) resolve(messageID string, r callResult) bool {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- r
	return true
}
