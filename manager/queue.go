package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/merosskit/meross/common"
)

// Request queue defaults.
const (
	DefaultBatchSize  = 1
	DefaultBatchDelay = 200 * time.Millisecond
)

// InvokeFunc is the unit of work a queue entry runs.
type InvokeFunc func() (interface{}, error)

// Result completes a queued call.
type Result struct {
	Value interface{}
	Err   error
}

type queueEntry struct {
	fn   InvokeFunc
	done chan Result // buffered, written exactly once
}

type deviceQueue struct {
	entries  []*queueEntry
	draining bool
}

// RequestQueue is the per-device throttle: FIFO dispatch in batches of
// batchSize with batchDelay between batches. Distinct devices drain
// independently; there is no global lock around invocations.
type RequestQueue struct {
	batchSize int
	delay     time.Duration
	enabled   bool
	logger    logrus.FieldLogger

	mu     sync.Mutex
	queues map[string]*deviceQueue
}

// NewRequestQueue builds a queue; non-positive tuning falls back to
// defaults. A disabled queue runs entries inline.
func NewRequestQueue(batchSize int, delay time.Duration, enabled bool, logger logrus.FieldLogger) *RequestQueue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if delay < 0 {
		delay = DefaultBatchDelay
	}
	return &RequestQueue{
		batchSize: batchSize,
		delay:     delay,
		enabled:   enabled,
		logger:    logger,
		queues:    make(map[string]*deviceQueue),
	}
}

// Enqueue schedules fn on the device's queue and returns the channel
// its result arrives on. With throttling disabled fn runs inline.
func (q *RequestQueue) Enqueue(uuid string, fn InvokeFunc) <-chan Result {
	done := make(chan Result, 1)
	if !q.enabled {
		v, err := fn()
		done <- Result{Value: v, Err: err}
		return done
	}

	q.mu.Lock()
	dq, ok := q.queues[uuid]
	if !ok {
		dq = &deviceQueue{}
		q.queues[uuid] = dq
	}
	dq.entries = append(dq.entries, &queueEntry{fn: fn, done: done})
	if !dq.draining {
		dq.draining = true
		go q.drain(uuid, dq)
	}
	q.mu.Unlock()
	return done
}

// Do is Enqueue with context-aware waiting. On cancellation the entry
// still runs to completion in the background but its result is dropped.
func (q *RequestQueue) Do(ctx context.Context, uuid string, fn InvokeFunc) (interface{}, error) {
	select {
	case r := <-q.Enqueue(uuid, fn):
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain is the single processor for one device queue. It pops at most
// batchSize entries, awaits them all, sleeps the batch delay when more
// work remains and exits when the queue runs dry or is replaced by
// ClearQueue.
func (q *RequestQueue) drain(uuid string, dq *deviceQueue) {
	for {
		q.mu.Lock()
		if q.queues[uuid] != dq {
			q.mu.Unlock()
			return
		}
		if len(dq.entries) == 0 {
			dq.draining = false
			delete(q.queues, uuid)
			q.mu.Unlock()
			return
		}
		n := q.batchSize
		if n > len(dq.entries) {
			n = len(dq.entries)
		}
		batch := dq.entries[:n]
		dq.entries = dq.entries[n:]
		q.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for _, e := range batch {
			go func(e *queueEntry) {
				defer wg.Done()
				v, err := e.fn()
				e.done <- Result{Value: v, Err: err}
			}(e)
		}
		wg.Wait()

		// the delay decision must observe entries that arrived while the
		// batch was in flight, so re-check after the batch completes
		q.mu.Lock()
		more := q.queues[uuid] == dq && len(dq.entries) > 0
		q.mu.Unlock()
		if more {
			time.Sleep(q.delay)
		}
	}
}

// ClearQueue rejects every pending entry for the device and removes
// its queue.
func (q *RequestQueue) ClearQueue(uuid string) {
	q.mu.Lock()
	dq, ok := q.queues[uuid]
	var entries []*queueEntry
	if ok {
		entries = dq.entries
		dq.entries = nil
		delete(q.queues, uuid)
	}
	q.mu.Unlock()

	for _, e := range entries {
		e.done <- Result{Err: common.ErrCancelled}
	}
	if len(entries) > 0 {
		q.logger.WithFields(logrus.Fields{"device": uuid, "dropped": len(entries)}).Debug("queue cleared")
	}
}

// Clear rejects all pending entries on every device queue.
func (q *RequestQueue) Clear() {
	q.mu.Lock()
	uuids := make([]string, 0, len(q.queues))
	for uuid := range q.queues {
		uuids = append(uuids, uuid)
	}
	q.mu.Unlock()
	for _, uuid := range uuids {
		q.ClearQueue(uuid)
	}
}
