// Package debounce coalesces bursts of ids into a single batched call.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is the quiet period after the last Enqueue before the queue
// fires.
const DefaultWindow = 100 * time.Millisecond

// FireFunc receives one drained batch. Ids are in enqueue order without
// repeats.
type FireFunc func(ctx context.Context, ids []int64) error

// Queue collects ids and hands them to a FireFunc once no new id has arrived
// for the window. Every Enqueue restarts the timer. Safe for concurrent use.
type Queue struct {
	window time.Duration
	fire   FireFunc
	log    *slog.Logger

	mu      sync.Mutex
	pending []int64
	seen    map[int64]struct{}
	timer   *time.Timer
	closed  bool

	inflight sync.WaitGroup
	errMu    sync.Mutex
	errs     []error
}

// New creates a Queue. A window of zero selects [DefaultWindow].
func New(window time.Duration, fire FireFunc, logger *slog.Logger) *Queue {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Queue{
		window: window,
		fire:   fire,
		log:    logger,
		seen:   make(map[int64]struct{}),
	}
}

// Enqueue adds id to the pending batch and restarts the timer. Ids already
// pending are ignored. Enqueue after Close is a no-op and returns false.
func (q *Queue) Enqueue(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, dup := q.seen[id]; !dup {
		q.seen[id] = struct{}{}
		q.pending = append(q.pending, id)
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.window, q.onTimer)
	} else {
		q.timer.Reset(q.window)
	}
	return true
}

// Pending returns the number of ids waiting for the next fire.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close fires any pending batch immediately, waits for in-flight fires and
// returns their errors joined.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	batch := q.drainLocked()
	q.mu.Unlock()

	if len(batch) > 0 {
		q.inflight.Add(1)
		q.deliver(ctx, batch)
	}
	q.inflight.Wait()

	q.errMu.Lock()
	defer q.errMu.Unlock()
	return errors.Join(q.errs...)
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	batch := q.drainLocked()
	if len(batch) > 0 {
		q.inflight.Add(1)
	}
	q.mu.Unlock()

	if len(batch) > 0 {
		q.deliver(context.Background(), batch)
	}
}

// drainLocked swaps out the pending batch. Caller holds q.mu.
func (q *Queue) drainLocked() []int64 {
	batch := q.pending
	q.pending = nil
	q.seen = make(map[int64]struct{})
	return batch
}

func (q *Queue) deliver(ctx context.Context, batch []int64) {
	defer q.inflight.Done()
	q.log.Debug("debounce queue firing", "ids", len(batch))
	if err := q.fire(ctx, batch); err != nil {
		q.log.Error("batched call failed", "ids", len(batch), "error", err)
		q.errMu.Lock()
		q.errs = append(q.errs, err)
		q.errMu.Unlock()
	}
}
