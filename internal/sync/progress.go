package sync

import (
	"sync"

	"github.com/prisma-ai/ankisync/internal/model"
)

// ProgressFunc observes progress after every chunk.
type ProgressFunc func(model.Progress)

// Reporter owns the {total, completed} counters of one run. Completed only
// moves forward and never exceeds total.
type Reporter struct {
	mu       sync.Mutex
	progress model.Progress
	notify   ProgressFunc
}

// NewReporter creates a Reporter that calls notify on every advance. A nil
// notify is allowed.
func NewReporter(notify ProgressFunc) *Reporter {
	return &Reporter{notify: notify}
}

// Reset starts a new run of total items without notifying.
func (r *Reporter) Reset(total int) {
	r.mu.Lock()
	r.progress = model.Progress{Total: total}
	r.mu.Unlock()
}

// OnChunkComplete advances completed by n and notifies the observer. It fires
// even when n items produced no writes.
func (r *Reporter) OnChunkComplete(n int) {
	r.mu.Lock()
	r.progress.Completed = min(r.progress.Completed+n, r.progress.Total)
	snap := r.progress
	r.mu.Unlock()

	if r.notify != nil {
		r.notify(snap)
	}
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() model.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}
