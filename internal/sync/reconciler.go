package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prisma-ai/ankisync/internal/model"
)

// DefaultReconcileBatchSize is the number of outcomes sent per backend call.
const DefaultReconcileBatchSize = 200

// ReconciliationError reports a sub-batch the backend did not accept.
// Sub-batches before it stay applied.
type ReconciliationError struct {
	// Batch is the zero-based index of the failed sub-batch.
	Batch int
	// Applied is the number of outcomes delivered before the failure.
	Applied int
	Err     error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile sub-batch %d failed after %d applied: %v", e.Batch, e.Applied, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// AppliedFunc is called after each sub-batch the backend accepted.
type AppliedFunc func(ctx context.Context, batch []model.OutcomeRecord) error

// Reconciler delivers outcome records to the backend. Sub-batch boundaries
// are independent of upload chunk boundaries and order is preserved.
type Reconciler struct {
	backend   Backend
	batchSize int
	log       *slog.Logger
}

// NewReconciler creates a Reconciler. A batchSize below 1 selects
// [DefaultReconcileBatchSize].
func NewReconciler(b Backend, batchSize int, logger *slog.Logger) *Reconciler {
	if batchSize < 1 {
		batchSize = DefaultReconcileBatchSize
	}
	return &Reconciler{backend: b, batchSize: batchSize, log: logger}
}

// Reconcile sends outcomes in order, stopping at the first failed sub-batch.
// onApplied may be nil; its errors are logged and do not stop delivery. It
// returns the number of outcomes the backend accepted.
func (r *Reconciler) Reconcile(ctx context.Context, outcomes []model.OutcomeRecord, onApplied AppliedFunc) (int, error) {
	applied := 0
	for n, start := 0, 0; start < len(outcomes); n, start = n+1, start+r.batchSize {
		end := min(start+r.batchSize, len(outcomes))
		batch := outcomes[start:end]

		if err := r.backend.MarkUploaded(ctx, batch); err != nil {
			r.log.Error("reconcile sub-batch failed",
				"batch", n,
				"size", len(batch),
				"applied", applied,
				"error", err,
			)
			return applied, &ReconciliationError{Batch: n, Applied: applied, Err: err}
		}
		applied += len(batch)

		if onApplied != nil {
			if err := onApplied(ctx, batch); err != nil {
				r.log.Error("recording applied sub-batch", "batch", n, "error", err)
			}
		}
		r.log.Debug("reconcile sub-batch applied", "batch", n, "size", len(batch))
	}

	if applied > 0 {
		r.log.Info("reconcile complete", "outcomes", applied)
	}
	return applied, nil
}
