package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/model"
)

func records(n int) []model.OutcomeRecord {
	out := make([]model.OutcomeRecord, n)
	for i := range out {
		id := int64(5000 + i)
		if i%4 == 3 {
			id = model.SentinelSkipped
		}
		out[i] = model.OutcomeRecord{WorkItemID: int64(i + 1), ExternalNoteID: id}
	}
	return out
}

func TestReconcile_SubBatchesPreserveOrder(t *testing.T) {
	b := &mockBackend{}
	r := NewReconciler(b, 200, testLogger)
	in := records(450)

	var applied [][]model.OutcomeRecord
	n, err := r.Reconcile(context.Background(), in, func(_ context.Context, batch []model.OutcomeRecord) error {
		applied = append(applied, batch)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 450 {
		t.Errorf("applied = %d, want 450", n)
	}
	if len(b.batches) != 3 || len(b.batches[0]) != 200 || len(b.batches[2]) != 50 {
		t.Errorf("batch sizes wrong: %d batches", len(b.batches))
	}
	if len(applied) != 3 {
		t.Errorf("onApplied calls = %d, want 3", len(applied))
	}
	got := b.delivered()
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("delivered[%d] = %+v, want %+v", i, got[i], in[i])
		}
	}
}

func TestReconcile_IncludesSentinels(t *testing.T) {
	b := &mockBackend{}
	r := NewReconciler(b, 0, testLogger)

	in := []model.OutcomeRecord{{WorkItemID: 1, ExternalNoteID: model.SentinelSkipped}}
	if _, err := r.Reconcile(context.Background(), in, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := b.delivered()
	if len(got) != 1 || got[0].ExternalNoteID != -1 {
		t.Errorf("delivered = %v, want sentinel -1", got)
	}
}

func TestReconcile_FailureKeepsPriorBatches(t *testing.T) {
	b := &mockBackend{failBatch: 2}
	r := NewReconciler(b, 10, testLogger)

	n, err := r.Reconcile(context.Background(), records(35), nil)
	var rerr *ReconciliationError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want ReconciliationError", err)
	}
	if rerr.Batch != 1 || rerr.Applied != 10 || n != 10 {
		t.Errorf("batch=%d applied=%d n=%d, want 1, 10, 10", rerr.Batch, rerr.Applied, n)
	}
	var serr *backend.StatusError
	if !errors.As(err, &serr) {
		t.Errorf("cause not preserved: %v", err)
	}
	if len(b.batches) != 1 {
		t.Errorf("accepted batches = %d, want 1 (no call after failure)", len(b.batches))
	}
}

func TestReconcile_Empty(t *testing.T) {
	b := &mockBackend{}
	n, err := NewReconciler(b, 200, testLogger).Reconcile(context.Background(), nil, nil)
	if err != nil || n != 0 || b.calls != 0 {
		t.Errorf("n=%d err=%v calls=%d, want no-op", n, err, b.calls)
	}
}

func TestReconcile_AppliedHookErrorDoesNotStop(t *testing.T) {
	b := &mockBackend{}
	r := NewReconciler(b, 5, testLogger)

	n, err := r.Reconcile(context.Background(), records(12), func(context.Context, []model.OutcomeRecord) error {
		return errors.New("disk full")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 12 || len(b.batches) != 3 {
		t.Errorf("n=%d batches=%d, want 12 and 3", n, len(b.batches))
	}
}
