package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/state"
)

type engineFixture struct {
	anki    *mockAnki
	backend *mockBackend
	journal *mockJournal
	engine  *Engine
}

func newEngineFixture(chunk, reconcileBatch int) *engineFixture {
	f := &engineFixture{
		anki:    newMockAnki(),
		backend: &mockBackend{},
		journal: newMockJournal(),
	}
	exec := newTestExecutor(f.anki, chunk, RejectSkip, nil)
	rec := NewReconciler(f.backend, reconcileBatch, testLogger)
	f.engine = NewEngine(f.backend, exec, rec, f.journal, 500, testLogger)
	return f
}

func TestEngineRun_FullPass(t *testing.T) {
	f := newEngineFixture(20, 200)
	f.backend.items = workItems("a", "b", "a")

	rep, err := f.engine.Run(context.Background(), backend.Filter{OnlyFavorite: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Fetched != 3 || len(rep.Outcomes) != 3 || rep.Reconciled != 3 {
		t.Errorf("report = %+v", rep)
	}
	if !f.backend.filters[0].OnlyFavorite {
		t.Error("filter not forwarded to backend")
	}
	if got := f.backend.delivered(); len(got) != 3 || !got[2].Skipped() {
		t.Errorf("delivered = %v, want 3 with last skipped", got)
	}
	if f.journal.status(rep.RunID) != state.RunCompleted {
		t.Errorf("run status = %q, want completed", f.journal.status(rep.RunID))
	}
	if f.journal.pendingCount() != 0 {
		t.Errorf("unreconciled = %d, want 0", f.journal.pendingCount())
	}
}

func TestEngineRun_EmptyWorkList(t *testing.T) {
	f := newEngineFixture(20, 200)

	rep, err := f.engine.Run(context.Background(), backend.Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.RunID != "" || len(f.journal.order) != 0 {
		t.Errorf("empty work-list should not start a run: %+v", rep)
	}
	if f.backend.calls != 0 {
		t.Errorf("reconcile calls = %d, want 0", f.backend.calls)
	}
}

func TestEngineRun_FetchError(t *testing.T) {
	f := newEngineFixture(20, 200)
	f.backend.fetchErr = errors.New("backend down")

	if _, err := f.engine.Run(context.Background(), backend.Filter{}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.journal.order) != 0 {
		t.Error("no run should be journaled when fetch fails")
	}
}

func TestEngineRun_UploadFailureJournalsPartialState(t *testing.T) {
	f := newEngineFixture(2, 200)
	f.backend.items = uniqueItems(5)
	f.anki.failAddOnCall = 2

	rep, err := f.engine.Run(context.Background(), backend.Filter{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rep.Outcomes) != 2 {
		t.Errorf("partial outcomes = %d, want 2", len(rep.Outcomes))
	}
	if f.journal.status(rep.RunID) != state.RunFailed {
		t.Errorf("run status = %q, want failed", f.journal.status(rep.RunID))
	}
	if f.backend.calls != 0 {
		t.Errorf("failed run must not be reconciled, got %d calls", f.backend.calls)
	}
	if f.journal.pendingCount() != 2 {
		t.Errorf("unreconciled = %d, want 2", f.journal.pendingCount())
	}

	// Manual retry delivers the journaled partial outcomes.
	n, err := f.engine.ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if n != 2 || f.journal.pendingCount() != 0 {
		t.Errorf("reconciled = %d, pending = %d, want 2 and 0", n, f.journal.pendingCount())
	}
}

func TestEngineRun_RerunSendsJournaledOutcomesFirst(t *testing.T) {
	f := newEngineFixture(2, 200)
	f.backend.items = uniqueItems(5)
	f.anki.failAddOnCall = 2

	if _, err := f.engine.Run(context.Background(), backend.Filter{}); err == nil {
		t.Fatal("expected first run to fail")
	}
	f.anki.failAddOnCall = 0

	rep, err := f.engine.Run(context.Background(), backend.Filter{})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rep.Recovered != 2 {
		t.Errorf("recovered = %d, want 2", rep.Recovered)
	}
	if rep.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", rep.Fetched)
	}

	sent := make(map[int64][]int64)
	for _, o := range f.backend.delivered() {
		sent[o.WorkItemID] = append(sent[o.WorkItemID], o.ExternalNoteID)
	}
	want := map[int64]int64{1: 1001, 2: 1002, 3: 1003, 4: 1004, 5: 1005}
	for id, noteID := range want {
		if got := sent[id]; len(got) != 1 || got[0] != noteID {
			t.Errorf("article %d delivered as %v, want [%d]", id, got, noteID)
		}
	}
	if f.journal.pendingCount() != 0 {
		t.Errorf("unreconciled = %d, want 0", f.journal.pendingCount())
	}
}

func TestEngineRun_JournalReconcileFailureStopsRun(t *testing.T) {
	f := newEngineFixture(2, 200)
	f.backend.items = uniqueItems(5)
	f.anki.failAddOnCall = 2

	if _, err := f.engine.Run(context.Background(), backend.Filter{}); err == nil {
		t.Fatal("expected first run to fail")
	}
	f.anki.failAddOnCall = 0
	f.backend.failBatch = 1
	_, addsBefore := f.anki.counts()

	if _, err := f.engine.Run(context.Background(), backend.Filter{}); err == nil {
		t.Fatal("expected rerun to fail while journal cannot be sent")
	}
	if len(f.backend.filters) != 1 {
		t.Errorf("fetches = %d, want 1", len(f.backend.filters))
	}
	if _, adds := f.anki.counts(); adds != addsBefore {
		t.Errorf("addNotes calls = %d, want %d", adds, addsBefore)
	}
	if f.journal.pendingCount() != 2 {
		t.Errorf("unreconciled = %d, want 2", f.journal.pendingCount())
	}
}

func TestEngineRun_ReconcileFailureLeavesRemainder(t *testing.T) {
	f := newEngineFixture(20, 2)
	f.backend.items = uniqueItems(5)
	f.backend.failBatch = 2

	rep, err := f.engine.Run(context.Background(), backend.Filter{})
	var rerr *ReconciliationError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, want ReconciliationError", err)
	}
	if rep.Reconciled != 2 {
		t.Errorf("reconciled = %d, want 2", rep.Reconciled)
	}
	if f.journal.pendingCount() != 3 {
		t.Errorf("unreconciled = %d, want 3", f.journal.pendingCount())
	}

	n, err := f.engine.ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if n != 3 {
		t.Errorf("retry reconciled = %d, want 3", n)
	}
	if got := f.backend.delivered(); len(got) != 5 {
		t.Errorf("delivered = %d, want 5", len(got))
	}
}

func TestReconcilePending_Nothing(t *testing.T) {
	f := newEngineFixture(20, 200)
	n, err := f.engine.ReconcilePending(context.Background())
	if err != nil || n != 0 {
		t.Errorf("n=%d err=%v, want 0 and nil", n, err)
	}
}

func TestGroupByRun(t *testing.T) {
	pending := []state.Outcome{
		{RunID: "r1"}, {RunID: "r1"}, {RunID: "r2"}, {RunID: "r1"},
	}
	groups := groupByRun(pending)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if groups[0].runID != "r1" || len(groups[0].records) != 2 || groups[2].runID != "r1" {
		t.Errorf("groups = %+v", groups)
	}
}
