// Package sync implements the flashcard synchronization pipeline. It pushes
// interview questions that the backend reports as not yet uploaded into
// Anki, skipping notes Anki already holds and title collisions within the
// run, and writes the per-question outcomes back to the backend.
//
// The package contains these components:
//
//   - [Resolver] makes sure the decks a chunk needs exist.
//   - [Filter] partitions a chunk's candidate notes into uploadable and
//     duplicate.
//   - [Executor] drives the chunked upload and accumulates outcomes.
//   - [Reporter] tracks {total, completed} and notifies an observer per chunk.
//   - [Reconciler] delivers outcomes to the backend in sub-batches.
//   - [Engine] ties one full run together with the run journal and telemetry.
package sync

import (
	"context"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/model"
	"github.com/prisma-ai/ankisync/internal/state"
)

// AnkiStore is the external flashcard store.
// Implemented by [anki.Client].
type AnkiStore interface {
	CreateDeck(ctx context.Context, name string) error
	CanAddNotes(ctx context.Context, notes []anki.Note) ([]anki.CanAddResult, error)
	AddNotes(ctx context.Context, notes []anki.Note) ([]*int64, error)
	FindNotes(ctx context.Context, query string) ([]int64, error)
}

// Backend is the system of record: producer of the work-list and consumer of
// outcome records.
// Implemented by [backend.Client].
type Backend interface {
	FetchPending(ctx context.Context, pageSize int, filter backend.Filter) ([]model.WorkItem, error)
	MarkUploaded(ctx context.Context, outcomes []model.OutcomeRecord) error
}

// Journal records runs and their outcomes.
// Implemented by [state.Store].
type Journal interface {
	StartRun(ctx context.Context, total int) (string, error)
	FinishRun(ctx context.Context, runID string, status state.RunStatus, runErr error) error
	RecordOutcomes(ctx context.Context, runID string, outcomes []model.OutcomeRecord) error
	MarkReconciled(ctx context.Context, runID string, outcomes []model.OutcomeRecord) error
	Unreconciled(ctx context.Context) ([]state.Outcome, error)
}
