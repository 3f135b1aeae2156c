package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/model"
	"github.com/prisma-ai/ankisync/internal/render"
)

// DefaultChunkSize is the number of work items processed per chunk.
const DefaultChunkSize = 20

// ErrRunInProgress is returned when UploadQuestions is called while another
// run on the same Executor is still running.
var ErrRunInProgress = errors.New("sync run already in progress")

// ExecState is the lifecycle state of an Executor.
type ExecState int

// Executor states.
const (
	StateIdle ExecState = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s ExecState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RejectionPolicy decides what happens to a candidate the store refuses for a
// reason other than the canonical duplicate message.
type RejectionPolicy string

// Rejection policies.
const (
	// RejectSkip records the candidate as skipped and logs a warning.
	RejectSkip RejectionPolicy = "skip"
	// RejectFail aborts the run with a [*RejectedError].
	RejectFail RejectionPolicy = "fail"
)

// RejectedError reports a non-duplicate rejection under [RejectFail].
type RejectedError struct {
	WorkItemID int64
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("article %d rejected by anki: %s", e.WorkItemID, e.Reason)
}

// Stats counts per-item results of one upload run.
type Stats struct {
	Added        int
	SkippedStore int
	SkippedBatch int
	Rejected     int
	// WriteSkipped counts uploadable candidates the store refused at write
	// time (null id or duplicate envelope from addNotes).
	WriteSkipped int
	// Recovered counts notes of a duplicate-refused batch that were found in
	// the store afterwards. They are included in Added.
	Recovered int
	Chunks    int
}

// ExecutorConfig holds the tunables of an Executor.
type ExecutorConfig struct {
	ChunkSize int
	Policy    RejectionPolicy
}

// Executor drives a chunked upload. Chunks run strictly in sequence. Create
// one with [NewExecutor].
type Executor struct {
	store    AnkiStore
	resolver *Resolver
	filter   *Filter
	renderer render.NoteRenderer
	reporter *Reporter
	cfg      ExecutorConfig
	log      *slog.Logger

	mu    sync.Mutex
	state ExecState
}

// NewExecutor creates an Executor that renders work items with renderer and
// writes them to store. progress may be nil.
func NewExecutor(store AnkiStore, renderer render.NoteRenderer, cfg ExecutorConfig, progress ProgressFunc, logger *slog.Logger) *Executor {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Policy == "" {
		cfg.Policy = RejectSkip
	}
	return &Executor{
		store:    store,
		resolver: NewResolver(store, logger),
		filter:   NewFilter(store, logger),
		renderer: renderer,
		reporter: NewReporter(progress),
		cfg:      cfg,
		log:      logger,
	}
}

// State returns the current lifecycle state.
func (e *Executor) State() ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns the counters of the current or last run.
func (e *Executor) Progress() model.Progress {
	return e.reporter.Snapshot()
}

// UploadQuestions runs the full batch and returns one outcome per work item in
// input order. On failure it returns the outcomes of the chunks that completed
// together with the error.
func (e *Executor) UploadQuestions(ctx context.Context, items []model.WorkItem) ([]model.OutcomeRecord, Stats, error) {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, Stats{}, ErrRunInProgress
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.reporter.Reset(len(items))
	if len(items) == 0 {
		// No chunk will report, so tell the observer the run is done.
		e.reporter.OnChunkComplete(0)
	}
	outcomes, stats, err := e.run(ctx, items)

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateCompleted
	}
	e.mu.Unlock()
	return outcomes, stats, err
}

func (e *Executor) run(ctx context.Context, items []model.WorkItem) ([]model.OutcomeRecord, Stats, error) {
	var stats Stats
	outcomes := make([]model.OutcomeRecord, 0, len(items))

	// (deck, title) pairs already sent in this run.
	sent := make(map[string]struct{}, len(items))

	for start := 0; start < len(items); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(items))
		chunk := items[start:end]
		stats.Chunks++

		res, err := e.runChunk(ctx, chunk, sent, &stats)
		if err != nil {
			return outcomes, stats, fmt.Errorf("chunk %d (items %d-%d): %w", stats.Chunks, start, end-1, err)
		}
		outcomes = append(outcomes, res...)
		e.reporter.OnChunkComplete(len(chunk))

		e.log.Debug("chunk complete",
			"chunk", stats.Chunks,
			"size", len(chunk),
			"progress", e.reporter.Snapshot().Completed,
		)
	}

	e.log.Info("upload complete",
		"items", len(items),
		"chunks", stats.Chunks,
		"added", stats.Added,
		"skipped_store", stats.SkippedStore,
		"skipped_batch", stats.SkippedBatch,
		"rejected", stats.Rejected,
		"write_skipped", stats.WriteSkipped,
		"recovered", stats.Recovered,
	)
	return outcomes, stats, nil
}

// runChunk resolves decks, filters, writes and folds the verdicts into one
// outcome per chunk item.
func (e *Executor) runChunk(ctx context.Context, chunk []model.WorkItem, sent map[string]struct{}, stats *Stats) ([]model.OutcomeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]model.CandidateNote, len(chunk))
	for i := range chunk {
		candidates[i] = e.renderer.Render(&chunk[i])
	}

	if err := e.resolver.EnsureGroupings(ctx, DeckKeys(candidates)); err != nil {
		return nil, err
	}

	part, err := e.filter.Partition(ctx, candidates)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(chunk))
	var writeIdx []int
	for i, v := range part.Verdicts {
		ids[i] = model.SentinelSkipped
		switch v.Kind {
		case model.VerdictDuplicateInStore:
			if v.Unexpected {
				if e.cfg.Policy == RejectFail {
					return nil, &RejectedError{WorkItemID: chunk[i].ID, Reason: v.Reason}
				}
				stats.Rejected++
				e.log.Warn("note rejected for non-duplicate reason, skipping",
					"article_id", chunk[i].ID,
					"title", candidates[i].Title,
					"reason", v.Reason,
				)
				continue
			}
			stats.SkippedStore++
			e.log.Info("note already in anki", "article_id", chunk[i].ID, "title", candidates[i].Title)
		case model.VerdictDuplicateInBatch:
			stats.SkippedBatch++
			e.log.Info("duplicate title in batch", "article_id", chunk[i].ID, "title", candidates[i].Title)
		case model.VerdictUploadable:
			key := noteIdentity(&candidates[i])
			if _, dup := sent[key]; dup {
				stats.SkippedBatch++
				e.log.Info("duplicate title in run", "article_id", chunk[i].ID, "title", candidates[i].Title)
				continue
			}
			sent[key] = struct{}{}
			writeIdx = append(writeIdx, i)
		}
	}

	if len(writeIdx) > 0 {
		if err := e.write(ctx, candidates, writeIdx, ids, stats); err != nil {
			return nil, err
		}
	}

	out := make([]model.OutcomeRecord, len(chunk))
	for i := range chunk {
		out[i] = model.OutcomeRecord{WorkItemID: chunk[i].ID, ExternalNoteID: ids[i]}
	}
	return out, nil
}

// write sends candidates[writeIdx] and stores the returned ids into ids.
func (e *Executor) write(ctx context.Context, candidates []model.CandidateNote, writeIdx []int, ids []int64, stats *Stats) error {
	batch := make([]model.CandidateNote, len(writeIdx))
	for j, i := range writeIdx {
		batch[j] = candidates[i]
	}

	got, err := e.store.AddNotes(ctx, toNotes(batch))
	if err != nil {
		if anki.KindOf(err) == anki.KindDuplicate {
			// The store's own safety net fired between check and write. Notes
			// of the batch may still have been added, so look each one up.
			e.log.Warn("write refused as duplicate, looking up batch notes",
				"notes", len(writeIdx), "error", err)
			e.recoverIDs(ctx, candidates, writeIdx, ids, stats)
			return nil
		}
		return fmt.Errorf("writing %d notes: %w", len(writeIdx), err)
	}
	if len(got) != len(writeIdx) {
		return fmt.Errorf("writing %d notes: got %d ids", len(writeIdx), len(got))
	}

	for j, i := range writeIdx {
		if got[j] == nil {
			stats.WriteSkipped++
			e.log.Warn("note silently rejected at write", "article_id", candidates[i].WorkItemID, "title", candidates[i].Title)
			continue
		}
		ids[i] = *got[j]
		stats.Added++
	}
	return nil
}

// recoverIDs fills ids for the candidates of a refused batch that the store
// holds exactly once. The rest keep the sentinel and count as write skipped.
func (e *Executor) recoverIDs(ctx context.Context, candidates []model.CandidateNote, writeIdx []int, ids []int64, stats *Stats) {
	for _, i := range writeIdx {
		c := &candidates[i]
		found, err := e.store.FindNotes(ctx, anki.NoteQuery(c.Grouping.Key(), render.TitleField, c.Title))
		if err != nil {
			stats.WriteSkipped++
			e.log.Warn("note lookup failed, recording as skipped",
				"article_id", c.WorkItemID, "title", c.Title, "error", err)
			continue
		}
		if len(found) != 1 {
			stats.WriteSkipped++
			e.log.Info("no single note found after duplicate write",
				"article_id", c.WorkItemID, "title", c.Title, "matches", len(found))
			continue
		}
		ids[i] = found[0]
		stats.Added++
		stats.Recovered++
	}
}
