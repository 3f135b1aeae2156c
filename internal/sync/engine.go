package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/model"
	"github.com/prisma-ai/ankisync/internal/state"
)

const (
	otelScope          = "ankisync/sync"
	spanRun            = "sync.run"
	spanReconcile      = "sync.reconcile"
	metricAdded        = "ankisync.sync.notes.added"
	metricSkippedStore = "ankisync.sync.notes.skipped.store"
	metricSkippedBatch = "ankisync.sync.notes.skipped.batch"
	metricRejected     = "ankisync.sync.notes.rejected"
	metricErrors       = "ankisync.sync.errors"
	metricReconciled   = "ankisync.sync.reconciled"
)

// Report summarizes one Engine run.
type Report struct {
	RunID      string
	Fetched    int
	Outcomes   []model.OutcomeRecord
	Stats      Stats
	Reconciled int
	// Recovered counts journaled outcomes of earlier runs sent to the
	// backend before this run's fetch.
	Recovered int
}

// Engine runs the full pipeline: fetch the work-list, upload it in chunks,
// journal the outcomes and reconcile them with the backend. Create one with
// [NewEngine].
type Engine struct {
	backend    Backend
	executor   *Executor
	reconciler *Reconciler
	journal    Journal
	pageSize   int
	log        *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer          trace.Tracer
	cntAdded        metric.Int64Counter
	cntSkippedStore metric.Int64Counter
	cntSkippedBatch metric.Int64Counter
	cntRejected     metric.Int64Counter
	cntErrors       metric.Int64Counter
	cntReconciled   metric.Int64Counter
}

// NewEngine creates an Engine. pageSize is the backend page size used when
// fetching the work-list.
func NewEngine(b Backend, executor *Executor, reconciler *Reconciler, journal Journal, pageSize int, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		backend:    b,
		executor:   executor,
		reconciler: reconciler,
		journal:    journal,
		pageSize:   pageSize,
		log:        logger,

		tracer:          tracer,
		cntAdded:        mustCounter(metricAdded, "Number of notes written to Anki"),
		cntSkippedStore: mustCounter(metricSkippedStore, "Number of notes Anki already held"),
		cntSkippedBatch: mustCounter(metricSkippedBatch, "Number of notes skipped for a repeated title"),
		cntRejected:     mustCounter(metricRejected, "Number of notes Anki rejected for a non-duplicate reason"),
		cntErrors:       mustCounter(metricErrors, "Number of failed sync runs"),
		cntReconciled:   mustCounter(metricReconciled, "Number of outcomes accepted by the backend"),
	}
}

// Run performs one sync run. It first sends the journaled outcomes of earlier
// runs so that the work-list no longer lists notes written by them; if that
// fails the run stops before fetching. A failed upload is journaled with its
// partial outcomes but not reconciled. A reconciliation failure leaves the
// remaining outcomes unreconciled in the journal.
func (e *Engine) Run(ctx context.Context, filter backend.Filter) (Report, error) {
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	var rep Report
	fail := func(err error) (Report, error) {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}

	recovered, err := e.reconcileJournal(ctx)
	rep.Recovered = recovered
	if err != nil {
		return fail(fmt.Errorf("reconciling earlier runs: %w", err))
	}

	items, err := e.backend.FetchPending(ctx, e.pageSize, filter)
	if err != nil {
		return fail(fmt.Errorf("fetching work-list: %w", err))
	}
	rep.Fetched = len(items)
	span.SetAttributes(attribute.Int("sync.items", len(items)))

	if len(items) == 0 {
		e.log.Info("nothing to sync")
		return rep, nil
	}

	rep.RunID, err = e.journal.StartRun(ctx, len(items))
	if err != nil {
		return fail(fmt.Errorf("journaling run: %w", err))
	}
	span.SetAttributes(attribute.String("sync.run_id", rep.RunID))
	log := e.log.With("run_id", rep.RunID)
	log.Info("sync run started", "items", len(items))

	outcomes, stats, runErr := e.executor.UploadQuestions(ctx, items)
	rep.Outcomes, rep.Stats = outcomes, stats
	e.recordStats(ctx, stats)

	if err := e.journal.RecordOutcomes(ctx, rep.RunID, outcomes); err != nil {
		log.Error("journaling outcomes", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("journaling outcomes: %w", err)
		}
	}

	if runErr != nil {
		if err := e.journal.FinishRun(ctx, rep.RunID, state.RunFailed, runErr); err != nil {
			log.Error("journaling run failure", "error", err)
		}
		log.Error("sync run failed", "completed", len(outcomes), "error", runErr)
		return fail(runErr)
	}

	applied, recErr := e.reconcile(ctx, rep.RunID, outcomes)
	rep.Reconciled = applied

	if err := e.journal.FinishRun(ctx, rep.RunID, state.RunCompleted, recErr); err != nil {
		log.Error("journaling run completion", "error", err)
	}

	span.SetAttributes(
		attribute.Int("sync.added", stats.Added),
		attribute.Int("sync.skipped_store", stats.SkippedStore),
		attribute.Int("sync.skipped_batch", stats.SkippedBatch),
		attribute.Int("sync.rejected", stats.Rejected),
		attribute.Int("sync.reconciled", applied),
	)
	if recErr != nil {
		return fail(recErr)
	}
	log.Info("sync run complete", "outcomes", len(outcomes), "reconciled", applied)
	return rep, nil
}

// ReconcilePending re-sends every journaled outcome the backend has not yet
// acknowledged, one run at a time in journal order. It returns the number of
// outcomes applied.
func (e *Engine) ReconcilePending(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, spanReconcile)
	defer span.End()

	total, err := e.reconcileJournal(ctx)
	span.SetAttributes(attribute.Int("sync.reconciled", total))
	if err != nil {
		e.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return total, err
	}
	if total == 0 {
		e.log.Info("no unreconciled outcomes")
	}
	return total, nil
}

func (e *Engine) reconcileJournal(ctx context.Context) (int, error) {
	pending, err := e.journal.Unreconciled(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading unreconciled outcomes: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	e.log.Info("sending journaled outcomes", "outcomes", len(pending))

	total := 0
	var errs []error
	for _, g := range groupByRun(pending) {
		n, err := e.reconcile(ctx, g.runID, g.records)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", g.runID, err))
		}
	}
	return total, errors.Join(errs...)
}

func (e *Engine) reconcile(ctx context.Context, runID string, outcomes []model.OutcomeRecord) (int, error) {
	applied, err := e.reconciler.Reconcile(ctx, outcomes, func(ctx context.Context, batch []model.OutcomeRecord) error {
		return e.journal.MarkReconciled(ctx, runID, batch)
	})
	if applied > 0 {
		e.cntReconciled.Add(ctx, int64(applied))
	}
	return applied, err
}

func (e *Engine) recordStats(ctx context.Context, s Stats) {
	if s.Added > 0 {
		e.cntAdded.Add(ctx, int64(s.Added))
	}
	if n := s.SkippedStore + s.WriteSkipped; n > 0 {
		e.cntSkippedStore.Add(ctx, int64(n))
	}
	if s.SkippedBatch > 0 {
		e.cntSkippedBatch.Add(ctx, int64(s.SkippedBatch))
	}
	if s.Rejected > 0 {
		e.cntRejected.Add(ctx, int64(s.Rejected))
	}
}

type runGroup struct {
	runID   string
	records []model.OutcomeRecord
}

// groupByRun splits journal outcomes into consecutive per-run groups.
func groupByRun(pending []state.Outcome) []runGroup {
	var groups []runGroup
	for _, o := range pending {
		if n := len(groups); n == 0 || groups[n-1].runID != o.RunID {
			groups = append(groups, runGroup{runID: o.RunID})
		}
		g := &groups[len(groups)-1]
		g.records = append(g.records, o.Record)
	}
	return groups
}
