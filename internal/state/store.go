// Package state manages the SQLite run journal. Each sync run is recorded
// with its outcome records and a per-outcome reconciled flag, so outcomes the
// backend never acknowledged can be re-sent later.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/prisma-ai/ankisync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT    PRIMARY KEY,
    started_at  TEXT    NOT NULL,
    finished_at TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL,
    total       INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outcomes (
    run_id     TEXT    NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    article_id INTEGER NOT NULL,
    note_id    INTEGER NOT NULL,
    reconciled INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (run_id, article_id)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_pending ON outcomes (reconciled, run_id, seq);
CREATE INDEX IF NOT EXISTS idx_runs_started     ON runs (started_at);
`

// RunStatus is the lifecycle state of a journaled run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one journaled sync run.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Total      int
	Error      string
}

// Outcome is a journaled outcome record together with the run it belongs to.
type Outcome struct {
	RunID      string
	Seq        int
	Record     model.OutcomeRecord
	Reconciled bool
}

// Totals aggregates the journal for status reporting.
type Totals struct {
	Runs         int
	Outcomes     int
	Skipped      int
	Unreconciled int
}

// Store is the SQLite-backed run journal.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the journal database:
// ~/.local/share/ankisync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ankisync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// StartRun journals a new run in the running state and returns its id.
func (s *Store) StartRun(ctx context.Context, total int) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO runs (id, started_at, status, total) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, id, formatTime(s.now()), RunRunning, total); err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}
	return id, nil
}

// FinishRun moves a run to its terminal status. runErr may be nil.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	const q = `UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, status, formatTime(s.now()), msg, runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: no such run", runID)
	}
	return nil
}

// RecordOutcomes appends outcomes to a run, preserving their order. Recording
// the same article twice for a run replaces the earlier note id.
func (s *Store) RecordOutcomes(ctx context.Context, runID string, outcomes []model.OutcomeRecord) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var base int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq) + 1, 0) FROM outcomes WHERE run_id = ?`, runID).Scan(&base); err != nil {
		return fmt.Errorf("reading sequence for run %s: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, seq, article_id, note_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, article_id) DO UPDATE SET note_id = excluded.note_id, reconciled = 0`)
	if err != nil {
		return fmt.Errorf("preparing outcome insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, runID, base+i, o.WorkItemID, o.ExternalNoteID); err != nil {
			return fmt.Errorf("recording outcome for article %d: %w", o.WorkItemID, err)
		}
	}
	return tx.Commit()
}

// MarkReconciled flags the given outcomes of a run as acknowledged by the
// backend.
func (s *Store) MarkReconciled(ctx context.Context, runID string, outcomes []model.OutcomeRecord) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range outcomes {
		const q = `UPDATE outcomes SET reconciled = 1 WHERE run_id = ? AND article_id = ?`
		if _, err := tx.ExecContext(ctx, q, runID, o.WorkItemID); err != nil {
			return fmt.Errorf("marking article %d reconciled: %w", o.WorkItemID, err)
		}
	}
	return tx.Commit()
}

// Unreconciled returns every outcome not yet acknowledged by the backend,
// oldest run first and in recorded order within a run.
func (s *Store) Unreconciled(ctx context.Context) ([]Outcome, error) {
	const q = `
		SELECT o.run_id, o.seq, o.article_id, o.note_id, o.reconciled
		FROM outcomes o JOIN runs r ON r.id = o.run_id
		WHERE o.reconciled = 0
		ORDER BY r.started_at, r.rowid, o.seq`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying unreconciled outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.RunID, &o.Seq, &o.Record.WorkItemID, &o.Record.ExternalNoteID, &o.Reconciled); err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RunOutcomes returns the outcomes of one run in recorded order.
func (s *Store) RunOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	const q = `
		SELECT run_id, seq, article_id, note_id, reconciled
		FROM outcomes WHERE run_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.RunID, &o.Seq, &o.Record.WorkItemID, &o.Record.ExternalNoteID, &o.Reconciled); err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetRun returns the run with the given id, or (nil, nil) if none exists.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	const q = `SELECT id, started_at, finished_at, status, total, error FROM runs WHERE id = ?`
	return scanRun(s.db.QueryRowContext(ctx, q, runID))
}

// LatestRun returns the most recently started run, or (nil, nil) if the
// journal is empty.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	const q = `SELECT id, started_at, finished_at, status, total, error FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`
	return scanRun(s.db.QueryRowContext(ctx, q))
}

// Totals returns aggregate counts across the journal.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&t.Runs); err != nil {
		return t, fmt.Errorf("counting runs: %w", err)
	}
	const q = `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN note_id = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN reconciled = 0 THEN 1 ELSE 0 END), 0)
		FROM outcomes`
	if err := s.db.QueryRowContext(ctx, q, model.SentinelSkipped).Scan(&t.Outcomes, &t.Skipped, &t.Unreconciled); err != nil {
		return t, fmt.Errorf("counting outcomes: %w", err)
	}
	return t, nil
}

// --- helpers -----------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started, finished, status string
	err := s.Scan(&r.ID, &started, &finished, &status, &r.Total, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}
	r.Status = RunStatus(status)
	r.StartedAt, _ = parseTime(started)
	r.FinishedAt, _ = parseTime(finished)
	return &r, nil
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeFormat, s)
}
