// Package runlog persists one row per run: written at admission,
// finalized exactly once when the run reaches a terminal state. The
// store is an audit trail — callers treat write failures as loggable,
// never as a reason to fail the run itself.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/sera/internal/observability"
)

// ErrNotFound is returned when no run exists for the requested id.
var ErrNotFound = errors.New("run not found")

// Record is one run's persisted trace. StartedAt stays zero for runs
// aborted while still queued.
type Record struct {
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     string    `json:"status"`
	StopReason string    `json:"stop_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Iterations int       `json:"iterations"`
	Model      string    `json:"model,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
}

// Options holds run log configuration.
type Options struct {
	Path   string
	Logger zerolog.Logger
}

// Store is a SQLite-backed run log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and creates, if needed) the run log database.
func Open(opts Options) (*Store, error) {
	observability.EnsureRegistered()

	if opts.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps writers from blocking the janitor's retention scans.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: opts.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", opts.Path).Msg("Run log opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			agent_id TEXT,
			status TEXT NOT NULL,
			stop_reason TEXT,
			error TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			enqueued_at INTEGER NOT NULL,
			started_at INTEGER,
			ended_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_runs_ended ON runs(ended_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart writes the run's admission row. Re-recording the same run
// updates status and start time only.
func (s *Store) RecordStart(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_key, agent_id, status, iterations, model, enqueued_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at`,
		rec.RunID, rec.SessionKey, rec.AgentID, rec.Status, rec.Iterations, rec.Model,
		timeToMillis(rec.EnqueuedAt), timeToMillis(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordTerminal finalizes the run row. Runs aborted before starting
// have no admission row yet, so the terminal write inserts one; for
// started runs the original started_at is preserved.
func (s *Store) RecordTerminal(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_key, agent_id, status, stop_reason, error, iterations, model, enqueued_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			stop_reason = excluded.stop_reason,
			error = excluded.error,
			iterations = excluded.iterations,
			model = excluded.model,
			ended_at = excluded.ended_at`,
		rec.RunID, rec.SessionKey, rec.AgentID, rec.Status, rec.StopReason, rec.Error,
		rec.Iterations, rec.Model, timeToMillis(rec.EnqueuedAt), timeToMillis(rec.StartedAt),
		timeToMillis(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	return nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM runs WHERE run_id = ?`, runID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRecent returns the newest runs first. An empty session key lists
// runs across all sessions.
func (s *Store) ListRecent(ctx context.Context, sessionKey string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	query := selectColumns + ` FROM runs`
	args := []interface{}{}
	if sessionKey != "" {
		query += ` WHERE session_key = ?`
		args = append(args, sessionKey)
	}
	query += ` ORDER BY enqueued_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes terminal runs that ended before the cutoff.
// Rows without an end time (still running) are never touched.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Debug().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Run log pruned")
	}
	return pruned, nil
}

const selectColumns = `SELECT run_id, session_key, COALESCE(agent_id, ''), status,
	COALESCE(stop_reason, ''), COALESCE(error, ''), iterations, COALESCE(model, ''),
	enqueued_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var enqueued int64
	var started, ended sql.NullInt64

	err := row.Scan(
		&rec.RunID, &rec.SessionKey, &rec.AgentID, &rec.Status,
		&rec.StopReason, &rec.Error, &rec.Iterations, &rec.Model,
		&enqueued, &started, &ended,
	)
	if err != nil {
		return nil, err
	}

	rec.EnqueuedAt = time.UnixMilli(enqueued)
	rec.StartedAt = millisToTime(started)
	rec.EndedAt = millisToTime(ended)
	return &rec, nil
}

func timeToMillis(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func millisToTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
