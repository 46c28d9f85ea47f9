// Package checkpoint persists run state under the workspace's .checkpoint
// directory so an interrupted run can be resumed.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/websmith/websmith/internal/tracing"
)

// ErrNoRun is returned when no run has been recorded yet.
var ErrNoRun = errors.New("checkpoint: no run recorded")

// RunRecord is one orchestrator run.
type RunRecord struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Goal        string     `db:"goal"`
	APIPort     int        `db:"api_port"`
	UIPort      int        `db:"ui_port"`
	DBPort      int        `db:"db_port"`
	BackendPort int        `db:"backend_port"`
	Status      string     `db:"status"`
	StartedAt   time.Time  `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

// PhaseRecord is one entry of a run's phase log.
type PhaseRecord struct {
	ID    int64     `db:"id"`
	RunID string    `db:"run_id"`
	Phase string    `db:"phase"`
	At    time.Time `db:"at"`
}

// Store is a sqlite-backed checkpoint store. A single writer connection
// serializes writes.
type Store struct {
	db *sqlx.DB
}

// Open creates the checkpoint database under the given directory,
// bootstrapping the schema if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, "state.db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			goal TEXT NOT NULL,
			api_port INTEGER NOT NULL,
			ui_port INTEGER NOT NULL,
			db_port INTEGER NOT NULL,
			backend_port INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS phases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			phase TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phases_run_id ON phases(run_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveRun inserts or replaces the run row.
func (s *Store) SaveRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, name, goal, api_port, ui_port, db_port, backend_port, status, started_at, finished_at)
		VALUES
			(:id, :name, :goal, :api_port, :ui_port, :db_port, :backend_port, :status, :started_at, :finished_at)`,
		run)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// SetStatus updates the run status, stamping finished_at for terminal
// statuses.
func (s *Store) SetStatus(ctx context.Context, runID, status string) error {
	var finishedAt *time.Time
	if status == "delivered" || status == "failed" {
		now := time.Now().UTC()
		finishedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, finishedAt, runID)
	if err != nil {
		return fmt.Errorf("set status %s on run %s: %w", status, runID, err)
	}
	return nil
}

// LogPhase appends a phase entry to the run's log.
func (s *Store) LogPhase(ctx context.Context, runID, phase string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO phases (run_id, phase, at) VALUES (?, ?, ?)`,
		runID, phase, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log phase %s for run %s: %w", phase, runID, err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (*RunRecord, error) {
	ctx, span := tracing.Tracer("websmith-db").Start(ctx, "db.LatestRun")
	defer span.End()
	var run RunRecord
	err := s.db.GetContext(ctx, &run, `SELECT * FROM runs ORDER BY started_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return &run, nil
}

// Phases returns the run's phase log in insertion order.
func (s *Store) Phases(ctx context.Context, runID string) ([]PhaseRecord, error) {
	ctx, span := tracing.Tracer("websmith-db").Start(ctx, "db.Phases")
	defer span.End()
	var phases []PhaseRecord
	if err := s.db.SelectContext(ctx, &phases, `SELECT * FROM phases WHERE run_id = ? ORDER BY id`, runID); err != nil {
		return nil, fmt.Errorf("phases for run %s: %w", runID, err)
	}
	return phases, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
