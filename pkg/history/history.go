// Package history keeps a local record of past runs in SQLite. It is a
// reporting surface only: resume decisions come from the state file, undo
// decisions from the change journal. Losing the history database loses
// nothing but the `caldera history` output.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunStatus is the terminal status of a recorded run.
type RunStatus string

const (
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusInterrupted RunStatus = "interrupted"
)

// Run is one provisioning run.
type Run struct {
	ID              string
	Mode            string
	Status          RunStatus
	ExitCode        int
	ModuleCount     int
	PhasesCompleted int
	ChangesRecorded int
	Error           *string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// Store wraps the SQLite run history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the history database and runs pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun inserts a completed run. Called once, after the run reaches a
// terminal state.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, mode, status, exit_code, module_count, phases_completed, changes_recorded, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Mode,
		run.Status,
		run.ExitCode,
		run.ModuleCount,
		run.PhasesCompleted,
		run.ChangesRecorded,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by session ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, mode, status, exit_code, module_count, phases_completed, changes_recorded, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Mode,
		&run.Status,
		&run.ExitCode,
		&run.ModuleCount,
		&run.PhasesCompleted,
		&run.ChangesRecorded,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, mode, status, exit_code, module_count, phases_completed, changes_recorded, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.Status,
			&run.ExitCode,
			&run.ModuleCount,
			&run.PhasesCompleted,
			&run.ChangesRecorded,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
