// Package history keeps an optional sqlite audit of invocations. Nothing in
// the link model persists past a job, this is a record for the operator only.
package history

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Execution is a single recorded invocation
type Execution struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	Tool       string    `db:"tool"`
	Mode       string    `db:"mode"` // remote or local
	Command    string    `db:"command"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	ExitCode   int       `db:"exit_code"`
}

// Store records executions in sqlite
type Store struct {
	db *sqlx.DB
}

// NewStore opens (creating if needed) the history database
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	// WAL lets a reader inspect history while a job is writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		mode TEXT NOT NULL,
		command TEXT NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		exit_code INTEGER
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one execution row
func (s *Store) Record(rec Execution) error {
	_, err := s.db.NamedExec(`INSERT INTO executions (job_id, tool, mode, command, started_at, finished_at, exit_code)
		VALUES (:job_id, :tool, :mode, :command, :started_at, :finished_at, :exit_code)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Last returns up to n most recent executions, newest first
func (s *Store) Last(n int) ([]Execution, error) {
	res := []Execution{}
	err := s.db.Select(&res, `SELECT id, job_id, tool, mode, command, started_at, finished_at, exit_code
		FROM executions ORDER BY started_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	return res, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
