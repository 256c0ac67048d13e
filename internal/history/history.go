// Package history records one append-only row per completed or failed
// task execution for post-hoc inspection (`ralphy status --history`).
// It is purely observational: the kernel never reads it back, so a
// missing or corrupt history database never affects scheduling
// correctness, only the operator's ability to inspect past runs.
//
// Grounded on the teacher's internal/learning/store.go sqlite-backed
// append-log idiom (sql.Open("sqlite3", ...), WAL pragmas, retry on
// "database is locked"), narrowed to the one table this kernel needs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS task_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	title TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	state TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_message TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_executions_task_id ON task_executions(task_id);
`

// Record is one row of the execution history.
type Record struct {
	ID           int64
	TaskID       string
	Title        string
	Attempt      int
	State        string
	DurationMs   int64
	ErrorMessage string
	RecordedAt   time.Time
}

// Store is the append-only sqlite-backed execution log.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at dbPath.
// dbPath may be ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("history: create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordExecution appends one row. It is called by the driver each time
// a task attempt ends: completed, failed, or returned to pending for
// another try; the driver only logs its errors, so they never change the
// kernel's retry or queue decisions.
func (s *Store) RecordExecution(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, title, attempt, state, duration_ms, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Title, r.Attempt, r.State, r.DurationMs, r.ErrorMessage, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// ForTask returns every recorded execution for taskID, oldest first.
func (s *Store) ForTask(ctx context.Context, taskID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, attempt, state, duration_ms, error_message, recorded_at
		FROM task_executions WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the most recent limit executions across all tasks,
// newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, attempt, state, duration_ms, error_message, recorded_at
		FROM task_executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var recordedAt string
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Title, &r.Attempt, &r.State, &r.DurationMs, &errMsg, &recordedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.ErrorMessage = errMsg.String
		if ts, err := time.Parse(time.RFC3339, recordedAt); err == nil {
			r.RecordedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
