// Package store persists tasks, agents, the time ledger, and the
// notification outbox in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable record backing the coordination core.
type SQLiteStore struct {
	db       *sql.DB
	basePath string
}

// NewSQLiteStore opens (creating if needed) the database under basePath.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	var dbPath string
	if basePath == ":memory:" {
		dbPath = ":memory:"
	} else {
		dbPath = filepath.Join(basePath, "dispatch.db")
		if err := os.MkdirAll(basePath, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer connection: SQLite serializes writers anyway, and a
	// capped pool keeps PRAGMA state and claim races deterministic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &SQLiteStore{db: db, basePath: basePath}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		client_name TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'backlog',
		priority TEXT NOT NULL DEFAULT 'medium',
		work_type TEXT NOT NULL DEFAULT 'hybrid',
		agent_id TEXT,                      -- NULL means unclaimed
		session_id TEXT NOT NULL DEFAULT '',
		agent_claimed_at TEXT,
		shipped_at TEXT,                    -- non-null iff status = 'shipped'
		agent_notes TEXT NOT NULL DEFAULT '',
		files_modified TEXT,                -- JSON array, accumulating set
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		current_task_id TEXT,
		session_id TEXT NOT NULL DEFAULT '',
		last_heartbeat TEXT,
		total_tasks_completed INTEGER NOT NULL DEFAULT 0,
		total_hours_logged REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only time ledger. No UPDATE or DELETE path exists in this store.
	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_id TEXT,
		entry_type TEXT NOT NULL DEFAULT 'work',
		started_at TEXT,
		ended_at TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0 CHECK (duration_minutes >= 0),
		notes TEXT NOT NULL DEFAULT '',
		files_modified TEXT,                -- JSON array snapshot
		commit_hash TEXT NOT NULL DEFAULT '',
		metadata TEXT,                      -- JSON
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Notification outbox: appended transactionally with the state change
	-- that triggers it, drained by a separate consumer.
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		task_id TEXT,
		recipient_email TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,              -- JSON
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_time_entries_task ON time_entries(task_id);
	CREATE INDEX IF NOT EXISTS idx_time_entries_agent ON time_entries(agent_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullTimeString returns nil for a nil/zero time, RFC3339 UTC string otherwise.
func nullTimeString(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTimePtr parses an RFC3339 TEXT column into a *time.Time.
func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func checkRowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return err
	}
	return nil
}
