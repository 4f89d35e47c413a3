package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlashq/dispatch/internal/task"
)

// txExecutor abstracts sql.Tx vs sql.DB for time entry insertion.
type txExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// insertTimeEntryTx inserts one ledger entry. The single source of truth for
// time entry insertion; there is no update or delete counterpart.
func insertTimeEntryTx(tx txExecutor, e *task.TimeEntry, now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EntryType == "" {
		e.EntryType = task.EntryWork
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}

	var agentID interface{}
	if e.AgentID != nil && *e.AgentID != "" {
		agentID = *e.AgentID
	}
	var filesJSON interface{}
	if len(e.FilesModified) > 0 {
		b, _ := json.Marshal(e.FilesModified)
		filesJSON = string(b)
	}
	var metaJSON interface{}
	if len(e.Metadata) > 0 {
		b, _ := json.Marshal(e.Metadata)
		metaJSON = string(b)
	}
	started := e.StartedAt
	startedVal := nullTimeString(&started)

	_, err := tx.Exec(`
		INSERT INTO time_entries (
			id, task_id, agent_id, entry_type, started_at, ended_at,
			duration_minutes, notes, files_modified, commit_hash, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, agentID, e.EntryType, startedVal, nullTimeString(e.EndedAt),
		e.DurationMinutes, e.Notes, filesJSON, e.CommitHash, metaJSON,
		e.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert time entry: %w", err)
	}
	return nil
}

// CreateTimeEntry appends one entry to the time ledger.
func (s *SQLiteStore) CreateTimeEntry(e *task.TimeEntry) error {
	return insertTimeEntryTx(s.db, e, time.Now().UTC())
}

// ListTimeEntries returns all entries for a task, newest first.
func (s *SQLiteStore) ListTimeEntries(taskID string) ([]task.TimeEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, agent_id, entry_type, started_at, ended_at,
		       duration_minutes, notes, files_modified, commit_hash, metadata, created_at
		FROM time_entries
		WHERE task_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query time entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []task.TimeEntry
	for rows.Next() {
		var e task.TimeEntry
		var agentID, startedAt, endedAt, filesJSON, metaJSON sql.NullString
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.TaskID, &agentID, &e.EntryType, &startedAt, &endedAt,
			&e.DurationMinutes, &e.Notes, &filesJSON, &e.CommitHash, &metaJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		if agentID.Valid && agentID.String != "" {
			e.AgentID = &agentID.String
		}
		if st := parseTimePtr(startedAt); st != nil {
			e.StartedAt = *st
		}
		e.EndedAt = parseTimePtr(endedAt)
		if filesJSON.Valid && filesJSON.String != "" {
			_ = json.Unmarshal([]byte(filesJSON.String), &e.FilesModified)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	return entries, nil
}

// SumTaskMinutes recomputes a task's total logged minutes from the ledger.
// The sum is never stored redundantly on the task row.
func (s *SQLiteStore) SumTaskMinutes(taskID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(duration_minutes) FROM time_entries WHERE task_id = ?`, taskID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum task minutes: %w", err)
	}
	return int(total.Int64), nil
}
