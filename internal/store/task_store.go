package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlashq/dispatch/internal/task"
)

// Sentinel errors callers classify with errors.Is.
var (
	ErrNotFound = errors.New("not found")
	ErrNotOwned = errors.New("not owned by agent")
)

// prepareTask sets defaults before insertion.
func prepareTask(t *task.Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = task.StatusBacklog
	}
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}
	if t.WorkType == "" {
		t.WorkType = task.WorkHybrid
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// === Project access ===

// CreateProject inserts a project row.
func (s *SQLiteStore) CreateProject(p *task.Project) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, client_name, contact_email, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.ClientName, p.ContactEmail, p.Description,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(id string) (*task.Project, error) {
	var p task.Project
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, client_name, contact_email, description, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.ClientName, &p.ContactEmail, &p.Description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// === Task access ===

const taskSelectColumns = `id, project_id, title, description, status, priority, work_type,
       agent_id, session_id, agent_claimed_at, shipped_at, agent_notes, files_modified,
       created_at, updated_at`

// taskRowScanner abstracts row scanning for reuse between QueryRow and rows.Next().
type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row taskRowScanner) (task.Task, error) {
	var t task.Task
	var agentID, claimedAt, shippedAt, filesJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.WorkType,
		&agentID, &t.SessionID, &claimedAt, &shippedAt, &t.AgentNotes, &filesJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}

	if agentID.Valid && agentID.String != "" {
		t.AgentID = &agentID.String
	}
	t.AgentClaimedAt = parseTimePtr(claimedAt)
	t.ShippedAt = parseTimePtr(shippedAt)
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &t.FilesModified)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return t, nil
}

// CreateTask inserts a task row. Tasks are created during project setup;
// once work begins they are mutated only through claim/log/complete.
func (s *SQLiteStore) CreateTask(t *task.Task) error {
	prepareTask(t, time.Now().UTC())

	filesJSON, _ := json.Marshal(t.FilesModified)
	var agentID interface{}
	if t.AgentID != nil && *t.AgentID != "" {
		agentID = *t.AgentID
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (
			id, project_id, title, description, status, priority, work_type,
			agent_id, session_id, agent_claimed_at, shipped_at, agent_notes, files_modified,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.WorkType,
		agentID, t.SessionID, nullTimeString(t.AgentClaimedAt), nullTimeString(t.ShippedAt),
		t.AgentNotes, string(filesJSON),
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Title, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(id string) (*task.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return &t, nil
}

// AvailableFilter narrows the availability query. Zero values mean no filter.
type AvailableFilter struct {
	ProjectID string
	Priority  task.TaskPriority
	Limit     int
}

// ListAvailable returns claimable tasks enriched with project context,
// ordered by priority rank (urgent first) then creation time (oldest first).
// Read-only; safe to call repeatedly and concurrently.
func (s *SQLiteStore) ListAvailable(f AvailableFilter) ([]task.AvailableTask, error) {
	q := `
		SELECT t.id, t.project_id, t.title, t.description, t.status, t.priority, t.work_type,
		       t.agent_id, t.session_id, t.agent_claimed_at, t.shipped_at, t.agent_notes, t.files_modified,
		       t.created_at, t.updated_at,
		       p.name, p.client_name, p.description
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE t.agent_id IS NULL
		  AND t.status NOT IN (?, ?)
		  AND (t.work_type = ? OR t.status = ?)`
	args := []any{task.StatusShipped, task.StatusIcebox, task.WorkAISuitable, task.StatusBacklog}

	if f.ProjectID != "" {
		q += " AND t.project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.Priority != "" {
		q += " AND t.priority = ?"
		args = append(args, f.Priority)
	}

	q += `
		ORDER BY CASE t.priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		END, t.created_at ASC, t.rowid ASC
		LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query available tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.AvailableTask
	for rows.Next() {
		var t task.Task
		var agentID, claimedAt, shippedAt, filesJSON sql.NullString
		var createdAt, updatedAt string
		var a task.AvailableTask
		if err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.WorkType,
			&agentID, &t.SessionID, &claimedAt, &shippedAt, &t.AgentNotes, &filesJSON,
			&createdAt, &updatedAt,
			&a.ProjectName, &a.ClientName, &a.ProjectDescription,
		); err != nil {
			return nil, fmt.Errorf("scan available task: %w", err)
		}
		if agentID.Valid && agentID.String != "" {
			t.AgentID = &agentID.String
		}
		t.AgentClaimedAt = parseTimePtr(claimedAt)
		t.ShippedAt = parseTimePtr(shippedAt)
		if filesJSON.Valid && filesJSON.String != "" {
			_ = json.Unmarshal([]byte(filesJSON.String), &t.FilesModified)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		a.Task = t
		out = append(out, a)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, fmt.Errorf("list available tasks: %w", err)
	}
	return out, nil
}

// ClaimTask atomically transfers ownership of the task to the agent. The
// conditional WHERE agent_id IS NULL is the sole concurrency mechanism: when
// two agents race, exactly one UPDATE affects a row; the loser observes
// claimed == false and must report a conflict, never retry-and-clobber.
//
// There is deliberately no other write path for agent_id in this store.
func (s *SQLiteStore) ClaimTask(taskID, agentID, sessionID, note string, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	res, err := s.db.Exec(`
		UPDATE tasks
		SET agent_id = ?,
		    session_id = ?,
		    agent_claimed_at = ?,
		    status = ?,
		    agent_notes = CASE
		        WHEN ? = '' THEN agent_notes
		        WHEN agent_notes = '' THEN ?
		        ELSE agent_notes || char(10) || ?
		    END,
		    updated_at = ?
		WHERE id = ?
		  AND agent_id IS NULL
		  AND status IN (?, ?)
	`, agentID, sessionID, nowStr, task.StatusActive, note, note, note, nowStr,
		taskID, task.StatusBacklog, task.StatusActive)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task rows affected: %w", err)
	}
	return affected == 1, nil
}

// UnionTaskFiles merges paths into the task's accumulating file set. The
// write is conditional on ownership; the owning agent is the only writer, so
// the read-union-write inside one transaction is race-free.
func (s *SQLiteStore) UnionTaskFiles(taskID, agentID string, paths []string, now time.Time) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var filesJSON sql.NullString
	err = tx.QueryRow(`SELECT files_modified FROM tasks WHERE id = ? AND agent_id = ?`, taskID, agentID).Scan(&filesJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %s: %w", taskID, ErrNotOwned)
	}
	if err != nil {
		return fmt.Errorf("read task files: %w", err)
	}

	t := task.Task{}
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &t.FilesModified)
	}
	t.UnionFiles(paths)
	merged, _ := json.Marshal(t.FilesModified)

	if _, err := tx.Exec(`UPDATE tasks SET files_modified = ?, updated_at = ? WHERE id = ? AND agent_id = ?`,
		string(merged), now.UTC().Format(time.RFC3339), taskID, agentID); err != nil {
		return fmt.Errorf("update task files: %w", err)
	}
	return tx.Commit()
}

// CompleteParams carries everything the review handoff writes in one transaction.
type CompleteParams struct {
	TaskID  string
	AgentID string
	Notes   string         // appended to agent_notes, never overwrites
	Files   []string       // unioned into the task file set
	Entry   task.TimeEntry // zero-duration completion entry
	Event   *OutboxEvent   // optional review notification
	Now     time.Time
}

// CompleteTask moves an owned task from active to review. The status update
// is conditional on ownership and on the task not already being in review or
// shipped; the completion time entry and the outbox event commit atomically
// with it. Returns false without mutating anything when the condition fails.
func (s *SQLiteStore) CompleteTask(p CompleteParams) (bool, error) {
	nowStr := p.Now.UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Union files against the current set inside the transaction.
	var filesJSON sql.NullString
	err = tx.QueryRow(`SELECT files_modified FROM tasks WHERE id = ?`, p.TaskID).Scan(&filesJSON)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("task %s: %w", p.TaskID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read task files: %w", err)
	}
	t := task.Task{}
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &t.FilesModified)
	}
	t.UnionFiles(p.Files)
	merged, _ := json.Marshal(t.FilesModified)

	res, err := tx.Exec(`
		UPDATE tasks
		SET status = ?,
		    files_modified = ?,
		    agent_notes = CASE
		        WHEN ? = '' THEN agent_notes
		        WHEN agent_notes = '' THEN ?
		        ELSE agent_notes || char(10) || ?
		    END,
		    updated_at = ?
		WHERE id = ?
		  AND agent_id = ?
		  AND status NOT IN (?, ?)
	`, task.StatusReview, string(merged), p.Notes, p.Notes, p.Notes, nowStr,
		p.TaskID, p.AgentID, task.StatusReview, task.StatusShipped)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete task rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertTimeEntryTx(tx, &p.Entry, p.Now); err != nil {
		return false, err
	}
	if p.Event != nil {
		if err := enqueueOutboxTx(tx, p.Event, p.Now); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// TransitionStatus applies an externally driven status change (human review
// flow). It is conditional on the observed current status, keeps the
// shipped_at iff shipped invariant, and never touches agent_id. The outbox
// event, if any, commits with the transition.
func (s *SQLiteStore) TransitionStatus(taskID string, from, to task.TaskStatus, event *OutboxEvent, now time.Time) (bool, error) {
	nowStr := now.UTC().Format(time.RFC3339)

	var shippedAt interface{}
	if to == task.StatusShipped {
		shippedAt = nowStr
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE tasks SET status = ?, shipped_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, shippedAt, nowStr, taskID, from)
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition status rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if event != nil {
		if err := enqueueOutboxTx(tx, event, now); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// FindTaskIDsByPrefix returns task IDs starting with the prefix, ordered.
func (s *SQLiteStore) FindTaskIDsByPrefix(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE id LIKE ? ORDER BY id`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("find task IDs by prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return ids, nil
}
