package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlashq/dispatch/internal/task"
)

const agentSelectColumns = `id, name, status, current_task_id, session_id, last_heartbeat,
       total_tasks_completed, total_hours_logged, created_at, updated_at`

func scanAgentRow(row taskRowScanner) (task.Agent, error) {
	var a task.Agent
	var currentTaskID, heartbeat sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&a.ID, &a.Name, &a.Status, &currentTaskID, &a.SessionID, &heartbeat,
		&a.TotalTasksCompleted, &a.TotalHoursLogged, &createdAt, &updatedAt,
	)
	if err != nil {
		return a, err
	}
	if currentTaskID.Valid && currentTaskID.String != "" {
		a.CurrentTaskID = &currentTaskID.String
	}
	a.LastHeartbeat = parseTimePtr(heartbeat)
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return a, nil
}

// CreateAgent registers an agent.
func (s *SQLiteStore) CreateAgent(a *task.Agent) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = task.AgentIdle
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	var currentTaskID interface{}
	if a.CurrentTaskID != nil && *a.CurrentTaskID != "" {
		currentTaskID = *a.CurrentTaskID
	}

	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, status, current_task_id, session_id, last_heartbeat,
			total_tasks_completed, total_hours_logged, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Status, currentTaskID, a.SessionID, nullTimeString(a.LastHeartbeat),
		a.TotalTasksCompleted, a.TotalHoursLogged,
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(id string) (*task.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentSelectColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all registered agents, most recently active first.
func (s *SQLiteStore) ListAgents() ([]task.Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentSelectColumns + ` FROM agents ORDER BY last_heartbeat DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []task.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// AssignAgent points the agent's registry row at its claimed task. This is a
// convenience back-reference; the task's agent_id stays authoritative.
func (s *SQLiteStore) AssignAgent(agentID, taskID, sessionID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE agents
		SET current_task_id = ?, session_id = ?, status = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`, taskID, sessionID, task.AgentActive, nowStr, nowStr, agentID)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign agent rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// RecordAgentWork bumps the heartbeat and adds hours to the cumulative
// counter. Both counters are monotonically non-decreasing.
func (s *SQLiteStore) RecordAgentWork(agentID string, hours float64, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE agents
		SET last_heartbeat = ?, total_hours_logged = total_hours_logged + ?, updated_at = ?
		WHERE id = ?
	`, nowStr, hours, nowStr, agentID)
	if err != nil {
		return fmt.Errorf("record agent work: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record agent work rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// ResetAgentAfterComplete clears the agent's assignment and credits one
// completed task. Called exactly once per successful review handoff.
func (s *SQLiteStore) ResetAgentAfterComplete(agentID string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE agents
		SET current_task_id = NULL,
		    status = ?,
		    last_heartbeat = ?,
		    total_tasks_completed = total_tasks_completed + 1,
		    updated_at = ?
		WHERE id = ?
	`, task.AgentIdle, nowStr, nowStr, agentID)
	if err != nil {
		return fmt.Errorf("reset agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset agent rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
