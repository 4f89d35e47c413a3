package server

import (
	"github.com/atlashq/dispatch/internal/task"
)

// Request bodies. Validation tags run before any store access so malformed
// input never costs a query.

type createProjectRequest struct {
	Name         string `json:"name" validate:"required,min=1,max=255"`
	ClientName   string `json:"client_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty" validate:"omitempty,email"`
	Description  string `json:"description,omitempty"`
}

type createTaskRequest struct {
	ProjectID   string `json:"project_id" validate:"required,uuid4"`
	Title       string `json:"title" validate:"required,min=3,max=255"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=urgent high medium low"`
	WorkType    string `json:"work_type,omitempty" validate:"omitempty,oneof=human_only ai_suitable hybrid"`
}

type createAgentRequest struct {
	Name string `json:"name" validate:"required,min=1,max=120"`
}

type claimRequest struct {
	AgentID   string `json:"agent_id" validate:"required,uuid4"`
	SessionID string `json:"session_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type logTimeRequest struct {
	AgentID         string   `json:"agent_id" validate:"required,uuid4"`
	DurationMinutes int      `json:"duration_minutes" validate:"min=0"`
	Notes           string   `json:"notes,omitempty"`
	FilesModified   []string `json:"files_modified,omitempty"`
	CommitHash      string   `json:"commit_hash,omitempty"`
	EntryType       string   `json:"entry_type,omitempty" validate:"omitempty,oneof=work review blocked"`
}

type completeRequest struct {
	AgentID        string   `json:"agent_id" validate:"required,uuid4"`
	Notes          string   `json:"notes,omitempty"`
	FilesModified  []string `json:"files_modified,omitempty"`
	CommitHash     string   `json:"commit_hash,omitempty"`
	PullRequestURL string   `json:"pull_request_url,omitempty" validate:"omitempty,url"`
}

type setStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=backlog active review shipped icebox"`
}

// Response envelopes.

type successResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count,omitempty"`
	Data    any  `json:"data,omitempty"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (r *createTaskRequest) toTask() *task.Task {
	return &task.Task{
		ProjectID:   r.ProjectID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    task.TaskPriority(r.Priority),
		WorkType:    task.WorkType(r.WorkType),
	}
}
