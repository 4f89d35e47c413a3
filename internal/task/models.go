package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusBacklog TaskStatus = "backlog" // Created, claimable
	StatusActive  TaskStatus = "active"  // An agent (or human) is working
	StatusReview  TaskStatus = "review"  // Work done, awaiting human review
	StatusShipped TaskStatus = "shipped" // Delivered to the client
	StatusIcebox  TaskStatus = "icebox"  // Parked without completing
)

// AllStatuses returns all valid task status values.
func AllStatuses() []TaskStatus {
	return []TaskStatus{StatusBacklog, StatusActive, StatusReview, StatusShipped, StatusIcebox}
}

// transitions defines the allowed status transitions.
// Flow: backlog → active → review → shipped, with icebox as a side-track
// reachable from any non-terminal state.
var transitions = map[TaskStatus][]TaskStatus{
	StatusBacklog: {StatusActive, StatusIcebox},
	StatusActive:  {StatusReview, StatusIcebox},
	StatusReview:  {StatusShipped, StatusActive, StatusIcebox},
	StatusShipped: {StatusReview}, // reopen clears shipped_at
	StatusIcebox:  {StatusBacklog},
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsClaimable returns true if a task in this status may be claimed by an agent.
// shipped and icebox are terminal-for-claiming regardless of how they were reached.
func (s TaskStatus) IsClaimable() bool {
	return s == StatusBacklog || s == StatusActive
}

// IsValid returns true if the status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusBacklog, StatusActive, StatusReview, StatusShipped, StatusIcebox:
		return true
	}
	return false
}

// TaskPriority represents the urgency of a task.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// IsValid reports whether p is a known priority.
func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the sort rank of the priority; more urgent sorts first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// WorkType classifies who can pick up a task. It is an availability filter
// predicate only; this service never mutates it.
type WorkType string

const (
	WorkHumanOnly  WorkType = "human_only"
	WorkAISuitable WorkType = "ai_suitable"
	WorkHybrid     WorkType = "hybrid"
)

// AgentStatus reflects whether an agent currently holds a task.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentIdle    AgentStatus = "idle"
	AgentOffline AgentStatus = "offline"
)

// EntryType classifies a time ledger entry.
type EntryType string

const (
	EntryWork    EntryType = "work"
	EntryReview  EntryType = "review"
	EntryBlocked EntryType = "blocked"
)

// Task represents a unit of client-delivery work.
//
// agent_id is exclusive ownership: null means unclaimed, non-null means owned
// by that agent until cleared. shipped_at is non-null iff status == shipped.
type Task struct {
	ID             string       `json:"id" validate:"required,uuid4"`
	ProjectID      string       `json:"project_id" validate:"required,uuid4"`
	Title          string       `json:"title" validate:"required,min=3,max=255"`
	Description    string       `json:"description,omitempty"`
	Status         TaskStatus   `json:"status" validate:"required,oneof=backlog active review shipped icebox"`
	Priority       TaskPriority `json:"priority" validate:"required,oneof=urgent high medium low"`
	WorkType       WorkType     `json:"work_type" validate:"required,oneof=human_only ai_suitable hybrid"`
	AgentID        *string      `json:"agent_id,omitempty" validate:"omitempty,uuid4"`
	SessionID      string       `json:"session_id,omitempty"`
	AgentClaimedAt *time.Time   `json:"agent_claimed_at,omitempty"`
	ShippedAt      *time.Time   `json:"shipped_at,omitempty"`
	AgentNotes     string       `json:"agent_notes,omitempty"`
	FilesModified  []string     `json:"files_modified,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsClaimed reports whether the task is currently owned by an agent.
func (t *Task) IsClaimed() bool {
	return t.AgentID != nil && *t.AgentID != ""
}

// OwnedBy reports whether the task is owned by the given agent.
func (t *Task) OwnedBy(agentID string) bool {
	return t.AgentID != nil && *t.AgentID == agentID
}

// UnionFiles merges paths into the task's accumulating file set, suppressing
// duplicates and preserving first-seen order.
func (t *Task) UnionFiles(paths []string) {
	seen := make(map[string]bool, len(t.FilesModified))
	for _, f := range t.FilesModified {
		seen[f] = true
	}
	for _, f := range paths {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		t.FilesModified = append(t.FilesModified, f)
	}
}

// TimeEntry is one immutable interval in the time ledger. Entries are only
// ever inserted; a task's total logged time is recomputed from the sum of
// duration_minutes, never stored on the task.
type TimeEntry struct {
	ID              string         `json:"id" validate:"required,uuid4"`
	TaskID          string         `json:"task_id" validate:"required,uuid4"`
	AgentID         *string        `json:"agent_id,omitempty" validate:"omitempty,uuid4"`
	EntryType       EntryType      `json:"entry_type" validate:"required,oneof=work review blocked"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationMinutes int            `json:"duration_minutes" validate:"min=0"`
	Notes           string         `json:"notes,omitempty"`
	FilesModified   []string       `json:"files_modified,omitempty"`
	CommitHash      string         `json:"commit_hash,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Agent is an autonomous worker process that claims and performs tasks.
// current_task_id mirrors the Task whose agent_id equals this agent, but the
// Task row stays authoritative for the ownership invariant.
type Agent struct {
	ID                  string      `json:"id" validate:"required,uuid4"`
	Name                string      `json:"name" validate:"required,min=1,max=120"`
	Status              AgentStatus `json:"status" validate:"required,oneof=active idle offline"`
	CurrentTaskID       *string     `json:"current_task_id,omitempty" validate:"omitempty,uuid4"`
	SessionID           string      `json:"session_id,omitempty"`
	LastHeartbeat       *time.Time  `json:"last_heartbeat,omitempty"`
	TotalTasksCompleted int         `json:"total_tasks_completed"`
	TotalHoursLogged    float64     `json:"total_hours_logged"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Project carries the minimal context agents need to decide whether to pick
// up a task, plus the client contact notifications go to. Full project CRUD
// lives elsewhere in the platform.
type Project struct {
	ID           string    `json:"id" validate:"required,uuid4"`
	Name         string    `json:"name" validate:"required,min=1,max=255"`
	ClientName   string    `json:"client_name,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty" validate:"omitempty,email"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AvailableTask is a claimable task enriched with project context.
type AvailableTask struct {
	Task
	ProjectName        string `json:"project_name"`
	ClientName         string `json:"client_name,omitempty"`
	ProjectDescription string `json:"project_description,omitempty"`
}

// CompletionMetadata is the structured blob attached to the zero-duration
// time entry recorded when an agent hands a task to review.
type CompletionMetadata struct {
	AgentID        string     `json:"agent_id"`
	Notes          string     `json:"notes,omitempty"`
	CommitHash     string     `json:"commit_hash,omitempty"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    time.Time  `json:"completed_at"`
}

// validate is a single shared instance; it caches struct metadata.
var validate = validator.New()

// ValidateStruct runs validator tags on any model and flattens the result
// into one readable error.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.StructNamespace(), e.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
