package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atlashq/dispatch/internal/store"
	"github.com/atlashq/dispatch/internal/task"
)

const (
	// DefaultAvailableLimit is the availability page size when the caller
	// does not ask for one; MaxAvailableLimit is the hard cap.
	DefaultAvailableLimit = 20
	MaxAvailableLimit     = 50

	// Outbox event types.
	EventTaskReadyForReview = "task_ready_for_review"
	EventTaskShipped        = "task_shipped"
)

// TaskApp provides the task assignment and lifecycle operations.
// HTTP handlers and CLI commands both call these methods.
type TaskApp struct {
	store *store.SQLiteStore
	log   *slog.Logger
	now   func() time.Time
}

// NewTaskApp creates the application service.
func NewTaskApp(st *store.SQLiteStore, log *slog.Logger) *TaskApp {
	if log == nil {
		log = slog.Default()
	}
	return &TaskApp{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Store exposes the underlying store for plain CRUD paths.
func (a *TaskApp) Store() *store.SQLiteStore {
	return a.store
}

// === Availability Filter ===

// AvailableOptions narrows the availability query.
type AvailableOptions struct {
	ProjectID string
	Priority  task.TaskPriority
	Limit     int
}

// Available returns tasks eligible for an agent to claim, ranked by priority
// then age. No mutation happens on this path.
func (a *TaskApp) Available(opts AvailableOptions) ([]task.AvailableTask, error) {
	if opts.Limit < 0 {
		return nil, validationErr("limit must be >= 0")
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultAvailableLimit
	}
	if limit > MaxAvailableLimit {
		limit = MaxAvailableLimit
	}

	tasks, err := a.store.ListAvailable(store.AvailableFilter{
		ProjectID: opts.ProjectID,
		Priority:  opts.Priority,
		Limit:     limit,
	})
	if err != nil {
		return nil, internalErr(err)
	}
	return tasks, nil
}

// === Claim Coordinator ===

// ClaimOptions identifies the task and the requesting agent.
type ClaimOptions struct {
	TaskID    string
	AgentID   string
	SessionID string
	Notes     string
}

// ClaimResult is the successful claim response payload.
type ClaimResult struct {
	Task        *task.Task `json:"task"`
	TimeEntryID string     `json:"time_entry_id,omitempty"`
	ClaimedAt   time.Time  `json:"claimed_at"`
}

// Claim atomically transfers ownership of the task to the agent.
//
// The conditional task update is the transaction of record. The initial time
// entry and the agent registry update are best-effort follow-ups: if either
// fails the claim stands, degraded state is logged as a warning, and the
// caller still sees success.
func (a *TaskApp) Claim(opts ClaimOptions) (*ClaimResult, error) {
	t, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		}
		return nil, internalErr(err)
	}

	// Precondition order: already claimed (including by the requester —
	// claim is exactly-once per task) before terminal status.
	if t.IsClaimed() {
		return nil, conflictErr(*t.AgentID, "task already claimed by agent %s", *t.AgentID)
	}
	if !t.Status.IsClaimable() {
		return nil, invalidStateErr("task status %s does not allow claiming", t.Status)
	}

	agent, err := a.store.GetAgent(opts.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("agent not found: %s", opts.AgentID)
		}
		return nil, internalErr(err)
	}

	// One active claim per agent: a registry row still pointing at a task
	// the agent owns blocks a second claim. This check is a precondition
	// read, not the ownership invariant itself.
	if agent.CurrentTaskID != nil {
		held, err := a.store.GetTask(*agent.CurrentTaskID)
		if err == nil && held.OwnedBy(agent.ID) {
			return nil, &Error{
				Code:    CodeAgentBusy,
				Message: "agent already has an active task: " + held.ID,
			}
		}
	}

	now := a.now()
	claimed, err := a.store.ClaimTask(opts.TaskID, opts.AgentID, opts.SessionID, opts.Notes, now)
	if err != nil {
		return nil, internalErr(err)
	}
	if !claimed {
		// Lost the race between the precondition read and the conditional
		// write. Re-read to report which condition failed.
		cur, rerr := a.store.GetTask(opts.TaskID)
		switch {
		case rerr != nil:
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		case cur.IsClaimed():
			return nil, conflictErr(*cur.AgentID, "task already claimed by agent %s", *cur.AgentID)
		case !cur.Status.IsClaimable():
			return nil, invalidStateErr("task status %s does not allow claiming", cur.Status)
		default:
			return nil, conflictErr("", "claim lost to a concurrent update")
		}
	}

	result := &ClaimResult{ClaimedAt: now}

	// Best-effort follow-ups, each in its own error boundary.
	entry := task.TimeEntry{
		TaskID:    opts.TaskID,
		AgentID:   &opts.AgentID,
		EntryType: task.EntryWork,
		StartedAt: now,
		Notes:     claimNote(opts.Notes),
	}
	if opts.SessionID != "" {
		entry.Metadata = map[string]any{"session_id": opts.SessionID}
	}
	if err := a.store.CreateTimeEntry(&entry); err != nil {
		a.log.Warn("claim succeeded but initial time entry failed",
			"task_id", opts.TaskID, "agent_id", opts.AgentID, "error", err)
	} else {
		result.TimeEntryID = entry.ID
	}

	if err := a.store.AssignAgent(opts.AgentID, opts.TaskID, opts.SessionID, now); err != nil {
		a.log.Warn("claim succeeded but agent registry update failed",
			"task_id", opts.TaskID, "agent_id", opts.AgentID, "error", err)
	}

	claimedTask, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		return nil, internalErr(err)
	}
	result.Task = claimedTask
	return result, nil
}

func claimNote(notes string) string {
	if notes == "" {
		return "Claimed"
	}
	return "Claimed: " + notes
}

// === Lifecycle Engine: log ===

// LogOptions describes one discrete work interval.
type LogOptions struct {
	TaskID          string
	AgentID         string
	DurationMinutes int
	Notes           string
	FilesModified   []string
	CommitHash      string
	EntryType       task.EntryType
}

// LogResult is the work-logging response payload.
type LogResult struct {
	Entry           *task.TimeEntry `json:"time_entry"`
	DurationMinutes int             `json:"duration_minutes"`
	HoursLogged     float64         `json:"hours_logged"`
}

// Log appends one independently timestamped interval to the time ledger.
// Each call is additive; nothing is ever overwritten. The interval spans
// [now − duration, now].
func (a *TaskApp) Log(opts LogOptions) (*LogResult, error) {
	if opts.DurationMinutes < 0 {
		return nil, validationErr("duration_minutes must be >= 0")
	}
	entryType := opts.EntryType
	if entryType == "" {
		entryType = task.EntryWork
	}

	t, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		}
		return nil, internalErr(err)
	}

	// Ownership gate: rejected calls must leave no side effects.
	if !t.OwnedBy(opts.AgentID) {
		return nil, forbiddenErr("task %s is not claimed by agent %s", opts.TaskID, opts.AgentID)
	}

	now := a.now()
	started := now.Add(-time.Duration(opts.DurationMinutes) * time.Minute)
	ended := now
	entry := task.TimeEntry{
		TaskID:          opts.TaskID,
		AgentID:         &opts.AgentID,
		EntryType:       entryType,
		StartedAt:       started,
		EndedAt:         &ended,
		DurationMinutes: opts.DurationMinutes,
		Notes:           opts.Notes,
		FilesModified:   opts.FilesModified,
		CommitHash:      opts.CommitHash,
	}
	if err := a.store.CreateTimeEntry(&entry); err != nil {
		return nil, internalErr(err)
	}

	// Bookkeeping follow-ups never fail the logged interval.
	if err := a.store.UnionTaskFiles(opts.TaskID, opts.AgentID, opts.FilesModified, now); err != nil {
		a.log.Warn("time entry recorded but file union failed",
			"task_id", opts.TaskID, "agent_id", opts.AgentID, "error", err)
	}
	if err := a.store.RecordAgentWork(opts.AgentID, float64(opts.DurationMinutes)/60.0, now); err != nil {
		a.log.Warn("time entry recorded but agent stats update failed",
			"task_id", opts.TaskID, "agent_id", opts.AgentID, "error", err)
	}

	result := &LogResult{Entry: &entry, DurationMinutes: opts.DurationMinutes}
	if agent, err := a.store.GetAgent(opts.AgentID); err == nil {
		result.HoursLogged = agent.TotalHoursLogged
	}
	return result, nil
}

// TimeLog is the task's full ledger plus its derived totals.
type TimeLog struct {
	Entries      []task.TimeEntry `json:"entries"`
	TotalMinutes int              `json:"total_minutes"`
	TotalHours   float64          `json:"total_hours"`
}

// GetLog returns all entries for a task, newest first, with the recomputed
// total. The total is always derived, never stored.
func (a *TaskApp) GetLog(taskID string) (*TimeLog, error) {
	if _, err := a.store.GetTask(taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", taskID)
		}
		return nil, internalErr(err)
	}

	entries, err := a.store.ListTimeEntries(taskID)
	if err != nil {
		return nil, internalErr(err)
	}
	total, err := a.store.SumTaskMinutes(taskID)
	if err != nil {
		return nil, internalErr(err)
	}
	return &TimeLog{
		Entries:      entries,
		TotalMinutes: total,
		TotalHours:   float64(total) / 60.0,
	}, nil
}

// === Lifecycle Engine: complete ===

// CompleteOptions describes the review handoff.
type CompleteOptions struct {
	TaskID         string
	AgentID        string
	Notes          string
	FilesModified  []string
	CommitHash     string
	PullRequestURL string
}

// CompleteResult is the completion response payload.
type CompleteResult struct {
	Task                  *task.Task              `json:"task"`
	CompletionTimeEntryID string                  `json:"completion_time_entry_id"`
	TotalTimeMinutes      int                     `json:"total_time_minutes"`
	TotalTimeHours        float64                 `json:"total_time_hours"`
	FilesModified         []string                `json:"files_modified,omitempty"`
	CompletionMetadata    task.CompletionMetadata `json:"completion_metadata"`
}

// Complete hands an owned task from active to human review. A task never
// moves directly to shipped through this core. The status change, the
// zero-duration completion entry, and the review notification commit in one
// transaction; the agent registry reset is best-effort.
func (a *TaskApp) Complete(opts CompleteOptions) (*CompleteResult, error) {
	t, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		}
		return nil, internalErr(err)
	}
	if !t.OwnedBy(opts.AgentID) {
		return nil, forbiddenErr("task %s is not claimed by agent %s", opts.TaskID, opts.AgentID)
	}
	if t.Status == task.StatusReview || t.Status == task.StatusShipped {
		return nil, invalidStateErr("task already %s", t.Status)
	}

	now := a.now()
	meta := task.CompletionMetadata{
		AgentID:        opts.AgentID,
		Notes:          opts.Notes,
		CommitHash:     opts.CommitHash,
		PullRequestURL: opts.PullRequestURL,
		ClaimedAt:      t.AgentClaimedAt,
		CompletedAt:    now,
	}

	ended := now
	entry := task.TimeEntry{
		ID:         uuid.New().String(),
		TaskID:     opts.TaskID,
		AgentID:    &opts.AgentID,
		EntryType:  task.EntryWork,
		StartedAt:  now,
		EndedAt:    &ended,
		Notes:      "Completed, handed to review",
		CommitHash: opts.CommitHash,
		Metadata:   completionMetadataMap(meta),
	}

	event := a.reviewEvent(t, opts.AgentID, now)

	ok, err := a.store.CompleteTask(store.CompleteParams{
		TaskID:  opts.TaskID,
		AgentID: opts.AgentID,
		Notes:   opts.Notes,
		Files:   opts.FilesModified,
		Entry:   entry,
		Event:   event,
		Now:     now,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		}
		return nil, internalErr(err)
	}
	if !ok {
		cur, rerr := a.store.GetTask(opts.TaskID)
		switch {
		case rerr != nil:
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		case !cur.OwnedBy(opts.AgentID):
			return nil, forbiddenErr("task %s is not claimed by agent %s", opts.TaskID, opts.AgentID)
		default:
			return nil, invalidStateErr("task already %s", cur.Status)
		}
	}

	if err := a.store.ResetAgentAfterComplete(opts.AgentID, now); err != nil {
		a.log.Warn("completion recorded but agent registry reset failed",
			"task_id", opts.TaskID, "agent_id", opts.AgentID, "error", err)
	}

	total, err := a.store.SumTaskMinutes(opts.TaskID)
	if err != nil {
		return nil, internalErr(err)
	}
	completed, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		return nil, internalErr(err)
	}

	return &CompleteResult{
		Task:                  completed,
		CompletionTimeEntryID: entry.ID,
		TotalTimeMinutes:      total,
		TotalTimeHours:        float64(total) / 60.0,
		FilesModified:         completed.FilesModified,
		CompletionMetadata:    meta,
	}, nil
}

func completionMetadataMap(m task.CompletionMetadata) map[string]any {
	out := map[string]any{
		"agent_id":     m.AgentID,
		"completed_at": m.CompletedAt.Format(time.RFC3339),
	}
	if m.Notes != "" {
		out["notes"] = m.Notes
	}
	if m.CommitHash != "" {
		out["commit_hash"] = m.CommitHash
	}
	if m.PullRequestURL != "" {
		out["pull_request_url"] = m.PullRequestURL
	}
	if m.ClaimedAt != nil {
		out["claimed_at"] = m.ClaimedAt.Format(time.RFC3339)
	}
	return out
}

// reviewEvent builds the outbox event for a task entering review. Returns
// nil when the project has no client contact; the transition itself never
// depends on it.
func (a *TaskApp) reviewEvent(t *task.Task, agentID string, now time.Time) *store.OutboxEvent {
	return a.taskEvent(EventTaskReadyForReview, t, map[string]any{
		"agent_id":     agentID,
		"completed_at": now.Format(time.RFC3339),
	})
}

func (a *TaskApp) taskEvent(eventType string, t *task.Task, extra map[string]any) *store.OutboxEvent {
	project, err := a.store.GetProject(t.ProjectID)
	if err != nil {
		a.log.Warn("notification skipped: project lookup failed", "task_id", t.ID, "error", err)
		return nil
	}
	if project.ContactEmail == "" {
		a.log.Warn("notification skipped: project has no client contact", "task_id", t.ID, "project_id", project.ID)
		return nil
	}

	payload := map[string]any{
		"event":        eventType,
		"task_id":      t.ID,
		"task_title":   t.Title,
		"project_id":   project.ID,
		"project_name": project.Name,
		"client_name":  project.ClientName,
	}
	for k, v := range extra {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)

	return &store.OutboxEvent{
		EventType: eventType,
		TaskID:    t.ID,
		Recipient: project.ContactEmail,
		Payload:   string(body),
	}
}

// === External transitions (human review flow) ===

// SetStatusOptions describes an externally driven status change.
type SetStatusOptions struct {
	TaskID string
	Status task.TaskStatus
}

// SetStatus applies a human-driven transition (review → shipped, reopen,
// icebox parking) against the transition table. Entering shipped sets
// shipped_at and enqueues exactly one shipped notification; any transition
// away from shipped clears it. Ownership is never changed on this path, and
// a task cannot reach review here — complete is the only way in.
func (a *TaskApp) SetStatus(opts SetStatusOptions) (*task.Task, error) {
	if !opts.Status.IsValid() {
		return nil, validationErr("unknown status %q", opts.Status)
	}

	t, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFoundErr("task not found: %s", opts.TaskID)
		}
		return nil, internalErr(err)
	}
	if opts.Status == t.Status {
		return nil, invalidStateErr("task already %s", t.Status)
	}
	if opts.Status == task.StatusReview {
		return nil, invalidStateErr("tasks reach review only through completion")
	}
	if !t.Status.CanTransitionTo(opts.Status) {
		return nil, invalidStateErr("cannot transition from %s to %s", t.Status, opts.Status)
	}

	now := a.now()
	var event *store.OutboxEvent
	if opts.Status == task.StatusShipped {
		event = a.taskEvent(EventTaskShipped, t, map[string]any{
			"shipped_at": now.Format(time.RFC3339),
		})
	}

	ok, err := a.store.TransitionStatus(opts.TaskID, t.Status, opts.Status, event, now)
	if err != nil {
		return nil, internalErr(err)
	}
	if !ok {
		return nil, conflictErr("", "task state changed concurrently, re-check and retry")
	}

	updated, err := a.store.GetTask(opts.TaskID)
	if err != nil {
		return nil, internalErr(err)
	}
	return updated, nil
}
