package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/atlashq/dispatch/internal/app"
	"github.com/atlashq/dispatch/internal/store"
	"github.com/atlashq/dispatch/internal/task"
	"github.com/atlashq/dispatch/internal/version"
)

// decodeAndValidate parses the JSON body into dst and runs its validation
// tags. On failure it writes the 400 itself and reports false.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, &app.Error{Code: app.CodeValidation, Message: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := task.ValidateStruct(dst); err != nil {
		s.writeError(w, &app.Error{Code: app.CodeValidation, Message: err.Error()})
		return false
	}
	return true
}

// pathID extracts and checks the {id} path segment. Malformed IDs are
// rejected before any store access.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, &app.Error{Code: app.CodeValidation, Message: "invalid id: must be a UUID"})
		return "", false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, successResponse{Success: true, Data: data})
}

func (s *Server) writeList(w http.ResponseWriter, data any, count int) {
	s.writeJSON(w, http.StatusOK, successResponse{Success: true, Count: count, Data: data})
}

// writeError maps application errors to HTTP statuses. Anything that is not
// an *app.Error is an internal failure and is logged, not leaked.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr := app.AsError(err)
	if appErr == nil {
		appErr = &app.Error{Code: app.CodeInternal, Message: err.Error()}
	}
	if appErr.Code == app.CodeInternal {
		// Log the real failure, return a generic message.
		s.log.Error("internal error", "error", appErr.Message)
		appErr = &app.Error{Code: app.CodeInternal, Message: "internal error"}
	}
	s.writeJSON(w, appErr.HTTPStatus(), errorResponse{
		Code:      string(appErr.Code),
		Error:     appErr.Message,
		ClaimedBy: appErr.ClaimedBy,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.app.Store().Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Version: version.Version})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: version.Version})
}

// === Task assignment ===

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := app.AvailableOptions{
		ProjectID: q.Get("project_id"),
		Priority:  task.TaskPriority(q.Get("priority")),
	}
	if opts.ProjectID != "" {
		if _, err := uuid.Parse(opts.ProjectID); err != nil {
			s.writeError(w, &app.Error{Code: app.CodeValidation, Message: "invalid project_id: must be a UUID"})
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, &app.Error{Code: app.CodeValidation, Message: "invalid limit: must be an integer"})
			return
		}
		opts.Limit = n
	}
	if opts.Priority != "" && !opts.Priority.IsValid() {
		s.writeError(w, &app.Error{Code: app.CodeValidation, Message: "invalid priority"})
		return
	}

	tasks, err := s.app.Available(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, tasks, len(tasks))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.app.Claim(app.ClaimOptions{
		TaskID:    id,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Notes:     req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleLogTime(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req logTimeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.app.Log(app.LogOptions{
		TaskID:          id,
		AgentID:         req.AgentID,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
		FilesModified:   req.FilesModified,
		CommitHash:      req.CommitHash,
		EntryType:       task.EntryType(req.EntryType),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	log, err := s.app.GetLog(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, log, len(log.Entries))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := s.app.Complete(app.CompleteOptions{
		TaskID:         id,
		AgentID:        req.AgentID,
		Notes:          req.Notes,
		FilesModified:  req.FilesModified,
		CommitHash:     req.CommitHash,
		PullRequestURL: req.PullRequestURL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, result)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req setStatusRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := s.app.SetStatus(app.SetStatusOptions{
		TaskID: id,
		Status: task.TaskStatus(req.Status),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, updated)
}

// === Task and project CRUD ===

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if _, err := s.app.Store().GetProject(req.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, &app.Error{Code: app.CodeNotFound, Message: "project not found: " + req.ProjectID})
			return
		}
		s.writeError(w, err)
		return
	}

	t := req.toTask()
	if err := s.app.Store().CreateTask(t); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	t, err := s.app.Store().GetTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, &app.Error{Code: app.CodeNotFound, Message: "task not found: " + id})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, t)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	p := &task.Project{
		Name:         req.Name,
		ClientName:   req.ClientName,
		ContactEmail: req.ContactEmail,
		Description:  req.Description,
	}
	if err := s.app.Store().CreateProject(p); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := s.app.Store().GetProject(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, &app.Error{Code: app.CodeNotFound, Message: "project not found: " + id})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, p)
}

// === Agent registry ===

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	a := &task.Agent{Name: req.Name}
	if err := s.app.Store().CreateAgent(a); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.app.Store().ListAgents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeList(w, agents, len(agents))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	a, err := s.app.Store().GetAgent(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, &app.Error{Code: app.CodeNotFound, Message: "agent not found: " + id})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, a)
}
