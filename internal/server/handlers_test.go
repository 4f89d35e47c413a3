package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlashq/dispatch/internal/app"
	"github.com/atlashq/dispatch/internal/store"
	"github.com/atlashq/dispatch/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(app.NewTaskApp(st, log), log, 0)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success, "body: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func setupProjectTaskAgent(t *testing.T, srv *Server) (projectID, taskID, agentID string) {
	t.Helper()
	var p task.Project
	rec := doJSON(t, srv, http.MethodPost, "/api/projects", map[string]any{
		"name":          "Acme Redesign",
		"client_name":   "Acme Corp",
		"contact_email": "pm@acme.example",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decodeData(t, rec, &p)

	var tk task.Task
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": p.ID,
		"title":      "Implement checkout flow",
		"priority":   "high",
		"work_type":  "ai_suitable",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decodeData(t, rec, &tk)

	var ag task.Agent
	rec = doJSON(t, srv, http.MethodPost, "/api/agents", map[string]any{"name": "builder-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decodeData(t, rec, &ag)

	return p.ID, tk.ID, ag.ID
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var h healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
}

func TestClaimEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{
		"agent_id":   agentID,
		"session_id": "sess-42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result app.ClaimResult
	decodeData(t, rec, &result)
	require.NotNil(t, result.Task)
	assert.Equal(t, task.StatusActive, result.Task.Status)
	require.NotNil(t, result.Task.AgentID)
	assert.Equal(t, agentID, *result.Task.AgentID)
}

func TestClaimConflictReportsOwner(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, firstID := setupProjectTaskAgent(t, srv)

	var other task.Agent
	rec := doJSON(t, srv, http.MethodPost, "/api/agents", map[string]any{"name": "builder-2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeData(t, rec, &other)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": firstID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": other.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	errResp := decodeError(t, rec)
	assert.Equal(t, string(app.CodeConflict), errResp.Code)
	assert.Equal(t, firstID, errResp.ClaimedBy)
}

func TestClaimMalformedIDRejectedEarly(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/not-a-uuid/claim", map[string]any{
		"agent_id": uuid.New().String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(app.CodeValidation), decodeError(t, rec).Code)
}

func TestClaimUnknownTask(t *testing.T) {
	srv := newTestServer(t)
	_, _, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+uuid.New().String()+"/claim", map[string]any{
		"agent_id": agentID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(app.CodeNotFound), decodeError(t, rec).Code)
}

func TestClaimMissingAgentID(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, _ := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(app.CodeValidation), decodeError(t, rec).Code)
}

func TestLogAndGetLogEndpoints(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/log", map[string]any{
		"agent_id":         agentID,
		"duration_minutes": 45,
		"notes":            "wired the payment provider",
		"files_modified":   []string{"pay/stripe.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/"+taskID+"/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var log app.TimeLog
	decodeData(t, rec, &log)
	assert.Equal(t, 45, log.TotalMinutes)
	assert.InDelta(t, 0.75, log.TotalHours, 0.001)
	// Claim entry plus the logged interval, newest first.
	require.Len(t, log.Entries, 2)
	assert.Equal(t, 45, log.Entries[0].DurationMinutes)
}

func TestLogForbiddenForNonOwner(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, ownerID := setupProjectTaskAgent(t, srv)

	var other task.Agent
	rec := doJSON(t, srv, http.MethodPost, "/api/agents", map[string]any{"name": "builder-2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeData(t, rec, &other)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": ownerID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/log", map[string]any{
		"agent_id":         other.ID,
		"duration_minutes": 10,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(app.CodeForbidden), decodeError(t, rec).Code)
}

func TestLogNegativeDurationRejected(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/log", map[string]any{
		"agent_id":         agentID,
		"duration_minutes": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/complete", map[string]any{
		"agent_id":    agentID,
		"notes":       "ready for review",
		"commit_hash": "deadbeef",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result app.CompleteResult
	decodeData(t, rec, &result)
	assert.Equal(t, task.StatusReview, result.Task.Status)
	assert.Nil(t, result.Task.ShippedAt)

	// A second complete is an invalid-state error, not a conflict.
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/complete", map[string]any{"agent_id": agentID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(app.CodeInvalidState), decodeError(t, rec).Code)
}

func TestSetStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/complete", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/status", map[string]any{"status": "shipped"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated task.Task
	decodeData(t, rec, &updated)
	assert.Equal(t, task.StatusShipped, updated.Status)
	assert.NotNil(t, updated.ShippedAt)

	// Unknown status fails request validation.
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/status", map[string]any{"status": "done"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailableEndpoint(t *testing.T) {
	srv := newTestServer(t)
	projectID, taskID, agentID := setupProjectTaskAgent(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/tasks/available", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Success bool                 `json:"success"`
		Count   int                  `json:"count"`
		Data    []task.AvailableTask `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, 1, env.Count)
	assert.Equal(t, taskID, env.Data[0].ID)
	assert.Equal(t, "Acme Redesign", env.Data[0].ProjectName)

	// Claimed tasks drop out of the feed.
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/"+taskID+"/claim", map[string]any{"agent_id": agentID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/available?project_id="+projectID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 0, env.Count)
}

func TestAvailableRejectsBadParams(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/tasks/available?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/available?limit=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/available?priority=sometime", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A malformed project filter is rejected, not treated as an empty match.
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/available?project_id=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(app.CodeValidation), decodeError(t, rec).Code)
}

func TestPreflightAnsweredByCORS(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks/available", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateTaskUnknownProject(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks", map[string]any{
		"project_id": uuid.New().String(),
		"title":      "Orphan task",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
