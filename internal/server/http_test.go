package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/internal/resilience"
	"github.com/openchronicle/crawlmesh/internal/scheduler"
	"github.com/openchronicle/crawlmesh/internal/signing"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

// nopTransport satisfies the coordinator's transport without moving
// anything; handler tests never need real dispatch.
type nopTransport struct{}

func (nopTransport) Dispatch(context.Context, types.Worker, types.Task) error { return nil }
func (nopTransport) RequestEvaluation(context.Context, types.Worker, types.Submission) error {
	return nil
}

func newTestServer(t *testing.T, monitorCfg resilience.Config) *Server {
	t.Helper()
	coord := coordinator.New(nopTransport{}, nil, nil, coordinator.Config{
		Scheduler: scheduler.Config{Tick: time.Hour},
		Monitor:   monitorCfg,
	})
	return NewServer(coord, nil, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// doJSONAs is doJSON with the request carrying a worker identity
// header.
func doJSONAs(t *testing.T, s *Server, workerID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Worker-ID", workerID)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func registerBody(t *testing.T, workerID string) map[string]interface{} {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return map[string]interface{}{
		"worker_id":    workerID,
		"capabilities": []string{"generic"},
		"public_key":   hex.EncodeToString(pub),
	}
}

func TestRegisterWorker(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/register", map[string]interface{}{
		"capabilities": []string{"generic"},
		"public_key":   "aa",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/workers/register", map[string]interface{}{
		"worker_id":  "w1",
		"public_key": "not-hex",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))

	rec = doJSON(t, s, http.MethodPost, "/api/v1/workers/w1/heartbeat", types.WorkerMetrics{
		CPUUsage: 20, CompletionRate: 0.9,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeatCompromisedWorker(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/w1/heartbeat", types.WorkerMetrics{
		CPUUsage: 95, MemoryUsage: 95, NetworkUsage: 85, CompletionRate: 0.2,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	w, ok := s.coord.Registry().Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerCompromised, w.Status)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"type":     "fetch",
		"payload":  map[string]interface{}{"url": "https://example.org"},
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeBody(t, rec)["task_id"].(string)
	require.NotEmpty(t, taskID)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, types.PriorityHigh, task.Priority)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTaskValidation(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"payload": map[string]interface{}{"url": "https://example.org"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/tasks/nope/submission", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/submissions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))
	doJSON(t, s, http.MethodPost, "/api/v1/tasks", map[string]interface{}{"type": "fetch"})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, 1, stats.PendingTasks)
}

func TestAdmissionRateLimit(t *testing.T) {
	s := newTestServer(t, resilience.Config{RateLimit: 2, DDoSThreshold: 1000})

	for i := 0; i < 2; i++ {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdmissionBlacklist(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/admin/blacklist", map[string]interface{}{
		"source": "192.0.2.1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// httptest requests originate from 192.0.2.1, now denied.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// healthz sits outside the admission gate.
	rec = doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminWhitelistRestoresAccess(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	s.coord.Monitor().Blacklist("w1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Worker-ID", "w1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	doJSON(t, s, http.MethodPost, "/api/v1/admin/whitelist", map[string]interface{}{"source": "w1"})

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Worker-ID", "w1")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRateLimitOverride(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/admin/ratelimit", map[string]interface{}{
		"source": "w1", "limit": 1, "window_sec": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Worker-ID", "w1")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("X-Worker-ID", "w1")
	rec2 = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestAdminSetWorkerStatus(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, "w1"))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/admin/workers/w1/status", map[string]interface{}{
		"status": "compromised",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	w, ok := s.coord.Registry().Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerCompromised, w.Status)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/admin/workers/w1/status", map[string]interface{}{
		"status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	w, _ = s.coord.Registry().Get("w1")
	assert.Equal(t, types.WorkerActive, w.Status)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/admin/workers/w1/status", map[string]interface{}{
		"status": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/admin/workers/ghost/status", map[string]interface{}{
		"status": "active",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	s.coord.Monitor().Blacklist("rogue")

	rec := doJSON(t, s, http.MethodGet, "/api/v1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []types.SecurityEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, types.EventBlacklist, events[0].Type)
	assert.Equal(t, "rogue", events[0].Source)
}

func TestTaskResultRequiresWorkerIdentity(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/tasks/t1/result", map[string]interface{}{
		"payload": map[string]interface{}{"url": "https://example.org"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationRequiresWorkerIdentity(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	// The body's evaluator_id is never trusted; without the identity
	// header the request is refused outright.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/submissions/nope/evaluation", map[string]interface{}{
		"evaluator_id": "w1",
		"verdict":      "accept",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationRequiresKnownSubmission(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	rec := doJSONAs(t, s, "w1", http.MethodPost, "/api/v1/submissions/nope/evaluation", map[string]interface{}{
		"verdict": "accept",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluationFromUndraftedWorkerForbidden(t *testing.T) {
	s := newTestServer(t, resilience.Config{})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/workers/register", map[string]interface{}{
		"worker_id":    "producer",
		"capabilities": []string{"generic"},
		"public_key":   hex.EncodeToString(pub),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	payload := map[string]interface{}{"url": "https://example.org"}
	hash, err := signing.ContentHash(payload)
	require.NoError(t, err)
	sig, err := signing.Sign(priv, payload)
	require.NoError(t, err)
	subID, err := s.coord.Verifier().SubmitForVerification(payload, hash, sig, "producer")
	require.NoError(t, err)

	rec = doJSONAs(t, s, "intruder", http.MethodPost,
		fmt.Sprintf("/api/v1/submissions/%s/evaluation", subID), map[string]interface{}{
			"verdict": "accept",
		})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	sub, ok := s.coord.Verifier().GetSubmission(subID)
	require.True(t, ok)
	assert.Empty(t, sub.Evaluations)
}

func TestListWorkers(t *testing.T) {
	s := newTestServer(t, resilience.Config{})
	for i := 0; i < 3; i++ {
		doJSON(t, s, http.MethodPost, "/api/v1/workers/register", registerBody(t, fmt.Sprintf("w%d", i)))
	}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []types.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	assert.Len(t, workers, 3)
}
