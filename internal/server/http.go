// Package server exposes the mesh over HTTP and WebSocket. The REST
// API carries registration, task submission, and operator traffic; the
// WebSocket hub carries the worker-facing dispatch path.
//
// Every request passes the resilience monitor's admission gate before
// any handler runs. Blacklisted sources get 403, rate-limited sources
// get 429.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/openchronicle/crawlmesh/internal/consensus"
	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/internal/metrics"
	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var log = slog.Default()

// Server is the HTTP front of the mesh.
type Server struct {
	coord     *coordinator.Coordinator
	hub       *Hub
	collector *metrics.Collector
	router    *mux.Router
}

// NewServer builds the router. collector may be nil; hub may be nil
// when workers run in-process only.
func NewServer(coord *coordinator.Coordinator, hub *Hub, collector *metrics.Collector) *Server {
	s := &Server{
		coord:     coord,
		hub:       hub,
		collector: collector,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.admissionMiddleware)

	api.HandleFunc("/workers/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)

	api.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/result", s.handleTaskResult).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/submission", s.handleTaskSubmission).Methods(http.MethodGet)

	api.HandleFunc("/submissions/{id}", s.handleGetSubmission).Methods(http.MethodGet)
	api.HandleFunc("/submissions/{id}/evaluation", s.handleEvaluation).Methods(http.MethodPost)

	api.HandleFunc("/admin/blacklist", s.handleBlacklist).Methods(http.MethodPost)
	api.HandleFunc("/admin/whitelist", s.handleWhitelist).Methods(http.MethodPost)
	api.HandleFunc("/admin/ratelimit", s.handleRateLimit).Methods(http.MethodPost)
	api.HandleFunc("/admin/workers/{id}/status", s.handleSetWorkerStatus).Methods(http.MethodPost)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.handleConnect)
	}
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// admissionMiddleware runs the resilience gate on every API request.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := sourceOf(r)
		if !s.coord.Monitor().RecordRequest(source, r.URL.Path) {
			if s.collector != nil {
				s.collector.RecordBlocked()
			}
			if s.coord.Monitor().IsBlacklisted(source) {
				writeError(w, http.StatusForbidden, "source blacklisted")
				return
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sourceOf identifies the request origin. Workers identify themselves
// with X-Worker-ID; anonymous traffic is keyed by remote address.
func sourceOf(r *http.Request) string {
	if id := r.Header.Get("X-Worker-ID"); id != "" {
		return id
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

type registerRequest struct {
	WorkerID     string   `json:"worker_id"`
	Capabilities []string `json:"capabilities"`
	PublicKey    string   `json:"public_key"` // hex-encoded Ed25519
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	pubKey, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pubKey) == 0 {
		writeError(w, http.StatusBadRequest, "public_key must be hex-encoded")
		return
	}
	if err := s.coord.RegisterWorker(req.WorkerID, req.Capabilities, pubKey); err != nil {
		if err == registry.ErrAlreadyRegistered {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"worker_id":  req.WorkerID,
		"registered": true,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	var m types.WorkerMetrics
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	} else {
		m.CompletionRate = 1.0
	}
	if err := s.coord.Heartbeat(workerID, m); err != nil {
		switch err {
		case registry.ErrUnknownWorker:
			writeError(w, http.StatusNotFound, err.Error())
		case coordinator.ErrWorkerCompromised:
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Registry().All())
}

type submitTaskRequest struct {
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   types.Priority         `json:"priority"`
	DeadlineMs int64                  `json:"deadline_ms,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	var deadline time.Time
	if req.DeadlineMs > 0 {
		deadline = time.UnixMilli(req.DeadlineMs)
	}
	id, err := s.coord.SubmitTask(req.Type, req.Payload, req.Priority, deadline)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	task, ok := s.coord.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	if !s.coord.CancelTask(id) {
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s cannot be cancelled", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}

// handleTaskResult is the HTTP alternative to the WebSocket result
// path, for workers behind proxies that break long-lived connections.
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	var res types.CrawlResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res.TaskID = id
	if res.WorkerID == "" {
		res.WorkerID = r.Header.Get("X-Worker-ID")
	}
	if res.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	s.coord.HandleWorkerResult(res)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *Server) handleTaskSubmission(w http.ResponseWriter, r *http.Request) {
	id := types.TaskID(mux.Vars(r)["id"])
	subID, ok := s.coord.SubmissionForTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no submission for task %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"submission_id": subID})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := types.SubmissionID(mux.Vars(r)["id"])
	sub, ok := s.coord.Verifier().GetSubmission(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("submission %s not found", id))
		return
	}
	resp := map[string]interface{}{"submission": sub}
	if verdict, decided := s.coord.Verifier().GetVerdict(id); decided {
		resp["verdict"] = verdict
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvaluation is the HTTP evaluation path for drafted evaluators.
// The evaluator identity comes from the X-Worker-ID header, never the
// request body, so a caller cannot vote under arbitrary identities.
func (s *Server) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	id := types.SubmissionID(mux.Vars(r)["id"])
	var eval types.Evaluation
	if err := json.NewDecoder(r.Body).Decode(&eval); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	evaluatorID := r.Header.Get("X-Worker-ID")
	if evaluatorID == "" {
		writeError(w, http.StatusBadRequest, "X-Worker-ID header is required")
		return
	}
	eval.EvaluatorID = evaluatorID
	if err := s.coord.Verifier().SubmitEvaluation(id, eval); err != nil {
		if errors.Is(err, consensus.ErrNotDrafted) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

type sourceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.coord.Monitor().Blacklist(req.Source)
	writeJSON(w, http.StatusOK, map[string]interface{}{"blacklisted": req.Source})
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.coord.Monitor().Whitelist(req.Source)
	writeJSON(w, http.StatusOK, map[string]interface{}{"whitelisted": req.Source})
}

type rateLimitRequest struct {
	Source    string `json:"source"`
	Limit     int    `json:"limit"`
	WindowSec int    `json:"window_sec"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" || req.Limit <= 0 {
		writeError(w, http.StatusBadRequest, "source and positive limit are required")
		return
	}
	window := time.Duration(req.WindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	s.coord.Monitor().SetRateLimit(req.Source, req.Limit, window)
	writeJSON(w, http.StatusOK, map[string]interface{}{"source": req.Source, "limit": req.Limit})
}

type workerStatusRequest struct {
	Status types.WorkerStatus `json:"status"`
}

// handleSetWorkerStatus lets an operator force a worker's lifecycle
// state, typically to reinstate a worker after manual review.
func (s *Server) handleSetWorkerStatus(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	var req workerStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	switch req.Status {
	case types.WorkerActive, types.WorkerInactive, types.WorkerSuspicious,
		types.WorkerCompromised, types.WorkerBlacklisted:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
		return
	}
	if err := s.coord.Registry().SetStatus(workerID, req.Status); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_id": workerID,
		"status":    req.Status,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.coord.Monitor().Events().Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
