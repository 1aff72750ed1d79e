package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame is the envelope for every WebSocket message in either
// direction.
type Frame struct {
	Type         string               `json:"type"`
	Task         *types.Task          `json:"task,omitempty"`
	Submission   *types.Submission    `json:"submission,omitempty"`
	SubmissionID types.SubmissionID   `json:"submission_id,omitempty"`
	Result       *types.CrawlResult   `json:"result,omitempty"`
	Evaluation   *types.Evaluation    `json:"evaluation,omitempty"`
	Metrics      *types.WorkerMetrics `json:"metrics,omitempty"`
}

// Frame types.
const (
	FrameTask       = "task"
	FrameEvaluate   = "evaluate"
	FrameResult     = "result"
	FrameEvaluation = "evaluation"
	FrameHeartbeat  = "heartbeat"
)

// wsConn is one worker's connection.
type wsConn struct {
	workerID string
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// Hub tracks connected workers and implements the dispatch transport:
// task assignments and evaluation requests go out as frames on the
// target worker's connection.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*wsConn
	coord *coordinator.Coordinator
}

// NewHub creates an empty hub. Bind must be called before serving.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsConn)}
}

// Bind attaches the coordinator. Split from the constructor because
// the coordinator itself is built around this hub as its transport.
func (h *Hub) Bind(coord *coordinator.Coordinator) { h.coord = coord }

// Connected reports whether a worker has a live connection.
func (h *Hub) Connected(workerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[workerID]
	return ok
}

// Dispatch sends a task assignment frame to the worker.
func (h *Hub) Dispatch(_ context.Context, w types.Worker, task types.Task) error {
	return h.sendFrame(w.ID, Frame{Type: FrameTask, Task: &task})
}

// RequestEvaluation sends an evaluation request frame to the worker.
func (h *Hub) RequestEvaluation(_ context.Context, evaluator types.Worker, sub types.Submission) error {
	return h.sendFrame(evaluator.ID, Frame{Type: FrameEvaluate, Submission: &sub})
}

func (h *Hub) sendFrame(workerID string, frame Frame) error {
	h.mu.RLock()
	c, ok := h.conns[workerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("worker %s not connected", workerID)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("worker %s send buffer full", workerID)
	}
}

// handleConnect upgrades a worker connection. The worker must already
// be registered; the connection is keyed by the worker_id query
// parameter.
func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id query parameter is required", http.StatusBadRequest)
		return
	}
	if !h.coord.Monitor().RecordRequest(workerID, "/ws") {
		http.Error(w, "admission denied", http.StatusForbidden)
		return
	}
	if _, ok := h.coord.Registry().Get(workerID); !ok {
		http.Error(w, "worker not registered", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "workerID", workerID, "error", err)
		return
	}

	c := &wsConn{workerID: workerID, ws: ws, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	if old, ok := h.conns[workerID]; ok {
		// A reconnect supersedes the previous connection.
		close(old.send)
	}
	h.conns[workerID] = c
	h.mu.Unlock()

	log.Info("Worker connected", "workerID", workerID)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.workerID]; ok && cur == c {
		delete(h.conns, c.workerID)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *wsConn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.ws.Close()
		log.Info("Worker disconnected", "workerID", c.workerID)
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read error", "workerID", c.workerID, "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("Malformed frame", "workerID", c.workerID, "error", err)
			continue
		}
		c.hub.handleFrame(c.workerID, frame)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one inbound worker frame. The worker id comes
// from the connection, never from the frame body, so a worker cannot
// speak for another.
func (h *Hub) handleFrame(workerID string, frame Frame) {
	switch frame.Type {
	case FrameResult:
		if frame.Result == nil {
			return
		}
		res := *frame.Result
		res.WorkerID = workerID
		h.coord.HandleWorkerResult(res)
	case FrameEvaluation:
		if frame.Evaluation == nil || frame.SubmissionID == "" {
			return
		}
		eval := *frame.Evaluation
		eval.EvaluatorID = workerID
		if err := h.coord.Verifier().SubmitEvaluation(frame.SubmissionID, eval); err != nil {
			log.Warn("Evaluation rejected", "workerID", workerID, "error", err)
		}
	case FrameHeartbeat:
		m := types.WorkerMetrics{CompletionRate: 1.0}
		if frame.Metrics != nil {
			m = *frame.Metrics
		}
		if err := h.coord.Heartbeat(workerID, m); err != nil {
			log.Warn("Heartbeat rejected", "workerID", workerID, "error", err)
		}
	default:
		log.Warn("Unknown frame type", "workerID", workerID, "type", frame.Type)
	}
}
