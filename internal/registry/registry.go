// Package registry tracks participant identity, capabilities, liveness
// and load. It is the single source of truth for eligibility: every
// other component re-fetches worker state from here instead of caching
// it beyond one tick.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

var (
	// ErrAlreadyRegistered is returned when a worker id is registered twice.
	ErrAlreadyRegistered = errors.New("worker already registered")
	// ErrUnknownWorker is returned for operations on an unregistered id.
	ErrUnknownWorker = errors.New("unknown worker")
)

// DefaultLivenessWindow is how long a worker may stay silent before the
// sweep marks it inactive.
const DefaultLivenessWindow = 120 * time.Second

// performanceAlpha is the EWMA smoothing factor for completion outcomes.
const performanceAlpha = 0.2

// initialPerformance is the score a freshly registered worker starts
// with, matching the optimistic default the mesh has always used.
const initialPerformance = 0.8

// Registry is a thread-safe store of workers keyed by id. Workers are
// demoted, never deleted, so the record remains available for audit.
type Registry struct {
	mu             sync.RWMutex
	workers        map[string]*types.Worker
	livenessWindow time.Duration
}

// New creates an empty registry with the given liveness window.
// A non-positive window falls back to DefaultLivenessWindow.
func New(livenessWindow time.Duration) *Registry {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &Registry{
		workers:        make(map[string]*types.Worker),
		livenessWindow: livenessWindow,
	}
}

// Register adds a new worker in active status.
func (r *Registry) Register(id string, capabilities []string, pubKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return ErrAlreadyRegistered
	}

	now := time.Now().UnixMilli()
	r.workers[id] = &types.Worker{
		ID:               id,
		Capabilities:     append([]string(nil), capabilities...),
		PublicKey:        append([]byte(nil), pubKey...),
		Status:           types.WorkerActive,
		LastHeartbeat:    now,
		PerformanceScore: initialPerformance,
		RegisteredAt:     now,
	}
	return nil
}

// Heartbeat refreshes a worker's liveness. An inactive worker returns to
// active; suspicious, compromised and blacklisted workers keep their
// status (reinstatement is an explicit operator action). Heartbeats
// never touch CurrentLoad.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}

	w.LastHeartbeat = time.Now().UnixMilli()
	if w.Status == types.WorkerInactive {
		w.Status = types.WorkerActive
	}
	return nil
}

// Get returns a copy of the worker record, or false if unknown.
func (r *Registry) Get(id string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return types.Worker{}, false
	}
	return *w, true
}

// PublicKey returns the registered public key for a worker.
func (r *Registry) PublicKey(id string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, ErrUnknownWorker
	}
	return append([]byte(nil), w.PublicKey...), nil
}

// ListEligible returns copies of active workers matching the capability
// tag, sorted by id for deterministic downstream selection. Workers in
// any non-active status are never returned.
func (r *Registry) ListEligible(capability string) []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Worker
	for _, w := range r.workers {
		if w.Status != types.WorkerActive {
			continue
		}
		if !w.HasCapability(capability) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus forces a worker's status. Used by the resilience monitor
// (demotions) and the operator surface (reinstatement).
func (r *Registry) SetStatus(id string, status types.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}
	w.Status = status
	return nil
}

// AdjustLoad changes a worker's in-flight task count by delta.
// The count never goes below zero.
func (r *Registry) AdjustLoad(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
	return nil
}

// RecordOutcome folds a completion outcome into the worker's
// performance score: success counts as 1, failure as 0.
func (r *Registry) RecordOutcome(id string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return ErrUnknownWorker
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	w.PerformanceScore = (1-performanceAlpha)*w.PerformanceScore + performanceAlpha*sample
	return nil
}

// Sweep marks active workers not heard from within the liveness window
// as inactive and returns their ids, so callers can requeue any work
// still assigned to them.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.livenessWindow).UnixMilli()
	var demoted []string
	for id, w := range r.workers {
		if w.Status == types.WorkerActive && w.LastHeartbeat < cutoff {
			w.Status = types.WorkerInactive
			demoted = append(demoted, id)
		}
	}
	sort.Strings(demoted)
	return demoted
}

// ActiveCount returns the number of workers currently in active status.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.Status == types.WorkerActive {
			n++
		}
	}
	return n
}

// All returns copies of every worker record, sorted by id.
func (r *Registry) All() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
