// Package scheduler assigns submitted work items to the best-fit worker
// under priority, capability, load and deadline constraints.
//
// Assignment runs on a fixed tick. Each pass expires overdue tasks,
// stable-sorts the pending queue by priority, scores eligible workers
// and dispatches. Dispatch and completion are asynchronous: the
// scheduler never blocks on a slow worker, and a task whose worker
// leaves the eligible set is requeued rather than left dangling.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var log = slog.Default()

// Dispatcher delivers an assigned task to a worker. Implementations must
// return promptly; slow transports do their waiting elsewhere.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker types.Worker, task types.Task) error
}

// ThreatAdvisor supplies the resilience monitor's selection penalty for
// a worker: 0 for trusted, larger for suspicious behavior.
type ThreatAdvisor interface {
	ThreatPenalty(workerID string) float64
}

// Config tunes the scheduler.
type Config struct {
	Tick             time.Duration // assignment cadence
	MaxRetries       int           // retry cap before terminal failure
	DefaultTimeout   time.Duration // deadline applied when none is given
	MaxLoadPerWorker int           // load normalization for scoring
}

// DefaultConfig mirrors the defaults the mesh has run with in production.
func DefaultConfig() Config {
	return Config{
		Tick:             2 * time.Second,
		MaxRetries:       3,
		DefaultTimeout:   5 * time.Minute,
		MaxLoadPerWorker: 10,
	}
}

// Scheduler owns the task table and the assignment loop.
type Scheduler struct {
	store      *TaskStore
	registry   *registry.Registry
	dispatcher Dispatcher
	threats    ThreatAdvisor
	config     Config

	// OnCompleted, when set, receives every successfully completed task.
	// The coordinator uses it to route results into verification.
	OnCompleted func(task types.Task)

	// OnFailed, when set, receives every terminally failed task.
	OnFailed func(task types.Task)

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex // guards stopped
	loopWg  sync.WaitGroup
}

// New creates a scheduler. threats may be nil, in which case no
// selection penalty is applied.
func New(reg *registry.Registry, dispatcher Dispatcher, threats ThreatAdvisor, config Config) *Scheduler {
	if config.Tick <= 0 {
		config.Tick = DefaultConfig().Tick
	}
	if config.MaxLoadPerWorker <= 0 {
		config.MaxLoadPerWorker = DefaultConfig().MaxLoadPerWorker
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	return &Scheduler{
		store:      NewTaskStore(),
		registry:   reg,
		dispatcher: dispatcher,
		threats:    threats,
		config:     config,
		stopCh:     make(chan struct{}),
	}
}

// Store exposes the task table for callers that need read access.
func (s *Scheduler) Store() *TaskStore { return s.store }

// Start launches the assignment loop.
func (s *Scheduler) Start() {
	s.loopWg.Add(1)
	go s.assignLoop()
	log.Info("Scheduler started", "tick", s.config.Tick)
}

// Stop terminates the assignment loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.loopWg.Wait()
	log.Info("Scheduler stopped")
}

// Submit enqueues a new task and returns its id. A zero deadline gets
// the configured default timeout.
func (s *Scheduler) Submit(taskType string, payload map[string]interface{}, priority types.Priority, deadline time.Time) (types.TaskID, error) {
	id := types.TaskID(uuid.NewString())
	if deadline.IsZero() {
		deadline = time.Now().Add(s.config.DefaultTimeout)
	}
	deadlineMs := deadline.UnixMilli()

	task := types.Task{
		ID:       id,
		Type:     taskType,
		Payload:  payload,
		Priority: priority,
		Deadline: &deadlineMs,
	}
	if err := s.store.Enqueue(task); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	log.Info("Task submitted", "taskID", id, "type", taskType, "priority", priority)
	return id, nil
}

// GetTask returns a copy of the task record.
func (s *Scheduler) GetTask(id types.TaskID) (types.Task, bool) {
	return s.store.Get(id)
}

// Cancel cancels a task. Pending tasks are dequeued immediately;
// running tasks are marked cancelling and their result is discarded.
func (s *Scheduler) Cancel(id types.TaskID) bool {
	ok, err := s.store.Cancel(id)
	if err != nil {
		return false
	}
	return ok
}

// HandleResult is the completion callback for a dispatched task. On
// failure with retries remaining the task is requeued; otherwise it
// becomes terminal. Load accounting for the executing worker is settled
// here, exactly once per dispatch.
func (s *Scheduler) HandleResult(id types.TaskID, workerID string, result map[string]interface{}, execErr error) {
	task, ok := s.store.Get(id)
	if !ok {
		log.Warn("Result for unknown task", "taskID", id)
		return
	}
	if task.Status.Terminal() {
		log.Debug("Discarding result for terminal task", "taskID", id, "status", task.Status)
		return
	}

	// Settle load only when this worker still owns the dispatch; a late
	// result from an orphaned assignment was already settled by the
	// requeue pass.
	if workerID != "" && task.AssignedWorker == workerID &&
		(task.Status == types.TaskAssigned || task.Status == types.TaskRunning || task.Status == types.TaskCancelling) {
		if err := s.registry.AdjustLoad(workerID, -1); err != nil && err != registry.ErrUnknownWorker {
			log.Error("Failed to release worker load", "workerID", workerID, "error", err)
		}
	} else if !task.Status.Terminal() && task.Status != types.TaskCancelling && task.AssignedWorker != workerID {
		// Late result from a superseded dispatch; the task moved on.
		log.Debug("Discarding stale result", "taskID", id, "workerID", workerID)
		return
	}

	if execErr == nil {
		if err := s.store.Complete(id, result); err != nil {
			log.Error("Failed to mark completed", "taskID", id, "error", err)
			return
		}
		if err := s.registry.RecordOutcome(workerID, true); err != nil && err != registry.ErrUnknownWorker {
			log.Error("Failed to record outcome", "workerID", workerID, "error", err)
		}
		done, _ := s.store.Get(id)
		if done.Status == types.TaskCompleted && s.OnCompleted != nil {
			s.OnCompleted(done)
		}
		log.Debug("Task completed", "taskID", id, "workerID", workerID)
		return
	}

	if err := s.registry.RecordOutcome(workerID, false); err != nil && err != registry.ErrUnknownWorker {
		log.Error("Failed to record outcome", "workerID", workerID, "error", err)
	}

	if task.RetryCount < s.config.MaxRetries {
		if err := s.store.Requeue(id, fmt.Sprintf("worker %s failed: %v", workerID, execErr)); err != nil {
			log.Error("Failed to requeue task", "taskID", id, "error", err)
		}
		return
	}
	reason := fmt.Sprintf("failed after %d retries: %v", task.RetryCount, execErr)
	if err := s.store.Fail(id, reason); err != nil {
		log.Error("Failed to mark failed", "taskID", id, "error", err)
		return
	}
	s.notifyFailed(id)
}

func (s *Scheduler) notifyFailed(id types.TaskID) {
	if s.OnFailed == nil {
		return
	}
	if t, ok := s.store.Get(id); ok {
		s.OnFailed(t)
	}
}

// assignLoop drives the fixed-tick assignment passes.
func (s *Scheduler) assignLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Assignment loop stopped")
			return
		case <-ticker.C:
			now := time.Now()
			s.expireOverdue(now)
			s.requeueOrphans()
			s.assignPending()
		}
	}
}

// expireOverdue handles tasks whose deadline has passed: retry when the
// cap allows, terminal failure otherwise. Timeout detection is bounded
// by the tick cadence; that latency is accepted.
func (s *Scheduler) expireOverdue(now time.Time) {
	for _, t := range append(s.store.PendingByPriority(), s.store.InFlight()...) {
		if !t.Expired(now) {
			continue
		}
		s.releaseLoad(t)
		if t.Status == types.TaskCancelling {
			// The discarded result never arrived; finalize the cancel.
			_ = s.store.Complete(t.ID, nil)
			continue
		}
		if t.RetryCount < s.config.MaxRetries {
			if err := s.store.Requeue(t.ID, "deadline exceeded"); err != nil {
				log.Error("Failed to requeue expired task", "taskID", t.ID, "error", err)
			}
			continue
		}
		if err := s.store.Fail(t.ID, fmt.Sprintf("deadline exceeded after %d retries", t.RetryCount)); err != nil {
			log.Error("Failed to fail expired task", "taskID", t.ID, "error", err)
			continue
		}
		s.notifyFailed(t.ID)
		log.Warn("Task dead", "taskID", t.ID, "retries", t.RetryCount)
	}
}

// requeueOrphans requeues in-flight tasks whose assigned worker is no
// longer active, incrementing the retry count exactly once per incident.
func (s *Scheduler) requeueOrphans() {
	for _, t := range s.store.InFlight() {
		w, ok := s.registry.Get(t.AssignedWorker)
		if ok && w.Status == types.WorkerActive {
			continue
		}
		s.releaseLoad(t)
		if t.Status == types.TaskCancelling {
			_ = s.store.Complete(t.ID, nil)
			continue
		}
		if t.RetryCount < s.config.MaxRetries {
			if err := s.store.Requeue(t.ID, fmt.Sprintf("worker %s no longer eligible", t.AssignedWorker)); err != nil {
				log.Error("Failed to requeue orphaned task", "taskID", t.ID, "error", err)
			}
			log.Warn("Task orphaned, requeued", "taskID", t.ID, "workerID", t.AssignedWorker)
			continue
		}
		if err := s.store.Fail(t.ID, fmt.Sprintf("worker %s lost, retries exhausted", t.AssignedWorker)); err != nil {
			log.Error("Failed to fail orphaned task", "taskID", t.ID, "error", err)
			continue
		}
		s.notifyFailed(t.ID)
	}
}

// assignPending walks the priority-ordered pending queue and dispatches
// each task to the best-scoring eligible worker. Tasks with no eligible
// worker stay pending for the next tick.
func (s *Scheduler) assignPending() {
	for _, t := range s.store.PendingByPriority() {
		worker, ok := s.selectWorker(t)
		if !ok {
			continue
		}
		if err := s.store.MarkAssigned(t.ID, worker.ID); err != nil {
			continue
		}
		if err := s.registry.AdjustLoad(worker.ID, 1); err != nil {
			// Worker vanished between selection and assignment.
			_ = s.store.Requeue(t.ID, "assignment raced worker removal")
			continue
		}
		task, _ := s.store.Get(t.ID)
		s.dispatch(worker, task)
	}
}

// selectWorker scores each eligible candidate as performance minus a
// load factor minus the threat penalty; ties break on lowest load, then
// lexicographic id, so selection is deterministic and testable.
func (s *Scheduler) selectWorker(task types.Task) (types.Worker, bool) {
	candidates := s.registry.ListEligible(task.Type)
	if len(candidates) == 0 {
		return types.Worker{}, false
	}

	best := -1
	bestScore := 0.0
	for i, w := range candidates {
		loadFactor := float64(w.CurrentLoad) / float64(s.config.MaxLoadPerWorker)
		if loadFactor > 0.5 {
			loadFactor = 0.5
		}
		score := w.PerformanceScore - loadFactor
		if s.threats != nil {
			score -= s.threats.ThreatPenalty(w.ID)
		}
		if best == -1 || score > bestScore ||
			(score == bestScore && w.CurrentLoad < candidates[best].CurrentLoad) {
			best = i
			bestScore = score
		}
	}
	return candidates[best], true
}

// dispatch hands the task to the transport without blocking the
// assignment pass. Errors requeue the task.
func (s *Scheduler) dispatch(worker types.Worker, task types.Task) {
	go func() {
		err := s.dispatcher.Dispatch(context.Background(), worker, task)
		if err != nil {
			log.Warn("Dispatch failed", "taskID", task.ID, "workerID", worker.ID, "error", err)
			if lerr := s.registry.AdjustLoad(worker.ID, -1); lerr != nil && lerr != registry.ErrUnknownWorker {
				log.Error("Failed to release worker load", "workerID", worker.ID, "error", lerr)
			}
			if rerr := s.store.Requeue(task.ID, fmt.Sprintf("dispatch to %s failed", worker.ID)); rerr != nil {
				log.Error("Failed to requeue after dispatch error", "taskID", task.ID, "error", rerr)
			}
			return
		}
		if err := s.store.MarkRunning(task.ID); err != nil && err != ErrBadTransition {
			log.Error("Failed to mark running", "taskID", task.ID, "error", err)
		}
		log.Debug("Task dispatched", "taskID", task.ID, "workerID", worker.ID)
	}()
}

// releaseLoad settles the load counter for a task leaving the in-flight
// set outside the result path.
func (s *Scheduler) releaseLoad(t types.Task) {
	if t.AssignedWorker == "" {
		return
	}
	if t.Status != types.TaskAssigned && t.Status != types.TaskRunning && t.Status != types.TaskCancelling {
		return
	}
	if err := s.registry.AdjustLoad(t.AssignedWorker, -1); err != nil && err != registry.ErrUnknownWorker {
		log.Error("Failed to release worker load", "workerID", t.AssignedWorker, "error", err)
	}
}
