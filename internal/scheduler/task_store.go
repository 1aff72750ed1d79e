package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

var (
	// ErrDuplicateTask is returned when a task id is enqueued twice.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrTaskNotFound is returned for operations on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrBadTransition is returned when a task is not in the status the
	// operation requires.
	ErrBadTransition = errors.New("invalid task status transition")
)

// TaskStore owns every task record and its status transitions. A single
// tasks map is the source of truth; the pending queue is an index into
// it that preserves submission order within a priority tier.
//
// Status machine:
//
//	pending -> assigned -> running -> completed
//	                              \-> failed (terminal or requeued as pending)
//	pending -> cancelled
//	running -> cancelling -> cancelled (result discarded on arrival)
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[types.TaskID]*types.Task
	queue []types.TaskID // pending ids, submission order
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[types.TaskID]*types.Task),
	}
}

// Enqueue adds a new task in pending status.
func (s *TaskStore) Enqueue(task types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrDuplicateTask
	}

	now := time.Now().UnixMilli()
	task.Status = types.TaskPending
	if task.SubmittedAt == 0 {
		task.SubmittedAt = now
	}
	task.UpdatedAt = now

	s.tasks[task.ID] = &task
	s.queue = append(s.queue, task.ID)
	return nil
}

// PendingByPriority returns copies of all pending tasks, stable-sorted
// by priority tier with FIFO order preserved inside each tier.
func (s *TaskStore) PendingByPriority() []types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]types.TaskID, 0, len(s.queue))
	for _, id := range s.queue {
		if t, ok := s.tasks[id]; ok && t.Status == types.TaskPending {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return s.tasks[ids[i]].Priority.Rank() < s.tasks[ids[j]].Priority.Rank()
	})

	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.tasks[id])
	}
	return out
}

// MarkAssigned moves a pending task to assigned and records the worker.
func (s *TaskStore) MarkAssigned(id types.TaskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if t.Status != types.TaskPending {
		return ErrBadTransition
	}
	s.dequeueLocked(id)
	t.Status = types.TaskAssigned
	t.AssignedWorker = workerID
	t.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// MarkRunning moves an assigned task to running, once the dispatch has
// been acknowledged.
func (s *TaskStore) MarkRunning(id types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if t.Status != types.TaskAssigned {
		return ErrBadTransition
	}
	t.Status = types.TaskRunning
	t.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Complete moves a running (or cancelling) task to its terminal state
// and records the result. A cancelling task's result is discarded and
// the task lands in cancelled instead.
func (s *TaskStore) Complete(id types.TaskID, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	switch t.Status {
	case types.TaskCancelling:
		t.Status = types.TaskCancelled
		t.Reason = "cancelled before completion; result discarded"
	case types.TaskAssigned, types.TaskRunning:
		t.Status = types.TaskCompleted
		t.Result = result
	default:
		return ErrBadTransition
	}
	t.AssignedWorker = ""
	t.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Fail moves a non-terminal task to terminal failed with a reason.
func (s *TaskStore) Fail(id types.TaskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return ErrBadTransition
	}
	s.dequeueLocked(id)
	t.Status = types.TaskFailed
	t.Reason = reason
	t.AssignedWorker = ""
	t.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Requeue puts an assigned/running/pending task back on the pending
// queue with its retry count incremented. Terminal tasks cannot be
// requeued.
func (s *TaskStore) Requeue(id types.TaskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrTaskNotFound
	}
	if t.Status.Terminal() || t.Status == types.TaskCancelling {
		return ErrBadTransition
	}
	wasPending := t.Status == types.TaskPending
	t.Status = types.TaskPending
	t.AssignedWorker = ""
	t.RetryCount++
	t.Reason = reason
	t.UpdatedAt = time.Now().UnixMilli()
	if !wasPending {
		s.queue = append(s.queue, id)
	}
	return nil
}

// Cancel cancels a task. Pending tasks are dequeued synchronously;
// assigned/running tasks move to cancelling and their result will be
// discarded when it arrives. Returns false for terminal tasks.
func (s *TaskStore) Cancel(id types.TaskID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return false, ErrTaskNotFound
	}
	switch t.Status {
	case types.TaskPending:
		s.dequeueLocked(id)
		t.Status = types.TaskCancelled
		t.Reason = "cancelled"
	case types.TaskAssigned, types.TaskRunning:
		t.Status = types.TaskCancelling
	default:
		return false, nil
	}
	t.UpdatedAt = time.Now().UnixMilli()
	return true, nil
}

// Get returns a copy of the task, or false if unknown.
func (s *TaskStore) Get(id types.TaskID) (types.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[id]
	if !exists {
		return types.Task{}, false
	}
	return *t, true
}

// InFlight returns copies of all tasks currently holding a worker slot:
// assigned, running, or cancelling and awaiting the discarded result.
func (s *TaskStore) InFlight() []types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskAssigned || t.Status == types.TaskRunning || t.Status == types.TaskCancelling {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns totals by broad outcome plus the pending queue depth.
func (s *TaskStore) Counts() (total, pending, completed, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total = len(s.tasks)
	for _, t := range s.tasks {
		switch t.Status {
		case types.TaskPending:
			pending++
		case types.TaskCompleted:
			completed++
		case types.TaskFailed:
			failed++
		}
	}
	return
}

// dequeueLocked removes id from the pending queue. Caller holds mu.
func (s *TaskStore) dequeueLocked(id types.TaskID) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}
