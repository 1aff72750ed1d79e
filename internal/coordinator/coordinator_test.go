package coordinator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchronicle/crawlmesh/internal/consensus"
	"github.com/openchronicle/crawlmesh/internal/scheduler"
	"github.com/openchronicle/crawlmesh/internal/worker"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

func fastConfig() Config {
	return Config{
		LivenessWindow: time.Minute,
		SweepInterval:  20 * time.Millisecond,
		Scheduler: scheduler.Config{
			Tick:           10 * time.Millisecond,
			MaxRetries:     1,
			DefaultTimeout: time.Minute,
		},
		Consensus: consensus.Config{
			RequiredVerifications: 3,
			Tick:                  10 * time.Millisecond,
			EvaluationDeadline:    time.Minute,
			SelectorSeed:          1,
		},
	}
}

// newMesh spins up a coordinator over the loopback transport with n
// agents running the given handler.
func newMesh(t *testing.T, n int, handler worker.WorkFunc) (*Coordinator, *MemorySink) {
	t.Helper()

	lb := worker.NewLoopback()
	sink := NewMemorySink()
	coord := New(lb, nil, sink, fastConfig())

	for i := 0; i < n; i++ {
		a, err := worker.NewAgent(worker.AgentConfig{
			ID:           fmt.Sprintf("w%d", i),
			Capabilities: []string{types.CapabilityGeneric},
		})
		require.NoError(t, err)
		a.Handle(types.CapabilityGeneric, handler)
		require.NoError(t, coord.RegisterWorker(a.ID(), a.Capabilities(), a.PublicKey()))
		require.NoError(t, a.Start(coord, coord.Verifier()))
		lb.Attach(a)
		t.Cleanup(a.Stop)
	}

	coord.Start()
	t.Cleanup(coord.Stop)
	return coord, sink
}

func echoHandler(_ context.Context, task types.Task) (map[string]interface{}, error) {
	return map[string]interface{}{"url": task.Payload["url"], "status_code": 200}, nil
}

func TestTaskFlowsIntoVerification(t *testing.T) {
	coord, sink := newMesh(t, 4, echoHandler)

	id, err := coord.SubmitTask("fetch", map[string]interface{}{"url": "https://example.org"}, types.PriorityHigh, time.Time{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok := coord.GetTask(id)
		return ok && task.Status == types.TaskCompleted
	}, 3*time.Second, 10*time.Millisecond, "task should complete")

	var subID types.SubmissionID
	require.Eventually(t, func() bool {
		var ok bool
		subID, ok = coord.SubmissionForTask(id)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "completed task should spawn a submission")

	require.Eventually(t, func() bool {
		verdict, decided := coord.Verifier().GetVerdict(subID)
		return decided && verdict.Status == types.SubmissionVerified
	}, 3*time.Second, 10*time.Millisecond, "honest fleet should verify the artifact")

	require.Eventually(t, func() bool {
		return len(sink.Published()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, subID, sink.Published()[0].SubmissionID)

	stats := coord.Stats()
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.VerifiedSubmissions)
	assert.Equal(t, 4, stats.ActiveWorkers)
}

func TestDuplicateResultSuppressed(t *testing.T) {
	coord, _ := newMesh(t, 4, echoHandler)

	id, err := coord.SubmitTask("fetch", map[string]interface{}{"url": "https://example.org"}, types.PriorityMedium, time.Time{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := coord.SubmissionForTask(id)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	total, _, _, _ := coord.Verifier().Counts()
	require.Equal(t, 1, total)

	// A replayed result for the settled task must not open a second
	// verification.
	coord.HandleWorkerResult(types.CrawlResult{
		TaskID:      id,
		WorkerID:    "w0",
		Payload:     map[string]interface{}{"url": "https://example.org"},
		ContentHash: "replayed",
	})

	total, _, _, _ = coord.Verifier().Counts()
	assert.Equal(t, 1, total)
}

func TestFailingWorkerFailsTask(t *testing.T) {
	coord, sink := newMesh(t, 1, func(context.Context, types.Task) (map[string]interface{}, error) {
		return nil, errors.New("fetch blocked by origin")
	})

	id, err := coord.SubmitTask("fetch", map[string]interface{}{"url": "https://example.org"}, types.PriorityLow, time.Time{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok := coord.GetTask(id)
		return ok && task.Status == types.TaskFailed
	}, 3*time.Second, 10*time.Millisecond, "task should fail after exhausting retries")

	_, ok := coord.SubmissionForTask(id)
	assert.False(t, ok, "failed tasks never enter verification")
	assert.Empty(t, sink.Published())
	assert.Equal(t, 1, coord.Stats().FailedTasks)
}

func TestHeartbeatIsolatesCompromisedWorker(t *testing.T) {
	coord, _ := newMesh(t, 1, echoHandler)

	err := coord.Heartbeat("w0", types.WorkerMetrics{
		CPUUsage: 95, MemoryUsage: 95, NetworkUsage: 85, CompletionRate: 0.1,
	})
	require.ErrorIs(t, err, ErrWorkerCompromised)

	w, ok := coord.Registry().Get("w0")
	require.True(t, ok)
	assert.Equal(t, types.WorkerCompromised, w.Status)
	assert.Equal(t, 0, coord.Stats().ActiveWorkers)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	coord, _ := newMesh(t, 0, nil)

	err := coord.Heartbeat("ghost", types.WorkerMetrics{CompletionRate: 1.0})
	assert.Error(t, err)
}

func TestSweepDemotesSilentWorker(t *testing.T) {
	lb := worker.NewLoopback()
	cfg := fastConfig()
	cfg.LivenessWindow = 30 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	coord := New(lb, nil, nil, cfg)
	require.NoError(t, coord.RegisterWorker("w0", nil, nil))
	coord.Start()
	t.Cleanup(coord.Stop)

	require.Eventually(t, func() bool {
		w, ok := coord.Registry().Get("w0")
		return ok && w.Status == types.WorkerInactive
	}, 2*time.Second, 10*time.Millisecond, "silent worker should be demoted")
}
