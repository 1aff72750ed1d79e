// Package coordinator assembles the mesh: the worker registry, the
// task scheduler, the consensus verifier, and the resilience monitor,
// wired together with a transport and a publication sink.
//
// The coordinator owns the cross-component glue the individual engines
// stay ignorant of: routing completed crawl results into verification,
// sweeping silent workers out of the eligible set, refreshing the
// Prometheus gauges, and handing verified artifacts to the sink.
package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/internal/consensus"
	"github.com/openchronicle/crawlmesh/internal/journal"
	"github.com/openchronicle/crawlmesh/internal/metrics"
	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/internal/resilience"
	"github.com/openchronicle/crawlmesh/internal/scheduler"
	"github.com/openchronicle/crawlmesh/pkg/types"

	"log/slog"
)

var log = slog.Default()

// ErrWorkerCompromised is returned by Heartbeat when the reported
// telemetry pushed the worker over the isolation threshold.
var ErrWorkerCompromised = errors.New("worker isolated as compromised")

// Transport delivers assignments and evaluation requests to workers.
// The loopback implements it in-process; the websocket hub implements
// it for remote workers.
type Transport interface {
	scheduler.Dispatcher
	consensus.EvalDispatcher
}

// Config tunes the coordinator and its engines.
type Config struct {
	LivenessWindow time.Duration // heartbeat silence before demotion
	SweepInterval  time.Duration // liveness sweep and gauge refresh cadence
	Scheduler      scheduler.Config
	Consensus      consensus.Config
	Monitor        resilience.Config
}

// DefaultConfig returns production defaults for all engines.
func DefaultConfig() Config {
	return Config{
		LivenessWindow: registry.DefaultLivenessWindow,
		SweepInterval:  10 * time.Second,
		Scheduler:      scheduler.DefaultConfig(),
		Consensus:      consensus.DefaultConfig(),
		Monitor:        resilience.DefaultConfig(),
	}
}

// Coordinator is the mesh control plane.
type Coordinator struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	verifier  *consensus.Verifier
	monitor   *resilience.Monitor
	collector *metrics.Collector
	sink      Sink
	journal   *journal.Journal
	config    Config

	mu         sync.Mutex
	subForTask map[types.TaskID]types.SubmissionID
	taskForSub map[types.SubmissionID]types.TaskID

	stopCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
	loopWg  sync.WaitGroup
}

// New wires the engines together. collector may be nil to run without
// instrumentation; sink may be nil, which defaults to NopSink.
func New(transport Transport, collector *metrics.Collector, sink Sink, config Config) *Coordinator {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if sink == nil {
		sink = NopSink{}
	}

	reg := registry.New(config.LivenessWindow)
	monitor := resilience.New(reg, config.Monitor)
	sched := scheduler.New(reg, transport, monitor, config.Scheduler)
	verifier := consensus.New(reg, transport, monitor, config.Consensus)

	c := &Coordinator{
		registry:   reg,
		scheduler:  sched,
		verifier:   verifier,
		monitor:    monitor,
		collector:  collector,
		sink:       sink,
		config:     config,
		subForTask: make(map[types.TaskID]types.SubmissionID),
		taskForSub: make(map[types.SubmissionID]types.TaskID),
		stopCh:     make(chan struct{}),
	}

	sched.OnCompleted = c.onTaskCompleted
	sched.OnFailed = c.onTaskFailed
	verifier.OnDecided = c.onDecided
	verifier.OnVerified = c.onVerified
	monitor.OnEvent = c.onSecurityEvent
	return c
}

// SetJournal attaches the audit journal. Call before Start.
func (c *Coordinator) SetJournal(j *journal.Journal) { c.journal = j }

// Component accessors for the server layer and tests.
func (c *Coordinator) Registry() *registry.Registry    { return c.registry }
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }
func (c *Coordinator) Verifier() *consensus.Verifier   { return c.verifier }
func (c *Coordinator) Monitor() *resilience.Monitor    { return c.monitor }

// Start launches every engine loop plus the sweep loop.
func (c *Coordinator) Start() {
	c.monitor.Start()
	c.scheduler.Start()
	c.verifier.Start()
	c.loopWg.Add(1)
	go c.sweepLoop()
	log.Info("Coordinator started")
}

// Stop shuts the engines down in reverse order and waits for every
// loop to exit.
func (c *Coordinator) Stop() {
	c.stopMu.Lock()
	if c.stopped {
		c.stopMu.Unlock()
		return
	}
	c.stopped = true
	c.stopMu.Unlock()

	close(c.stopCh)
	c.loopWg.Wait()
	c.verifier.Stop()
	c.scheduler.Stop()
	c.monitor.Stop()
	log.Info("Coordinator stopped")
}

// RegisterWorker admits a worker into the fleet.
func (c *Coordinator) RegisterWorker(id string, capabilities []string, pubKey []byte) error {
	return c.registry.Register(id, capabilities, pubKey)
}

// Heartbeat refreshes a worker's liveness and folds its telemetry into
// the threat model. ErrWorkerCompromised means the telemetry crossed
// the isolation threshold and the worker was pulled from the fleet.
func (c *Coordinator) Heartbeat(workerID string, m types.WorkerMetrics) error {
	if err := c.registry.Heartbeat(workerID); err != nil {
		return err
	}
	if !c.monitor.RecordWorkerMetrics(workerID, m) {
		return ErrWorkerCompromised
	}
	return nil
}

// SubmitTask enqueues a crawl task.
func (c *Coordinator) SubmitTask(taskType string, payload map[string]interface{}, priority types.Priority, deadline time.Time) (types.TaskID, error) {
	id, err := c.scheduler.Submit(taskType, payload, priority, deadline)
	if err != nil {
		return "", err
	}
	if c.collector != nil {
		c.collector.RecordSubmitted()
	}
	return id, nil
}

// CancelTask requests cancellation. True means the task will not run
// again; a false return means it was unknown or already terminal.
func (c *Coordinator) CancelTask(id types.TaskID) bool {
	return c.scheduler.Cancel(id)
}

// GetTask returns the current task record.
func (c *Coordinator) GetTask(id types.TaskID) (types.Task, bool) {
	return c.scheduler.GetTask(id)
}

// HandleWorkerResult ingests a finished assignment: the scheduler
// settles the task, then a successful artifact enters the verification
// pipeline exactly once.
func (c *Coordinator) HandleWorkerResult(res types.CrawlResult) {
	var execErr error
	if res.Error != "" {
		execErr = errors.New(res.Error)
	}
	c.scheduler.HandleResult(res.TaskID, res.WorkerID, res.Payload, execErr)
	if execErr != nil {
		return
	}

	task, ok := c.scheduler.GetTask(res.TaskID)
	if !ok || task.Status != types.TaskCompleted {
		return
	}

	// A task enters verification exactly once; late duplicate results
	// for an already-completed task are discarded by the scheduler and
	// suppressed here.
	c.mu.Lock()
	if _, dup := c.subForTask[res.TaskID]; dup {
		c.mu.Unlock()
		return
	}
	c.subForTask[res.TaskID] = ""
	c.mu.Unlock()

	subID, err := c.verifier.SubmitForVerification(res.Payload, res.ContentHash, res.Signature, res.WorkerID)
	c.mu.Lock()
	if err != nil {
		delete(c.subForTask, res.TaskID)
		c.mu.Unlock()
		log.Error("Failed to submit for verification", "taskID", res.TaskID, "error", err)
		return
	}
	c.subForTask[res.TaskID] = subID
	c.taskForSub[subID] = res.TaskID
	c.mu.Unlock()
}

// SubmissionForTask returns the verification submission spawned by a
// completed task, if any.
func (c *Coordinator) SubmissionForTask(id types.TaskID) (types.SubmissionID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subID, ok := c.subForTask[id]
	return subID, ok && subID != ""
}

// Stats aggregates the operator-facing counters from every engine.
func (c *Coordinator) Stats() types.Stats {
	total, pending, completed, failed := c.scheduler.Store().Counts()
	subs, verified, rejected, conflict := c.verifier.Counts()
	blacklisted, blocked, events := c.monitor.Counts()
	return types.Stats{
		TotalTasks:          total,
		CompletedTasks:      completed,
		FailedTasks:         failed,
		PendingTasks:        pending,
		TotalSubmissions:    subs,
		VerifiedSubmissions: verified,
		RejectedSubmissions: rejected,
		ConflictSubmissions: conflict,
		ActiveWorkers:       c.registry.ActiveCount(),
		BlacklistedSources:  blacklisted,
		BlockedRequests:     blocked,
		SecurityEvents:      events,
	}
}

func (c *Coordinator) onTaskCompleted(task types.Task) {
	if c.collector != nil {
		latency := float64(task.UpdatedAt-task.SubmittedAt) / 1000.0
		c.collector.RecordCompleted(latency)
	}
}

func (c *Coordinator) onTaskFailed(task types.Task) {
	if c.collector != nil {
		c.collector.RecordFailed()
	}
	c.appendJournal(journal.RecordTaskFailed, map[string]interface{}{
		"task_id": task.ID,
		"reason":  task.Reason,
	})
	log.Warn("Task terminally failed", "taskID", task.ID, "reason", task.Reason)
}

func (c *Coordinator) onDecided(result types.ConsensusResult) {
	if c.collector != nil {
		c.collector.RecordVerdict(string(result.Status))
	}
	c.appendJournal(journal.RecordVerdict, result)
}

func (c *Coordinator) onSecurityEvent(ev types.SecurityEvent) {
	if c.collector != nil {
		c.collector.RecordSecurityEvent(string(ev.Type))
	}
	c.appendJournal(journal.RecordSecurityEvent, ev)
}

func (c *Coordinator) appendJournal(recordType string, v interface{}) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(recordType, v); err != nil {
		log.Error("Failed to append journal record", "type", recordType, "error", err)
	}
}

func (c *Coordinator) onVerified(result types.ConsensusResult) {
	if err := c.sink.Publish(result); err != nil {
		log.Error("Failed to publish verified artifact", "submissionID", result.SubmissionID, "error", err)
	}
}

// sweepLoop demotes silent workers and refreshes the fleet gauges.
func (c *Coordinator) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			demoted := c.registry.Sweep(time.Now())
			for _, id := range demoted {
				log.Info("Worker demoted for silence", "workerID", id)
			}
			if c.collector != nil {
				_, pending, _, _ := c.scheduler.Store().Counts()
				inFlight := len(c.scheduler.Store().InFlight())
				c.collector.UpdateFleetStats(c.registry.ActiveCount(), pending, inFlight)
			}
		}
	}
}
