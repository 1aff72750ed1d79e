// Package worker implements the crawl agent: the execution unit that
// accepts assignments, runs the matching crawl handler, signs the
// produced artifact, and evaluates other workers' submissions when
// drafted into a verification quorum.
//
// An agent runs a fixed number of executor goroutines fed by a shared
// task channel. Results are reported through a ResultSink and carry the
// content hash and Ed25519 signature of the payload, so the receiving
// side never has to trust the transport.
package worker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/internal/signing"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var log = slog.Default()

var (
	ErrAgentClosed     = errors.New("agent is closed")
	ErrAgentNotStarted = errors.New("agent not started")
	ErrNoHandler       = errors.New("no handler for task type")
)

// WorkFunc produces the crawl payload for one task. Implementations
// honor ctx cancellation; the agent applies the task deadline.
type WorkFunc func(ctx context.Context, task types.Task) (map[string]interface{}, error)

// EvaluateFunc judges another worker's submission. The returned
// confidence is the evaluator's own certainty, 0..1.
type EvaluateFunc func(ctx context.Context, sub types.Submission) (types.Verdict, float64)

// ResultSink receives finished assignments. The coordinator implements
// it in standalone mode; a transport client implements it when the
// agent runs remotely.
type ResultSink interface {
	HandleWorkerResult(res types.CrawlResult)
}

// EvalSink receives quorum evaluations.
type EvalSink interface {
	SubmitEvaluation(id types.SubmissionID, eval types.Evaluation) error
}

// AgentConfig configures a crawl agent.
type AgentConfig struct {
	ID           string
	Capabilities []string
	Concurrency  int                // executor goroutines, default 4
	QueueSize    int                // assignment buffer, default 32
	ExecTimeout  time.Duration      // fallback when a task has no deadline
	PrivateKey   ed25519.PrivateKey // generated when nil
}

// Agent is one crawl worker.
type Agent struct {
	id           string
	capabilities []string
	priv         ed25519.PrivateKey
	pub          ed25519.PublicKey
	execTimeout  time.Duration
	concurrency  int

	mu       sync.Mutex
	handlers map[string]WorkFunc
	evaluate EvaluateFunc
	started  bool
	stopped  bool

	taskCh chan types.Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	results ResultSink
	evals   EvalSink

	statsMu   sync.Mutex
	completed int
	failed    int
}

// NewAgent creates an agent. A key pair is generated when the config
// does not supply one.
func NewAgent(config AgentConfig) (*Agent, error) {
	if config.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 32
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = time.Minute
	}
	priv := config.PrivateKey
	if priv == nil {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate agent key: %w", err)
		}
		priv = generated
	}
	a := &Agent{
		id:           config.ID,
		capabilities: append([]string(nil), config.Capabilities...),
		priv:         priv,
		pub:          priv.Public().(ed25519.PublicKey),
		execTimeout:  config.ExecTimeout,
		concurrency:  config.Concurrency,
		handlers:     make(map[string]WorkFunc),
		taskCh:       make(chan types.Task, config.QueueSize),
		stopCh:       make(chan struct{}),
	}
	a.evaluate = a.defaultEvaluate
	return a, nil
}

func (a *Agent) ID() string                   { return a.id }
func (a *Agent) Capabilities() []string       { return append([]string(nil), a.capabilities...) }
func (a *Agent) PublicKey() ed25519.PublicKey { return a.pub }

// Handle registers the crawl handler for a task type.
func (a *Agent) Handle(taskType string, fn WorkFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = fn
}

// SetEvaluator replaces the default evaluation policy. Tests use this
// to model dishonest or lazy evaluators.
func (a *Agent) SetEvaluator(fn EvaluateFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evaluate = fn
}

// Start launches the executor goroutines.
func (a *Agent) Start(results ResultSink, evals EvalSink) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("agent already started")
	}
	a.results = results
	a.evals = evals
	for i := 0; i < a.concurrency; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.run()
		}()
	}
	a.started = true
	return nil
}

// Stop drains queued assignments and shuts the executors down. taskCh
// is never closed: a concurrent Assign may still be sending on it, and
// its select exits through stopCh instead.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
}

// Assign enqueues a task for execution. It does not block: a full
// queue is an error the caller turns into a redispatch.
func (a *Agent) Assign(task types.Task) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return ErrAgentNotStarted
	}
	if a.stopped {
		a.mu.Unlock()
		return ErrAgentClosed
	}
	a.mu.Unlock()

	select {
	case a.taskCh <- task:
		return nil
	case <-a.stopCh:
		return ErrAgentClosed
	default:
		return fmt.Errorf("agent %s queue full", a.id)
	}
}

// Telemetry reports the agent's completion rate for heartbeats.
// Resource gauges are the host integration's job; an in-process agent
// reports zeros there.
func (a *Agent) Telemetry() types.WorkerMetrics {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	rate := 1.0
	if total := a.completed + a.failed; total > 0 {
		rate = float64(a.completed) / float64(total)
	}
	return types.WorkerMetrics{CompletionRate: rate}
}

// run is one executor's loop. On stop it finishes whatever is already
// queued before exiting.
func (a *Agent) run() {
	for {
		select {
		case <-a.stopCh:
			for {
				select {
				case task := <-a.taskCh:
					a.execute(task)
				default:
					return
				}
			}
		case task := <-a.taskCh:
			a.execute(task)
		}
	}
}

func (a *Agent) execute(task types.Task) {
	timeout := a.execTimeout
	if task.Deadline != nil {
		if remaining := time.Until(time.UnixMilli(*task.Deadline)); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	payload, err := a.runHandler(ctx, task)
	cancel()

	res := types.CrawlResult{TaskID: task.ID, WorkerID: a.id}
	if err != nil {
		res.Error = err.Error()
		a.recordOutcome(false)
		a.results.HandleWorkerResult(res)
		return
	}

	hash, herr := signing.ContentHash(payload)
	if herr == nil {
		res.Signature, herr = signing.Sign(a.priv, payload)
	}
	if herr != nil {
		res.Error = herr.Error()
		a.recordOutcome(false)
		a.results.HandleWorkerResult(res)
		return
	}
	res.Payload = payload
	res.ContentHash = hash
	a.recordOutcome(true)
	a.results.HandleWorkerResult(res)
}

func (a *Agent) runHandler(ctx context.Context, task types.Task) (map[string]interface{}, error) {
	a.mu.Lock()
	fn, ok := a.handlers[task.Type]
	if !ok {
		fn, ok = a.handlers[types.CapabilityGeneric]
	}
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, task.Type)
	}
	return fn(ctx, task)
}

// Evaluate runs the agent's evaluation policy and reports the verdict
// to the eval sink.
func (a *Agent) Evaluate(ctx context.Context, sub types.Submission) {
	a.mu.Lock()
	policy := a.evaluate
	sink := a.evals
	a.mu.Unlock()
	if sink == nil {
		log.Warn("Evaluation requested before agent start", "agentID", a.id)
		return
	}

	verdict, confidence := policy(ctx, sub)
	eval := types.Evaluation{
		EvaluatorID: a.id,
		Verdict:     verdict,
		Confidence:  confidence,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := sink.SubmitEvaluation(sub.ID, eval); err != nil {
		log.Warn("Evaluation rejected", "agentID", a.id, "submissionID", sub.ID, "error", err)
	}
}

// defaultEvaluate is the honest policy: recompute the content hash and
// accept only when it matches and the payload is non-trivial.
func (a *Agent) defaultEvaluate(_ context.Context, sub types.Submission) (types.Verdict, float64) {
	if len(sub.Payload) == 0 {
		return types.VerdictReject, 1.0
	}
	if err := signing.VerifyHash(sub.Payload, sub.ContentHash); err != nil {
		return types.VerdictReject, 1.0
	}
	return types.VerdictAccept, 0.9
}

func (a *Agent) recordOutcome(success bool) {
	a.statsMu.Lock()
	if success {
		a.completed++
	} else {
		a.failed++
	}
	a.statsMu.Unlock()
}
