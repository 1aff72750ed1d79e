package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

// Loopback is the in-process transport: it routes task dispatches and
// evaluation requests directly to attached agents. Standalone mode and
// the integration tests run the whole mesh through it.
type Loopback struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{agents: make(map[string]*Agent)}
}

// Attach makes an agent reachable for dispatch.
func (l *Loopback) Attach(a *Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[a.ID()] = a
}

// Detach removes an agent. In-flight work on the agent is unaffected.
func (l *Loopback) Detach(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.agents, id)
}

// Dispatch hands an assignment to the target agent's queue.
func (l *Loopback) Dispatch(_ context.Context, w types.Worker, task types.Task) error {
	l.mu.RLock()
	a, ok := l.agents[w.ID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no attached agent for worker %s", w.ID)
	}
	return a.Assign(task)
}

// RequestEvaluation runs the evaluator's policy asynchronously so the
// consensus loop never blocks on a slow evaluator.
func (l *Loopback) RequestEvaluation(ctx context.Context, evaluator types.Worker, sub types.Submission) error {
	l.mu.RLock()
	a, ok := l.agents[evaluator.ID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no attached agent for evaluator %s", evaluator.ID)
	}
	go a.Evaluate(ctx, sub)
	return nil
}
