package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/internal/worker"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

// fleet is the embedded standalone crawl fleet: in-process agents
// attached to the loopback transport, each with the builtin fetch
// handler and a heartbeat loop.
type fleet struct {
	agents    []*worker.Agent
	coord     *coordinator.Coordinator
	heartbeat time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// startFleet registers count agents, attaches them to the loopback,
// and starts their executors and heartbeat loops.
func startFleet(coord *coordinator.Coordinator, loopback *worker.Loopback, cfg *Config) (*fleet, error) {
	count := cfg.Fleet.Count
	if count <= 0 {
		count = 3
	}
	capabilities := cfg.Fleet.Capabilities
	if len(capabilities) == 0 {
		capabilities = []string{types.CapabilityGeneric}
	}
	heartbeat := time.Duration(cfg.Fleet.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	f := &fleet{
		coord:     coord,
		heartbeat: heartbeat,
		stopCh:    make(chan struct{}),
	}
	client := &http.Client{Timeout: 30 * time.Second}

	for i := 0; i < count; i++ {
		agent, err := worker.NewAgent(worker.AgentConfig{
			ID:           fmt.Sprintf("local-%d", i),
			Capabilities: capabilities,
			Concurrency:  cfg.Fleet.Concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		agent.Handle(types.CapabilityGeneric, fetchHandler(client))

		if err := coord.RegisterWorker(agent.ID(), agent.Capabilities(), agent.PublicKey()); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", agent.ID(), err)
		}
		if err := agent.Start(coord, coord.Verifier()); err != nil {
			return nil, fmt.Errorf("start agent %s: %w", agent.ID(), err)
		}
		loopback.Attach(agent)
		f.agents = append(f.agents, agent)

		f.wg.Add(1)
		go f.heartbeatLoop(agent)
	}

	slog.Info("Embedded fleet started", "agents", count, "capabilities", capabilities)
	return f, nil
}

func (f *fleet) heartbeatLoop(agent *worker.Agent) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.coord.Heartbeat(agent.ID(), agent.Telemetry()); err != nil {
				slog.Warn("Heartbeat failed", "agentID", agent.ID(), "error", err)
			}
		}
	}
}

func (f *fleet) stop() {
	close(f.stopCh)
	f.wg.Wait()
	for _, a := range f.agents {
		a.Stop()
	}
}

// fetchHandler is the builtin crawl handler: GET the payload URL and
// report the response shape. Tasks without a URL are echoed back, which
// keeps synthetic workloads runnable.
func fetchHandler(client *http.Client) worker.WorkFunc {
	return func(ctx context.Context, task types.Task) (map[string]interface{}, error) {
		rawURL, _ := task.Payload["url"].(string)
		if rawURL == "" {
			return map[string]interface{}{
				"task_type": task.Type,
				"echo":      task.Payload,
			}, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		defer resp.Body.Close()

		h := sha256.New()
		n, err := io.Copy(h, io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		return map[string]interface{}{
			"url":         rawURL,
			"status_code": resp.StatusCode,
			"body_bytes":  n,
			"body_sha256": hex.EncodeToString(h.Sum(nil)),
		}, nil
	}
}
