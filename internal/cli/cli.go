// Package cli wires the mesh into a command line tool.
//
// Command structure:
//
//	crawlmesh run        # start the coordinator (standalone or server mode)
//	crawlmesh submit     # submit crawl tasks to a running coordinator
//	crawlmesh status     # show fleet and pipeline statistics
//
// Configuration is a YAML file (default: configs/default.yaml); every
// field is optional and falls back to engine defaults.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/internal/journal"
	"github.com/openchronicle/crawlmesh/internal/metrics"
	"github.com/openchronicle/crawlmesh/internal/server"
	"github.com/openchronicle/crawlmesh/internal/worker"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crawlmesh",
		Short: "crawlmesh: a coordination and trust engine for volunteer crawler fleets",
		Long: `crawlmesh coordinates a fleet of untrusted volunteer crawlers:
- capability-aware task scheduling with load balancing
- quorum verification of every crawled artifact
- reputation-weighted evaluator selection
- rate limiting, DDoS detection, and compromise isolation`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var mode string
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the crawlmesh coordinator",
		Long: `Start the coordinator and its HTTP API.

standalone mode runs an embedded crawl fleet in-process; server mode
expects remote workers to connect over WebSocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(mode, port)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "standalone", "Mode: standalone or server")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")

	return cmd
}

func runSystem(mode string, portOverride int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if mode != "standalone" && mode != "server" {
		return fmt.Errorf("unknown mode %q", mode)
	}

	port := cfg.Server.Port
	if portOverride > 0 {
		port = portOverride
	}
	if port == 0 {
		port = 8080
	}

	registry := prometheus.NewRegistry()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registry)
	}
	sink := coordinator.NewMemorySink()

	var auditLog *journal.Journal
	if cfg.Journal.Path != "" {
		auditLog, err = journal.Open(cfg.Journal.Path, time.Duration(cfg.Journal.FlushIntervalMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer auditLog.Close()
	}

	var coord *coordinator.Coordinator
	var hub *server.Hub
	var localFleet *fleet

	if mode == "server" {
		hub = server.NewHub()
		coord = coordinator.New(hub, collector, sink, coordinatorConfig(cfg))
		hub.Bind(coord)
		if auditLog != nil {
			coord.SetJournal(auditLog)
		}
		coord.Start()
	} else {
		loopback := worker.NewLoopback()
		coord = coordinator.New(loopback, collector, sink, coordinatorConfig(cfg))
		if auditLog != nil {
			coord.SetJournal(auditLog)
		}
		coord.Start()
		localFleet, err = startFleet(coord, loopback, cfg)
		if err != nil {
			coord.Stop()
			return err
		}
	}

	if cfg.Metrics.Enabled {
		metricsPort := cfg.Metrics.Port
		if metricsPort == 0 {
			metricsPort = 9090
		}
		go func() {
			slog.Info("Metrics server listening", "port", metricsPort)
			if err := metrics.StartServer(metricsPort, registry); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	srv := server.NewServer(coord, hub, collector)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: srv.Handler(),
	}
	go func() {
		slog.Info("API server listening", "port", port, "mode", mode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutdown signal received, stopping gracefully")
	httpSrv.Close()
	if localFleet != nil {
		localFleet.stop()
	}
	coord.Stop()
	slog.Info("System stopped")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var taskFile string
	var serverAddr string
	var url string
	var taskType string
	var priority string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit crawl tasks to a running coordinator",
		Long: `Submit tasks from a JSON file, or a single URL with --url.

JSON format:
[
  {"type": "youtube", "payload": {"url": "https://..."}, "priority": "high"}
]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" && url == "" {
				return fmt.Errorf("either --file or --url is required")
			}
			return submitTasks(serverAddr, taskFile, url, taskType, priority)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing task definitions")
	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "Coordinator address")
	cmd.Flags().StringVar(&url, "url", "", "Single URL to crawl")
	cmd.Flags().StringVar(&taskType, "type", types.CapabilityGeneric, "Task type for --url submissions")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityMedium), "Priority: high, medium, low")

	return cmd
}

type taskInput struct {
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   string                 `json:"priority"`
	DeadlineMs int64                  `json:"deadline_ms,omitempty"`
}

func submitTasks(serverAddr, taskFile, url, taskType, priority string) error {
	var tasks []taskInput
	if taskFile != "" {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return fmt.Errorf("failed to read task file: %w", err)
		}
		if err := json.Unmarshal(data, &tasks); err != nil {
			return fmt.Errorf("failed to parse task file: %w", err)
		}
	}
	if url != "" {
		tasks = append(tasks, taskInput{
			Type:     taskType,
			Payload:  map[string]interface{}{"url": url},
			Priority: priority,
		})
	}

	client := &http.Client{Timeout: 10 * time.Second}
	submitted := 0
	for _, t := range tasks {
		if t.Priority == "" {
			t.Priority = priority
		}
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		resp, err := client.Post(serverAddr+"/api/v1/tasks", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach coordinator: %w", err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			fmt.Fprintf(os.Stderr, "task rejected (%d): %s\n", resp.StatusCode, respBody)
			continue
		}
		var out struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(respBody, &out); err == nil {
			fmt.Printf("submitted %s\n", out.TaskID)
		}
		submitted++
	}

	fmt.Printf("Submitted %d/%d tasks to %s\n", submitted, len(tasks), serverAddr)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mesh status",
		Long:  "Display fleet, task pipeline, verification, and security statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(serverAddr)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "Coordinator address")
	return cmd
}

func showStatus(serverAddr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverAddr + "/api/v1/stats")
	if err != nil {
		return fmt.Errorf("failed to reach coordinator: %w", err)
	}
	defer resp.Body.Close()

	var stats types.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}

	fmt.Println("Crawlmesh Status")
	fmt.Println()
	fmt.Println("Fleet:")
	fmt.Printf("  └─ Active Workers:   %d\n", stats.ActiveWorkers)
	fmt.Println()
	fmt.Println("Tasks:")
	fmt.Printf("  ├─ Total:            %d\n", stats.TotalTasks)
	fmt.Printf("  ├─ Pending:          %d\n", stats.PendingTasks)
	fmt.Printf("  ├─ Completed:        %d\n", stats.CompletedTasks)
	fmt.Printf("  └─ Failed:           %d\n", stats.FailedTasks)
	fmt.Println()
	fmt.Println("Verification:")
	fmt.Printf("  ├─ Submissions:      %d\n", stats.TotalSubmissions)
	fmt.Printf("  ├─ Verified:         %d\n", stats.VerifiedSubmissions)
	fmt.Printf("  ├─ Rejected:         %d\n", stats.RejectedSubmissions)
	fmt.Printf("  └─ Conflicts:        %d\n", stats.ConflictSubmissions)
	fmt.Println()
	fmt.Println("Security:")
	fmt.Printf("  ├─ Blacklisted:      %d\n", stats.BlacklistedSources)
	fmt.Printf("  ├─ Blocked Requests: %d\n", stats.BlockedRequests)
	fmt.Printf("  └─ Events:           %d\n", stats.SecurityEvents)

	if stats.TotalTasks > 0 {
		rate := float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100
		fmt.Println()
		fmt.Printf("Completion Rate: %.1f%%\n", rate)
	}
	return nil
}
