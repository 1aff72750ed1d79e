package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openchronicle/crawlmesh/internal/consensus"
	"github.com/openchronicle/crawlmesh/internal/coordinator"
	"github.com/openchronicle/crawlmesh/internal/resilience"
	"github.com/openchronicle/crawlmesh/internal/scheduler"
)

// Config is the YAML configuration of the mesh. Zero values fall back
// to each engine's defaults, so a partial file is always valid.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Coordinator struct {
		LivenessWindowSec int `yaml:"liveness_window_sec"`
		SweepIntervalSec  int `yaml:"sweep_interval_sec"`
	} `yaml:"coordinator"`

	Scheduler struct {
		TickMs            int `yaml:"tick_ms"`
		MaxRetries        int `yaml:"max_retries"`
		DefaultTimeoutSec int `yaml:"default_timeout_sec"`
		MaxLoadPerWorker  int `yaml:"max_load_per_worker"`
	} `yaml:"scheduler"`

	Consensus struct {
		RequiredVerifications int `yaml:"required_verifications"`
		TickMs                int `yaml:"tick_ms"`
		EvaluationDeadlineSec int `yaml:"evaluation_deadline_sec"`
	} `yaml:"consensus"`

	Resilience struct {
		RateLimit        int     `yaml:"rate_limit"`
		RateWindowSec    int     `yaml:"rate_window_sec"`
		DDoSThreshold    int     `yaml:"ddos_threshold"`
		DDoSWindowSec    int     `yaml:"ddos_window_sec"`
		AnomalyThreshold float64 `yaml:"anomaly_threshold"`
		EventCapacity    int     `yaml:"event_capacity"`
	} `yaml:"resilience"`

	Fleet struct {
		Count        int      `yaml:"count"`
		Concurrency  int      `yaml:"concurrency"`
		Capabilities []string `yaml:"capabilities"`
		HeartbeatSec int      `yaml:"heartbeat_sec"`
	} `yaml:"fleet"`

	Journal struct {
		Path            string `yaml:"path"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// coordinatorConfig maps the YAML config onto the engine configs.
// Unset fields stay zero and let each engine apply its defaults.
func coordinatorConfig(cfg *Config) coordinator.Config {
	c := coordinator.Config{
		LivenessWindow: time.Duration(cfg.Coordinator.LivenessWindowSec) * time.Second,
		SweepInterval:  time.Duration(cfg.Coordinator.SweepIntervalSec) * time.Second,
		Scheduler: scheduler.Config{
			Tick:             time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
			MaxRetries:       cfg.Scheduler.MaxRetries,
			DefaultTimeout:   time.Duration(cfg.Scheduler.DefaultTimeoutSec) * time.Second,
			MaxLoadPerWorker: cfg.Scheduler.MaxLoadPerWorker,
		},
		Consensus: consensus.Config{
			RequiredVerifications: cfg.Consensus.RequiredVerifications,
			Tick:                  time.Duration(cfg.Consensus.TickMs) * time.Millisecond,
			EvaluationDeadline:    time.Duration(cfg.Consensus.EvaluationDeadlineSec) * time.Second,
		},
		Monitor: resilience.Config{
			RateLimit:        cfg.Resilience.RateLimit,
			RateWindow:       time.Duration(cfg.Resilience.RateWindowSec) * time.Second,
			DDoSThreshold:    cfg.Resilience.DDoSThreshold,
			DDoSWindow:       time.Duration(cfg.Resilience.DDoSWindowSec) * time.Second,
			AnomalyThreshold: cfg.Resilience.AnomalyThreshold,
			EventCapacity:    cfg.Resilience.EventCapacity,
		},
	}
	if cfg.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = scheduler.DefaultConfig().MaxRetries
	}
	return c
}
