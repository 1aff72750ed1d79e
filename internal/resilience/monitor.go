// Package resilience observes request traffic and worker telemetry,
// computes threat scores, and isolates abusive or compromised
// participants before they can corrupt consensus.
//
// Two independent defenses run side by side: per-source rate limiting
// with volumetric DDoS detection on the request path, and composite
// threat scoring on worker heartbeat telemetry. Detected events go to a
// bounded log drained by a separate handler loop; event handling never
// runs inline with the hot request path.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var log = slog.Default()

// ThreatLevel is the monitor's own grading of a worker, independent of
// the registry status. Suspicious workers stay schedulable but are
// weighted down in selection; compromised workers are forced out of the
// registry's eligible set.
type ThreatLevel string

const (
	LevelTrusted     ThreatLevel = "trusted"
	LevelSuspicious  ThreatLevel = "suspicious"
	LevelCompromised ThreatLevel = "compromised"
)

// suspiciousPenalty is subtracted from a suspicious worker's selection
// score and scales down its evaluator draw weight.
const suspiciousPenalty = 0.25

// Config tunes the monitor.
type Config struct {
	RateLimit        int           // default requests per window per source
	RateWindow       time.Duration // rate-limit window
	DDoSThreshold    int           // requests in the trailing window before blacklisting
	DDoSWindow       time.Duration // trailing window for volumetric detection
	AnomalyThreshold float64       // multiple of the network-average rate
	EventCapacity    int           // bounded event log size
	ScanInterval     time.Duration // anomaly scan / cleanup cadence
	DrainInterval    time.Duration // event handler cadence
}

// DefaultConfig mirrors the mesh's production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:        100,
		RateWindow:       60 * time.Second,
		DDoSThreshold:    1000,
		DDoSWindow:       300 * time.Second,
		AnomalyThreshold: 2.0,
		EventCapacity:    10000,
		ScanInterval:     10 * time.Second,
		DrainInterval:    5 * time.Second,
	}
}

// threatRecord tracks one worker's score history.
type threatRecord struct {
	level       ThreatLevel
	score       float64
	lastUpdated int64
}

// Monitor is the resilience engine.
type Monitor struct {
	config   Config
	registry *registry.Registry
	limits   *RateLimitTable
	events   *EventLog

	// OnEvent, when set, receives every drained security event after
	// its reaction ran. The coordinator uses it for metrics and the
	// audit journal.
	OnEvent func(ev types.SecurityEvent)

	mu        sync.Mutex
	traffic   map[string][]int64 // source -> request timestamps (Unix ms)
	blacklist map[string]bool
	whitelist map[string]bool
	threats   map[string]*threatRecord
	blocked   int

	stopCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
	loopWg  sync.WaitGroup
}

// New creates a monitor bound to the registry it may veto entries in.
func New(reg *registry.Registry, config Config) *Monitor {
	def := DefaultConfig()
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if config.RateWindow <= 0 {
		config.RateWindow = def.RateWindow
	}
	if config.DDoSThreshold <= 0 {
		config.DDoSThreshold = def.DDoSThreshold
	}
	if config.DDoSWindow <= 0 {
		config.DDoSWindow = def.DDoSWindow
	}
	if config.AnomalyThreshold <= 0 {
		config.AnomalyThreshold = def.AnomalyThreshold
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	return &Monitor{
		config:    config,
		registry:  reg,
		limits:    NewRateLimitTable(config.RateLimit, config.RateWindow),
		events:    NewEventLog(config.EventCapacity),
		traffic:   make(map[string][]int64),
		blacklist: make(map[string]bool),
		whitelist: make(map[string]bool),
		threats:   make(map[string]*threatRecord),
		stopCh:    make(chan struct{}),
	}
}

// Events exposes the security-event log.
func (m *Monitor) Events() *EventLog { return m.events }

// Start launches the scan and event-drain loops.
func (m *Monitor) Start() {
	m.loopWg.Add(2)
	go m.scanLoop()
	go m.drainLoop()
	log.Info("Resilience monitor started",
		"rateLimit", m.config.RateLimit,
		"ddosThreshold", m.config.DDoSThreshold)
}

// Stop terminates both loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.stopMu.Lock()
	if m.stopped {
		m.stopMu.Unlock()
		return
	}
	m.stopped = true
	m.stopMu.Unlock()

	close(m.stopCh)
	m.loopWg.Wait()
	log.Info("Resilience monitor stopped")
}

// RecordRequest counts one request from source and reports whether it
// is admitted. Checks apply in arrival order within a source's stream:
// blacklist, volumetric DDoS, rate limit. Whitelisted sources bypass
// all of it.
func (m *Monitor) RecordRequest(source, endpoint string) bool {
	now := time.Now()

	m.mu.Lock()
	if m.whitelist[source] {
		m.mu.Unlock()
		return true
	}
	if m.blacklist[source] {
		m.blocked++
		m.mu.Unlock()
		return false
	}

	// Trailing-window timestamp history for volumetric detection.
	nowMs := now.UnixMilli()
	cutoff := nowMs - m.config.DDoSWindow.Milliseconds()
	hist := append(m.traffic[source], nowMs)
	trim := 0
	for trim < len(hist) && hist[trim] < cutoff {
		trim++
	}
	hist = hist[trim:]
	m.traffic[source] = hist

	if len(hist) > m.config.DDoSThreshold {
		m.blacklist[source] = true
		m.blocked++
		m.mu.Unlock()
		m.events.Append(types.EventDDoS, source, types.SeverityHigh, map[string]interface{}{
			"request_count": len(hist),
			"window_sec":    int(m.config.DDoSWindow.Seconds()),
		})
		log.Warn("Source blacklisted for volumetric attack", "source", source, "requests", len(hist))
		return false
	}
	m.mu.Unlock()

	if !m.limits.Allow(source, now) {
		m.mu.Lock()
		m.blocked++
		m.mu.Unlock()
		m.events.Append(types.EventRateLimit, source, types.SeverityMedium, map[string]interface{}{
			"endpoint": endpoint,
			"limit":    m.config.RateLimit,
		})
		return false
	}
	return true
}

// RecordWorkerMetrics scores a worker's telemetry and reports whether
// the worker remains eligible. A score above 0.8 forces the registry
// status to compromised; between 0.5 and 0.8 the worker is marked
// suspicious monitor-side and weighted down in selection.
func (m *Monitor) RecordWorkerMetrics(workerID string, metrics types.WorkerMetrics) bool {
	score := m.threatScore(workerID, metrics)

	m.mu.Lock()
	rec, ok := m.threats[workerID]
	if !ok {
		rec = &threatRecord{level: LevelTrusted}
		m.threats[workerID] = rec
	}
	rec.score = score
	rec.lastUpdated = time.Now().UnixMilli()

	switch {
	case score > 0.8:
		rec.level = LevelCompromised
		m.mu.Unlock()
		if err := m.registry.SetStatus(workerID, types.WorkerCompromised); err != nil && err != registry.ErrUnknownWorker {
			log.Error("Failed to demote worker", "workerID", workerID, "error", err)
		}
		m.events.Append(types.EventCompromise, workerID, types.SeverityCritical, map[string]interface{}{
			"threat_score": score,
		})
		log.Warn("Worker isolated as compromised", "workerID", workerID, "score", score)
		return false
	case score > 0.5:
		rec.level = LevelSuspicious
		m.mu.Unlock()
		m.events.Append(types.EventAnomaly, workerID, types.SeverityMedium, map[string]interface{}{
			"threat_score": score,
		})
		return true
	default:
		rec.level = LevelTrusted
		m.mu.Unlock()
		return true
	}
}

// threatScore is the composite 0..1 metric: resource-exhaustion and
// completion-rate indicators plus a history penalty for workers already
// graded suspicious or compromised.
func (m *Monitor) threatScore(workerID string, metrics types.WorkerMetrics) float64 {
	score := 0.0
	if metrics.CPUUsage > 90 {
		score += 0.3
	}
	if metrics.MemoryUsage > 90 {
		score += 0.2
	}
	if metrics.NetworkUsage > 80 {
		score += 0.2
	}
	if metrics.CompletionRate < 0.5 {
		score += 0.3
	}

	m.mu.Lock()
	if rec, ok := m.threats[workerID]; ok {
		switch rec.level {
		case LevelSuspicious:
			score += 0.2
		case LevelCompromised:
			score += 0.5
		}
	}
	m.mu.Unlock()

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ThreatPenalty implements the selection-penalty interface consumed by
// the scheduler and the consensus verifier.
func (m *Monitor) ThreatPenalty(workerID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.threats[workerID]
	if !ok {
		return 0
	}
	switch rec.level {
	case LevelSuspicious:
		return suspiciousPenalty
	case LevelCompromised:
		return 1
	default:
		return 0
	}
}

// ThreatLevelOf returns the monitor's current grading of a worker.
func (m *Monitor) ThreatLevelOf(workerID string) ThreatLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.threats[workerID]; ok {
		return rec.level
	}
	return LevelTrusted
}

// Blacklist denies a source unconditionally until whitelisted.
func (m *Monitor) Blacklist(source string) {
	m.mu.Lock()
	m.blacklist[source] = true
	delete(m.whitelist, source)
	m.mu.Unlock()

	m.events.Append(types.EventBlacklist, source, types.SeverityHigh, map[string]interface{}{
		"action": "operator_blacklist",
	})
}

// Whitelist exempts a source from all request defenses and removes any
// standing blacklist entry. This is the only way back in after a
// volumetric blacklisting.
func (m *Monitor) Whitelist(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.whitelist[source] = true
	delete(m.blacklist, source)
	delete(m.traffic, source)
}

// IsBlacklisted reports whether the source is currently denied.
func (m *Monitor) IsBlacklisted(source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blacklist[source]
}

// SetRateLimit installs a per-source rate-limit override.
func (m *Monitor) SetRateLimit(source string, limit int, window time.Duration) {
	m.limits.SetLimit(source, limit, window)
}

// Counts returns the blacklist size, blocked-request total, and
// lifetime security-event count.
func (m *Monitor) Counts() (blacklisted, blocked, events int) {
	m.mu.Lock()
	blacklisted = len(m.blacklist)
	blocked = m.blocked
	m.mu.Unlock()
	return blacklisted, blocked, m.events.Total()
}

// scanLoop periodically looks for rate anomalies across sources and
// prunes stale tracking state.
func (m *Monitor) scanLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("Resilience scan loop stopped")
			return
		case <-ticker.C:
			now := time.Now()
			m.detectRateAnomalies(now)
			m.cleanup(now)
		}
	}
}

// detectRateAnomalies blacklists any single source whose request rate
// exceeds the anomaly threshold times the network-average rate. One
// shot, no grace period.
func (m *Monitor) detectRateAnomalies(now time.Time) {
	windowSec := m.config.DDoSWindow.Seconds()

	m.mu.Lock()
	total := 0
	for _, hist := range m.traffic {
		total += len(hist)
	}
	if total == 0 || len(m.traffic) == 0 {
		m.mu.Unlock()
		return
	}
	avgRate := float64(total) / windowSec / float64(len(m.traffic))

	var flagged []string
	for source, hist := range m.traffic {
		if len(hist) < 10 || m.whitelist[source] || m.blacklist[source] {
			continue
		}
		rate := float64(len(hist)) / windowSec
		if rate > avgRate*m.config.AnomalyThreshold {
			m.blacklist[source] = true
			flagged = append(flagged, source)
		}
	}
	m.mu.Unlock()

	for _, source := range flagged {
		m.events.Append(types.EventAnomaly, source, types.SeverityHigh, map[string]interface{}{
			"avg_rps":   avgRate,
			"threshold": m.config.AnomalyThreshold,
		})
		log.Warn("Source blacklisted for rate anomaly", "source", source)
	}
}

// cleanup prunes traffic histories and idle rate-limit state so an
// attacker cannot grow memory by rotating source identities.
func (m *Monitor) cleanup(now time.Time) {
	cutoff := now.UnixMilli() - 2*m.config.DDoSWindow.Milliseconds()

	m.mu.Lock()
	for source, hist := range m.traffic {
		trim := 0
		for trim < len(hist) && hist[trim] < cutoff {
			trim++
		}
		if trim == len(hist) {
			delete(m.traffic, source)
		} else if trim > 0 {
			m.traffic[source] = hist[trim:]
		}
	}
	m.mu.Unlock()

	m.limits.Prune(now, time.Hour)
}

// drainLoop dispatches type-specific reactions for logged events,
// decoupled from the request path that produced them.
func (m *Monitor) drainLoop() {
	defer m.loopWg.Done()
	ticker := time.NewTicker(m.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("Resilience drain loop stopped")
			return
		case <-ticker.C:
			for _, ev := range m.events.TakeUnhandled() {
				m.react(ev)
				if m.OnEvent != nil {
					m.OnEvent(ev)
				}
			}
		}
	}
}

// react is the per-type event reaction. Isolation already happened
// inline where required; this is the alerting/audit side.
func (m *Monitor) react(ev types.SecurityEvent) {
	switch ev.Type {
	case types.EventDDoS:
		log.Error("DDoS attack detected", "source", ev.Source, "details", ev.Details)
	case types.EventCompromise:
		log.Error("Worker compromise detected", "source", ev.Source, "details", ev.Details)
	case types.EventAnomaly:
		log.Warn("Anomaly detected", "source", ev.Source, "details", ev.Details)
	case types.EventRateLimit:
		log.Info("Rate limit exceeded", "source", ev.Source)
	case types.EventBlacklist:
		log.Warn("Source blacklisted", "source", ev.Source)
	}
}
