package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

func newTestMonitor(config Config) (*Monitor, *registry.Registry) {
	reg := registry.New(time.Minute)
	return New(reg, config), reg
}

func TestRecordRequest_DDoSBlacklists(t *testing.T) {
	m, _ := newTestMonitor(Config{DDoSThreshold: 5, RateLimit: 1000})

	for i := 0; i < 5; i++ {
		require.True(t, m.RecordRequest("attacker", "/api/v1/tasks"))
	}
	assert.False(t, m.RecordRequest("attacker", "/api/v1/tasks"),
		"request over the volumetric threshold should be denied")
	assert.True(t, m.IsBlacklisted("attacker"))

	// Once blacklisted everything is denied up front.
	assert.False(t, m.RecordRequest("attacker", "/healthz"))

	blacklisted, blocked, events := m.Counts()
	assert.Equal(t, 1, blacklisted)
	assert.Equal(t, 2, blocked)
	assert.Equal(t, 1, events)
}

func TestRecordRequest_RateLimit(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 3, DDoSThreshold: 1000})

	for i := 0; i < 3; i++ {
		require.True(t, m.RecordRequest("busy", "/api/v1/stats"))
	}
	assert.False(t, m.RecordRequest("busy", "/api/v1/stats"))

	// Rate limiting denies the request but does not blacklist.
	assert.False(t, m.IsBlacklisted("busy"))

	drained := m.events.TakeUnhandled()
	require.Len(t, drained, 1)
	assert.Equal(t, types.EventRateLimit, drained[0].Type)
	assert.Equal(t, "busy", drained[0].Source)
}

func TestWhitelistBypassesAllDefenses(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1, DDoSThreshold: 2})
	m.Whitelist("partner")

	for i := 0; i < 20; i++ {
		assert.True(t, m.RecordRequest("partner", "/api/v1/tasks"))
	}
	assert.False(t, m.IsBlacklisted("partner"))
}

func TestOperatorBlacklistAndReinstate(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	m.Blacklist("rogue")
	assert.True(t, m.IsBlacklisted("rogue"))
	assert.False(t, m.RecordRequest("rogue", "/api/v1/tasks"))

	m.Whitelist("rogue")
	assert.False(t, m.IsBlacklisted("rogue"))
	assert.True(t, m.RecordRequest("rogue", "/api/v1/tasks"))
}

func TestRecordWorkerMetrics_Compromised(t *testing.T) {
	m, reg := newTestMonitor(Config{})
	require.NoError(t, reg.Register("w1", nil, nil))

	ok := m.RecordWorkerMetrics("w1", types.WorkerMetrics{
		CPUUsage:       95,
		MemoryUsage:    95,
		NetworkUsage:   85,
		CompletionRate: 0.2,
	})
	assert.False(t, ok)
	assert.Equal(t, LevelCompromised, m.ThreatLevelOf("w1"))
	assert.InDelta(t, 1.0, m.ThreatPenalty("w1"), 1e-9)

	w, found := reg.Get("w1")
	require.True(t, found)
	assert.Equal(t, types.WorkerCompromised, w.Status)
	assert.Empty(t, reg.ListEligible(""))
}

func TestRecordWorkerMetrics_Suspicious(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	ok := m.RecordWorkerMetrics("w1", types.WorkerMetrics{
		CPUUsage:       95,
		MemoryUsage:    95,
		NetworkUsage:   85,
		CompletionRate: 1.0,
	})
	assert.True(t, ok, "suspicious workers stay schedulable")
	assert.Equal(t, LevelSuspicious, m.ThreatLevelOf("w1"))
	assert.InDelta(t, suspiciousPenalty, m.ThreatPenalty("w1"), 1e-9)
}

func TestRecordWorkerMetrics_Trusted(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	ok := m.RecordWorkerMetrics("w1", types.WorkerMetrics{
		CPUUsage:       20,
		MemoryUsage:    30,
		NetworkUsage:   10,
		CompletionRate: 0.95,
	})
	assert.True(t, ok)
	assert.Equal(t, LevelTrusted, m.ThreatLevelOf("w1"))
	assert.InDelta(t, 0.0, m.ThreatPenalty("w1"), 1e-9)
}

func TestThreatHistoryEscalates(t *testing.T) {
	m, reg := newTestMonitor(Config{})
	require.NoError(t, reg.Register("w1", nil, nil))

	hot := types.WorkerMetrics{CPUUsage: 95, MemoryUsage: 95, NetworkUsage: 85, CompletionRate: 1.0}

	// 0.7 on its own: suspicious.
	require.True(t, m.RecordWorkerMetrics("w1", hot))
	require.Equal(t, LevelSuspicious, m.ThreatLevelOf("w1"))

	// Same telemetry plus the suspicious-history penalty crosses the
	// compromise threshold.
	assert.False(t, m.RecordWorkerMetrics("w1", hot))
	assert.Equal(t, LevelCompromised, m.ThreatLevelOf("w1"))
}

func TestDetectRateAnomalies(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1000, DDoSThreshold: 1000, AnomalyThreshold: 2.0})

	for i := 0; i < 40; i++ {
		m.RecordRequest("noisy", "/api/v1/tasks")
	}
	for _, source := range []string{"q1", "q2", "q3"} {
		m.RecordRequest(source, "/api/v1/tasks")
		m.RecordRequest(source, "/api/v1/tasks")
	}

	m.detectRateAnomalies(time.Now())

	assert.True(t, m.IsBlacklisted("noisy"))
	for _, source := range []string{"q1", "q2", "q3"} {
		assert.False(t, m.IsBlacklisted(source), "quiet source %s must not be flagged", source)
	}
}

func TestDetectRateAnomalies_MinimumSamples(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1000, DDoSThreshold: 1000})

	// Nine requests from one source against an otherwise silent network:
	// a huge relative rate, but below the sample floor.
	for i := 0; i < 9; i++ {
		m.RecordRequest("early", "/api/v1/tasks")
	}
	m.RecordRequest("other", "/api/v1/tasks")

	m.detectRateAnomalies(time.Now())
	assert.False(t, m.IsBlacklisted("early"))
}

func TestCleanupPrunesStaleTraffic(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1000, DDoSThreshold: 1000, DDoSWindow: time.Minute})

	for i := 0; i < 12; i++ {
		m.RecordRequest("old", "/api/v1/tasks")
	}

	m.cleanup(time.Now().Add(3 * time.Minute))

	// With its history gone the source no longer trips the anomaly scan.
	m.detectRateAnomalies(time.Now().Add(3 * time.Minute))
	assert.False(t, m.IsBlacklisted("old"))

	m.mu.Lock()
	_, tracked := m.traffic["old"]
	m.mu.Unlock()
	assert.False(t, tracked)
}

func TestDrainLoopFiresOnEvent(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1, DDoSThreshold: 1000, DrainInterval: 10 * time.Millisecond, ScanInterval: time.Hour})

	got := make(chan types.SecurityEvent, 4)
	m.OnEvent = func(ev types.SecurityEvent) { got <- ev }

	m.Start()
	defer m.Stop()

	m.RecordRequest("src", "/api/v1/tasks")
	m.RecordRequest("src", "/api/v1/tasks")

	select {
	case ev := <-got:
		assert.Equal(t, types.EventRateLimit, ev.Type)
		assert.Equal(t, "src", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the drained event")
	}
}

func TestCountsAggregates(t *testing.T) {
	m, _ := newTestMonitor(Config{RateLimit: 1, DDoSThreshold: 1000})

	m.Blacklist("x")
	m.RecordRequest("x", "/a")
	m.RecordRequest("y", "/a")
	m.RecordRequest("y", "/a")

	blacklisted, blocked, events := m.Counts()
	assert.Equal(t, 1, blacklisted)
	assert.Equal(t, 2, blocked)
	assert.Equal(t, 2, events, "operator blacklist plus rate limit")
}
