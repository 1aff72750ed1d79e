package resilience

import (
	"testing"
	"time"
)

func TestRateLimitBoundary(t *testing.T) {
	table := NewRateLimitTable(100, time.Minute)
	now := time.Now()

	for i := 0; i < 100; i++ {
		if !table.Allow("src", now) {
			t.Fatalf("request %d should be within the limit", i+1)
		}
	}
	if table.Allow("src", now) {
		t.Fatal("request 101 should exceed the limit")
	}
}

func TestRateLimitWindowReset(t *testing.T) {
	table := NewRateLimitTable(2, time.Minute)
	now := time.Now()

	table.Allow("src", now)
	table.Allow("src", now)
	if table.Allow("src", now) {
		t.Fatal("third request in window should be denied")
	}

	later := now.Add(61 * time.Second)
	if !table.Allow("src", later) {
		t.Fatal("counter should reset after the window elapses")
	}
}

func TestRateLimitPerSourceIsolation(t *testing.T) {
	table := NewRateLimitTable(1, time.Minute)
	now := time.Now()

	table.Allow("a", now)
	if table.Allow("a", now) {
		t.Fatal("source a should be over its limit")
	}
	if !table.Allow("b", now) {
		t.Fatal("source b has its own counter")
	}
}

func TestRateLimitOverride(t *testing.T) {
	table := NewRateLimitTable(100, time.Minute)
	table.SetLimit("strict", 1, time.Minute)
	now := time.Now()

	if !table.Allow("strict", now) {
		t.Fatal("first request under the override should pass")
	}
	if table.Allow("strict", now) {
		t.Fatal("override limit of 1 should deny the second request")
	}
}

func TestRateLimitPruneKeepsOverrides(t *testing.T) {
	table := NewRateLimitTable(10, time.Minute)
	now := time.Now()

	table.Allow("idle", now)
	table.SetLimit("pinned", 5, time.Minute)

	pruned := table.Prune(now.Add(2*time.Hour), time.Hour)
	if pruned != 1 {
		t.Fatalf("expected 1 pruned state, got %d", pruned)
	}
	if !table.Allow("pinned", now.Add(2*time.Hour)) {
		t.Fatal("override state should survive pruning")
	}
}
