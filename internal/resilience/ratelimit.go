package resilience

import (
	"sync"
	"time"
)

// rateLimitState is one source's sliding counter. Kept separate from
// the worker record because it also applies to unregistered network
// sources.
type rateLimitState struct {
	count       int
	windowStart time.Time
	limit       int
	window      time.Duration
}

// RateLimitTable tracks per-source request counters with a fixed
// window that resets when it elapses. Sources without an explicit
// override use the table defaults.
type RateLimitTable struct {
	mu            sync.Mutex
	states        map[string]*rateLimitState
	defaultLimit  int
	defaultWindow time.Duration
}

// NewRateLimitTable creates a table with the given defaults.
func NewRateLimitTable(limit int, window time.Duration) *RateLimitTable {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimitTable{
		states:        make(map[string]*rateLimitState),
		defaultLimit:  limit,
		defaultWindow: window,
	}
}

// Allow counts one request from source and reports whether it is within
// the limit. The counter resets once the window has elapsed.
func (t *RateLimitTable) Allow(source string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[source]
	if !ok {
		st = &rateLimitState{
			windowStart: now,
			limit:       t.defaultLimit,
			window:      t.defaultWindow,
		}
		t.states[source] = st
	}

	if now.Sub(st.windowStart) > st.window {
		st.windowStart = now
		st.count = 0
	}

	st.count++
	return st.count <= st.limit
}

// SetLimit installs a per-source override, replacing any current window.
func (t *RateLimitTable) SetLimit(source string, limit int, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[source] = &rateLimitState{
		windowStart: time.Now(),
		limit:       limit,
		window:      window,
	}
}

// Prune drops states idle for longer than maxIdle. Overrides are kept.
func (t *RateLimitTable) Prune(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for source, st := range t.states {
		defaulted := st.limit == t.defaultLimit && st.window == t.defaultWindow
		if defaulted && now.Sub(st.windowStart) > maxIdle {
			delete(t.states, source)
			pruned++
		}
	}
	return pruned
}
