package resilience

import (
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

// EventLog is an append-only, bounded ring of security events. When the
// ring is full the oldest entry is overwritten, capping memory no
// matter how noisy an attack gets.
type EventLog struct {
	mu    sync.Mutex
	buf   []*types.SecurityEvent
	next  int // write position
	size  int // entries currently held
	total int // lifetime appends
}

// NewEventLog creates a ring holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &EventLog{buf: make([]*types.SecurityEvent, capacity)}
}

// Append records a new unhandled event.
func (l *EventLog) Append(eventType types.SecurityEventType, source string, severity types.Severity, details map[string]interface{}) {
	ev := &types.SecurityEvent{
		Type:      eventType,
		Source:    source,
		Severity:  severity,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	l.total++
}

// TakeUnhandled returns the unhandled events in arrival order and marks
// them handled. The drain loop calls this; the hot request path never
// does.
func (l *EventLog) TakeUnhandled() []types.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.SecurityEvent
	for i := 0; i < l.size; i++ {
		idx := (l.next - l.size + i + len(l.buf)) % len(l.buf)
		ev := l.buf[idx]
		if ev != nil && !ev.Handled {
			ev.Handled = true
			out = append(out, *ev)
		}
	}
	return out
}

// Recent returns up to limit of the newest events, oldest first.
func (l *EventLog) Recent(limit int) []types.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]types.SecurityEvent, 0, limit)
	for i := l.size - limit; i < l.size; i++ {
		idx := (l.next - l.size + i + len(l.buf)) % len(l.buf)
		if l.buf[idx] != nil {
			out = append(out, *l.buf[idx])
		}
	}
	return out
}

// Total returns the lifetime number of appended events.
func (l *EventLog) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
