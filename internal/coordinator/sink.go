package coordinator

import (
	"sync"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

// Sink receives consensus-verified artifacts for downstream use. Only
// verified payloads ever reach a sink.
type Sink interface {
	Publish(result types.ConsensusResult) error
}

// NopSink discards verified artifacts. Used when the mesh runs purely
// as a verification service and consumers poll for verdicts.
type NopSink struct{}

func (NopSink) Publish(types.ConsensusResult) error { return nil }

// MemorySink collects verified artifacts in memory. Standalone mode and
// tests read published results back out of it.
type MemorySink struct {
	mu      sync.Mutex
	results []types.ConsensusResult
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(result types.ConsensusResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

// Published returns a copy of everything published so far.
func (s *MemorySink) Published() []types.ConsensusResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ConsensusResult(nil), s.results...)
}
