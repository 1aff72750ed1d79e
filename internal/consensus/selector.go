package consensus

import (
	"math/rand"
	"sync"

	"github.com/openchronicle/crawlmesh/pkg/types"
)

// Selector draws evaluators by weighted sampling without replacement,
// proportional to reputation. The weighting limits how far an attacker
// gets by packing the pool with low-reputation sybil identities; it is
// a mitigation, not a guarantee.
//
// The random source is injected so tests can fix the seed and assert
// the exact draw.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a selector seeded with the given value.
func NewSelector(seed int64) *Selector {
	return &Selector{rng: rand.New(rand.NewSource(seed))}
}

// Pick draws up to k workers from candidates, weighting each by
// weight(id). Candidates with non-positive weight only get drawn when
// every remaining weight is non-positive, in which case the draw falls
// back to uniform. The input slice is not modified.
func (s *Selector) Pick(candidates []types.Worker, weight func(id string) float64, k int) []types.Worker {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	pool := append([]types.Worker(nil), candidates...)
	if k > len(pool) {
		k = len(pool)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	picked := make([]types.Worker, 0, k)
	for len(picked) < k {
		total := 0.0
		for _, w := range pool {
			if wt := weight(w.ID); wt > 0 {
				total += wt
			}
		}

		var idx int
		if total <= 0 {
			idx = s.rng.Intn(len(pool))
		} else {
			r := s.rng.Float64() * total
			acc := 0.0
			idx = len(pool) - 1
			for i, w := range pool {
				wt := weight(w.ID)
				if wt <= 0 {
					continue
				}
				acc += wt
				if r < acc {
					idx = i
					break
				}
			}
		}

		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked
}
