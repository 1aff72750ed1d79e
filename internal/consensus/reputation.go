package consensus

import (
	"sync"
)

// Reputation bounds and nudge sizes. Consensus outcomes are the only
// path by which these scores change, so a history of outcomes replays
// to the same scores.
const (
	reputationDefault = 5.0
	reputationMax     = 10.0
	reputationMin     = 0.0
	reputationReward  = 0.1
	reputationPenalty = 0.05
)

// ReputationStore holds per-evaluator trust weights. Unknown evaluators
// start at the default score.
type ReputationStore struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewReputationStore creates an empty store.
func NewReputationStore() *ReputationStore {
	return &ReputationStore{scores: make(map[string]float64)}
}

// Get returns the evaluator's current score.
func (r *ReputationStore) Get(evaluatorID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.scores[evaluatorID]; ok {
		return s
	}
	return reputationDefault
}

// Reward nudges an evaluator up for participating in a successful
// consensus, capped at the maximum.
func (r *ReputationStore) Reward(evaluatorID string) {
	r.adjust(evaluatorID, reputationReward)
}

// Penalize nudges an evaluator down for non-participation or for
// dissenting against the eventual consensus, floored at the minimum.
func (r *ReputationStore) Penalize(evaluatorID string) {
	r.adjust(evaluatorID, -reputationPenalty)
}

func (r *ReputationStore) adjust(evaluatorID string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scores[evaluatorID]
	if !ok {
		s = reputationDefault
	}
	s += delta
	if s > reputationMax {
		s = reputationMax
	}
	if s < reputationMin {
		s = reputationMin
	}
	r.scores[evaluatorID] = s
}
