// Package consensus collects independent judgements on submitted
// artifacts and decides accept/reject by quorum, weighted by submitter
// reputation. It owns the reputation store; reputation changes only
// through consensus outcomes.
package consensus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openchronicle/crawlmesh/internal/registry"
	"github.com/openchronicle/crawlmesh/internal/signing"
	"github.com/openchronicle/crawlmesh/pkg/types"
)

var log = slog.Default()

// ErrNotDrafted rejects an evaluation from an evaluator that was never
// selected for the submission. Accepting arbitrary evaluator identities
// would let a flood of throwaway ids outvote the drafted quorum.
var ErrNotDrafted = errors.New("evaluator was not drafted for this submission")

// EvalDispatcher delivers an evaluation request to a selected evaluator.
// Implementations must return promptly.
type EvalDispatcher interface {
	RequestEvaluation(ctx context.Context, evaluator types.Worker, sub types.Submission) error
}

// ThreatAdvisor mirrors the scheduler's: the resilience monitor's
// selection penalty for a worker, 0 for trusted.
type ThreatAdvisor interface {
	ThreatPenalty(workerID string) float64
}

// Config tunes the verifier.
type Config struct {
	RequiredVerifications int           // quorum size k
	Tick                  time.Duration // consensus-check cadence
	EvaluationDeadline    time.Duration // per-evaluator response budget
	SelectorSeed          int64         // seed for the weighted draw
}

// DefaultConfig mirrors the mesh's production defaults.
func DefaultConfig() Config {
	return Config{
		RequiredVerifications: 3,
		Tick:                  5 * time.Second,
		EvaluationDeadline:    60 * time.Second,
		SelectorSeed:          time.Now().UnixNano(),
	}
}

// Verifier runs the trust pipeline: integrity and signature checks at
// ingestion, evaluator selection, evaluation collection, and the quorum
// decision.
type Verifier struct {
	mu          sync.RWMutex
	submissions map[types.SubmissionID]*types.Submission
	results     map[types.SubmissionID]*types.ConsensusResult
	// outstanding evaluation requests per submission:
	// evaluator id -> response deadline (Unix ms)
	outstanding map[types.SubmissionID]map[string]int64
	// drafted records every evaluator ever selected for a submission.
	// Unlike outstanding it survives deadline expiry, so a drafted
	// straggler that answers late still counts.
	drafted map[types.SubmissionID]map[string]bool

	reputation *ReputationStore
	selector   *Selector
	registry   *registry.Registry
	dispatcher EvalDispatcher
	threats    ThreatAdvisor
	config     Config

	// OnVerified, when set, receives every submission that reaches the
	// verified verdict. This is the only path to the publication sink.
	OnVerified func(result types.ConsensusResult)

	// OnDecided, when set, receives every terminal verdict including
	// rejections and conflicts. Used for instrumentation.
	OnDecided func(result types.ConsensusResult)

	verifiedCount int
	rejectedCount int
	conflictCount int

	stopCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
	loopWg  sync.WaitGroup
}

// New creates a verifier. threats may be nil.
func New(reg *registry.Registry, dispatcher EvalDispatcher, threats ThreatAdvisor, config Config) *Verifier {
	if config.RequiredVerifications <= 0 {
		config.RequiredVerifications = DefaultConfig().RequiredVerifications
	}
	if config.Tick <= 0 {
		config.Tick = DefaultConfig().Tick
	}
	if config.EvaluationDeadline <= 0 {
		config.EvaluationDeadline = DefaultConfig().EvaluationDeadline
	}
	return &Verifier{
		submissions: make(map[types.SubmissionID]*types.Submission),
		results:     make(map[types.SubmissionID]*types.ConsensusResult),
		outstanding: make(map[types.SubmissionID]map[string]int64),
		drafted:     make(map[types.SubmissionID]map[string]bool),
		reputation:  NewReputationStore(),
		selector:    NewSelector(config.SelectorSeed),
		registry:    reg,
		dispatcher:  dispatcher,
		threats:     threats,
		config:      config,
		stopCh:      make(chan struct{}),
	}
}

// Reputation exposes the reputation store (read paths and tests).
func (v *Verifier) Reputation() *ReputationStore { return v.reputation }

// Start launches the consensus loop.
func (v *Verifier) Start() {
	v.loopWg.Add(1)
	go v.consensusLoop()
	log.Info("Consensus verifier started",
		"required", v.config.RequiredVerifications,
		"tick", v.config.Tick)
}

// Stop terminates the consensus loop and waits for it to exit.
func (v *Verifier) Stop() {
	v.stopMu.Lock()
	if v.stopped {
		v.stopMu.Unlock()
		return
	}
	v.stopped = true
	v.stopMu.Unlock()

	close(v.stopCh)
	v.loopWg.Wait()
	log.Info("Consensus verifier stopped")
}

// SubmitForVerification ingests an artifact. The declared content hash
// and the signature are validated first: a mismatch is an immediate
// rejection with zero evaluator cost.
func (v *Verifier) SubmitForVerification(payload map[string]interface{}, declaredHash, signature, producerID string) (types.SubmissionID, error) {
	id := types.SubmissionID(signing.ShortID(producerID, declaredHash, fmt.Sprint(time.Now().UnixNano())))
	now := time.Now().UnixMilli()

	sub := &types.Submission{
		ID:          id,
		Payload:     payload,
		ContentHash: declaredHash,
		ProducerID:  producerID,
		Signature:   signature,
		CreatedAt:   now,
		Status:      types.SubmissionPending,
	}

	if err := signing.VerifyHash(payload, declaredHash); err != nil {
		v.rejectImmediately(sub, fmt.Sprintf("content hash mismatch: %v", err))
		return id, nil
	}

	pubKey, err := v.registry.PublicKey(producerID)
	if err != nil {
		v.rejectImmediately(sub, fmt.Sprintf("unknown producer %s", producerID))
		return id, nil
	}
	if err := signing.Verify(ed25519.PublicKey(pubKey), payload, signature); err != nil {
		v.rejectImmediately(sub, fmt.Sprintf("signature invalid: %v", err))
		return id, nil
	}

	v.mu.Lock()
	v.submissions[id] = sub
	v.mu.Unlock()

	log.Info("Submission accepted for verification", "submissionID", id, "producerID", producerID)
	return id, nil
}

// SubmitEvaluation records one evaluator's verdict. Only evaluators the
// selector drafted for this submission are accepted, including drafted
// stragglers answering after their deadline. Duplicate evaluations from
// the same evaluator are suppressed; evaluations on decided submissions
// are ignored.
func (v *Verifier) SubmitEvaluation(id types.SubmissionID, eval types.Evaluation) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	sub, exists := v.submissions[id]
	if !exists {
		return fmt.Errorf("unknown submission %s", id)
	}
	if sub.Status != types.SubmissionPending {
		return nil
	}
	if !v.drafted[id][eval.EvaluatorID] {
		return fmt.Errorf("%w: %s", ErrNotDrafted, eval.EvaluatorID)
	}
	for _, e := range sub.Evaluations {
		if e.EvaluatorID == eval.EvaluatorID {
			return nil
		}
	}
	if eval.Timestamp == 0 {
		eval.Timestamp = time.Now().UnixMilli()
	}
	sub.Evaluations = append(sub.Evaluations, eval)
	if out, ok := v.outstanding[id]; ok {
		delete(out, eval.EvaluatorID)
	}
	return nil
}

// GetVerdict returns the consensus result, or false while pending.
func (v *Verifier) GetVerdict(id types.SubmissionID) (types.ConsensusResult, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	r, exists := v.results[id]
	if !exists {
		return types.ConsensusResult{}, false
	}
	return *r, true
}

// GetSubmission returns a copy of the submission record.
func (v *Verifier) GetSubmission(id types.SubmissionID) (types.Submission, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, exists := v.submissions[id]
	if !exists {
		return types.Submission{}, false
	}
	return *s, true
}

// Counts returns submission totals by outcome.
func (v *Verifier) Counts() (total, verified, rejected, conflict int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.submissions), v.verifiedCount, v.rejectedCount, v.conflictCount
}

// consensusLoop drives evaluator assignment and quorum decisions on a
// fixed tick.
func (v *Verifier) consensusLoop() {
	defer v.loopWg.Done()
	ticker := time.NewTicker(v.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			log.Info("Consensus loop stopped")
			return
		case <-ticker.C:
			v.tick(time.Now())
		}
	}
}

// tick runs one pass: expire stragglers, top up evaluator assignments,
// and decide any submission that has reached quorum.
func (v *Verifier) tick(now time.Time) {
	for _, id := range v.pendingIDs() {
		v.expireStragglers(id, now)
		v.assignEvaluators(id, now)
		v.decide(id)
	}
}

func (v *Verifier) pendingIDs() []types.SubmissionID {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var ids []types.SubmissionID
	for id, s := range v.submissions {
		if s.Status == types.SubmissionPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// expireStragglers penalizes evaluators that missed their response
// deadline and frees their slot so a replacement can be drawn. A single
// unreachable evaluator is absorbed here, not surfaced as an error.
func (v *Verifier) expireStragglers(id types.SubmissionID, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := v.outstanding[id]
	nowMs := now.UnixMilli()
	for evaluatorID, deadline := range out {
		if nowMs > deadline {
			delete(out, evaluatorID)
			v.reputation.Penalize(evaluatorID)
			log.Warn("Evaluator missed deadline", "submissionID", id, "evaluatorID", evaluatorID)
		}
	}
}

// assignEvaluators tops the submission up to k in-flight evaluations,
// drawing from eligible non-producer workers weighted by reputation.
// With no eligible evaluators the submission simply stays pending for
// the next tick.
func (v *Verifier) assignEvaluators(id types.SubmissionID, now time.Time) {
	v.mu.Lock()
	sub, exists := v.submissions[id]
	if !exists || sub.Status != types.SubmissionPending {
		v.mu.Unlock()
		return
	}
	out := v.outstanding[id]
	if out == nil {
		out = make(map[string]int64)
		v.outstanding[id] = out
	}
	dr := v.drafted[id]
	if dr == nil {
		dr = make(map[string]bool)
		v.drafted[id] = dr
	}
	need := v.config.RequiredVerifications - len(sub.Evaluations) - len(out)
	if need <= 0 {
		v.mu.Unlock()
		return
	}

	// Never redraw anyone already drafted, even an expired straggler:
	// their late answer may still arrive and count.
	seen := make(map[string]bool, len(dr)+1)
	seen[sub.ProducerID] = true
	for evaluatorID := range dr {
		seen[evaluatorID] = true
	}
	subCopy := *sub
	v.mu.Unlock()

	var candidates []types.Worker
	for _, w := range v.registry.ListEligible("") {
		if !seen[w.ID] {
			candidates = append(candidates, w)
		}
	}
	picked := v.selector.Pick(candidates, v.selectionWeight, need)
	if len(picked) == 0 {
		return
	}

	deadline := now.Add(v.config.EvaluationDeadline).UnixMilli()
	v.mu.Lock()
	for _, w := range picked {
		out[w.ID] = deadline
		dr[w.ID] = true
	}
	v.mu.Unlock()

	for _, w := range picked {
		evaluator := w
		go func() {
			if err := v.dispatcher.RequestEvaluation(context.Background(), evaluator, subCopy); err != nil {
				log.Warn("Evaluation dispatch failed",
					"submissionID", id, "evaluatorID", evaluator.ID, "error", err)
				v.mu.Lock()
				if o, ok := v.outstanding[id]; ok {
					delete(o, evaluator.ID)
				}
				if d, ok := v.drafted[id]; ok {
					delete(d, evaluator.ID)
				}
				v.mu.Unlock()
			}
		}()
	}
}

// selectionWeight is the evaluator draw weight: reputation scaled down
// by the resilience monitor's threat penalty.
func (v *Verifier) selectionWeight(workerID string) float64 {
	w := v.reputation.Get(workerID)
	if v.threats != nil {
		p := v.threats.ThreatPenalty(workerID)
		if p > 1 {
			p = 1
		}
		w *= 1 - p
	}
	return w
}

// decide applies the quorum rule once enough evaluations have arrived:
// accept_count >= k is verified, reject_count >= k is rejected, and a
// full quorum with neither majority is a terminal conflict surfaced for
// external review, never resolved silently.
func (v *Verifier) decide(id types.SubmissionID) {
	v.mu.Lock()

	sub, exists := v.submissions[id]
	if !exists || sub.Status != types.SubmissionPending {
		v.mu.Unlock()
		return
	}
	k := v.config.RequiredVerifications
	if len(sub.Evaluations) < k {
		v.mu.Unlock()
		return
	}

	accepts, rejects := 0, 0
	for _, e := range sub.Evaluations {
		if e.Verdict == types.VerdictAccept {
			accepts++
		} else {
			rejects++
		}
	}
	total := accepts + rejects

	var status types.SubmissionStatus
	switch {
	case accepts >= k:
		status = types.SubmissionVerified
	case rejects >= k:
		status = types.SubmissionRejected
	default:
		status = types.SubmissionConflict
	}

	sub.Status = status
	if status == types.SubmissionConflict {
		sub.Reason = fmt.Sprintf("quorum ambiguous: %d accept, %d reject of %d required", accepts, rejects, k)
	}

	majority := accepts
	if rejects > majority {
		majority = rejects
	}
	result := &types.ConsensusResult{
		SubmissionID: id,
		ContentHash:  sub.ContentHash,
		Evaluations:  total,
		Required:     k,
		Status:       status,
		Confidence:   float64(majority) / float64(total),
	}
	if status == types.SubmissionVerified {
		result.VerifiedPayload = sub.Payload
	}
	v.results[id] = result

	switch status {
	case types.SubmissionVerified:
		v.verifiedCount++
	case types.SubmissionRejected:
		v.rejectedCount++
	case types.SubmissionConflict:
		v.conflictCount++
	}

	evals := append([]types.Evaluation(nil), sub.Evaluations...)
	delete(v.outstanding, id)
	delete(v.drafted, id)
	v.mu.Unlock()

	v.applyReputation(status, evals)

	log.Info("Consensus reached",
		"submissionID", id,
		"status", status,
		"accepts", accepts,
		"rejects", rejects,
		"confidence", result.Confidence)

	if v.OnDecided != nil {
		v.OnDecided(*result)
	}
	if status == types.SubmissionVerified && v.OnVerified != nil {
		v.OnVerified(*result)
	}
}

// applyReputation folds the consensus outcome into evaluator scores:
// participants in a verified consensus are rewarded, dissenters against
// any reached consensus are penalized. Conflicts change nothing.
func (v *Verifier) applyReputation(status types.SubmissionStatus, evals []types.Evaluation) {
	for _, e := range evals {
		switch status {
		case types.SubmissionVerified:
			if e.Verdict == types.VerdictAccept {
				v.reputation.Reward(e.EvaluatorID)
			} else {
				v.reputation.Penalize(e.EvaluatorID)
			}
		case types.SubmissionRejected:
			if e.Verdict == types.VerdictAccept {
				v.reputation.Penalize(e.EvaluatorID)
			}
		}
	}
}

// rejectImmediately records a validation failure as a terminal rejected
// verdict with zero evaluations performed.
func (v *Verifier) rejectImmediately(sub *types.Submission, reason string) {
	sub.Status = types.SubmissionRejected
	sub.Reason = reason

	result := &types.ConsensusResult{
		SubmissionID: sub.ID,
		ContentHash:  sub.ContentHash,
		Evaluations:  0,
		Required:     v.config.RequiredVerifications,
		Status:       types.SubmissionRejected,
	}

	v.mu.Lock()
	v.submissions[sub.ID] = sub
	v.results[sub.ID] = result
	v.rejectedCount++
	v.mu.Unlock()

	log.Warn("Submission rejected at ingestion", "submissionID", sub.ID, "reason", reason)
	if v.OnDecided != nil {
		v.OnDecided(*result)
	}
}
