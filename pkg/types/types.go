// Package types defines the core domain model shared by the crawlmesh
// coordination engine: workers, tasks, submissions and security records.
package types

import (
	"time"
)

// TaskID uniquely identifies a unit of work.
type TaskID string

// SubmissionID uniquely identifies an artifact awaiting verification.
type SubmissionID string

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerActive      WorkerStatus = "active"      // heartbeating, eligible for work
	WorkerInactive    WorkerStatus = "inactive"    // missed its liveness window
	WorkerSuspicious  WorkerStatus = "suspicious"  // elevated threat score, weighted down
	WorkerCompromised WorkerStatus = "compromised" // isolated by the resilience monitor
	WorkerBlacklisted WorkerStatus = "blacklisted" // terminal, requires whitelist override
)

// Worker is the registry's identity record for one participant.
// Workers are never deleted; they are demoted and excluded from selection.
type Worker struct {
	ID               string       `json:"id"`
	Capabilities     []string     `json:"capabilities"`
	PublicKey        []byte       `json:"public_key,omitempty"` // Ed25519, set at registration
	Status           WorkerStatus `json:"status"`
	LastHeartbeat    int64        `json:"last_heartbeat_ms"` // Unix milliseconds
	CurrentLoad      int          `json:"current_load"`
	PerformanceScore float64      `json:"performance_score"` // 0..1, EWMA of completion outcomes
	RegisteredAt     int64        `json:"registered_at_ms"`
}

// CapabilityGeneric is the catch-all capability tag.
const CapabilityGeneric = "generic"

// HasCapability reports whether the worker can serve the given tag.
// An empty tag matches any worker; workers advertising "generic" match
// every tag.
func (w *Worker) HasCapability(tag string) bool {
	if tag == "" {
		return true
	}
	for _, c := range w.Capabilities {
		if c == tag || c == CapabilityGeneric {
			return true
		}
	}
	return false
}

// WorkerMetrics is the telemetry a worker reports with each heartbeat.
// Resource usages are percentages (0..100); CompletionRate is 0..1.
type WorkerMetrics struct {
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryUsage    float64 `json:"memory_usage"`
	NetworkUsage   float64 `json:"network_usage"`
	CompletionRate float64 `json:"task_completion_rate"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelling TaskStatus = "cancelling"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Priority orders pending tasks. Lower rank schedules first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort key of a priority. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Task is a unit of work owned by the scheduler until it reaches a
// terminal status.
type Task struct {
	ID             TaskID                 `json:"id"`
	Type           string                 `json:"type"` // capability tag, e.g. "youtube"
	Payload        map[string]interface{} `json:"payload"`
	Priority       Priority               `json:"priority"`
	Status         TaskStatus             `json:"status"`
	SubmittedAt    int64                  `json:"submitted_at_ms"`
	UpdatedAt      int64                  `json:"updated_at_ms"`
	Deadline       *int64                 `json:"deadline_ms,omitempty"` // absolute, Unix ms
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Reason         string                 `json:"reason,omitempty"` // human-readable terminal reason
}

// Expired reports whether the task's deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.UnixMilli() > *t.Deadline
}

// CrawlResult is what a worker reports back for a finished assignment.
// ContentHash and Signature cover Payload so the artifact can enter
// verification without trusting the transport.
type CrawlResult struct {
	TaskID      TaskID                 `json:"task_id"`
	WorkerID    string                 `json:"worker_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ContentHash string                 `json:"content_hash,omitempty"`
	Signature   string                 `json:"signature,omitempty"` // hex-encoded Ed25519
	Error       string                 `json:"error,omitempty"`
}

// Verdict is a single evaluator's judgement of a submission.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Evaluation is one evaluator's verdict on a submission. A worker may
// contribute at most one evaluation per submission.
type Evaluation struct {
	EvaluatorID string  `json:"evaluator_id"`
	Verdict     Verdict `json:"verdict"`
	Confidence  float64 `json:"confidence"` // 0..1
	Timestamp   int64   `json:"timestamp_ms"`
}

// SubmissionStatus is the consensus state of a submitted artifact.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionVerified SubmissionStatus = "verified"
	SubmissionRejected SubmissionStatus = "rejected"
	SubmissionConflict SubmissionStatus = "conflict"
)

// Submission is an artifact produced by a worker, awaiting the trust
// decision. ContentHash is the sha256 of the canonicalized payload.
type Submission struct {
	ID          SubmissionID           `json:"id"`
	Payload     map[string]interface{} `json:"payload"`
	ContentHash string                 `json:"content_hash"`
	ProducerID  string                 `json:"producer_id"`
	Signature   string                 `json:"signature"` // hex-encoded Ed25519
	CreatedAt   int64                  `json:"created_at_ms"`
	Evaluations []Evaluation           `json:"evaluations"`
	Status      SubmissionStatus       `json:"status"`
	Reason      string                 `json:"reason,omitempty"`
}

// ConsensusResult is the final quorum verdict for a submission.
type ConsensusResult struct {
	SubmissionID    SubmissionID           `json:"submission_id"`
	ContentHash     string                 `json:"content_hash"`
	Evaluations     int                    `json:"evaluations"`
	Required        int                    `json:"required_verifications"`
	Status          SubmissionStatus       `json:"status"`
	Confidence      float64                `json:"confidence_level"`
	VerifiedPayload map[string]interface{} `json:"verified_payload,omitempty"`
}

// SecurityEventType classifies a security event.
type SecurityEventType string

const (
	EventRateLimit  SecurityEventType = "rate_limit"
	EventDDoS       SecurityEventType = "ddos"
	EventAnomaly    SecurityEventType = "anomaly"
	EventCompromise SecurityEventType = "compromise"
	EventBlacklist  SecurityEventType = "blacklist"
)

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is one entry in the bounded security-event log.
type SecurityEvent struct {
	Type      SecurityEventType      `json:"event_type"`
	Source    string                 `json:"source"` // worker id or network address
	Severity  Severity               `json:"severity"`
	Timestamp int64                  `json:"timestamp_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Handled   bool                   `json:"handled"`
}

// Stats is the operator-facing counter snapshot.
type Stats struct {
	TotalTasks          int `json:"total_tasks"`
	CompletedTasks      int `json:"completed_tasks"`
	FailedTasks         int `json:"failed_tasks"`
	PendingTasks        int `json:"pending_tasks"`
	TotalSubmissions    int `json:"total_submissions"`
	VerifiedSubmissions int `json:"verified_submissions"`
	RejectedSubmissions int `json:"rejected_submissions"`
	ConflictSubmissions int `json:"conflict_submissions"`
	ActiveWorkers       int `json:"active_workers"`
	BlacklistedSources  int `json:"blacklisted_sources"`
	BlockedRequests     int `json:"blocked_requests"`
	SecurityEvents      int `json:"security_events_total"`
}
