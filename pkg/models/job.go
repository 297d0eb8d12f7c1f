package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MaxCodeSize is the largest raw validation code blob accepted at the API
// boundary. Oversized submissions are refused before hashing so an attacker
// cannot make the host buffer unbounded input.
const MaxCodeSize = 3 * 1024 * 1024

// Priority orders jobs waiting for an executor. Higher-priority jobs take
// queue position but never preempt a worker mid-job.
type Priority string

const (
	// PriorityBacking is the routine backlog class with the short execution
	// budget.
	PriorityBacking Priority = "backing"
	// PriorityApproval is the time-sensitive dispute/approval class with the
	// long execution budget.
	PriorityApproval Priority = "approval"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityBacking, PriorityApproval:
		return true
	default:
		return false
	}
}

// JobStatus is the state machine position of a validation job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is accepted and awaiting its artifact.
	JobStatusQueued JobStatus = "queued"
	// JobStatusPreparing indicates the job is waiting on a compilation.
	JobStatusPreparing JobStatus = "preparing"
	// JobStatusAwaitingExecutor indicates the job is waiting for a worker slot.
	JobStatusAwaitingExecutor JobStatus = "awaiting_executor"
	// JobStatusExecuting indicates the job is running on a worker.
	JobStatusExecuting JobStatus = "executing"
	// JobStatusRetrying indicates a transient fault occurred and the job will
	// run again after backoff.
	JobStatusRetrying JobStatus = "retrying"
	// JobStatusResolved indicates a verdict was delivered.
	JobStatusResolved JobStatus = "resolved"
	// JobStatusAbandoned indicates the caller cancelled before resolution.
	JobStatusAbandoned JobStatus = "abandoned"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusPreparing, JobStatusAwaitingExecutor,
		JobStatusExecuting, JobStatusRetrying, JobStatusResolved, JobStatusAbandoned:
		return true
	default:
		return false
	}
}

// Terminal returns true for states a job never leaves.
func (s JobStatus) Terminal() bool {
	return s == JobStatusResolved || s == JobStatusAbandoned
}

// Limits bounds one validation job. Zero fields fall back to the host
// configuration defaults for the job's priority class.
type Limits struct {
	// PrepareCPUBudget bounds compilation CPU time.
	PrepareCPUBudget time.Duration `json:"prepare_cpu_budget,omitempty"`
	// ExecWallBudget bounds execution wall-clock time.
	ExecWallBudget time.Duration `json:"exec_wall_budget,omitempty"`
	// ExecCPUBudget bounds execution CPU time independently of wall clock,
	// so host scheduling jitter neither grants nor steals compute.
	ExecCPUBudget time.Duration `json:"exec_cpu_budget,omitempty"`
	// MemoryCeilingBytes bounds worker address space.
	MemoryCeilingBytes uint64 `json:"memory_ceiling_bytes,omitempty"`
}

// ValidationRequest is one submission to the host.
type ValidationRequest struct {
	// Code is the raw validation code. May be empty when the caller knows
	// the identity is already cached.
	Code []byte
	// Identity is the content hash of Code. Computed by the host when empty.
	Identity CodeIdentity
	// Params is the encoded call parameters (block proof plus auxiliary data).
	Params []byte
	// Priority selects the queue class and execution budget.
	Priority Priority
	// Limits overrides the configured resource bounds where non-zero.
	Limits Limits
}

// DedupKey returns the in-flight deduplication key for a request: jobs with
// the same code identity and the same parameters share one execution.
func (r *ValidationRequest) DedupKey() string {
	sum := sha256.Sum256(r.Params)
	return string(r.Identity) + ":" + hex.EncodeToString(sum[:8])
}

// ExecutionJob is the host's bookkeeping for one pending request.
type ExecutionJob struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Identity is the code identity the job validates against.
	Identity CodeIdentity `json:"identity"`
	// Priority is the queue class.
	Priority Priority `json:"priority"`
	// Status is the state machine position.
	Status JobStatus `json:"status"`
	// RetryCount is how many times the job has been retried.
	RetryCount int `json:"retry_count"`
	// SubmittedAt is when the host accepted the job.
	SubmittedAt time.Time `json:"submitted_at"`
}

// PrecheckOutcome is the result of a prepare-only request, used by the relay
// chain before enacting a code upgrade.
type PrecheckOutcome string

const (
	// PrecheckValid indicates the code compiled within the precheck bounds.
	PrecheckValid PrecheckOutcome = "valid"
	// PrecheckInvalid indicates the code can never compile.
	PrecheckInvalid PrecheckOutcome = "invalid"
	// PrecheckFailed indicates the check could not be completed; not a
	// statement about the code.
	PrecheckFailed PrecheckOutcome = "failed"
)

// Valid returns true if the outcome is a known value.
func (o PrecheckOutcome) Valid() bool {
	switch o {
	case PrecheckValid, PrecheckInvalid, PrecheckFailed:
		return true
	default:
		return false
	}
}
