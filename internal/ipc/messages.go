package ipc

import "github.com/strandchain/pvfhost/pkg/models"

// Hello is the worker's first frame after spawn. The host kills any worker
// whose version does not match its own; a stale binary left over from an
// upgrade must never serve jobs.
type Hello struct {
	// Version is the worker's build version string.
	Version string `json:"version"`
	// Phase echoes the phase the worker was started for.
	Phase models.WorkerPhase `json:"phase"`
	// PID is the worker's process ID, for log correlation.
	PID int `json:"pid"`
}

// PrepareErrorKind classifies a failed compilation.
type PrepareErrorKind string

const (
	// PrepareErrInvalid marks a reproducible structural failure: malformed
	// WASM, disallowed instructions. Cached as a permanent tombstone.
	PrepareErrInvalid PrepareErrorKind = "invalid"
	// PrepareErrTimeout marks a compilation that exceeded its CPU budget.
	PrepareErrTimeout PrepareErrorKind = "timeout"
	// PrepareErrMemory marks a compilation that hit the memory ceiling.
	PrepareErrMemory PrepareErrorKind = "memory"
	// PrepareErrInternal marks a worker-side fault unrelated to the code.
	PrepareErrInternal PrepareErrorKind = "internal"
)

// Permanent reports whether this failure class can never succeed on retry.
func (k PrepareErrorKind) Permanent() bool {
	return k == PrepareErrInvalid
}

// PrepareRequest asks a preparer worker to compile raw validation code and
// write the artifact to the host-designated temporary path.
type PrepareRequest struct {
	// Code is the raw validation code.
	Code []byte `json:"code"`
	// ArtifactPath is where the worker writes the compiled blob. The host
	// owns the path and installs it into the cache atomically afterwards.
	ArtifactPath string `json:"artifact_path"`
	// CPUBudgetMillis bounds compilation CPU time.
	CPUBudgetMillis int64 `json:"cpu_budget_millis"`
	// MemoryCeilingBytes bounds the worker address space for this job.
	MemoryCeilingBytes uint64 `json:"memory_ceiling_bytes"`
	// Precheck requests the stricter prepare-only mode used before code
	// upgrades: the worker additionally instantiates the compiled module to
	// catch construction errors.
	Precheck bool `json:"precheck,omitempty"`
}

// PrepareResponse reports a compilation result.
type PrepareResponse struct {
	// OK is true when the artifact was written to ArtifactPath.
	OK bool `json:"ok"`
	// Checksum is the sha256 of the written blob, hex encoded. The host
	// re-hashes the file and treats a mismatch as a protocol violation.
	Checksum string `json:"checksum,omitempty"`
	// SizeBytes is the written blob size.
	SizeBytes int64 `json:"size_bytes,omitempty"`
	// ErrorKind classifies the failure when OK is false.
	ErrorKind PrepareErrorKind `json:"error_kind,omitempty"`
	// Error is the human-readable failure detail.
	Error string `json:"error,omitempty"`
	// Usage is the resource evidence for this attempt.
	Usage models.Usage `json:"usage"`
}

// ExecuteRequest asks an executor worker to run a prepared artifact.
type ExecuteRequest struct {
	// ArtifactPath is the Ready blob to execute.
	ArtifactPath string `json:"artifact_path"`
	// Params is the encoded call parameters.
	Params []byte `json:"params"`
	// WallBudgetMillis bounds wall-clock time; the host also enforces this
	// externally and kills the worker on overrun.
	WallBudgetMillis int64 `json:"wall_budget_millis"`
	// CPUBudgetMillis bounds CPU time independently of wall clock.
	CPUBudgetMillis int64 `json:"cpu_budget_millis"`
	// MemoryCeilingBytes bounds the worker address space for this job.
	MemoryCeilingBytes uint64 `json:"memory_ceiling_bytes"`
}

// ExecuteResult is the worker-reported disposition of one execution.
type ExecuteResult string

const (
	// ExecuteAccepted means the validation logic accepted the candidate.
	ExecuteAccepted ExecuteResult = "accepted"
	// ExecuteRejected means the validation logic determined invalidity.
	ExecuteRejected ExecuteResult = "rejected"
	// ExecuteTimedOut means a budget was exceeded inside the worker.
	ExecuteTimedOut ExecuteResult = "timed_out"
	// ExecuteError means a worker-side fault prevented a verdict.
	ExecuteError ExecuteResult = "error"
)

// ExecuteResponse reports an execution result.
type ExecuteResponse struct {
	// Result is the worker-reported disposition.
	Result ExecuteResult `json:"result"`
	// Output is the validation output payload on ExecuteAccepted.
	Output []byte `json:"output,omitempty"`
	// Reason explains a rejection or error.
	Reason string `json:"reason,omitempty"`
	// Usage is the resource evidence for this attempt.
	Usage models.Usage `json:"usage"`
}
