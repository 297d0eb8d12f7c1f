package models

import "time"

// VerdictKind is the closed set of outcomes a validation job can produce.
type VerdictKind string

const (
	// VerdictAccept indicates the validation logic accepted the candidate.
	// Authoritative and consensus-relevant.
	VerdictAccept VerdictKind = "accept"
	// VerdictReject indicates the validation logic determined the candidate
	// is invalid, or that its code can never compile. Authoritative and
	// consensus-relevant.
	VerdictReject VerdictKind = "reject"
	// VerdictInternalError indicates no verdict could be obtained after
	// exhausting retries. Callers must treat this as "no verdict", never as
	// "candidate invalid".
	VerdictInternalError VerdictKind = "internal_error"
)

// Valid returns true if the kind is a known value.
func (k VerdictKind) Valid() bool {
	switch k {
	case VerdictAccept, VerdictReject, VerdictInternalError:
		return true
	default:
		return false
	}
}

// Usage is the resource-usage evidence attached to every verdict. It is
// reported downstream for scoring and dispute evidence.
type Usage struct {
	// CPUTime is the CPU clock consumed by the job across all attempts.
	CPUTime time.Duration `json:"cpu_time"`
	// WallTime is the wall clock elapsed across all attempts.
	WallTime time.Duration `json:"wall_time"`
	// PeakMemoryBytes is the highest resident set observed in any attempt.
	PeakMemoryBytes uint64 `json:"peak_memory_bytes"`
	// Attempts is the number of execution attempts made, including retries.
	Attempts int `json:"attempts"`
}

// Add accumulates evidence from one attempt into the running total.
func (u *Usage) Add(attempt Usage) {
	u.CPUTime += attempt.CPUTime
	u.WallTime += attempt.WallTime
	if attempt.PeakMemoryBytes > u.PeakMemoryBytes {
		u.PeakMemoryBytes = attempt.PeakMemoryBytes
	}
	u.Attempts += attempt.Attempts
}

// Verdict is the final outcome of a validation job.
type Verdict struct {
	// Kind discriminates the outcome.
	Kind VerdictKind `json:"kind"`
	// Output is the validation result payload on Accept.
	Output []byte `json:"output,omitempty"`
	// Reason explains a Reject or InternalError.
	Reason string `json:"reason,omitempty"`
	// Usage is the resource evidence for this job.
	Usage Usage `json:"usage"`
}

// Conclusive returns true for the consensus-relevant outcomes.
func (v Verdict) Conclusive() bool {
	return v.Kind == VerdictAccept || v.Kind == VerdictReject
}

// Accept builds an accepting verdict carrying the validation output.
func Accept(output []byte, usage Usage) Verdict {
	return Verdict{Kind: VerdictAccept, Output: output, Usage: usage}
}

// Reject builds a rejecting verdict with the invalidity reason.
func Reject(reason string, usage Usage) Verdict {
	return Verdict{Kind: VerdictReject, Reason: reason, Usage: usage}
}

// InternalError builds a no-verdict outcome with the last classified fault.
func InternalError(reason string, usage Usage) Verdict {
	return Verdict{Kind: VerdictInternalError, Reason: reason, Usage: usage}
}
