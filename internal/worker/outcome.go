package worker

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// OutcomeKind is the closed set of ways a worker interaction can end. All
// crash/timeout/exit branches funnel through this one type so the
// conservative-uncertainty policy is enforced in a single place.
type OutcomeKind int

const (
	// OutcomeResponded means the worker replied with a well-formed frame.
	OutcomeResponded OutcomeKind = iota
	// OutcomeTimeout means the host-side deadline elapsed with no reply.
	OutcomeTimeout
	// OutcomeExitedLimit means the worker was terminated by its own
	// OS-enforced resource limits (SIGXCPU/SIGKILL from RLIMIT_CPU). The
	// job exceeded its sandbox bounds; expected under adversarial input.
	OutcomeExitedLimit
	// OutcomeCrashed means the worker died for a reason that cannot be
	// attributed to the candidate: host OOM, unrelated signal, abort.
	OutcomeCrashed
	// OutcomeProtocolViolation means the worker sent something outside the
	// protocol: wrong frame kind, checksum mismatch, version mismatch.
	OutcomeProtocolViolation
	// OutcomeHostShutdown means the host cancelled the interaction.
	OutcomeHostShutdown
)

// String returns a human-readable representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponded:
		return "responded"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeExitedLimit:
		return "exited_limit"
	case OutcomeCrashed:
		return "crashed"
	case OutcomeProtocolViolation:
		return "protocol_violation"
	case OutcomeHostShutdown:
		return "host_shutdown"
	default:
		return "unknown"
	}
}

// Outcome describes how one worker interaction ended.
type Outcome struct {
	// Kind discriminates the ending.
	Kind OutcomeKind
	// Err carries the underlying error, if any.
	Err error
	// Detail is extra context for logs (signal name, violated rule).
	Detail string
}

// WorkerReusable reports whether the worker may return to the idle set.
// Workers are never trusted to self-report a clean state after anything
// other than a normal response.
func (o Outcome) WorkerReusable() bool {
	return o.Kind == OutcomeResponded
}

// respondedOutcome is the healthy ending.
func respondedOutcome() Outcome {
	return Outcome{Kind: OutcomeResponded}
}

// classifyExit maps a worker process exit to an outcome. Limit-kills are
// distinguished from everything else: only SIGXCPU (soft RLIMIT_CPU) and
// SIGKILL (hard RLIMIT_CPU) are attributable to the job's own bounds, and
// even those remain transient from the verdict's point of view. An attacker
// controls the exit status, so unexpected statuses are all treated alike.
func classifyExit(waitErr error) Outcome {
	if waitErr == nil {
		return Outcome{Kind: OutcomeCrashed, Detail: "exited cleanly mid-job"}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Outcome{Kind: OutcomeCrashed, Err: waitErr}
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Outcome{Kind: OutcomeCrashed, Err: waitErr}
	}

	if status.Signaled() {
		sig := status.Signal()
		switch sig {
		case syscall.SIGXCPU, syscall.SIGKILL:
			return Outcome{Kind: OutcomeExitedLimit, Err: waitErr, Detail: sig.String()}
		default:
			return Outcome{Kind: OutcomeCrashed, Err: waitErr, Detail: sig.String()}
		}
	}

	return Outcome{Kind: OutcomeCrashed, Err: waitErr, Detail: fmt.Sprintf("exit status %d", status.ExitStatus())}
}
