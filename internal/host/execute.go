package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

// process drives one job from submission to its final verdict and status.
// Conclusive worker replies resolve immediately; everything else is a
// transient fault that retries on a fresh worker until the ceiling, then
// degrades to InternalError. A Reject is only ever produced by the
// validation logic itself or by a permanent preparation failure.
func (h *Host) process(j *job) (models.Verdict, models.JobStatus) {
	usage := &models.Usage{}
	maxAttempts := 1 + h.cfg.Retry.ExecuteRetries
	lastFault := "no execution attempted"

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			j.setStatus(models.JobStatusRetrying)
			j.bumpRetries()
			log.Printf("[host] job %s retry %d/%d after: %s", j.id, attempt-1, maxAttempts-1, lastFault)
			if err := sleepBackoff(j.ctx, h.cfg.Retry, attempt-1); err != nil {
				return h.abandoned(usage), models.JobStatusAbandoned
			}
		}

		res := h.obtainArtifact(j.ctx, j.identity, j.code, j.limits.PrepareCPUBudget, false, usage, j.setStatus)
		switch {
		case res.err != nil:
			return h.abandoned(usage), models.JobStatusAbandoned
		case res.transientReason != "":
			// Preparation already burned its own retry budget; no verdict.
			return models.InternalError("no verdict: "+res.transientReason, *usage), models.JobStatusResolved
		case res.artifact.State == models.ArtifactStateFailedPermanent:
			return models.Reject("invalid validation code: "+res.artifact.FailureReason, *usage), models.JobStatusResolved
		}

		verdict, fault, err := h.attemptExecute(j, usage)
		if err != nil {
			return h.abandoned(usage), models.JobStatusAbandoned
		}
		if verdict != nil {
			return *verdict, models.JobStatusResolved
		}
		lastFault = fault
	}

	return models.InternalError("no verdict: "+lastFault, *usage), models.JobStatusResolved
}

// attemptExecute runs one execution attempt. A nil verdict with a fault
// string means the attempt is retryable; an error means the job was
// cancelled.
func (h *Host) attemptExecute(j *job, usage *models.Usage) (*models.Verdict, string, error) {
	pinned, ok := h.cache.Pin(j.identity)
	if !ok {
		// Evicted or demoted between preparation and execution.
		return nil, "artifact unavailable at execution time", nil
	}
	defer h.cache.Unpin(j.identity)

	j.setStatus(models.JobStatusAwaitingExecutor)
	debugLog("job %s awaiting executor slot (%s)", j.id, j.priority)
	if err := h.gate.enter(j.ctx, j.priority); err != nil {
		return nil, "", err
	}
	pool := h.pools.Get(models.PhaseExecute)
	w, err := pool.Acquire(j.ctx)
	h.gate.leave(j.priority)
	if err != nil {
		if j.ctx.Err() != nil {
			return nil, "", j.ctx.Err()
		}
		if errors.Is(err, worker.ErrPoolClosed) {
			return nil, "", context.Canceled
		}
		return nil, fmt.Sprintf("spawn executor: %v", err), nil
	}

	j.setStatus(models.JobStatusExecuting)
	debugLog("job %s executing on worker %s", j.id, w.ID)
	req := ipc.ExecuteRequest{
		ArtifactPath:       pinned.Path,
		Params:             j.params,
		WallBudgetMillis:   j.limits.ExecWallBudget.Milliseconds(),
		CPUBudgetMillis:    j.limits.ExecCPUBudget.Milliseconds(),
		MemoryCeilingBytes: j.limits.MemoryCeilingBytes,
	}

	// The worker enforces the wall budget itself; the host deadline is the
	// backstop that kills a worker which ignores it.
	start := time.Now()
	rtCtx, cancel := context.WithTimeout(j.ctx, j.limits.ExecWallBudget+time.Second)
	env, outcome := w.RoundTrip(rtCtx, ipc.KindExecuteRequest, req, ipc.KindExecuteResponse)
	cancel()
	pool.Release(w, outcome)

	switch outcome.Kind {
	case worker.OutcomeResponded:
		resp := ipc.ExecuteResponse{}
		if err := env.Decode(&resp); err != nil {
			return nil, fmt.Sprintf("malformed execute response: %v", err), nil
		}
		usage.Add(resp.Usage)

		// Reported CPU is checked against the budget before the worker's
		// disposition is even looked at: a late watchdog must never turn an
		// over-budget run into a verdict, Accept and Reject alike.
		if j.limits.ExecCPUBudget > 0 && resp.Usage.CPUTime > j.limits.ExecCPUBudget {
			return nil, "execution budget exceeded", nil
		}

		switch resp.Result {
		case ipc.ExecuteAccepted:
			v := models.Accept(resp.Output, *usage)
			return &v, "", nil
		case ipc.ExecuteRejected:
			v := models.Reject(resp.Reason, *usage)
			return &v, "", nil
		case ipc.ExecuteTimedOut:
			return nil, "execution budget exceeded", nil
		default:
			return nil, "executor error: " + resp.Reason, nil
		}

	case worker.OutcomeHostShutdown:
		return nil, "", outcome.Err

	default:
		usage.Add(models.Usage{WallTime: time.Since(start), Attempts: 1})
		fault := fmt.Sprintf("executor %s", outcome.Kind)
		if outcome.Detail != "" {
			fault += " (" + outcome.Detail + ")"
		}
		return nil, fault, nil
	}
}

// abandoned is the verdict for a job cancelled before resolution.
func (h *Host) abandoned(usage *models.Usage) models.Verdict {
	return models.InternalError("abandoned before completion", *usage)
}
