package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/strandchain/pvfhost/internal/artifacts"
	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

// prepResult is the outcome of obtaining an artifact for an identity.
type prepResult struct {
	// artifact is set when state is Ready or FailedPermanent.
	artifact models.Artifact
	// transientReason is set when no cachable outcome was reached; the
	// caller maps it to InternalError / PrecheckFailed.
	transientReason string
	// err is a context error when the caller was cancelled mid-wait.
	err error
}

// obtainArtifact drives an identity to a cached outcome: Ready, a permanent
// tombstone, or a transient failure. Concurrent callers for the same
// identity coalesce onto one preparation; only the claiming caller spends a
// preparer worker.
func (h *Host) obtainArtifact(ctx context.Context, identity models.CodeIdentity, code []byte, cpuBudget time.Duration, precheck bool, usage *models.Usage, setStatus func(models.JobStatus)) prepResult {
	for {
		if a, ok := h.cache.Lookup(identity); ok {
			switch a.State {
			case models.ArtifactStateReady, models.ArtifactStateFailedPermanent:
				return prepResult{artifact: a}
			}
		}

		a, claimed, flight, err := h.cache.BeginPreparing(identity)
		if err != nil {
			return prepResult{transientReason: fmt.Sprintf("cache: %v", err)}
		}

		if !claimed {
			switch a.State {
			case models.ArtifactStateReady, models.ArtifactStateFailedPermanent:
				return prepResult{artifact: a}
			}
			// A preparation is in flight; its flight channel closes when the
			// leader finishes, then the loop re-reads the cached outcome.
			debugLog("coalescing onto in-flight preparation of %s", identity.Short())
			if setStatus != nil {
				setStatus(models.JobStatusPreparing)
			}
			select {
			case <-flight:
				continue
			case <-ctx.Done():
				return prepResult{err: ctx.Err()}
			}
		}

		// This caller owns the preparation; Install or MarkFailed wakes the
		// coalesced waiters.
		debugLog("preparation of %s claimed", identity.Short())
		if setStatus != nil {
			setStatus(models.JobStatusPreparing)
		}

		if len(code) == 0 {
			// Identity-only submission missed the cache; nothing to compile.
			if err := h.cache.MarkFailed(identity, false, "code unavailable"); err != nil {
				log.Printf("[host] mark failed %s: %v", identity.Short(), err)
			}
			return prepResult{transientReason: "artifact missing and no code supplied"}
		}

		out := h.prepareArtifact(ctx, identity, code, cpuBudget, precheck, usage)
		if !out.installed {
			permanent := out.permanent
			reason := out.reason
			if out.err != nil {
				reason = "preparation abandoned"
			}
			if err := h.cache.MarkFailed(identity, permanent, reason); err != nil {
				log.Printf("[host] mark failed %s: %v", identity.Short(), err)
			}
		}

		switch {
		case out.err != nil:
			return prepResult{err: out.err}
		case out.installed, out.permanent:
			continue // loop re-reads the cached outcome
		default:
			return prepResult{transientReason: out.reason}
		}
	}
}

// prepOutcome is one preparation's classified ending.
type prepOutcome struct {
	installed bool
	permanent bool
	reason    string
	err       error
}

// prepareArtifact runs the preparation attempt loop: acquire a preparer,
// compile, verify, install. Transient faults retry on a fresh worker with
// backoff; structural failures return immediately as permanent.
func (h *Host) prepareArtifact(ctx context.Context, identity models.CodeIdentity, code []byte, cpuBudget time.Duration, precheck bool, usage *models.Usage) prepOutcome {
	pool := h.pools.Get(models.PhasePrepare)
	maxAttempts := 1 + h.cfg.Retry.PrepareRetries
	lastReason := "no preparer available"

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("[host] preparation of %s retrying (%d/%d) after: %s", identity.Short(), attempt-1, maxAttempts-1, lastReason)
			if err := sleepBackoff(ctx, h.cfg.Retry, attempt-1); err != nil {
				return prepOutcome{err: err}
			}
		}

		w, err := pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return prepOutcome{err: ctx.Err()}
			}
			if errors.Is(err, worker.ErrPoolClosed) {
				return prepOutcome{reason: "preparer pool closed"}
			}
			lastReason = fmt.Sprintf("spawn preparer: %v", err)
			continue
		}

		tmp := h.cache.TempArtifactPath(identity)
		req := ipc.PrepareRequest{
			Code:               code,
			ArtifactPath:       tmp,
			CPUBudgetMillis:    cpuBudget.Milliseconds(),
			MemoryCeilingBytes: h.cfg.Budgets.PrepareMemoryBytes,
			Precheck:           precheck,
		}

		// CPU budget is the binding bound; the wall deadline is a backstop
		// against a worker that stops consuming CPU without replying.
		start := time.Now()
		rtCtx, cancel := context.WithTimeout(ctx, cpuBudget+10*time.Second)
		env, outcome := w.RoundTrip(rtCtx, ipc.KindPrepareRequest, req, ipc.KindPrepareResponse)
		cancel()
		pool.Release(w, outcome)

		switch outcome.Kind {
		case worker.OutcomeResponded:
			resp := ipc.PrepareResponse{}
			if err := env.Decode(&resp); err != nil {
				lastReason = fmt.Sprintf("malformed prepare response: %v", err)
				continue
			}
			usage.Add(resp.Usage)

			if !resp.OK {
				if resp.ErrorKind.Permanent() {
					return prepOutcome{permanent: true, reason: resp.Error}
				}
				lastReason = fmt.Sprintf("%s: %s", resp.ErrorKind, resp.Error)
				continue
			}
			if cpuBudget > 0 && resp.Usage.CPUTime > cpuBudget {
				// The worker finished but over budget; the verdict must not
				// depend on how late the watchdog fired.
				os.Remove(tmp)
				lastReason = "cpu budget exceeded"
				continue
			}

			if _, err := h.cache.Install(identity, tmp, resp.Checksum, resp.SizeBytes); err != nil {
				if errors.Is(err, artifacts.ErrChecksumMismatch) {
					lastReason = "artifact checksum mismatch"
				} else {
					lastReason = fmt.Sprintf("install artifact: %v", err)
				}
				continue
			}
			return prepOutcome{installed: true}

		case worker.OutcomeHostShutdown:
			os.Remove(tmp)
			return prepOutcome{err: outcome.Err}

		default:
			os.Remove(tmp)
			usage.Add(models.Usage{WallTime: time.Since(start), Attempts: 1})
			lastReason = fmt.Sprintf("preparer %s", outcome.Kind)
			if outcome.Detail != "" {
				lastReason += " (" + outcome.Detail + ")"
			}
		}
	}

	return prepOutcome{reason: lastReason}
}
