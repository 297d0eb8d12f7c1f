// Package host is the validation host: it accepts validation requests,
// drives the prepare and execute pipelines over the worker pools, and
// delivers exactly one verdict per job. It owns job deduplication, the
// retry policy, and shutdown draining.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandchain/pvfhost/internal/artifacts"
	"github.com/strandchain/pvfhost/internal/config"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

// ErrHostClosed is returned by Submit after Shutdown begins.
var ErrHostClosed = errors.New("validation host closed")

// ErrCodeTooLarge is returned for submissions over the code size bound.
var ErrCodeTooLarge = fmt.Errorf("validation code exceeds %d bytes", models.MaxCodeSize)

// ErrIdentityMismatch is returned when a supplied identity does not hash
// from the supplied code.
var ErrIdentityMismatch = errors.New("identity does not match code hash")

// Host is the validation host.
type Host struct {
	cfg     *config.Config
	cache   *artifacts.Cache
	pools   *worker.Manager
	version string
	gate    *execGate
	trace   *DebugLogger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// New creates a Host over an opened cache and running worker pools. The
// host owns pool shutdown; the caller keeps ownership of the cache.
func New(cfg *config.Config, cache *artifacts.Cache, pools *worker.Manager, version string) *Host {
	trace, err := NewDebugLogger(cfg.Log.DebugPath)
	if err != nil {
		log.Printf("[host] trace log unavailable: %v", err)
		trace = NopLogger()
	}
	setPackageLogger(trace)

	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:       cfg,
		cache:     cache,
		pools:     pools,
		version:   version,
		gate:      newExecGate(),
		trace:     trace,
		baseCtx:   ctx,
		cancelAll: cancel,
		jobs:      make(map[string]*job),
	}
}

// job is the host's bookkeeping for one in-flight validation.
type job struct {
	id          string
	identity    models.CodeIdentity
	code        []byte
	params      []byte
	priority    models.Priority
	limits      models.Limits
	submittedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	status  models.JobStatus
	retries int
	waiters int
	verdict models.Verdict
	done    chan struct{}
}

func (j *job) setStatus(s models.JobStatus) {
	j.mu.Lock()
	if !j.status.Terminal() {
		j.status = s
	}
	j.mu.Unlock()
}

func (j *job) bumpRetries() {
	j.mu.Lock()
	j.retries++
	j.mu.Unlock()
}

// resolve delivers the verdict exactly once.
func (j *job) resolve(v models.Verdict, s models.JobStatus) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = s
	j.verdict = v
	close(j.done)
	j.mu.Unlock()
	j.cancel()
}

// dropWaiter unregisters one waiter. When the last waiter walks away from
// an unresolved job its work is cancelled; nobody will read the verdict.
func (j *job) dropWaiter() {
	j.mu.Lock()
	j.waiters--
	abandon := j.waiters <= 0 && !j.status.Terminal()
	j.mu.Unlock()
	if abandon {
		j.cancel()
	}
}

// snapshot returns the job's externally visible state.
func (j *job) snapshot() models.ExecutionJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return models.ExecutionJob{
		ID:          j.id,
		Identity:    j.identity,
		Priority:    j.priority,
		Status:      j.status,
		RetryCount:  j.retries,
		SubmittedAt: j.submittedAt,
	}
}

// Ticket is a caller's handle on a submitted job. Coalesced submissions
// share one job through separate tickets.
type Ticket struct {
	j *job
}

// JobID returns the underlying job's identifier.
func (t *Ticket) JobID() string {
	return t.j.id
}

// Status returns the job's current state machine position.
func (t *Ticket) Status() models.JobStatus {
	t.j.mu.Lock()
	defer t.j.mu.Unlock()
	return t.j.status
}

// Wait blocks until the job resolves or ctx ends. Walking away releases
// this caller's interest; the job is cancelled once no waiters remain.
func (t *Ticket) Wait(ctx context.Context) (models.Verdict, error) {
	select {
	case <-t.j.done:
		t.j.mu.Lock()
		defer t.j.mu.Unlock()
		return t.j.verdict, nil
	case <-ctx.Done():
		t.j.dropWaiter()
		return models.Verdict{}, ctx.Err()
	}
}

// Submit accepts a validation request and returns a ticket for its
// verdict. A request identical to one already in flight (same code
// identity, same parameters) attaches to the existing job instead of
// spending another execution.
func (h *Host) Submit(req *models.ValidationRequest) (*Ticket, error) {
	if len(req.Code) > models.MaxCodeSize {
		return nil, ErrCodeTooLarge
	}
	if req.Priority == "" {
		req.Priority = models.PriorityBacking
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", req.Priority)
	}

	if req.Identity == "" {
		if len(req.Code) == 0 {
			return nil, errors.New("request carries neither code nor identity")
		}
		req.Identity = models.ComputeCodeIdentity(req.Code)
	} else {
		if !req.Identity.Valid() {
			return nil, fmt.Errorf("malformed identity %q", req.Identity)
		}
		if len(req.Code) > 0 && models.ComputeCodeIdentity(req.Code) != req.Identity {
			return nil, ErrIdentityMismatch
		}
	}

	key := req.DedupKey()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}

	if existing, ok := h.jobs[key]; ok {
		existing.mu.Lock()
		if !existing.status.Terminal() {
			existing.waiters++
			existing.mu.Unlock()
			log.Printf("[host] job %s coalesced duplicate submission (%s)", existing.id, existing.identity.Short())
			return &Ticket{j: existing}, nil
		}
		existing.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	j := &job{
		id:          uuid.New().String()[:8],
		identity:    req.Identity,
		code:        req.Code,
		params:      req.Params,
		priority:    req.Priority,
		limits:      h.cfg.LimitsFor(req.Priority, req.Limits),
		submittedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		status:      models.JobStatusQueued,
		waiters:     1,
		done:        make(chan struct{}),
	}
	h.jobs[key] = j
	h.wg.Add(1)

	log.Printf("[host] job %s accepted (%s, %s)", j.id, j.identity.Short(), j.priority)
	go h.run(j, key)

	return &Ticket{j: j}, nil
}

// run executes one job to resolution and unregisters it.
func (h *Host) run(j *job, key string) {
	defer h.wg.Done()

	verdict, status := h.process(j)
	j.resolve(verdict, status)
	debugLog("job %s resolved %s/%s after %s", j.id, status, verdict.Kind, time.Since(j.submittedAt))
	log.Printf("[host] job %s %s: %s (attempts %d, cpu %s)", j.id, status, verdict.Kind, verdict.Usage.Attempts, verdict.Usage.CPUTime)

	h.mu.Lock()
	if h.jobs[key] == j {
		delete(h.jobs, key)
	}
	h.mu.Unlock()
}

// Validate submits a request and blocks for its verdict.
func (h *Host) Validate(ctx context.Context, req *models.ValidationRequest) (models.Verdict, error) {
	t, err := h.Submit(req)
	if err != nil {
		return models.Verdict{}, err
	}
	return t.Wait(ctx)
}

// Precheck compiles code without executing it, for the pre-upgrade vote.
// Valid and Invalid are statements about the code; Failed means the check
// could not complete and says nothing about the code.
func (h *Host) Precheck(ctx context.Context, code []byte) (models.PrecheckOutcome, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return models.PrecheckFailed, ErrHostClosed
	}
	h.mu.Unlock()

	if len(code) == 0 {
		return models.PrecheckFailed, errors.New("empty code")
	}
	if len(code) > models.MaxCodeSize {
		return models.PrecheckInvalid, nil
	}

	identity := models.ComputeCodeIdentity(code)
	usage := &models.Usage{}
	res := h.obtainArtifact(ctx, identity, code, h.cfg.Budgets.PrecheckCPU, true, usage, nil)
	switch {
	case res.err != nil:
		return models.PrecheckFailed, res.err
	case res.transientReason != "":
		return models.PrecheckFailed, errors.New(res.transientReason)
	case res.artifact.State == models.ArtifactStateFailedPermanent:
		return models.PrecheckInvalid, nil
	default:
		return models.PrecheckValid, nil
	}
}

// Jobs returns a snapshot of every in-flight job.
func (h *Host) Jobs() []models.ExecutionJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ExecutionJob, 0, len(h.jobs))
	for _, j := range h.jobs {
		out = append(out, j.snapshot())
	}
	return out
}

// CacheStats reports the artifact cache state.
func (h *Host) CacheStats() artifacts.CacheStats {
	return h.cache.Stats()
}

// Version returns the host build version used in worker handshakes.
func (h *Host) Version() string {
	return h.version
}

// Shutdown stops intake and drains. In-flight jobs get until ctx expires
// to resolve; after that they are cancelled, their workers killed, and
// their waiters receive InternalError. The pools are closed either way.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	inflight := len(h.jobs)
	h.mu.Unlock()

	log.Printf("[host] draining %d in-flight jobs", inflight)
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[host] drain deadline reached, cancelling remaining jobs")
		h.cancelAll()
		<-done
		err = ctx.Err()
	}

	h.pools.Close()
	h.cancelAll()
	h.trace.Close()
	return err
}
