package host

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandchain/pvfhost/internal/artifacts"
	"github.com/strandchain/pvfhost/internal/config"
	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

func newTestHost(t *testing.T, engine wasm.Engine, mutate func(*config.Config)) *Host {
	return newTestHostWithExec(t, engine, mutate, nil)
}

// newTestHostWithExec substitutes the executor-side spawner while
// preparations keep running in process. A nil execSpawner selects the
// in-process worker for both phases.
func newTestHostWithExec(t *testing.T, engine wasm.Engine, mutate func(*config.Config), execSpawner worker.Spawner) *Host {
	t.Helper()

	cfg := config.Default()
	cfg.Pools.PrepareWorkers = 2
	cfg.Pools.ExecuteWorkers = 2
	cfg.Pools.SpawnTimeout = 2 * time.Second
	cfg.Pools.KillGrace = 100 * time.Millisecond
	cfg.Retry.BackoffBase = 5 * time.Millisecond
	cfg.Retry.BackoffMax = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	cache, err := artifacts.Open(t.TempDir(), cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	inproc := &worker.InProcessSpawner{Engine: engine, Version: "test"}
	if execSpawner == nil {
		execSpawner = inproc
	}
	newPool := func(phase models.WorkerPhase, capacity int, spawner worker.Spawner) *worker.Pool {
		return worker.NewPool(worker.PoolConfig{
			Phase:        phase,
			Capacity:     capacity,
			JobQuota:     cfg.Pools.WorkerJobQuota,
			SpawnTimeout: cfg.Pools.SpawnTimeout,
			KillGrace:    cfg.Pools.KillGrace,
			HostVersion:  "test",
			Spawner:      spawner,
		})
	}
	pools := worker.NewManager(
		newPool(models.PhasePrepare, cfg.Pools.PrepareWorkers, inproc),
		newPool(models.PhaseExecute, cfg.Pools.ExecuteWorkers, execSpawner),
	)

	h := New(cfg, cache, pools, "test")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown(ctx)
		cache.Close()
	})
	return h
}

func validPVF(body string) []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d}, []byte(body)...)
}

// executorScript is one spawned executor's behavior: its reply to each
// execute request, or nil to die mid-job without replying.
type executorScript func(req ipc.ExecuteRequest) *ipc.ExecuteResponse

// scriptedExecutor spawns protocol-speaking executor workers whose replies
// come from a fixed script, one entry per spawn; the last entry repeats.
type scriptedExecutor struct {
	script []executorScript

	mu     sync.Mutex
	spawns int
}

func (s *scriptedExecutor) Spawn(_ context.Context, phase models.WorkerPhase) (worker.Process, error) {
	s.mu.Lock()
	idx := s.spawns
	s.spawns++
	s.mu.Unlock()
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	behave := s.script[idx]

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &scriptProcess{stdinW: inW, stdoutR: outR, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer outW.Close()
		if err := ipc.Send(outW, ipc.KindHello, ipc.Hello{Version: "test", Phase: phase, PID: idx + 1}); err != nil {
			return
		}
		for {
			env, err := ipc.ReadFrame(inR)
			if err != nil {
				return
			}
			req := ipc.ExecuteRequest{}
			if env.Kind != ipc.KindExecuteRequest || env.Decode(&req) != nil {
				return
			}
			resp := behave(req)
			if resp == nil {
				p.waitErr = errors.New("worker terminated by signal")
				return
			}
			if err := ipc.Send(outW, ipc.KindExecuteResponse, *resp); err != nil {
				return
			}
		}
	}()
	return p, nil
}

func (s *scriptedExecutor) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// scriptProcess adapts a scripted worker goroutine to the process handle
// the pool manages.
type scriptProcess struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader

	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func (p *scriptProcess) Writer() io.Writer { return p.stdinW }
func (p *scriptProcess) Reader() io.Reader { return p.stdoutR }
func (p *scriptProcess) CloseStdin() error { return p.stdinW.Close() }

func (p *scriptProcess) Kill() error {
	p.killOnce.Do(func() {
		p.stdinW.CloseWithError(errors.New("killed"))
		p.stdoutR.CloseWithError(errors.New("killed"))
	})
	return nil
}

func (p *scriptProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *scriptProcess) PID() int { return 0 }

func TestHost_AcceptAndRejectVerdicts(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)
	code := validPVF("pvf-a")

	v, err := h.Validate(context.Background(), &models.ValidationRequest{
		Code:   code,
		Params: []byte("accept:head-data"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictAccept {
		t.Fatalf("kind = %s, want accept (%s)", v.Kind, v.Reason)
	}
	if string(v.Output) != "head-data" {
		t.Errorf("output = %q", v.Output)
	}
	if v.Usage.Attempts < 1 || v.Usage.WallTime <= 0 {
		t.Errorf("usage evidence missing: %+v", v.Usage)
	}

	// Same code, hostile parameters: served from the cached artifact.
	v, err = h.Validate(context.Background(), &models.ValidationRequest{
		Code:   code,
		Params: []byte("reject:bad state transition"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictReject {
		t.Fatalf("kind = %s, want reject", v.Kind)
	}
	if v.Reason != "bad state transition" {
		t.Errorf("reason = %q", v.Reason)
	}

	if stats := h.CacheStats(); stats.Ready != 1 {
		t.Errorf("cache ready = %d, want 1", stats.Ready)
	}
}

func TestHost_MalformedCodeRejectsAndTombstones(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)
	code := []byte("not wasm")

	v, err := h.Validate(context.Background(), &models.ValidationRequest{Code: code, Params: []byte("accept:x")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictReject {
		t.Fatalf("kind = %s, want reject", v.Kind)
	}

	// Second submission resolves from the tombstone.
	v, err = h.Validate(context.Background(), &models.ValidationRequest{Code: code, Params: []byte("accept:y")})
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != models.VerdictReject {
		t.Fatalf("tombstoned code verdict = %s, want reject", v.Kind)
	}
	if stats := h.CacheStats(); stats.Tombstones != 1 {
		t.Errorf("tombstones = %d, want 1", stats.Tombstones)
	}
}

func TestHost_SubmitValidation(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)

	if _, err := h.Submit(&models.ValidationRequest{
		Code: make([]byte, models.MaxCodeSize+1),
	}); !errors.Is(err, ErrCodeTooLarge) {
		t.Errorf("oversized code err = %v, want ErrCodeTooLarge", err)
	}

	if _, err := h.Submit(&models.ValidationRequest{
		Code:     validPVF("pvf-a"),
		Identity: models.ComputeCodeIdentity([]byte("something else")),
	}); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("mismatched identity err = %v, want ErrIdentityMismatch", err)
	}

	if _, err := h.Submit(&models.ValidationRequest{}); err == nil {
		t.Error("empty request must be refused")
	}

	if _, err := h.Submit(&models.ValidationRequest{
		Code:     validPVF("pvf-a"),
		Priority: models.Priority("urgent"),
	}); err == nil {
		t.Error("unknown priority must be refused")
	}
}

func TestHost_DuplicateSubmissionsCoalesce(t *testing.T) {
	engine := &wasm.FakeEngine{ExecuteDelay: 200 * time.Millisecond}
	h := newTestHost(t, engine, nil)
	req := models.ValidationRequest{Code: validPVF("pvf-a"), Params: []byte("accept:out")}

	r1 := req
	t1, err := h.Submit(&r1)
	if err != nil {
		t.Fatal(err)
	}
	r2 := req
	t2, err := h.Submit(&r2)
	if err != nil {
		t.Fatal(err)
	}
	if t1.JobID() != t2.JobID() {
		t.Error("identical in-flight submissions must share one job")
	}

	// Different parameters are a different candidate.
	r3 := models.ValidationRequest{Code: validPVF("pvf-a"), Params: []byte("accept:other")}
	t3, err := h.Submit(&r3)
	if err != nil {
		t.Fatal(err)
	}
	if t3.JobID() == t1.JobID() {
		t.Error("different parameters must not coalesce")
	}

	for _, ticket := range []*Ticket{t1, t2, t3} {
		v, err := ticket.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if v.Kind != models.VerdictAccept {
			t.Errorf("kind = %s", v.Kind)
		}
	}
}

func TestHost_BudgetExhaustionIsInternalErrorNeverReject(t *testing.T) {
	engine := &wasm.FakeEngine{ExecuteDelay: 500 * time.Millisecond}
	h := newTestHost(t, engine, func(cfg *config.Config) {
		cfg.Retry.ExecuteRetries = 1
	})

	v, err := h.Validate(context.Background(), &models.ValidationRequest{
		Code:   validPVF("pvf-a"),
		Params: []byte("accept:out"),
		Limits: models.Limits{ExecWallBudget: 30 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictInternalError {
		t.Fatalf("kind = %s, want internal_error", v.Kind)
	}
	if v.Conclusive() {
		t.Error("exhausted retries must never be conclusive")
	}
}

func TestHost_IdentityOnlySubmissions(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)
	code := validPVF("pvf-a")
	identity := models.ComputeCodeIdentity(code)

	// Cold cache with no code: nothing to compile, no verdict.
	v, err := h.Validate(context.Background(), &models.ValidationRequest{Identity: identity, Params: []byte("accept:x")})
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != models.VerdictInternalError {
		t.Fatalf("cold identity-only verdict = %s, want internal_error", v.Kind)
	}

	// Warm the cache, then identity-only works.
	if _, err := h.Validate(context.Background(), &models.ValidationRequest{Code: code, Params: []byte("accept:warm")}); err != nil {
		t.Fatal(err)
	}
	v, err = h.Validate(context.Background(), &models.ValidationRequest{Identity: identity, Params: []byte("accept:cached")})
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != models.VerdictAccept || string(v.Output) != "cached" {
		t.Errorf("warm identity-only verdict = %s output %q", v.Kind, v.Output)
	}
}

func TestHost_Precheck(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)

	out, err := h.Precheck(context.Background(), validPVF("upgrade"))
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if out != models.PrecheckValid {
		t.Errorf("outcome = %s, want valid", out)
	}

	out, err = h.Precheck(context.Background(), []byte("not wasm"))
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if out != models.PrecheckInvalid {
		t.Errorf("outcome = %s, want invalid", out)
	}

	out, err = h.Precheck(context.Background(), make([]byte, models.MaxCodeSize+1))
	if err != nil {
		t.Fatal(err)
	}
	if out != models.PrecheckInvalid {
		t.Errorf("oversized outcome = %s, want invalid", out)
	}
}

func TestHost_AbandonedWhenAllWaitersLeave(t *testing.T) {
	engine := &wasm.FakeEngine{ExecuteDelay: time.Second}
	h := newTestHost(t, engine, nil)

	req := models.ValidationRequest{Code: validPVF("pvf-a"), Params: []byte("accept:x")}
	ticket, err := h.Submit(&req)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v, want deadline exceeded", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ticket.Status() == models.JobStatusAbandoned {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status = %s, want abandoned", ticket.Status())
}

func TestHost_ShutdownRefusesNewWork(t *testing.T) {
	h := newTestHost(t, wasm.NewFakeEngine(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := h.Submit(&models.ValidationRequest{Code: validPVF("a"), Params: []byte("accept:x")}); !errors.Is(err, ErrHostClosed) {
		t.Errorf("Submit after shutdown err = %v, want ErrHostClosed", err)
	}
	if _, err := h.Precheck(context.Background(), validPVF("a")); !errors.Is(err, ErrHostClosed) {
		t.Errorf("Precheck after shutdown err = %v, want ErrHostClosed", err)
	}
}

func TestHost_OverBudgetRejectIsNeverConclusive(t *testing.T) {
	// A worker whose reported CPU time exceeds the budget produced its
	// disposition outside the sandbox bounds. Accept and Reject alike must
	// take the budget-exceeded retry path: otherwise two validators split
	// on watchdog timing, one abstaining and one voting invalid.
	overBudget := func(req ipc.ExecuteRequest) *ipc.ExecuteResponse {
		return &ipc.ExecuteResponse{
			Result: ipc.ExecuteRejected,
			Reason: "boundary reject",
			Usage: models.Usage{
				CPUTime:  10 * time.Duration(req.CPUBudgetMillis) * time.Millisecond,
				WallTime: time.Millisecond,
				Attempts: 1,
			},
		}
	}
	h := newTestHostWithExec(t, wasm.NewFakeEngine(), func(cfg *config.Config) {
		cfg.Retry.ExecuteRetries = 1
	}, &scriptedExecutor{script: []executorScript{overBudget}})

	v, err := h.Validate(context.Background(), &models.ValidationRequest{
		Code:   validPVF("pvf-a"),
		Params: []byte("accept:x"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictInternalError {
		t.Fatalf("kind = %s (%s), want internal_error", v.Kind, v.Reason)
	}
	if v.Conclusive() {
		t.Error("over-budget reject must never be conclusive")
	}
	if !strings.Contains(v.Reason, "execution budget exceeded") {
		t.Errorf("reason = %q, want execution budget exceeded", v.Reason)
	}

	// The same reply within budget is an authoritative Reject.
	inBudget := func(req ipc.ExecuteRequest) *ipc.ExecuteResponse {
		return &ipc.ExecuteResponse{
			Result: ipc.ExecuteRejected,
			Reason: "bad state transition",
			Usage:  models.Usage{CPUTime: time.Millisecond, WallTime: time.Millisecond, Attempts: 1},
		}
	}
	h2 := newTestHostWithExec(t, wasm.NewFakeEngine(), nil,
		&scriptedExecutor{script: []executorScript{inBudget}})
	v, err = h2.Validate(context.Background(), &models.ValidationRequest{
		Code:   validPVF("pvf-a"),
		Params: []byte("accept:x"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != models.VerdictReject || v.Reason != "bad state transition" {
		t.Errorf("kind = %s reason = %q, want authoritative reject", v.Kind, v.Reason)
	}
}

func TestHost_ExecutorCrashRetriesOnFreshWorker(t *testing.T) {
	// First executor dies mid-job without replying; the retry runs on a
	// freshly spawned worker and resolves normally.
	die := func(req ipc.ExecuteRequest) *ipc.ExecuteResponse { return nil }
	accept := func(req ipc.ExecuteRequest) *ipc.ExecuteResponse {
		return &ipc.ExecuteResponse{
			Result: ipc.ExecuteAccepted,
			Output: []byte("head-data"),
			Usage:  models.Usage{CPUTime: time.Millisecond, WallTime: time.Millisecond, Attempts: 1},
		}
	}
	exec := &scriptedExecutor{script: []executorScript{die, accept}}
	h := newTestHostWithExec(t, wasm.NewFakeEngine(), nil, exec)

	v, err := h.Validate(context.Background(), &models.ValidationRequest{
		Code:   validPVF("pvf-a"),
		Params: []byte("accept:x"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Kind != models.VerdictAccept {
		t.Fatalf("kind = %s (%s), want accept", v.Kind, v.Reason)
	}
	if string(v.Output) != "head-data" {
		t.Errorf("output = %q", v.Output)
	}
	// One preparation, one crashed execution, one successful execution.
	if v.Usage.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", v.Usage.Attempts)
	}
	if got := exec.spawnCount(); got != 2 {
		t.Errorf("executor spawns = %d, want 2 (crashed worker must not be reused)", got)
	}
}

func TestHost_ConcurrentSubmissionsShareOnePreparation(t *testing.T) {
	// Slow compilation forces the second job to wait on the first's
	// preparation rather than claiming its own.
	engine := &wasm.FakeEngine{CompileDelay: 150 * time.Millisecond}
	h := newTestHost(t, engine, nil)
	code := validPVF("pvf-a")

	r1 := models.ValidationRequest{Code: code, Params: []byte("accept:one")}
	r2 := models.ValidationRequest{Code: code, Params: []byte("accept:two")}
	t1, err := h.Submit(&r1)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := h.Submit(&r2)
	if err != nil {
		t.Fatal(err)
	}

	v1, err := t1.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	v2, err := t2.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v1.Kind != models.VerdictAccept || v2.Kind != models.VerdictAccept {
		t.Fatalf("kinds = %s, %s", v1.Kind, v2.Kind)
	}
	if stats := h.CacheStats(); stats.Ready != 1 {
		t.Errorf("ready artifacts = %d, want exactly 1", stats.Ready)
	}
}
