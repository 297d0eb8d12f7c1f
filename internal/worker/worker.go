package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/pkg/models"
)

// Worker is the host-side handle on one live worker process.
type Worker struct {
	// ID is the worker's host-side identifier.
	ID string
	// Phase is the pipeline stage this worker serves.
	Phase models.WorkerPhase
	// PID is the worker's OS process ID.
	PID int

	proc       Process
	killGrace  time.Duration
	jobsServed int

	mu    sync.Mutex
	state models.WorkerState

	reapOnce sync.Once
	waitErr  error
}

// handshake reads and verifies the worker's hello frame. A worker whose
// build version differs from the host's is a stale binary and must never
// serve jobs.
func handshake(ctx context.Context, w *Worker, hostVersion string) error {
	env, outcome := w.read(ctx)
	if outcome.Kind != OutcomeResponded {
		return fmt.Errorf("worker handshake: %s: %v", outcome.Kind, outcome.Err)
	}
	if env.Kind != ipc.KindHello {
		return fmt.Errorf("worker handshake: unexpected %s frame", env.Kind)
	}

	hello := ipc.Hello{}
	if err := env.Decode(&hello); err != nil {
		return fmt.Errorf("worker handshake: %w", err)
	}
	if hello.Version != hostVersion {
		return fmt.Errorf("worker handshake: version %q does not match host %q", hello.Version, hostVersion)
	}
	if hello.Phase != w.Phase {
		return fmt.Errorf("worker handshake: phase %q does not match %q", hello.Phase, w.Phase)
	}

	w.PID = hello.PID
	w.setState(models.WorkerIdle)
	return nil
}

// State returns the worker's lifecycle state.
func (w *Worker) State() models.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s models.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// JobsServed returns how many jobs this worker has completed.
func (w *Worker) JobsServed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobsServed
}

func (w *Worker) recordJob() {
	w.mu.Lock()
	w.jobsServed++
	w.mu.Unlock()
}

// RoundTrip sends one request frame and awaits the matching response kind.
// Context expiry kills the worker: a job that overruns its deadline leaves
// an adversarial process behind, and a leaked worker is a resource-
// exhaustion risk. The worker is never reusable after a non-Responded
// outcome.
func (w *Worker) RoundTrip(ctx context.Context, kind ipc.MessageKind, payload any, want ipc.MessageKind) (*ipc.Envelope, Outcome) {
	w.setState(models.WorkerBusy)

	if err := ipc.Send(w.proc.Writer(), kind, payload); err != nil {
		w.Terminate()
		return nil, classifyExit(w.reap())
	}

	env, outcome := w.read(ctx)
	if outcome.Kind != OutcomeResponded {
		return nil, outcome
	}
	if env.Kind != want {
		w.Terminate()
		return nil, Outcome{Kind: OutcomeProtocolViolation, Detail: fmt.Sprintf("got %s frame, want %s", env.Kind, want)}
	}

	w.recordJob()
	return env, respondedOutcome()
}

// read awaits one frame, racing the context.
func (w *Worker) read(ctx context.Context) (*ipc.Envelope, Outcome) {
	type readResult struct {
		env *ipc.Envelope
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		env, err := ipc.ReadFrame(w.proc.Reader())
		ch <- readResult{env, err}
	}()

	select {
	case <-ctx.Done():
		w.Terminate()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, Outcome{Kind: OutcomeTimeout, Err: ctx.Err()}
		}
		return nil, Outcome{Kind: OutcomeHostShutdown, Err: ctx.Err()}

	case r := <-ch:
		if r.err == io.EOF {
			// Worker exited instead of replying; the exit status says why.
			return nil, classifyExit(w.reap())
		}
		if r.err != nil {
			w.Terminate()
			return nil, Outcome{Kind: OutcomeProtocolViolation, Err: r.err}
		}
		return r.env, respondedOutcome()
	}
}

// Retire asks the worker to exit cleanly: stdin close ends its loop. Falls
// back to SIGKILL after the grace period.
func (w *Worker) Retire() {
	w.setState(models.WorkerDying)
	_ = w.proc.CloseStdin()

	done := make(chan struct{})
	go func() {
		w.reap()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.killGrace):
		_ = w.proc.Kill()
		<-done
	}
}

// Terminate kills the worker immediately and reaps it. Always safe: a
// worker holds no externally visible state beyond the cache, which the
// host mutates only on success.
func (w *Worker) Terminate() {
	w.setState(models.WorkerDying)
	_ = w.proc.Kill()
	w.reap()
}

// reap collects the exit status exactly once.
func (w *Worker) reap() error {
	w.reapOnce.Do(func() {
		w.waitErr = w.proc.Wait()
	})
	return w.waitErr
}

// newWorkerID returns a short unique worker identifier.
func newWorkerID() string {
	return uuid.New().String()[:8]
}
