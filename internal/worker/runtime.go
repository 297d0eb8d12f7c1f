// Package worker owns the sandboxed worker processes: the host-side pool
// that spawns, assigns, and kills them, and the worker-side job loops that
// run inside each process.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/strandchain/pvfhost/internal/ipc"
	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/pkg/models"
)

// cpuWatchInterval is how often the in-worker watchdog samples the CPU
// clock and resident set.
const cpuWatchInterval = 25 * time.Millisecond

// Run is the worker-side entrypoint. It announces itself with a version
// handshake, then serves one request frame at a time until the host closes
// stdin. Any protocol irregularity terminates the loop; the host observes
// the exit and classifies it.
func Run(phase models.WorkerPhase, engine wasm.Engine, version string, in io.Reader, out io.Writer) error {
	hello := ipc.Hello{Version: version, Phase: phase, PID: os.Getpid()}
	if err := ipc.Send(out, ipc.KindHello, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		env, err := ipc.ReadFrame(in)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		switch {
		case env.Kind == ipc.KindPrepareRequest && phase == models.PhasePrepare:
			req := ipc.PrepareRequest{}
			if err := env.Decode(&req); err != nil {
				return err
			}
			if err := ipc.Send(out, ipc.KindPrepareResponse, runPrepare(engine, &req)); err != nil {
				return fmt.Errorf("send prepare response: %w", err)
			}

		case env.Kind == ipc.KindExecuteRequest && phase == models.PhaseExecute:
			req := ipc.ExecuteRequest{}
			if err := env.Decode(&req); err != nil {
				return err
			}
			if err := ipc.Send(out, ipc.KindExecuteResponse, runExecute(engine, &req)); err != nil {
				return fmt.Errorf("send execute response: %w", err)
			}

		default:
			return fmt.Errorf("unexpected %s frame in %s worker", env.Kind, phase)
		}
	}
}

// watchdog cancels a job context when the process's CPU clock crosses the
// budget or its resident set crosses the ceiling, independent of wall
// clock. The violated bound is recorded for classification.
type watchdog struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	cpuFired atomic.Bool
	memFired atomic.Bool
}

func startWatchdog(cancel context.CancelFunc, cpuBudget time.Duration, memCeiling uint64, cpuStart time.Duration) *watchdog {
	w := &watchdog{cancel: cancel, stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(cpuWatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if cpuBudget > 0 && cpuClock()-cpuStart >= cpuBudget {
					w.cpuFired.Store(true)
					w.cancel()
					return
				}
				if memCeiling > 0 && peakRSSBytes() >= memCeiling {
					w.memFired.Store(true)
					w.cancel()
					return
				}
			}
		}
	}()
	return w
}

func (w *watchdog) halt() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// runPrepare compiles raw code under the job's budgets and writes the
// artifact to the host-designated temp path.
func runPrepare(engine wasm.Engine, req *ipc.PrepareRequest) ipc.PrepareResponse {
	start := time.Now()
	cpuStart := cpuClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wd := startWatchdog(cancel, time.Duration(req.CPUBudgetMillis)*time.Millisecond, req.MemoryCeilingBytes, cpuStart)

	var artifact []byte
	err := error(nil)
	if req.Precheck {
		err = engine.Precheck(ctx, req.Code)
	}
	if err == nil {
		artifact, err = engine.Compile(ctx, req.Code)
	}
	wd.halt()

	usage := models.Usage{
		CPUTime:         cpuClock() - cpuStart,
		WallTime:        time.Since(start),
		PeakMemoryBytes: peakRSSBytes(),
		Attempts:        1,
	}

	if err != nil {
		return ipc.PrepareResponse{ErrorKind: classifyPrepareError(err, wd), Error: err.Error(), Usage: usage}
	}

	if err := os.WriteFile(req.ArtifactPath, artifact, 0600); err != nil {
		return ipc.PrepareResponse{ErrorKind: ipc.PrepareErrInternal, Error: fmt.Sprintf("write artifact: %v", err), Usage: usage}
	}

	sum := sha256.Sum256(artifact)
	return ipc.PrepareResponse{
		OK:        true,
		Checksum:  hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(artifact)),
		Usage:     usage,
	}
}

// classifyPrepareError maps a compile failure to its wire classification.
func classifyPrepareError(err error, wd *watchdog) ipc.PrepareErrorKind {
	switch {
	case wd.memFired.Load():
		return ipc.PrepareErrMemory
	case wd.cpuFired.Load():
		return ipc.PrepareErrTimeout
	case wasm.IsInvalidModule(err):
		return ipc.PrepareErrInvalid
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ipc.PrepareErrTimeout
	default:
		return ipc.PrepareErrInternal
	}
}

// runExecute runs a prepared artifact under the job's budgets.
func runExecute(engine wasm.Engine, req *ipc.ExecuteRequest) ipc.ExecuteResponse {
	start := time.Now()
	cpuStart := cpuClock()

	usageNow := func() models.Usage {
		return models.Usage{
			CPUTime:         cpuClock() - cpuStart,
			WallTime:        time.Since(start),
			PeakMemoryBytes: peakRSSBytes(),
			Attempts:        1,
		}
	}

	artifact, err := os.ReadFile(req.ArtifactPath)
	if err != nil {
		return ipc.ExecuteResponse{Result: ipc.ExecuteError, Reason: fmt.Sprintf("read artifact: %v", err), Usage: usageNow()}
	}

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if req.WallBudgetMillis > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.WallBudgetMillis)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	wd := startWatchdog(cancel, time.Duration(req.CPUBudgetMillis)*time.Millisecond, req.MemoryCeilingBytes, cpuStart)

	res, err := engine.Execute(ctx, artifact, req.Params)
	wd.halt()
	usage := usageNow()

	switch {
	case err == nil && res.Accepted:
		return ipc.ExecuteResponse{Result: ipc.ExecuteAccepted, Output: res.Output, Usage: usage}
	case err == nil:
		return ipc.ExecuteResponse{Result: ipc.ExecuteRejected, Reason: res.Reason, Usage: usage}
	case wd.cpuFired.Load() || wd.memFired.Load(),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ipc.ExecuteResponse{Result: ipc.ExecuteTimedOut, Reason: err.Error(), Usage: usage}
	default:
		return ipc.ExecuteResponse{Result: ipc.ExecuteError, Reason: err.Error(), Usage: usage}
	}
}
