package worker

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/pkg/models"
)

var errPipeKilled = errors.New("in-process worker killed")

// InProcessSpawner runs the worker loop inside the host process over pipes
// instead of spawning an OS process. There is no isolation: kernel resource
// limits and crash containment are absent, so this mode is only for smoke
// runs against trusted code and for tests.
type InProcessSpawner struct {
	// Engine executes the jobs.
	Engine wasm.Engine
	// Version is reported in the hello frame.
	Version string
}

// Spawn starts one in-process worker loop.
func (s *InProcessSpawner) Spawn(_ context.Context, phase models.WorkerPhase) (Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &pipeProcess{stdinW: inW, stdoutR: outR, done: make(chan struct{})}
	go func() {
		p.waitErr = Run(phase, s.Engine, s.Version, inR, outW)
		outW.Close()
		close(p.done)
	}()
	return p, nil
}

// pipeProcess implements Process over an in-process worker goroutine.
type pipeProcess struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader

	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func (p *pipeProcess) Writer() io.Writer { return p.stdinW }
func (p *pipeProcess) Reader() io.Reader { return p.stdoutR }
func (p *pipeProcess) CloseStdin() error { return p.stdinW.Close() }

func (p *pipeProcess) Kill() error {
	p.killOnce.Do(func() {
		p.stdinW.CloseWithError(errPipeKilled)
		p.stdoutR.CloseWithError(errPipeKilled)
	})
	return nil
}

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *pipeProcess) PID() int { return 0 }

var _ Spawner = (*InProcessSpawner)(nil)
