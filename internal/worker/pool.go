package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/strandchain/pvfhost/pkg/models"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// PoolConfig contains configuration options for one per-phase pool.
type PoolConfig struct {
	// Phase is the pipeline stage this pool serves.
	Phase models.WorkerPhase
	// Capacity is the ceiling on concurrently live workers.
	Capacity int
	// JobQuota retires a worker after this many jobs.
	JobQuota int
	// SpawnTimeout bounds process startup plus the version handshake.
	SpawnTimeout time.Duration
	// KillGrace is the delay between stdin close and SIGKILL on retirement.
	KillGrace time.Duration
	// HostVersion is matched against each worker's hello frame.
	HostVersion string
	// Spawner creates the worker processes.
	Spawner Spawner
}

// Pool owns a bounded set of worker processes for one phase. Acquire
// applies backpressure: callers queue on the capacity semaphore instead of
// triggering unbounded spawning. Job assignment and pool-size bookkeeping
// are atomic with respect to each other, so the pool can never
// oversubscribe.
type Pool struct {
	cfg PoolConfig

	// slots is the capacity semaphore; holding a token entitles the caller
	// to exactly one live worker.
	slots chan struct{}

	mu     sync.Mutex
	idle   []*Worker
	closed bool
}

// NewPool creates a Pool. Workers are spawned lazily on demand.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &Pool{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.Capacity),
	}
}

// Acquire returns a healthy worker, blocking while the pool is saturated.
// An idle worker under its job quota is reused; otherwise a fresh process
// is spawned and version-checked.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.slots
			return nil, ErrPoolClosed
		}
		var w *Worker
		if n := len(p.idle); n > 0 {
			w = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if w == nil {
			return p.spawn(ctx)
		}
		// Idle workers age out against the quota too; retire and try again.
		if p.cfg.JobQuota > 0 && w.JobsServed() >= p.cfg.JobQuota {
			w.Retire()
			continue
		}
		return w, nil
	}
}

// Release returns a worker after a job. Only a worker that responded
// normally and is under quota goes back to the idle set; everything else
// is killed, and the freed slot lets the next Acquire spawn a replacement.
func (p *Pool) Release(w *Worker, outcome Outcome) {
	defer func() { <-p.slots }()

	if !outcome.WorkerReusable() {
		log.Printf("[pool:%s] worker %s not reusable after %s, killing", p.cfg.Phase, w.ID, outcome.Kind)
		w.Terminate()
		return
	}
	if p.cfg.JobQuota > 0 && w.JobsServed() >= p.cfg.JobQuota {
		log.Printf("[pool:%s] worker %s reached job quota (%d), retiring", p.cfg.Phase, w.ID, w.JobsServed())
		w.Retire()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Retire()
		return
	}
	w.setState(models.WorkerIdle)
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// spawn starts and handshakes a fresh worker. The caller already holds a
// slot token; it is returned on failure.
func (p *Pool) spawn(ctx context.Context) (*Worker, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()

	proc, err := p.cfg.Spawner.Spawn(context.Background(), p.cfg.Phase)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("spawn %s worker: %w", p.cfg.Phase, err)
	}

	w := &Worker{
		ID:        newWorkerID(),
		Phase:     p.cfg.Phase,
		proc:      proc,
		killGrace: p.cfg.KillGrace,
		state:     models.WorkerSpawning,
	}

	if err := handshake(spawnCtx, w, p.cfg.HostVersion); err != nil {
		w.Terminate()
		<-p.slots
		return nil, err
	}

	log.Printf("[pool:%s] spawned worker %s (pid %d)", p.cfg.Phase, w.ID, w.PID)
	return w, nil
}

// IdleCount returns the number of idle workers, for diagnostics and tests.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close retires all idle workers and fails future Acquires. Busy workers
// are owned by their in-flight jobs; the host kills them through job
// cancellation during drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		w.Retire()
	}
}

// Manager bundles the two per-phase pools behind one handle. It is an
// explicitly owned object passed to the scheduler, never ambient state.
type Manager struct {
	prepare *Pool
	execute *Pool
}

// NewManager creates the per-phase pools.
func NewManager(prepare, execute *Pool) *Manager {
	return &Manager{prepare: prepare, execute: execute}
}

// Get returns the pool for a phase.
func (m *Manager) Get(phase models.WorkerPhase) *Pool {
	if phase == models.PhasePrepare {
		return m.prepare
	}
	return m.execute
}

// Close closes both pools.
func (m *Manager) Close() {
	m.prepare.Close()
	m.execute.Close()
}
