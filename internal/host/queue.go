package host

import (
	"context"
	"sync"
	"time"

	"github.com/strandchain/pvfhost/internal/config"
	"github.com/strandchain/pvfhost/pkg/models"
)

// execGate orders contention for executor slots by priority class. While
// any approval-class job is waiting for a worker, backing-class jobs hold
// back, so the time-sensitive class always reaches the pool semaphore
// first. Running workers are never preempted.
type execGate struct {
	mu       sync.Mutex
	approval int
	clear    chan struct{}
}

func newExecGate() *execGate {
	clear := make(chan struct{})
	close(clear)
	return &execGate{clear: clear}
}

// enter admits a job to executor acquisition. Approval-class jobs pass
// immediately; backing-class jobs block while approvals are waiting.
func (g *execGate) enter(ctx context.Context, p models.Priority) error {
	if p == models.PriorityApproval {
		g.mu.Lock()
		if g.approval == 0 {
			g.clear = make(chan struct{})
		}
		g.approval++
		g.mu.Unlock()
		return nil
	}

	for {
		g.mu.Lock()
		if g.approval == 0 {
			g.mu.Unlock()
			return nil
		}
		ch := g.clear
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// leave releases a job's claim on the gate after it has its worker.
func (g *execGate) leave(p models.Priority) {
	if p != models.PriorityApproval {
		return
	}
	g.mu.Lock()
	g.approval--
	if g.approval == 0 {
		close(g.clear)
	}
	g.mu.Unlock()
}

// backoffDelay returns the delay before retry attempt n (1-indexed),
// doubling from the base up to the cap.
func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if cfg.BackoffMax > 0 && d > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return d
}

// sleepBackoff waits out the retry delay or returns the context error.
func sleepBackoff(ctx context.Context, cfg config.RetryConfig, attempt int) error {
	d := backoffDelay(cfg, attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
