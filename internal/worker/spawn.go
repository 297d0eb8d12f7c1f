package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"

	"github.com/strandchain/pvfhost/pkg/models"
)

// Process is the host's handle on a spawned worker process. Implementations
// other than ExecSpawner exist only in tests.
type Process interface {
	// Writer is the request channel into the worker.
	Writer() io.Writer
	// Reader is the response channel out of the worker.
	Reader() io.Reader
	// CloseStdin signals the worker to finish its current job and exit.
	CloseStdin() error
	// Kill terminates the process immediately.
	Kill() error
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// PID returns the OS process ID, or 0 when not applicable.
	PID() int
}

// Spawner creates worker processes.
type Spawner interface {
	Spawn(ctx context.Context, phase models.WorkerPhase) (Process, error)
}

// ExecSpawner spawns workers by re-executing the host binary with the
// hidden worker subcommand. One binary serves both roles, so host and
// worker versions can only diverge across an upgrade, which the handshake
// catches.
type ExecSpawner struct {
	// BinaryPath is the executable to spawn. Empty selects os.Executable().
	BinaryPath string
	// CacheDir is passed through for the engine's compilation cache.
	CacheDir string
	// WorkDir is the restricted directory the worker runs in.
	WorkDir string
	// CPUBudgetSeconds seeds the worker's kernel CPU limit.
	CPUBudget int64
	// MemoryCeilingBytes seeds the worker's kernel address-space limit.
	MemoryCeilingBytes uint64
}

// Spawn starts one worker process for the given phase.
func (s *ExecSpawner) Spawn(ctx context.Context, phase models.WorkerPhase) (Process, error) {
	bin := s.BinaryPath
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve host binary: %w", err)
		}
		bin = self
	}

	args := []string{
		"worker",
		"--phase", string(phase),
		"--cache-dir", s.CacheDir,
		"--cpu-budget-seconds", fmt.Sprintf("%d", s.CPUBudget),
		"--memory-ceiling-bytes", fmt.Sprintf("%d", s.MemoryCeilingBytes),
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	// Minimal environment: the worker gets no credentials or host paths.
	cmd.Env = []string{"PATH=/usr/bin:/bin"}
	// Own process group so host signals never reach workers and vice versa.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	// Surface worker stderr in the host log, line by line, for crash
	// forensics.
	go forwardStderr(phase, cmd.Process.Pid, stderr)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// forwardStderr copies worker stderr lines into the host log.
func forwardStderr(phase models.WorkerPhase, pid int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("[worker:%s:%d] %s", phase, pid, scanner.Text())
	}
}

// execProcess implements Process over os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Writer() io.Writer { return p.stdin }
func (p *execProcess) Reader() io.Reader { return p.stdout }
func (p *execProcess) CloseStdin() error { return p.stdin.Close() }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) PID() int          { return p.cmd.Process.Pid }

// Verify execProcess implements Process at compile time.
var _ Process = (*execProcess)(nil)
