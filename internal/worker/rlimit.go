package worker

import (
	"fmt"
	"syscall"
	"time"
)

// ApplySelfLimits installs OS-enforced resource limits on the current
// process. Called once at worker startup, underneath the per-job
// application-level budgets: even if the watchdog logic is subverted, the
// kernel terminates the worker (SIGXCPU, then SIGKILL at the hard limit).
func ApplySelfLimits(cpuBudget time.Duration, memoryCeilingBytes uint64) error {
	if cpuBudget > 0 {
		// One extra second of soft headroom so the in-process watchdog gets
		// to report a classified timeout before the kernel steps in.
		soft := uint64(cpuBudget/time.Second) + 1
		limit := syscall.Rlimit{Cur: soft, Max: soft + 1}
		if err := syscall.Setrlimit(syscall.RLIMIT_CPU, &limit); err != nil {
			return fmt.Errorf("setrlimit cpu: %w", err)
		}
	}

	if memoryCeilingBytes > 0 {
		limit := syscall.Rlimit{Cur: memoryCeilingBytes, Max: memoryCeilingBytes}
		if err := syscall.Setrlimit(syscall.RLIMIT_AS, &limit); err != nil {
			return fmt.Errorf("setrlimit address space: %w", err)
		}
	}

	// Workers must not write anywhere except their designated artifact
	// path; cap file size as a backstop against a compromised runtime
	// filling the disk.
	fsize := syscall.Rlimit{Cur: 1 << 31, Max: 1 << 31}
	if err := syscall.Setrlimit(syscall.RLIMIT_FSIZE, &fsize); err != nil {
		return fmt.Errorf("setrlimit fsize: %w", err)
	}

	return nil
}
