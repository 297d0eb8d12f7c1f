package worker

import (
	"syscall"
	"time"
)

// cpuClock returns the process's consumed CPU time (user plus system).
// The host never trusts what a worker reports (it cross-checks reported
// usage against its budgets), but inside the worker this drives the CPU
// watchdog the same way the supervising process would.
func cpuClock() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return timevalDuration(ru.Utime) + timevalDuration(ru.Stime)
}

// peakRSSBytes returns the process's peak resident set size.
func peakRSSBytes() uint64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Maxrss is reported in kilobytes on Linux.
	return uint64(ru.Maxrss) * 1024
}

func timevalDuration(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}
