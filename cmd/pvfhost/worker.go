package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strandchain/pvfhost/internal/version"
	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

var (
	workerPhase         string
	workerCacheDir      string
	workerCPUBudgetSecs int64
	workerMemoryCeiling uint64
)

// workerCmd is the entrypoint the host re-execs for each sandboxed worker.
// It is hidden: operators never run it by hand. Kernel resource limits are
// installed before any untrusted bytes are touched; the job loop then
// speaks the framed protocol on stdin/stdout until the host closes stdin.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerPhase, "phase", "", "Pipeline phase: prepare or execute")
	workerCmd.Flags().StringVar(&workerCacheDir, "cache-dir", "", "Compilation cache directory")
	workerCmd.Flags().Int64Var(&workerCPUBudgetSecs, "cpu-budget-seconds", 0, "Kernel CPU limit in seconds")
	workerCmd.Flags().Uint64Var(&workerMemoryCeiling, "memory-ceiling-bytes", 0, "Kernel address-space limit in bytes")
}

func runWorker(cmd *cobra.Command, args []string) error {
	phase := models.WorkerPhase(workerPhase)
	if phase != models.PhasePrepare && phase != models.PhaseExecute {
		return fmt.Errorf("unknown worker phase %q", workerPhase)
	}

	if err := worker.ApplySelfLimits(time.Duration(workerCPUBudgetSecs)*time.Second, workerMemoryCeiling); err != nil {
		return fmt.Errorf("apply resource limits: %w", err)
	}

	engine := wasm.NewWazeroEngine(workerCacheDir)
	return worker.Run(phase, engine, version.Get(), os.Stdin, os.Stdout)
}
