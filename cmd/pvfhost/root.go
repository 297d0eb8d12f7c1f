package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strandchain/pvfhost/internal/artifacts"
	"github.com/strandchain/pvfhost/internal/config"
	"github.com/strandchain/pvfhost/internal/host"
	"github.com/strandchain/pvfhost/internal/version"
	"github.com/strandchain/pvfhost/internal/wasm"
	"github.com/strandchain/pvfhost/internal/worker"
	"github.com/strandchain/pvfhost/pkg/models"
)

var (
	rootCacheDir    string
	rootNoIsolation bool
)

var rootCmd = &cobra.Command{
	Use:   "pvfhost",
	Short: "Parachain validation function execution host",
	Long: `pvfhost compiles and executes untrusted WASM validation code in
sandboxed worker processes and returns bounded, deterministic verdicts.

Validation code is identified by its content hash. Compiled artifacts are
cached on disk with integrity checksums; preparation and execution each run
in their own worker process under CPU, wall-clock, and memory budgets.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCacheDir, "cache-dir", "", "Artifact cache directory (default: XDG data path)")
	rootCmd.PersistentFlags().BoolVar(&rootNoIsolation, "no-isolation", false, "Run workers in-process without sandboxing (trusted code only)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(precheckCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if rootCacheDir != "" {
		cfg.Cache.Dir = rootCacheDir
	}
	return cfg, nil
}

// hostHandle bundles a running validation host with its owned resources.
type hostHandle struct {
	Host    *host.Host
	cache   *artifacts.Cache
	watcher *artifacts.Watcher
}

// buildHost opens the cache and worker pools and assembles the host.
func buildHost(cfg *config.Config) (*hostHandle, error) {
	cacheDir := cfg.CacheDir()
	cache, err := artifacts.Open(cacheDir, cfg.Cache.MaxBytes, cfg.Cache.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("open artifact cache: %w", err)
	}

	watcher, err := artifacts.NewWatcher(cache)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("watch cache directory: %w", err)
	}

	buildVersion := version.Get()
	prepareSpawner, executeSpawner := spawners(cfg, cacheDir, buildVersion)

	newPool := func(phase models.WorkerPhase, capacity int, spawner worker.Spawner) *worker.Pool {
		return worker.NewPool(worker.PoolConfig{
			Phase:        phase,
			Capacity:     capacity,
			JobQuota:     cfg.Pools.WorkerJobQuota,
			SpawnTimeout: cfg.Pools.SpawnTimeout,
			KillGrace:    cfg.Pools.KillGrace,
			HostVersion:  buildVersion,
			Spawner:      spawner,
		})
	}
	pools := worker.NewManager(
		newPool(models.PhasePrepare, cfg.Pools.PrepareWorkers, prepareSpawner),
		newPool(models.PhaseExecute, cfg.Pools.ExecuteWorkers, executeSpawner),
	)

	return &hostHandle{
		Host:    host.New(cfg, cache, pools, buildVersion),
		cache:   cache,
		watcher: watcher,
	}, nil
}

// spawners returns the per-phase worker spawners. Prepare workers get the
// larger compilation memory ceiling; both re-exec this binary unless
// isolation is disabled.
func spawners(cfg *config.Config, cacheDir, buildVersion string) (worker.Spawner, worker.Spawner) {
	if rootNoIsolation {
		s := &worker.InProcessSpawner{Engine: wasm.NewWazeroEngine(cacheDir), Version: buildVersion}
		return s, s
	}

	prepare := &worker.ExecSpawner{
		CacheDir:           cacheDir,
		WorkDir:            cacheDir,
		CPUBudget:          int64(cfg.Budgets.PrepareCPU / time.Second),
		MemoryCeilingBytes: cfg.Budgets.PrepareMemoryBytes,
	}
	execute := &worker.ExecSpawner{
		CacheDir:           cacheDir,
		WorkDir:            cacheDir,
		CPUBudget:          int64(cfg.Budgets.ExecCPUApproval / time.Second),
		MemoryCeilingBytes: cfg.Budgets.ExecuteMemoryBytes,
	}
	return prepare, execute
}

// shutdown drains the host and releases its resources.
func (h *hostHandle) shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	h.Host.Shutdown(ctx)
	if h.watcher != nil {
		h.watcher.Close()
	}
	h.cache.Close()
}
