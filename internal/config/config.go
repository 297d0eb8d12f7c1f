// Package config handles configuration loading for the PVF host.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/strandchain/pvfhost/pkg/models"
)

// Config holds all configuration for the PVF host.
type Config struct {
	Pools   PoolsConfig   `mapstructure:"pools"`
	Budgets BudgetsConfig `mapstructure:"budgets"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
}

// PoolsConfig bounds the worker pools.
type PoolsConfig struct {
	// PrepareWorkers is the ceiling on concurrent preparer processes.
	PrepareWorkers int `mapstructure:"prepare_workers"`
	// ExecuteWorkers is the ceiling on concurrent executor processes.
	ExecuteWorkers int `mapstructure:"execute_workers"`
	// WorkerJobQuota is how many jobs one worker may serve before it is
	// retired, bounding cumulative exposure to adversarial state.
	WorkerJobQuota int `mapstructure:"worker_job_quota"`
	// SpawnTimeout bounds process startup plus the version handshake.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	// KillGrace is how long a condemned worker gets between stdin close and
	// SIGKILL.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// BudgetsConfig holds the per-phase resource budgets.
type BudgetsConfig struct {
	// PrepareCPU bounds compilation CPU time.
	PrepareCPU time.Duration `mapstructure:"prepare_cpu"`
	// PrecheckCPU bounds prepare-only (pre-upgrade) compilation CPU time.
	PrecheckCPU time.Duration `mapstructure:"precheck_cpu"`
	// ExecWallBacking is the wall-clock budget for backing-class jobs.
	ExecWallBacking time.Duration `mapstructure:"exec_wall_backing"`
	// ExecWallApproval is the wall-clock budget for approval/dispute jobs.
	ExecWallApproval time.Duration `mapstructure:"exec_wall_approval"`
	// ExecCPUBacking is the CPU budget for backing-class jobs.
	ExecCPUBacking time.Duration `mapstructure:"exec_cpu_backing"`
	// ExecCPUApproval is the CPU budget for approval/dispute jobs.
	ExecCPUApproval time.Duration `mapstructure:"exec_cpu_approval"`
	// PrepareMemoryBytes is the address-space ceiling for preparer workers.
	PrepareMemoryBytes uint64 `mapstructure:"prepare_memory_bytes"`
	// ExecuteMemoryBytes is the address-space ceiling for executor workers.
	ExecuteMemoryBytes uint64 `mapstructure:"execute_memory_bytes"`
}

// RetryConfig holds the transient-fault retry policy.
type RetryConfig struct {
	// ExecuteRetries is the retry ceiling for transient execution faults.
	ExecuteRetries int `mapstructure:"execute_retries"`
	// PrepareRetries is the retry ceiling for transient preparation faults.
	PrepareRetries int `mapstructure:"prepare_retries"`
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffMax caps the delay growth.
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig bounds the on-disk artifact cache.
type CacheConfig struct {
	// Dir is the artifact cache directory. Empty selects the XDG data path.
	Dir string `mapstructure:"dir"`
	// MaxBytes is the total on-disk size bound for Ready artifacts.
	MaxBytes int64 `mapstructure:"max_bytes"`
	// MaxEntries is the entry-count bound for Ready artifacts.
	MaxEntries int `mapstructure:"max_entries"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// DebugPath is the scheduler trace log file. Empty disables tracing.
	DebugPath string `mapstructure:"debug_path"`
}

// LimitsFor resolves the effective resource bounds for a job: explicit
// request overrides where non-zero, configured defaults for the priority
// class otherwise.
func (c *Config) LimitsFor(priority models.Priority, overrides models.Limits) models.Limits {
	limits := models.Limits{
		PrepareCPUBudget:   c.Budgets.PrepareCPU,
		ExecWallBudget:     c.Budgets.ExecWallBacking,
		ExecCPUBudget:      c.Budgets.ExecCPUBacking,
		MemoryCeilingBytes: c.Budgets.ExecuteMemoryBytes,
	}
	if priority == models.PriorityApproval {
		limits.ExecWallBudget = c.Budgets.ExecWallApproval
		limits.ExecCPUBudget = c.Budgets.ExecCPUApproval
	}

	if overrides.PrepareCPUBudget > 0 {
		limits.PrepareCPUBudget = overrides.PrepareCPUBudget
	}
	if overrides.ExecWallBudget > 0 {
		limits.ExecWallBudget = overrides.ExecWallBudget
	}
	if overrides.ExecCPUBudget > 0 {
		limits.ExecCPUBudget = overrides.ExecCPUBudget
	}
	if overrides.MemoryCeilingBytes > 0 {
		limits.MemoryCeilingBytes = overrides.MemoryCeilingBytes
	}
	return limits
}

// CacheDir returns the configured cache directory, defaulting to the XDG
// data path.
func (c *Config) CacheDir() string {
	if c.Cache.Dir != "" {
		return c.Cache.Dir
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "pvfhost", "artifacts")
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (PVFHOST_*)
// 2. Project config (.pvfhost.yaml in current directory or parent)
// 3. User config (~/.config/pvfhost/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PVFHOST")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// setDefaults configures default values. The budget constants mirror the
// two execution timeout classes: a short budget for backing and a longer
// one for approval/dispute checks.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pools.prepare_workers", 2)
	v.SetDefault("pools.execute_workers", 4)
	v.SetDefault("pools.worker_job_quota", 16)
	v.SetDefault("pools.spawn_timeout", "5s")
	v.SetDefault("pools.kill_grace", "2s")

	v.SetDefault("budgets.prepare_cpu", "60s")
	v.SetDefault("budgets.precheck_cpu", "30s")
	v.SetDefault("budgets.exec_wall_backing", "6s")
	v.SetDefault("budgets.exec_wall_approval", "24s")
	v.SetDefault("budgets.exec_cpu_backing", "4s")
	v.SetDefault("budgets.exec_cpu_approval", "12s")
	v.SetDefault("budgets.prepare_memory_bytes", 2<<30)
	v.SetDefault("budgets.execute_memory_bytes", 1<<30)

	v.SetDefault("retry.execute_retries", 2)
	v.SetDefault("retry.prepare_retries", 1)
	v.SetDefault("retry.backoff_base", "100ms")
	v.SetDefault("retry.backoff_max", "2s")

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.max_bytes", 10<<30)
	v.SetDefault("cache.max_entries", 256)

	v.SetDefault("log.debug_path", "")
}

// getUserConfigDir returns the XDG config directory for the host.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pvfhost")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "pvfhost")
	}
	return filepath.Join(home, ".config", "pvfhost")
}

// findProjectConfig searches for .pvfhost.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".pvfhost.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Pools: PoolsConfig{
			PrepareWorkers: 2,
			ExecuteWorkers: 4,
			WorkerJobQuota: 16,
			SpawnTimeout:   5 * time.Second,
			KillGrace:      2 * time.Second,
		},
		Budgets: BudgetsConfig{
			PrepareCPU:         60 * time.Second,
			PrecheckCPU:        30 * time.Second,
			ExecWallBacking:    6 * time.Second,
			ExecWallApproval:   24 * time.Second,
			ExecCPUBacking:     4 * time.Second,
			ExecCPUApproval:    12 * time.Second,
			PrepareMemoryBytes: 2 << 30,
			ExecuteMemoryBytes: 1 << 30,
		},
		Retry: RetryConfig{
			ExecuteRetries: 2,
			PrepareRetries: 1,
			BackoffBase:    100 * time.Millisecond,
			BackoffMax:     2 * time.Second,
		},
		Cache: CacheConfig{
			MaxBytes:   10 << 30,
			MaxEntries: 256,
		},
	}
}
