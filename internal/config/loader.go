package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration for the project rooted at projectRoot.
// A missing config file is not an error; defaults apply. HIVE_* environment
// variables override file values (e.g. HIVE_WORKER_TIMEOUT_SECONDS).
func Load(projectRoot string) (*Config, error) {
	return LoadFile(projectRoot, "")
}

// LoadFile reads configuration from an explicit file path, falling back to
// {projectRoot}/.hive/config.yaml when cfgFile is empty.
func LoadFile(projectRoot, cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(projectRoot, HiveDir))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("HIVE")
	v.AutomaticEnv()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file means defaults; anything else is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ProjectRoot = projectRoot
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers defaults with viper so partial files work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.dialect", cfg.Store.Dialect)
	v.SetDefault("store.max_conns", cfg.Store.MaxConns)
	v.SetDefault("store.acquire_timeout_seconds", cfg.Store.AcquireTimeoutSeconds)
	v.SetDefault("queen.max_parallel_per_role", cfg.Queen.MaxParallelPerRole)
	v.SetDefault("queen.task_retry_limit", cfg.Queen.TaskRetryLimit)
	v.SetDefault("queen.status_refresh_seconds", cfg.Queen.StatusRefreshSeconds)
	v.SetDefault("queen.zombie_detection_minutes", cfg.Queen.ZombieDetectionMinutes)
	v.SetDefault("worker.timeout_seconds", cfg.Worker.TimeoutSeconds)
	v.SetDefault("worker.kill_grace_seconds", cfg.Worker.KillGraceSeconds)
	v.SetDefault("worker.workspaces_dir", cfg.Worker.WorkspacesDir)
	v.SetDefault("worker.default_mode", cfg.Worker.DefaultMode)
	v.SetDefault("worker.debug", cfg.Worker.Debug)
	v.SetDefault("agent.path", cfg.Agent.Path)
	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("events.retention_days", cfg.Events.RetentionDays)
	v.SetDefault("plans.completed_max_age_days", cfg.Plans.CompletedMaxAgeDays)
	v.SetDefault("plans.status_cache_seconds", cfg.Plans.StatusCacheSeconds)
}

// WriteDefault writes the default configuration to
// {projectRoot}/.hive/config.yaml. Used by `hive init`.
func WriteDefault(projectRoot string) error {
	dir := filepath.Join(projectRoot, HiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil // Never clobber an existing config.
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
