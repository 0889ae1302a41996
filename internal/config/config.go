// Package config provides configuration loading and validation for hive.
//
// Configuration is read from .hive/config.yaml with HIVE_* environment
// variable overrides. All durations are stored in their natural units in
// the file (seconds/minutes) to keep the YAML obvious.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HiveDir is the per-project directory holding the database, config,
// workspaces and logs.
const HiveDir = ".hive"

// Role names for worker processes. Unknown roles are coerced to backend.
const (
	RoleBackend      = "backend"
	RoleFrontend     = "frontend"
	RoleInfra        = "infra"
	RoleOrchestrator = "orchestrator"
)

// WorkerRoles lists the spawnable worker roles (orchestrator is the queen
// itself and never spawned as a child).
var WorkerRoles = []string{RoleBackend, RoleFrontend, RoleInfra}

// KnownRole reports whether role is a spawnable worker role.
func KnownRole(role string) bool {
	for _, r := range WorkerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// StoreConfig defines persistence settings.
type StoreConfig struct {
	// Path is the database file path, relative to the project root
	// (default: .hive/hive.db). Ignored when Dialect is postgres.
	Path string `yaml:"path" mapstructure:"path"`

	// Dialect selects the backend: "sqlite" (default) or "postgres".
	Dialect string `yaml:"dialect" mapstructure:"dialect"`

	// DSN is the connection string for postgres.
	DSN string `yaml:"dsn,omitempty" mapstructure:"dsn"`

	// MaxConns bounds the connection pool (default: 10).
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns"`

	// AcquireTimeoutSeconds bounds how long a caller blocks waiting for a
	// pooled connection before failing (default: 30).
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds" mapstructure:"acquire_timeout_seconds"`
}

// QueenConfig defines scheduling loop settings.
type QueenConfig struct {
	// MaxParallelPerRole caps concurrently running workers per role.
	MaxParallelPerRole map[string]int `yaml:"max_parallel_per_role" mapstructure:"max_parallel_per_role"`

	// TaskRetryLimit is the default retry budget when a task does not
	// declare its own max_retries (default: 2).
	TaskRetryLimit int `yaml:"task_retry_limit" mapstructure:"task_retry_limit"`

	// StatusRefreshSeconds is the scheduling tick interval (default: 10).
	StatusRefreshSeconds int `yaml:"status_refresh_seconds" mapstructure:"status_refresh_seconds"`

	// ZombieDetectionMinutes is the age after which an in_progress task
	// with no supervising worker is reset to queued (default: 5).
	ZombieDetectionMinutes int `yaml:"zombie_detection_minutes" mapstructure:"zombie_detection_minutes"`
}

// WorkerConfig defines worker process settings.
type WorkerConfig struct {
	// TimeoutSeconds is the hard wall-clock limit for one agent run
	// (default: 600).
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`

	// KillGraceSeconds is how long to wait after terminate before a hard
	// kill (default: 30).
	KillGraceSeconds int `yaml:"kill_grace_seconds" mapstructure:"kill_grace_seconds"`

	// WorkspacesDir is where scratch workspaces and worktrees live,
	// relative to the project root (default: .hive/workspaces).
	WorkspacesDir string `yaml:"workspaces_dir" mapstructure:"workspaces_dir"`

	// DefaultMode is the workspace mode when a task payload does not name
	// one: "repo" or "fresh" (default: repo).
	DefaultMode string `yaml:"default_mode" mapstructure:"default_mode"`

	// Debug makes pre-flight isolation check failures fatal instead of
	// warnings.
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// AgentConfig defines how the external CLI agent is located and invoked.
type AgentConfig struct {
	// Path is an explicit path to the agent binary. When empty, common
	// install locations and PATH are searched.
	Path string `yaml:"path,omitempty" mapstructure:"path"`

	// Model is passed through to the agent when set.
	Model string `yaml:"model,omitempty" mapstructure:"model"`
}

// EventConfig defines event log retention.
type EventConfig struct {
	// RetentionDays is how long events are kept before clear-old-events
	// removes them (default: 30).
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`
}

// PlanConfig defines plan bridge settings.
type PlanConfig struct {
	// CompletedMaxAgeDays is the age after which completed plans and their
	// subtasks are cleaned up (default: 7).
	CompletedMaxAgeDays int `yaml:"completed_max_age_days" mapstructure:"completed_max_age_days"`

	// StatusCacheSeconds is the TTL for the in-process plan status cache
	// (default: 60).
	StatusCacheSeconds int `yaml:"status_cache_seconds" mapstructure:"status_cache_seconds"`
}

// Config is the root configuration for hive.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Queen  QueenConfig  `yaml:"queen" mapstructure:"queen"`
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
	Agent  AgentConfig  `yaml:"agent" mapstructure:"agent"`
	Events EventConfig  `yaml:"events" mapstructure:"events"`
	Plans  PlanConfig   `yaml:"plans" mapstructure:"plans"`

	// ProjectRoot is the directory containing .hive. Resolved at load,
	// never read from the file.
	ProjectRoot string `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:                  filepath.Join(HiveDir, "hive.db"),
			Dialect:               "sqlite",
			MaxConns:              10,
			AcquireTimeoutSeconds: 30,
		},
		Queen: QueenConfig{
			MaxParallelPerRole: map[string]int{
				RoleBackend:  2,
				RoleFrontend: 1,
				RoleInfra:    1,
			},
			TaskRetryLimit:         2,
			StatusRefreshSeconds:   10,
			ZombieDetectionMinutes: 5,
		},
		Worker: WorkerConfig{
			TimeoutSeconds:   600,
			KillGraceSeconds: 30,
			WorkspacesDir:    filepath.Join(HiveDir, "workspaces"),
			DefaultMode:      "repo",
		},
		Events: EventConfig{
			RetentionDays: 30,
		},
		Plans: PlanConfig{
			CompletedMaxAgeDays: 7,
			StatusCacheSeconds:  60,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Store.Dialect != "sqlite" && c.Store.Dialect != "postgres" {
		return fmt.Errorf("store.dialect must be sqlite or postgres, got %q", c.Store.Dialect)
	}
	if c.Store.Dialect == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres")
	}
	if c.Store.MaxConns < 1 {
		return fmt.Errorf("store.max_conns must be >= 1, got %d", c.Store.MaxConns)
	}
	if c.Queen.StatusRefreshSeconds < 1 {
		return fmt.Errorf("queen.status_refresh_seconds must be >= 1, got %d", c.Queen.StatusRefreshSeconds)
	}
	if c.Queen.TaskRetryLimit < 0 {
		return fmt.Errorf("queen.task_retry_limit must be >= 0, got %d", c.Queen.TaskRetryLimit)
	}
	for role, n := range c.Queen.MaxParallelPerRole {
		if !KnownRole(role) {
			return fmt.Errorf("queen.max_parallel_per_role: unknown role %q", role)
		}
		if n < 0 {
			return fmt.Errorf("queen.max_parallel_per_role.%s must be >= 0, got %d", role, n)
		}
	}
	if c.Worker.TimeoutSeconds < 1 {
		return fmt.Errorf("worker.timeout_seconds must be >= 1, got %d", c.Worker.TimeoutSeconds)
	}
	if c.Worker.DefaultMode != "repo" && c.Worker.DefaultMode != "fresh" {
		return fmt.Errorf("worker.default_mode must be repo or fresh, got %q", c.Worker.DefaultMode)
	}
	return nil
}

// TotalSlots returns the sum of all per-role parallelism caps.
func (c *Config) TotalSlots() int {
	total := 0
	for _, n := range c.Queen.MaxParallelPerRole {
		total += n
	}
	return total
}

// RoleCap returns the parallelism cap for a role (0 when unconfigured).
func (c *Config) RoleCap(role string) int {
	return c.Queen.MaxParallelPerRole[role]
}

// TickInterval returns the scheduling tick interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Queen.StatusRefreshSeconds) * time.Second
}

// ZombieAge returns the zombie detection threshold.
func (c *Config) ZombieAge() time.Duration {
	return time.Duration(c.Queen.ZombieDetectionMinutes) * time.Minute
}

// WorkerTimeout returns the hard per-run wall-clock limit.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// KillGrace returns the terminate-to-kill grace period.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Worker.KillGraceSeconds) * time.Second
}

// DBPath returns the absolute database path for the sqlite dialect.
func (c *Config) DBPath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.ProjectRoot, c.Store.Path)
}

// WorkspacesRoot returns the absolute workspaces directory.
func (c *Config) WorkspacesRoot() string {
	if filepath.IsAbs(c.Worker.WorkspacesDir) {
		return c.Worker.WorkspacesDir
	}
	return filepath.Join(c.ProjectRoot, c.Worker.WorkspacesDir)
}

// Initialized reports whether the project has a .hive directory.
func Initialized(projectRoot string) bool {
	info, err := os.Stat(filepath.Join(projectRoot, HiveDir))
	return err == nil && info.IsDir()
}
