package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.TotalSlots())
	assert.Equal(t, 2, cfg.RoleCap(RoleBackend))
	assert.Equal(t, 0, cfg.RoleCap("bogus"))
	assert.Equal(t, 10*time.Second, cfg.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.ZombieAge())
	assert.Equal(t, 600*time.Second, cfg.WorkerTimeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad dialect", func(c *Config) { c.Store.Dialect = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Store.Dialect = "postgres" }},
		{"zero max conns", func(c *Config) { c.Store.MaxConns = 0 }},
		{"zero tick", func(c *Config) { c.Queen.StatusRefreshSeconds = 0 }},
		{"negative retry limit", func(c *Config) { c.Queen.TaskRetryLimit = -1 }},
		{"unknown role cap", func(c *Config) { c.Queen.MaxParallelPerRole["alien"] = 1 }},
		{"zero worker timeout", func(c *Config) { c.Worker.TimeoutSeconds = 0 }},
		{"bad default mode", func(c *Config) { c.Worker.DefaultMode = "shared" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Store.MaxConns)
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(dir, HiveDir, "hive.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join(dir, HiveDir, "workspaces"), cfg.WorkspacesRoot())
}

func TestLoadPartialFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, HiveDir), 0o755))
	content := []byte("queen:\n  status_refresh_seconds: 3\nworker:\n  timeout_seconds: 120\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, HiveDir, "config.yaml"), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queen.StatusRefreshSeconds)
	assert.Equal(t, 120, cfg.Worker.TimeoutSeconds)
	// Untouched sections keep defaults.
	assert.Equal(t, 2, cfg.Queen.TaskRetryLimit)
	assert.Equal(t, "repo", cfg.Worker.DefaultMode)
}

func TestWriteDefaultIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDefault(dir))

	path := filepath.Join(dir, HiveDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  timeout_seconds: 42\n"), 0o644))

	// Second call must not clobber the edited file.
	require.NoError(t, WriteDefault(dir))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Worker.TimeoutSeconds)
}

func TestInitialized(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Initialized(dir))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, HiveDir), 0o755))
	assert.True(t, Initialized(dir))
}

func TestKnownRole(t *testing.T) {
	t.Parallel()

	assert.True(t, KnownRole(RoleBackend))
	assert.True(t, KnownRole(RoleFrontend))
	assert.True(t, KnownRole(RoleInfra))
	assert.False(t, KnownRole(RoleOrchestrator))
	assert.False(t, KnownRole("fullstack"))
}
