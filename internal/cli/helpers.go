// Package cli implements the hive command-line interface.
// This file contains shared helpers used across commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/db/driver"
	hiveerrors "github.com/randalmurphal/hive/internal/errors"
	"github.com/randalmurphal/hive/internal/events"
)

// loadConfig resolves configuration for the current working directory,
// honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	if cfgFile != "" {
		return config.LoadFile(root, cfgFile)
	}
	return config.Load(root)
}

// requireInit fails with a hint when the project has no .hive directory.
func requireInit(cfg *config.Config) error {
	if config.Initialized(cfg.ProjectRoot) {
		return nil
	}
	return hiveerrors.New(hiveerrors.CodeNotInitialized, "project is not initialized").
		WithFix("run 'hive init' first")
}

// openStore opens the task store for the configured dialect.
func openStore(cfg *config.Config) (*db.HiveDB, error) {
	var (
		store *db.HiveDB
		err   error
	)
	if cfg.Store.Dialect == "postgres" {
		store, err = db.OpenHiveWithDialect(cfg.Store.DSN, driver.DialectPostgres)
	} else {
		store, err = db.OpenHiveAt(cfg.DBPath())
	}
	if err != nil {
		return nil, err
	}
	store.Configure(cfg.Store)
	return store, nil
}

// openBus builds an event bus bound to the store.
func openBus(store *db.HiveDB, source string) *events.Bus {
	return events.New(store, source, newLogger())
}

// newLogger builds the CLI logger; --verbose lowers the level to debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// stdoutIsTerminal gates color output.
var stdoutIsTerminal = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// colorStatus renders a task or run status with ANSI color on terminals.
func colorStatus(status string) string {
	if !stdoutIsTerminal {
		return status
	}
	switch status {
	case db.TaskStatusCompleted, db.RunStatusSuccess:
		return "\033[32m" + status + "\033[0m"
	case db.TaskStatusFailed, db.RunStatusFailure, db.RunStatusTimeout:
		return "\033[31m" + status + "\033[0m"
	case db.TaskStatusInProgress, db.RunStatusRunning:
		return "\033[33m" + status + "\033[0m"
	case db.TaskStatusReviewPending:
		return "\033[36m" + status + "\033[0m"
	default:
		return status
	}
}
