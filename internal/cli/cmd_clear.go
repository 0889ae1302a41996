package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/config"
	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/git"
)

// newClearCmd creates the clear command
func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <task_id>",
		Short: "Remove a task's workspace, results and logs, then requeue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireInit(cfg); err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id := args[0]
			task, err := store.GetTask(id)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %s not found", id)
			}

			removed := clearTaskArtifacts(cfg, id)
			for _, path := range removed {
				fmt.Printf("removed %s\n", path)
			}

			if err := store.UpdateTaskStatus(id, db.TaskStatusQueued, map[string]any{
				"assignee":       "",
				"assigned_at":    "",
				"started_at":     "",
				"failure_reason": "",
				"retry_count":    0,
				"worktree":       "",
				"current_phase":  "start",
			}); err != nil {
				return err
			}
			fmt.Printf("Task %s cleared and requeued\n", id)
			return nil
		},
	}
}

// clearTaskArtifacts removes every on-disk artifact of a task: per-role
// workspaces, result files and run logs. Returns what it removed.
func clearTaskArtifacts(cfg *config.Config, taskID string) []string {
	safeID := git.SafeID(taskID)
	var removed []string

	for _, role := range config.WorkerRoles {
		ws := filepath.Join(cfg.WorkspacesRoot(), role, safeID)
		if _, err := os.Stat(ws); err == nil {
			if err := os.RemoveAll(ws); err == nil {
				removed = append(removed, ws)
			}
		}
	}

	resultsRoot := filepath.Join(cfg.ProjectRoot, config.HiveDir, "results")
	if matches, err := doublestar.FilepathGlob(filepath.Join(resultsRoot, "**", taskID+"*.json")); err == nil {
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				removed = append(removed, m)
			}
		}
	}

	logsDir := filepath.Join(cfg.ProjectRoot, config.HiveDir, "logs", safeID)
	if _, err := os.Stat(logsDir); err == nil {
		if err := os.RemoveAll(logsDir); err == nil {
			removed = append(removed, logsDir)
		}
	}
	return removed
}
