package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/db"
)

// newResetCmd creates the reset command
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <task_id>",
		Short: "Reset a task to queued and clear its assignment",
		Long: `Reset a task to queued, clearing assignee, timestamps and failure
state. The retry counter is also reset. A worker currently running the
task is not killed; the queen drops its record on the next monitor pass.`,
		Args: cobra.ExactArgs(1),
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
			if err := store.UpdateTaskStatus(id, db.TaskStatusQueued, map[string]any{
				"assignee":       "",
				"assigned_at":    "",
				"started_at":     "",
				"failure_reason": "",
				"retry_count":    0,
				"current_phase":  "start",
			}); err != nil {
				return err
			}
			fmt.Printf("Task %s reset to queued\n", id)
			return nil
		},
	}
}
