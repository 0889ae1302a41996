package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
)

// newQueueCmd creates the queue command
func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue <task_id>",
		Short: "Mark an existing task as queued",
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
			if err := store.UpdateTaskStatus(id, db.TaskStatusQueued, nil); err != nil {
				return err
			}

			bus := openBus(store, "cli")
			if _, err := bus.Publish(&db.Event{
				EventType: events.TaskQueued,
				Payload: map[string]any{
					events.KeyTaskID:     id,
					events.KeyTaskStatus: db.TaskStatusQueued,
				},
			}); err != nil {
				fmt.Fprintf(os.Stderr, "warning: event publish failed: %v\n", err)
			}

			fmt.Printf("Task %s queued\n", id)
			return nil
		},
	}
}
