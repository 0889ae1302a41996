package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
	"github.com/randalmurphal/hive/internal/queen"
)

// newReviewNextCmd creates the review-next-task command
func newReviewNextCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "review-next-task",
		Short: "Emit the next task awaiting review",
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

			pending, err := store.TasksByStatus(db.TaskStatusReviewPending)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No tasks pending review")
				return nil
			}
			task := &pending[0]

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"id":            task.ID,
					"title":         task.Title,
					"description":   task.Description,
					"current_phase": task.CurrentPhase,
					"assignee":      task.Assignee,
					"retry_count":   task.RetryCount,
					"payload":       task.Payload,
				})
			case "summary", "":
				fmt.Printf("Task:     %s\n", task.ID)
				fmt.Printf("Title:    %s\n", task.Title)
				fmt.Printf("Phase:    %s\n", task.CurrentPhase)
				fmt.Printf("Assignee: %s\n", task.Assignee)
				if task.Description != "" {
					fmt.Printf("\n%s\n", task.Description)
				}
				return nil
			default:
				return fmt.Errorf("unknown format %q (want json or summary)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "summary", "output format: json or summary")
	return cmd
}

// newCompleteReviewCmd creates the complete-review command
func newCompleteReviewCmd() *cobra.Command {
	var (
		decision  string
		reason    string
		nextPhase string
	)

	cmd := &cobra.Command{
		Use:   "complete-review <task_id>",
		Short: "Record a review decision and transition the task",
		Long: `Record a review decision for a task in review_pending.

approve advances the task as if its current phase succeeded (or to an
explicit --next-phase); reject and rework send it back to the queue in
a rework phase with the reviewer's feedback attached.`,
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
			task, err := store.GetTask(id)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %s not found", id)
			}
			if task.Status != db.TaskStatusReviewPending {
				return fmt.Errorf("task %s is %s, not review_pending", id, task.Status)
			}

			switch decision {
			case "approve":
				if err := applyApproval(store, task, nextPhase); err != nil {
					return err
				}
			case "reject", "rework":
				meta := map[string]any{"current_phase": "rework"}
				if reason != "" {
					meta["review_feedback"] = reason
				}
				if err := store.UpdateTaskStatus(id, db.TaskStatusQueued, meta); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown decision %q (want approve, reject or rework)", decision)
			}

			bus := openBus(store, "cli")
			payload := map[string]any{
				events.KeyTaskID:  id,
				"review_decision": decision,
			}
			if reason != "" {
				payload["review_feedback"] = reason
			}
			if _, err := bus.Publish(&db.Event{
				EventType: events.TaskReviewCompleted,
				Payload:   payload,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "warning: event publish failed: %v\n", err)
			}

			fmt.Printf("Review recorded: %s %s\n", id, decision)
			return nil
		},
	}

	cmd.Flags().StringVar(&decision, "decision", "", "approve, reject or rework (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reviewer feedback")
	cmd.Flags().StringVar(&nextPhase, "next-phase", "", "override the phase an approved task advances to")
	cmd.MarkFlagRequired("decision")
	return cmd
}

// applyApproval advances an approved task: to the explicit next phase
// when given, otherwise following the task's workflow from its current
// phase.
func applyApproval(store *db.HiveDB, task *db.Task, nextPhase string) error {
	next := nextPhase
	if next == "" {
		next, _ = queen.NextPhase(task, task.CurrentPhase)
	}
	switch next {
	case "completed":
		return store.UpdateTaskStatus(task.ID, db.TaskStatusCompleted, nil)
	case "failed":
		return store.UpdateTaskStatus(task.ID, db.TaskStatusFailed, map[string]any{
			"failure_reason": "review routed task to failed",
		})
	default:
		return store.UpdateTaskStatus(task.ID, db.TaskStatusQueued, map[string]any{
			"current_phase": next,
		})
	}
}
