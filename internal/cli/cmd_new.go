package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/hive/internal/db"
	"github.com/randalmurphal/hive/internal/events"
)

// newNewCmd creates the new command
func newNewCmd() *cobra.Command {
	var (
		taskType     string
		priority     int
		tags         []string
		description  string
		dependsOn    []string
		workflowFile string
	)

	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a task",
		Long: `Create a task and queue it for the next scheduling tick.

The first tag may name a worker role (backend, frontend, infra) to pin
the task to that role. A workflow file maps phase names to their
transitions:

  apply:
    next_phase_on_success: review
  review:
    next_phase_on_success: completed

Examples:
  hive new "Fix login bug"
  hive new "Style the dashboard" --tags frontend --priority 5
  hive new "Release pipeline" --workflow-file release.yaml`,
		Args: cobra.MinimumNArgs(1),
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

			task := &db.Task{
				Title:       strings.Join(args, " "),
				Description: description,
				TaskType:    taskType,
				Priority:    priority,
				Tags:        tags,
				DependsOn:   dependsOn,
			}
			if workflowFile != "" {
				wf, err := loadWorkflowFile(workflowFile)
				if err != nil {
					return err
				}
				task.Workflow = wf
			}

			id, err := store.CreateTask(task)
			if err != nil {
				return err
			}

			bus := openBus(store, "cli")
			if _, err := bus.Publish(&db.Event{
				EventType: events.TaskCreated,
				Payload: map[string]any{
					events.KeyTaskID:     id,
					events.KeyTaskStatus: db.TaskStatusQueued,
				},
			}); err != nil {
				fmt.Fprintf(os.Stderr, "warning: event publish failed: %v\n", err)
			}

			fmt.Printf("Created task %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "task type (e.g. feature, bugfix)")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority (higher runs first)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags; a leading role tag pins the worker role")
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task IDs that must complete first")
	cmd.Flags().StringVar(&workflowFile, "workflow-file", "", "YAML file defining phase transitions")

	return cmd
}

// loadWorkflowFile parses a YAML phase map into a workflow.
func loadWorkflowFile(path string) (db.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var raw map[string]struct {
		NextPhaseOnSuccess string `yaml:"next_phase_on_success"`
		NextPhaseOnFailure string `yaml:"next_phase_on_failure"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("workflow file %s defines no phases", path)
	}
	wf := make(db.Workflow, len(raw))
	for phase, tr := range raw {
		wf[phase] = db.PhaseTransition{
			NextPhaseOnSuccess: tr.NextPhaseOnSuccess,
			NextPhaseOnFailure: tr.NextPhaseOnFailure,
		}
	}
	return wf, nil
}
