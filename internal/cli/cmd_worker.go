package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/config"
	hiveerrors "github.com/randalmurphal/hive/internal/errors"
	"github.com/randalmurphal/hive/internal/git"
	"github.com/randalmurphal/hive/internal/worker"
)

// newWorkerCmd creates the worker command
func newWorkerCmd() *cobra.Command {
	var (
		oneShot   bool
		taskID    string
		runID     string
		phase     string
		mode      string
		workspace string
		live      bool
	)

	cmd := &cobra.Command{
		Use:   "worker <role>",
		Short: "Execute one task phase as a worker",
		Long: `Execute one task phase to completion and exit.

Normally spawned by the queen; running it by hand is useful for
debugging a single task. Exits 0 when the run classified as success,
1 when it failed, 2 on configuration or environment errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := args[0]
			if !config.KnownRole(role) {
				exitUsage(fmt.Sprintf("unknown role %q", role))
			}
			if !oneShot {
				exitUsage("only --one-shot workers are supported")
			}
			if taskID == "" {
				exitUsage("--task-id is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				exitUsage(err.Error())
			}
			if err := requireInit(cfg); err != nil {
				exitUsage(err.Error())
			}
			store, err := openStore(cfg)
			if err != nil {
				exitUsage(err.Error())
			}
			defer store.Close()

			log := newLogger()
			bus := openBus(store, role)
			w := worker.New(worker.Config{
				Role:      role,
				TaskID:    taskID,
				RunID:     runID,
				Phase:     phase,
				Mode:      mode,
				Workspace: workspace,
				Live:      live,
			}, cfg, store, bus, git.New(cfg.ProjectRoot), log)

			ok, err := w.Run(context.Background())
			if err != nil {
				fmt.Fprintf(os.Stderr, "worker: %v\n", err)
				// Missing agent binary and the like are host problems;
				// exit 2 so the queen requeues without charging a retry.
				if hiveerrors.CodeOf(err) == hiveerrors.CodeSpawnFailed {
					os.Exit(2)
				}
			}
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&oneShot, "one-shot", false, "execute one assignment and exit")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task to execute")
	cmd.Flags().StringVar(&runID, "run-id", "", "run to record against (created when empty)")
	cmd.Flags().StringVar(&phase, "phase", "apply", "workflow phase to execute")
	cmd.Flags().StringVar(&mode, "mode", "", "workspace mode: repo or fresh")
	cmd.Flags().StringVar(&workspace, "workspace", "", "explicit workspace path")
	cmd.Flags().BoolVar(&live, "live", false, "stream formatted agent output to stdout")
	return cmd
}

// exitUsage reports a configuration problem and exits with code 2, which
// the queen distinguishes from a run failure.
func exitUsage(msg string) {
	fmt.Fprintf(os.Stderr, "worker: %s\n", msg)
	os.Exit(2)
}
