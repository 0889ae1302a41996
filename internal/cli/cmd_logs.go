package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/db"
)

// newLogsCmd creates the logs command
func newLogsCmd() *cobra.Command {
	var (
		latest bool
		tail   int
	)

	cmd := &cobra.Command{
		Use:   "logs <task_id>",
		Short: "Dump run logs for a task",
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

			runs, err := store.GetRunsForTask(args[0])
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}
			if latest {
				runs = runs[len(runs)-1:]
			}

			for _, run := range runs {
				fmt.Printf("=== run %d (%s, %s, %s)\n",
					run.RunNumber, run.ID, run.Phase, run.Status)
				printRunLog(&run, tail)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&latest, "latest", false, "only the most recent run")
	cmd.Flags().IntVar(&tail, "tail", 0, "only the last N lines of each log")
	return cmd
}

// printRunLog prints the run's log file, falling back to the stored
// transcript when the file is gone.
func printRunLog(run *db.Run, tail int) {
	content := ""
	if run.OutputLog != "" {
		if data, err := os.ReadFile(run.OutputLog); err == nil {
			content = string(data)
		}
	}
	if content == "" {
		content = run.Transcript
	}
	if content == "" {
		fmt.Println("(no output captured)")
		return
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}
