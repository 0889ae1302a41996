// Package cli implements the hive command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Multi-agent task orchestrator",
	Long: `hive drives CLI coding agents through multi-phase task workflows.

A single queen process schedules queued tasks, spawns one worker
subprocess per task phase, supervises them, and advances each task
through its workflow. Workers run the external agent inside an isolated
workspace (a git worktree or a scratch directory) and record every
attempt as a run.

Quick start:
  hive init                   Initialize hive in the current project
  hive new "Fix login bug"    Create a task
  hive queen                  Run the scheduling loop
  hive status                 Show current state`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .hive/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newClearCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newTranscriptCmd())
	rootCmd.AddCommand(newReviewNextCmd())
	rootCmd.AddCommand(newCompleteReviewCmd())
	rootCmd.AddCommand(newQueenCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newVersionCmd())
}
