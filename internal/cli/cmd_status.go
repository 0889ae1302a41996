package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/db"
)

// statusOrder fixes the display order for task status counts.
var statusOrder = []string{
	db.TaskStatusQueued,
	db.TaskStatusAssigned,
	db.TaskStatusInProgress,
	db.TaskStatusReviewPending,
	db.TaskStatusPlanned,
	db.TaskStatusCompleted,
	db.TaskStatusFailed,
	db.TaskStatusCancelled,
}

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show hive status",
		Long: `Show task counts by status.

With --verbose, also lists every non-terminal task with its phase,
assignee and age.`,
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

			counts, err := store.CountTasksByStatus()
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			total := 0
			seen := map[string]bool{}
			for _, status := range statusOrder {
				if n := counts[status]; n > 0 {
					fmt.Fprintf(w, "%s\t%d\n", colorStatus(status), n)
					total += n
				}
				seen[status] = true
			}
			var extra []string
			for status := range counts {
				if !seen[status] {
					extra = append(extra, status)
				}
			}
			sort.Strings(extra)
			for _, status := range extra {
				fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
				total += counts[status]
			}
			fmt.Fprintf(w, "total\t%d\n", total)
			w.Flush()

			if !verbose {
				return nil
			}
			return printActiveTasks(store)
		},
	}
}

// printActiveTasks lists every non-terminal task.
func printActiveTasks(store *db.HiveDB) error {
	var active []db.Task
	for _, status := range []string{
		db.TaskStatusQueued, db.TaskStatusAssigned,
		db.TaskStatusInProgress, db.TaskStatusReviewPending,
		db.TaskStatusPlanned,
	} {
		tasks, err := store.TasksByStatus(status)
		if err != nil {
			return err
		}
		active = append(active, tasks...)
	}
	if len(active) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPHASE\tASSIGNEE\tAGE\tTITLE")
	for _, t := range active {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, colorStatus(t.Status), t.CurrentPhase, t.Assignee,
			time.Since(t.CreatedAt).Round(time.Minute), truncate(t.Title, 50))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
