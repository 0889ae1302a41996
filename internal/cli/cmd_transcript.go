package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newTranscriptCmd creates the get-transcript command
func newTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-transcript <run_id>",
		Short: "Emit the stored transcript of a run",
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

			run, err := store.GetRun(args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			if run.Transcript == "" {
				fmt.Println("(no transcript captured)")
				return nil
			}
			fmt.Print(run.Transcript)
			return nil
		},
	}
}
