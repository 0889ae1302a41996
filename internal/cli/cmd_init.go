package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/config"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize hive in the current project",
		Long: `Initialize hive in the current project.

Creates the .hive directory (config, database, workspaces, logs,
results) and applies the database schema. Safe to re-run; an existing
config file is never overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}

			for _, dir := range []string{"workspaces", "logs", "results"} {
				if err := os.MkdirAll(filepath.Join(root, config.HiveDir, dir), 0o755); err != nil {
					return fmt.Errorf("create %s dir: %w", dir, err)
				}
			}
			if err := config.WriteDefault(root); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Printf("Initialized hive in %s\n", filepath.Join(root, config.HiveDir))
			return nil
		},
	}
}
