package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hive/internal/plan"
	"github.com/randalmurphal/hive/internal/queen"
)

// newQueenCmd creates the queen command
func newQueenCmd() *cobra.Command {
	var opts queen.Options

	cmd := &cobra.Command{
		Use:   "queen",
		Short: "Run the scheduling loop",
		Long: `Run the orchestrator loop: admit queued tasks, spawn workers,
supervise them, advance phases, recover zombies.

The loop exits on its own once all work is done (standalone mode) or on
interrupt, in which case running workers are terminated first.`,
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

			log := newLogger()
			bus := openBus(store, "queen")
			bridge := plan.New(store, log)
			q := queen.New(cfg, store, bus, bridge, log, opts)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := q.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					// Interrupted: children were terminated during shutdown.
					os.Exit(130)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Live, "live", false, "stream worker output to stdout")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "fan the monitor step out within each tick")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single scheduling tick and exit")
	return cmd
}
