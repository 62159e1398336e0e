package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/app"
	"github.com/refbench/extractq/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the extraction queue service.",
		Long: `serve starts the HTTP API, the worker pool, the stale-claim recovery
loop, and the aggregate recompute scheduler, and blocks until SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()

			a.Logger().Info("extractq starting",
				zap.Int("workers", cfg.Queue.Workers),
				zap.Int("port", cfg.Server.Port))

			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("service failed: %w", err)
			}
			a.Logger().Info("extractq stopped")
			return nil
		},
	}
}
