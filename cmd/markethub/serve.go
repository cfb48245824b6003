package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"markethub/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. System Bootstrapping
			bootstrap := app.NewBootstrap(configPath)
			if err := bootstrap.Initialize(); err != nil {
				slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
				return err
			}
			defer bootstrap.Close()

			// 2. Graceful Shutdown Context
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.InfoContext(ctx, "✨ markethub fully operational. Press Ctrl+C to exit.")
			if err := bootstrap.Run(ctx); err != nil {
				slog.Error("Hub failed", slog.Any("error", err))
				return err
			}

			slog.Info("👋 Shut down gracefully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "config file (empty for defaults)")
	return cmd
}
