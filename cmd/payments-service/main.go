package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ilia-Abrosimov/Billing/internal/app"
	"github.com/Ilia-Abrosimov/Billing/internal/config"
	"github.com/Ilia-Abrosimov/Billing/internal/storage"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payments-service",
		Short:         "Ingests payment provider webhooks and reconciles subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(partitionsCmd())
	return root
}

func bootstrap() (context.Context, context.CancelFunc, config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}
	logger := app.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API, the reconciliation worker and the expiry reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()

			a, err := app.New(ctx, cfg, logger, app.ModeServe)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the reconciliation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()

			a, err := app.New(ctx, cfg, logger, app.ModeWorker)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			defer a.Close()
			return a.RunWorker(ctx, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process the current backlog once and exit")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, stop, cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()
			return storage.MigrateUp(cfg.DatabaseURL, logger)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, stop, cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()
			return storage.MigrateDown(cfg.DatabaseURL, logger)
		},
	})
	return cmd
}

func partitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Manage monthly events partitions",
	}
	var months int
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the current month's partition and the following ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer stop()
			return app.EnsurePartitions(ctx, cfg, logger, months)
		},
	}
	ensure.Flags().IntVar(&months, "months", 3, "number of months after the current one")
	cmd.AddCommand(ensure)
	return cmd
}
