package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newReconcileCommand groups one-shot passes of the background loops, for
// cron jobs and operators.
func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and exit",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "rotations",
			Short: "Advance every active rotation request once",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app) error {
					return a.rotation.ReconcileOnce(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "pool",
			Short: "Replenish pooled credentials once",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app) error {
					if !a.pool.Enabled() {
						slog.Info("pool manager disabled, no registry is poolable")
						return nil
					}
					return a.pool.ReconcileOnce(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "schedule",
			Short: "Start a scheduled rotation for every known cluster",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return withApp(func(ctx context.Context, a *app) error {
					if a.schedule == nil {
						return fmt.Errorf("REGCREDS_ROTATION_SCHEDULE is not set")
					}
					n, err := a.schedule.TriggerAll(ctx)
					slog.Info("scheduled rotations started", "count", n)
					return err
				})
			},
		},
	)
	return cmd
}

// withApp loads config, wires the app and runs fn with a signal-aware context.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}
