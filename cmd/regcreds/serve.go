package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httphandler "github.com/ericfisherdev/regcreds/internal/adapter/driving/http"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background reconcilers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

func serve() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Wire stores, locks, registries and services.
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// 4. Start background loops.
	var loops errgroup.Group
	loops.Go(func() error {
		a.rotation.Start(ctx)
		return nil
	})
	if a.pool.Enabled() {
		loops.Go(func() error {
			a.pool.Start(ctx)
			return nil
		})
	} else {
		slog.Info("pool manager disabled, no registry is poolable")
	}
	if a.schedule != nil {
		loops.Go(func() error {
			a.schedule.Start(ctx)
			return nil
		})
	}

	// 5. Create HTTP handler and register API routes.
	apiHandler := httphandler.NewHandler(a.tokens, a.rotation, a.pool, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, a.promReg, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("regcreds started",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"rotation_interval", cfg.RotationInterval,
		"pool_interval", cfg.PoolInterval,
	)

	// 6. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 7. Graceful shutdown: drain HTTP, then wait for loops to finish their pass.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	_ = loops.Wait()

	slog.Info("shutdown complete")
	return nil
}
