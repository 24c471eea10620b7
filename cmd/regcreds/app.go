package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ericfisherdev/regcreds/internal/adapter/driven/postgres"
	"github.com/ericfisherdev/regcreds/internal/adapter/driven/registry"
	sqliteadapter "github.com/ericfisherdev/regcreds/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/regcreds/internal/application"
	"github.com/ericfisherdev/regcreds/internal/config"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
	"github.com/ericfisherdev/regcreds/internal/metrics"
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg      *config.Config
	db       *sqliteadapter.DB
	pgDB     *sql.DB
	promReg  *prometheus.Registry
	metrics  *metrics.Recorder
	tokens   *application.AccessTokenService
	rotation *application.RotationReconciler
	pool     *application.PoolManager
	schedule *application.RotationScheduler
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("REGCREDS_LOG_LEVEL has invalid value %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// loadConfig reads configuration and installs the configured default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"registries_file", cfg.RegistriesFile,
		"lock_backend", cfg.LockBackend,
		"rotation_grace_period", cfg.RotationGracePeriod,
		"rotation_schedule", cfg.RotationSchedule,
	)
	return cfg, nil
}

// openDatabase opens the SQLite store and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*sqliteadapter.DB, error) {
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	slog.Info("database opened", "path", cfg.DBPath)

	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("migrations complete")
	return db, nil
}

// newApp wires stores, lock backend, registry clients and services.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sealer, err := sqliteadapter.NewSealer(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	credStore := sqliteadapter.NewCredentialRepo(a.db, sealer)
	rotationStore := sqliteadapter.NewRotationRepo(a.db)
	clusterStore := sqliteadapter.NewClusterRepo(a.db)

	locker, err := a.newLocker(ctx)
	if err != nil {
		return nil, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.promReg)

	registries, err := buildRegistries(cfg)
	if err != nil {
		return nil, err
	}

	a.tokens = application.NewAccessTokenService(registries, credStore, clusterStore, rotationStore, locker, a.metrics, cfg.AliasHostname)
	a.rotation = application.NewRotationReconciler(rotationStore, clusterStore, a.tokens, locker, a.metrics, application.RotationConfig{
		Interval:    cfg.RotationInterval,
		GracePeriod: cfg.RotationGracePeriod,
		MaxAttempts: cfg.RotationMaxAttempts,
	})
	a.pool = application.NewPoolManager(registries, credStore, locker, a.metrics, application.PoolConfig{
		LowWater:  cfg.PoolLowWater,
		HighWater: cfg.PoolHighWater,
		BatchSize: cfg.PoolBatchSize,
		Interval:  cfg.PoolInterval,
	})

	if cfg.RotationSchedule != "" {
		a.schedule, err = application.NewRotationScheduler(cfg.RotationSchedule, clusterStore, a.rotation)
		if err != nil {
			return nil, fmt.Errorf("REGCREDS_ROTATION_SCHEDULE: %w", err)
		}
	}

	return a, nil
}

func (a *app) newLocker(ctx context.Context) (driven.Locker, error) {
	switch a.cfg.LockBackend {
	case config.LockBackendPostgres:
		if !a.cfg.SharedStore {
			return nil, fmt.Errorf("lock backend %q needs REGCREDS_SHARED_STORE=true", config.LockBackendPostgres)
		}
		db, err := postgres.Open(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.pgDB = db
		slog.Info("lock backend ready", "backend", config.LockBackendPostgres, "shared_store", a.cfg.DBPath)
		return postgres.NewAdvisoryLocker(db, a.cfg.LockWait), nil
	default:
		slog.Info("lock backend ready", "backend", config.LockBackendSQLite, "ttl", a.cfg.LockTTL)
		return sqliteadapter.NewLeaseLocker(a.db, a.cfg.LockTTL, a.cfg.LockWait), nil
	}
}

// buildRegistries loads the registries file and creates one client per entry.
func buildRegistries(cfg *config.Config) ([]application.Registry, error) {
	defs, err := config.LoadRegistries(cfg.RegistriesFile)
	if err != nil {
		return nil, err
	}

	registries := make([]application.Registry, 0, len(defs))
	for _, d := range defs {
		client, err := registry.New(d.Registry, registry.Options{
			Timeout:     cfg.AdapterTimeout,
			MaxAttempts: cfg.AdapterMaxAttempts,
			Token:       d.Auth.Token,
			CertFile:    d.Auth.CertFile,
			KeyFile:     d.Auth.KeyFile,
			CAFile:      d.Auth.CAFile,
		})
		if err != nil {
			return nil, err
		}
		registries = append(registries, application.Registry{Config: d.Registry, Client: client})
		slog.Info("registry configured",
			"registry", d.Registry.ID,
			"variant", d.Registry.Variant,
			"host", d.Registry.Hostname(),
			"pool", d.Registry.Pool,
		)
	}
	return registries, nil
}

func (a *app) close() {
	if a.pgDB != nil {
		if err := a.pgDB.Close(); err != nil {
			slog.Error("error closing postgres", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}
}
