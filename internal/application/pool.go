package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
	"github.com/ericfisherdev/regcreds/internal/metrics"
)

// PoolConfig holds pool watermarks and pacing.
type PoolConfig struct {
	LowWater  int
	HighWater int
	BatchSize int
	Interval  time.Duration
}

// PoolStat is the pool state of one registry.
type PoolStat struct {
	RegistryID string `json:"registry_id"`
	Unassigned int    `json:"unassigned"`
	LowWater   int    `json:"low_water"`
	HighWater  int    `json:"high_water"`
}

// PoolManager keeps a buffer of unassigned credentials for registries that
// allow binding them later. Replenishment of one registry is serialized
// across replicas by a pool lock.
type PoolManager struct {
	registries []Registry
	creds      driven.CredentialStore
	locker     driven.Locker
	metrics    *metrics.Recorder
	cfg        PoolConfig
}

// NewPoolManager creates a PoolManager over the registries that have pooling
// enabled and whose adapter can rename accounts.
func NewPoolManager(registries []Registry, creds driven.CredentialStore, locker driven.Locker, rec *metrics.Recorder, cfg PoolConfig) *PoolManager {
	var eligible []Registry
	for _, r := range registries {
		switch {
		case r.poolable():
			eligible = append(eligible, r)
		case r.Config.Pool:
			slog.Warn("pool disabled: registry cannot rename accounts", "registry", r.ID(), "variant", r.Config.Variant)
		}
	}

	return &PoolManager{
		registries: eligible,
		creds:      creds,
		locker:     locker,
		metrics:    rec,
		cfg:        cfg,
	}
}

// Enabled reports whether any registry is pooled.
func (p *PoolManager) Enabled() bool {
	return len(p.registries) > 0
}

// Start runs a pass immediately, then one per interval until ctx is canceled.
func (p *PoolManager) Start(ctx context.Context) {
	if err := p.ReconcileOnce(ctx); err != nil {
		slog.Error("initial pool pass failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pool manager stopped")
			return
		case <-ticker.C:
			if err := p.ReconcileOnce(ctx); err != nil {
				slog.Error("pool pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce tops up every pooled registry that is below the low-water
// mark. A registry never grows past the high-water mark.
func (p *PoolManager) ReconcileOnce(ctx context.Context) error {
	start := time.Now()

	var (
		result  *multierror.Error
		created int
	)
	for _, r := range p.registries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := p.replenish(ctx, r)
		created += n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("replenish pool for %s: %w", r.ID(), err))
		}
	}

	slog.Info("pool pass complete",
		"registries", len(p.registries),
		"created", created,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return result.ErrorOrNil()
}

// replenish creates min(batch, high-count) pool accounts when the pool has
// fallen below low-water. It returns how many were added.
func (p *PoolManager) replenish(ctx context.Context, r Registry) (int, error) {
	var created int
	err := withLock(ctx, p.locker, p.metrics, poolLockKey(r.ID()), func(ctx context.Context) error {
		count, err := p.creds.CountUnassigned(ctx, r.ID())
		if err != nil {
			return err
		}
		defer func() { p.metrics.PoolUnassigned(r.ID(), count+created) }()

		if count >= p.cfg.LowWater {
			return nil
		}

		need := min(p.cfg.BatchSize, p.cfg.HighWater-count)
		for range need {
			account, err := r.Client.CreateAccount(ctx, model.PoolOwner())
			if err != nil {
				p.metrics.AdapterError(r.ID(), errorKind(err))
				return fmt.Errorf("create pool account: %w", err)
			}

			if _, err := p.creds.Create(context.WithoutCancel(ctx), model.Credential{
				RegistryID:   r.ID(),
				ExternalName: account.Name,
				Token:        account.Token,
			}); err != nil {
				return fmt.Errorf("persist pool credential: %w", err)
			}

			created++
			p.metrics.CredentialCreated(r.ID(), metrics.SourcePool)
		}

		slog.Info("pool replenished", "registry", r.ID(), "before", count, "created", created)
		return nil
	})
	return created, err
}

// PoolStatus reports the unassigned count of every pooled registry.
func (p *PoolManager) PoolStatus(ctx context.Context) ([]PoolStat, error) {
	stats := make([]PoolStat, 0, len(p.registries))
	for _, r := range p.registries {
		n, err := p.creds.CountUnassigned(ctx, r.ID())
		if err != nil {
			return nil, fmt.Errorf("pool status for %s: %w", r.ID(), err)
		}
		stats = append(stats, PoolStat{
			RegistryID: r.ID(),
			Unassigned: n,
			LowWater:   p.cfg.LowWater,
			HighWater:  p.cfg.HighWater,
		})
	}
	return stats, nil
}
