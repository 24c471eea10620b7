package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// RotationScheduler requests a scheduled rotation for every known cluster
// on a cron schedule.
type RotationScheduler struct {
	schedule   cron.Schedule
	clusters   driven.ClusterStore
	reconciler *RotationReconciler
	now        func() time.Time
}

// NewRotationScheduler parses a standard five-field cron spec.
func NewRotationScheduler(spec string, clusters driven.ClusterStore, reconciler *RotationReconciler) (*RotationScheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse rotation schedule %q: %w", spec, err)
	}
	return &RotationScheduler{
		schedule:   schedule,
		clusters:   clusters,
		reconciler: reconciler,
		now:        time.Now,
	}, nil
}

// Start triggers rotations at each scheduled time until ctx is canceled.
func (s *RotationScheduler) Start(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		slog.Info("next scheduled rotation", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("rotation scheduler stopped")
			return
		case <-timer.C:
			if _, err := s.TriggerAll(ctx); err != nil {
				slog.Error("scheduled rotation trigger failed", "error", err)
			}
		}
	}
}

// TriggerAll starts a scheduled rotation for each cluster without an active
// one and returns how many were started.
func (s *RotationScheduler) TriggerAll(ctx context.Context) (int, error) {
	clusters, err := s.clusters.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list clusters: %w", err)
	}

	var started, skipped, failed int
	for _, c := range clusters {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}

		_, err := s.reconciler.StartRotation(ctx, StartRotationRequest{
			ClusterID: c.ID,
			Reason:    model.RotationReasonScheduled,
		})
		switch {
		case err == nil:
			started++
		case errors.Is(err, model.ErrRotationConflict):
			skipped++
		default:
			failed++
			slog.Error("scheduled rotation not started", "cluster_id", c.ID, "error", err)
		}
	}

	slog.Info("scheduled rotations triggered",
		"clusters", len(clusters),
		"started", started,
		"skipped", skipped,
		"failed", failed,
	)
	return started, nil
}
