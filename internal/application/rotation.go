package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
	"github.com/ericfisherdev/regcreds/internal/metrics"
)

// RotationConfig holds the reconciler's timing and retry bounds.
type RotationConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration // Overlap before superseded credentials are deleted.
	MaxAttempts int           // Failed passes before a request is marked failed.
}

// StartRotationRequest describes a new rotation.
type StartRotationRequest struct {
	ClusterID      string
	Reason         model.RotationReason
	ForceImmediate bool // Skip the overlap window.
}

// RotationReconciler drives rotation requests from pending to a terminal
// state. Each pass is re-entrant: work already done for a request is never
// repeated. Request updates and credential writes happen under the
// cluster's lock.
type RotationReconciler struct {
	rotations driven.RotationStore
	clusters  driven.ClusterStore
	tokens    *AccessTokenService
	locker    driven.Locker
	metrics   *metrics.Recorder
	cfg       RotationConfig
	now       func() time.Time
}

// NewRotationReconciler creates a RotationReconciler.
func NewRotationReconciler(
	rotations driven.RotationStore,
	clusters driven.ClusterStore,
	tokens *AccessTokenService,
	locker driven.Locker,
	rec *metrics.Recorder,
	cfg RotationConfig,
) *RotationReconciler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RotationReconciler{
		rotations: rotations,
		clusters:  clusters,
		tokens:    tokens,
		locker:    locker,
		metrics:   rec,
		cfg:       cfg,
		now:       time.Now,
	}
}

// StartRotation records a pending rotation for the cluster. A cluster with a
// pending or in-progress rotation yields model.ErrRotationConflict.
func (r *RotationReconciler) StartRotation(ctx context.Context, req StartRotationRequest) (model.RotationRequest, error) {
	if req.ClusterID == "" {
		return model.RotationRequest{}, fmt.Errorf("start rotation: cluster id is required: %w", model.ErrInvalidInput)
	}
	if req.Reason == "" {
		req.Reason = model.RotationReasonManual
	}
	if !req.Reason.Valid() {
		return model.RotationRequest{}, fmt.Errorf("start rotation: unknown reason %q: %w", req.Reason, model.ErrInvalidInput)
	}

	var created model.RotationRequest
	err := withLock(ctx, r.locker, r.metrics, clusterLockKey(req.ClusterID), func(ctx context.Context) error {
		if _, err := r.clusters.Get(ctx, req.ClusterID); err != nil {
			return err
		}

		history, err := r.rotations.ListByCluster(ctx, req.ClusterID)
		if err != nil {
			return err
		}
		for _, existing := range history {
			if existing.IsActive() {
				return fmt.Errorf("rotation %s is %s: %w", existing.ID, existing.Status, model.ErrRotationConflict)
			}
		}

		created, err = r.rotations.Create(ctx, model.RotationRequest{
			ClusterID:      req.ClusterID,
			Status:         model.RotationStatusPending,
			Reason:         req.Reason,
			ForceImmediate: req.ForceImmediate,
			CreatedAt:      r.now().UTC(),
		})
		return err
	})
	if err != nil {
		return model.RotationRequest{}, fmt.Errorf("start rotation for cluster %s: %w", req.ClusterID, err)
	}

	r.metrics.RotationTransition(string(model.RotationStatusPending))
	slog.Info("rotation requested",
		"rotation_id", created.ID,
		"cluster_id", created.ClusterID,
		"reason", created.Reason,
		"force_immediate", created.ForceImmediate,
	)
	return created, nil
}

// GetRotationStatus returns a rotation request.
func (r *RotationReconciler) GetRotationStatus(ctx context.Context, id string) (*model.RotationRequest, error) {
	return r.rotations.Get(ctx, id)
}

// ListRotations returns the cluster's rotation history, newest first.
func (r *RotationReconciler) ListRotations(ctx context.Context, clusterID string) ([]model.RotationRequest, error) {
	return r.rotations.ListByCluster(ctx, clusterID)
}

// ConfirmRotation records that the cluster is running on the new credentials.
// An in-progress rotation completes on the next pass after confirmation.
func (r *RotationReconciler) ConfirmRotation(ctx context.Context, id string) (*model.RotationRequest, error) {
	req, err := r.rotations.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = withLock(ctx, r.locker, r.metrics, clusterLockKey(req.ClusterID), func(ctx context.Context) error {
		req, err = r.rotations.Get(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsActive() {
			return fmt.Errorf("rotation %s is already %s: %w", id, req.Status, model.ErrInvalidInput)
		}
		if req.ConfirmedAt != nil {
			return nil
		}
		now := r.now().UTC()
		req.ConfirmedAt = &now
		return r.rotations.Update(ctx, *req)
	})
	if err != nil {
		return nil, fmt.Errorf("confirm rotation %s: %w", id, err)
	}

	slog.Info("rotation confirmed", "rotation_id", id, "cluster_id", req.ClusterID)
	return req, nil
}

// Start runs a pass immediately, then one per interval until ctx is canceled.
func (r *RotationReconciler) Start(ctx context.Context) {
	if err := r.ReconcileOnce(ctx); err != nil {
		slog.Error("initial rotation pass failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("rotation reconciler stopped")
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				slog.Error("rotation pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce advances every pending and in-progress request by at most
// one step each. Failures of single requests are logged and do not stop
// the pass.
func (r *RotationReconciler) ReconcileOnce(ctx context.Context) error {
	start := time.Now()

	active, err := r.rotations.ListByStatus(ctx, model.RotationStatusPending, model.RotationStatusInProgress)
	if err != nil {
		return fmt.Errorf("list active rotations: %w", err)
	}

	byCluster := make(map[string][]model.RotationRequest)
	var order []string
	for _, req := range active {
		if _, seen := byCluster[req.ClusterID]; !seen {
			order = append(order, req.ClusterID)
		}
		byCluster[req.ClusterID] = append(byCluster[req.ClusterID], req)
	}

	var completed, failed, errored int
	for _, clusterID := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reqs := byCluster[clusterID]
		if len(reqs) > 1 {
			r.failConflicting(ctx, clusterID, reqs)
			failed += len(reqs)
			continue
		}

		status, err := r.advance(ctx, reqs[0].ID)
		switch {
		case err != nil:
			slog.Error("rotation step failed", "rotation_id", reqs[0].ID, "cluster_id", clusterID, "error", err)
			errored++
		case status == model.RotationStatusCompleted:
			completed++
		case status == model.RotationStatusFailed:
			failed++
		}
	}

	slog.Info("rotation pass complete",
		"active", len(active),
		"completed", completed,
		"failed", failed,
		"errors", errored,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// advance moves one request forward under its cluster lock and returns the
// status it ends in.
func (r *RotationReconciler) advance(ctx context.Context, id string) (model.RotationStatus, error) {
	req, err := r.rotations.Get(ctx, id)
	if err != nil {
		return "", err
	}

	err = withLock(ctx, r.locker, r.metrics, clusterLockKey(req.ClusterID), func(ctx context.Context) error {
		// Reload: the request may have moved on while we waited for the lock.
		req, err = r.rotations.Get(ctx, id)
		if err != nil {
			return err
		}
		if !req.IsActive() {
			return nil
		}
		return r.step(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

// step performs the work for the request's current status. Callers hold the
// cluster lock.
func (r *RotationReconciler) step(ctx context.Context, req *model.RotationRequest) error {
	cluster, err := r.clusters.Get(ctx, req.ClusterID)
	if errors.Is(err, model.ErrNotFound) {
		return r.fail(ctx, req, "cluster no longer exists")
	}
	if err != nil {
		return err
	}

	if req.Status == model.RotationStatusPending {
		now := r.now().UTC()
		req.Status = model.RotationStatusInProgress
		req.StartedAt = &now
		if err := r.rotations.Update(ctx, *req); err != nil {
			return err
		}
		r.metrics.RotationTransition(string(req.Status))
		slog.Info("rotation started", "rotation_id", req.ID, "cluster_id", req.ClusterID)
	}

	scope, err := r.tokens.scope(req.Registries)
	if err != nil {
		return r.fail(ctx, req, err.Error())
	}

	set, err := r.tokens.createCredentialSet(ctx, *cluster, scope, req.ID)
	if err != nil {
		return r.recordFailure(ctx, req, fmt.Errorf("create credential set: %w", err))
	}

	if !r.overlapOver(req) {
		return nil
	}

	if err := r.tokens.retireSuperseded(ctx, req.ClusterID, set); err != nil {
		return r.recordFailure(ctx, req, fmt.Errorf("retire superseded credentials: %w", err))
	}

	now := r.now().UTC()
	req.Status = model.RotationStatusCompleted
	req.CompletedAt = &now
	req.LastError = ""
	if err := r.rotations.Update(ctx, *req); err != nil {
		return err
	}

	r.metrics.RotationTransition(string(req.Status))
	slog.Info("rotation completed", "rotation_id", req.ID, "cluster_id", req.ClusterID, "attempts", req.Attempts)
	return nil
}

// overlapOver reports whether superseded credentials may be deleted.
func (r *RotationReconciler) overlapOver(req *model.RotationRequest) bool {
	switch {
	case req.ForceImmediate, req.ConfirmedAt != nil:
		return true
	case req.StartedAt == nil:
		return false
	default:
		return !r.now().Before(req.StartedAt.Add(r.cfg.GracePeriod))
	}
}

// recordFailure counts a failed attempt. Once attempts run out the request
// is marked failed; existing credentials are left as they are.
func (r *RotationReconciler) recordFailure(ctx context.Context, req *model.RotationRequest, cause error) error {
	req.Attempts++
	req.LastError = cause.Error()

	if req.Attempts >= r.cfg.MaxAttempts {
		return r.fail(ctx, req, req.LastError)
	}

	if err := r.rotations.Update(ctx, *req); err != nil {
		return fmt.Errorf("record rotation attempt: %w (after %w)", err, cause)
	}
	return cause
}

func (r *RotationReconciler) fail(ctx context.Context, req *model.RotationRequest, reason string) error {
	now := r.now().UTC()
	req.Status = model.RotationStatusFailed
	req.LastError = reason
	req.CompletedAt = &now
	if err := r.rotations.Update(ctx, *req); err != nil {
		return err
	}

	r.metrics.RotationTransition(string(req.Status))
	slog.Warn("rotation failed", "rotation_id", req.ID, "cluster_id", req.ClusterID, "attempts", req.Attempts, "reason", reason)
	return nil
}

// failConflicting handles more than one active request for a cluster. No
// credential is touched; every involved request is marked failed.
func (r *RotationReconciler) failConflicting(ctx context.Context, clusterID string, reqs []model.RotationRequest) {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	violation := fmt.Errorf("cluster %s has %d active rotations: %w", clusterID, len(reqs), model.ErrInvariantViolation)
	slog.Error("rotation invariant violated", "cluster_id", clusterID, "rotation_ids", ids, "error", violation)

	err := withLock(ctx, r.locker, r.metrics, clusterLockKey(clusterID), func(ctx context.Context) error {
		for i := range reqs {
			if err := r.fail(ctx, &reqs[i], violation.Error()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("marking conflicting rotations failed", "cluster_id", clusterID, "error", err)
	}
}
