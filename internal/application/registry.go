// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
	"github.com/ericfisherdev/regcreds/internal/metrics"
)

// Registry pairs a configured registry with the client for its account API.
type Registry struct {
	Config model.Registry
	Client driven.RegistryClient
}

// ID returns the registry identifier.
func (r Registry) ID() string {
	return r.Config.ID
}

// poolable reports whether unassigned credentials can be bound to a cluster
// for this registry. Binding needs a rename, so the adapter must support it.
func (r Registry) poolable() bool {
	return r.Config.Pool && r.Client.Capabilities().Rename
}

func clusterLockKey(clusterID string) string {
	return "cluster:" + clusterID
}

func poolLockKey(registryID string) string {
	return "pool:" + registryID
}

// withLock runs fn while holding key. The lock is released even when ctx is
// canceled. If the lock is lost while fn runs, the context passed to fn is
// canceled and the call fails with model.ErrLockContention.
func withLock(ctx context.Context, locker driven.Locker, rec *metrics.Recorder, key string, fn func(ctx context.Context) error) error {
	lock, err := locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrLockContention) {
			rec.LockContention()
		}
		return err
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			slog.Warn("lock release failed", "key", key, "error", relErr)
		}
	}()

	held, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if lost := lock.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				slog.Error("lock lost while held, canceling work", "key", key)
				cancel(fmt.Errorf("lock %q lost while held: %w", key, model.ErrLockContention))
			case <-held.Done():
			}
		}()
	}

	err = fn(held)
	if cause := context.Cause(held); err != nil && errors.Is(cause, model.ErrLockContention) {
		return cause
	}
	return err
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrLockContention):
		return "lock_contention"
	case errors.Is(err, model.ErrAdapterUnavailable):
		return "unavailable"
	case errors.Is(err, model.ErrAdapterRejected):
		return "rejected"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflictAlreadyExists):
		return "conflict"
	case errors.Is(err, model.ErrRotationConflict):
		return "rotation_conflict"
	case errors.Is(err, model.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, model.ErrMalformedAccountName):
		return "malformed_name"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, model.ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
