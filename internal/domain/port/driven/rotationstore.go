package driven

import (
	"context"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// RotationStore defines the driven port for rotation request persistence.
type RotationStore interface {
	// Create persists a new request. Returns model.ErrRotationConflict when the
	// cluster already has a pending or in-progress request.
	Create(ctx context.Context, req model.RotationRequest) (model.RotationRequest, error)

	// Get returns the request with the given ID, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.RotationRequest, error)

	// ListByStatus returns requests in any of the given statuses, oldest first.
	ListByStatus(ctx context.Context, statuses ...model.RotationStatus) ([]model.RotationRequest, error)

	// ListByCluster returns every request for a cluster, newest first.
	ListByCluster(ctx context.Context, clusterID string) ([]model.RotationRequest, error)

	// Update persists status, attempts, last error and lifecycle timestamps.
	Update(ctx context.Context, req model.RotationRequest) error
}
