package driven

import (
	"context"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// ClusterStore defines the driven port for owner context persistence.
type ClusterStore interface {
	// Upsert records the cluster, updating provider, region and discriminator.
	Upsert(ctx context.Context, cluster model.Cluster) error
	// Get returns the cluster, or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Cluster, error)
	// ListAll returns every known cluster ordered by ID.
	ListAll(ctx context.Context) ([]model.Cluster, error)
	// Delete removes the cluster record. Deleting a missing cluster is not an error.
	Delete(ctx context.Context, id string) error
}
