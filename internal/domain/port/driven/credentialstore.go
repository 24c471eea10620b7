// Package driven defines secondary port interfaces for external adapters.
package driven

import (
	"context"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// CredentialStore defines the driven port for credential persistence. Token
// values cross this boundary in plaintext; encryption is the adapter's job.
type CredentialStore interface {
	// Create persists a new credential. ID and timestamps are assigned when empty.
	Create(ctx context.Context, cred model.Credential) (model.Credential, error)

	// ListByOwner returns every credential bound to the cluster, oldest first.
	ListByOwner(ctx context.Context, ownerID string) ([]model.Credential, error)

	// ListByOwnerAndRegistry returns the cluster's rows for one registry, oldest first.
	ListByOwnerAndRegistry(ctx context.Context, ownerID, registryID string) ([]model.Credential, error)

	// Current returns the newest row for (owner, registry), or nil when none exists.
	Current(ctx context.Context, ownerID, registryID string) (*model.Credential, error)

	// ListByRotation returns the rows created by a rotation request.
	ListByRotation(ctx context.Context, rotationID string) ([]model.Credential, error)

	// CountUnassigned returns the number of pool rows for a registry.
	CountUnassigned(ctx context.Context, registryID string) (int, error)

	// ClaimUnassigned atomically binds the oldest pool row of a registry to
	// ownerID and returns it, or returns nil when the pool is empty.
	ClaimUnassigned(ctx context.Context, registryID, ownerID string) (*model.Credential, error)

	// Release returns a claimed row to the pool.
	Release(ctx context.Context, id string) error

	// UpdateExternalName records a renamed external account on an existing row.
	UpdateExternalName(ctx context.Context, id, externalName, externalResourceID string) error

	// Delete removes a credential row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error
}
