package driven

import (
	"context"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// Capabilities describes optional operations a registry supports.
type Capabilities struct {
	Recover bool // Deleted accounts can be restored.
	Rename  bool // Accounts can be relabelled after creation (required for pooling).
}

// RegistryClient is the uniform port over heterogeneous registry account APIs.
// External names passed in are the names stored on credentials, including any
// prefix the registry added; implementations strip what their API needs.
type RegistryClient interface {
	// CreateAccount creates an account for owner and returns its stored name
	// and secret.
	CreateAccount(ctx context.Context, owner model.AccountOwner) (model.ExternalAccount, error)

	// DeleteAccount removes the account. Returns model.ErrNotFound when absent.
	DeleteAccount(ctx context.Context, externalName string) error

	// RecoverAccount restores a soft-deleted account. Returns
	// model.ErrUnsupported when the registry has no soft delete.
	RecoverAccount(ctx context.Context, externalName string) error

	// RenameAccount relabels an existing account for owner. Returns
	// model.ErrUnsupported when the registry cannot rename accounts.
	RenameAccount(ctx context.Context, externalName string, owner model.AccountOwner) (model.ExternalAccount, error)

	// Capabilities reports which optional operations are available.
	Capabilities() Capabilities
}
