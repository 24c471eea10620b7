package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

const credentialColumns = `id, registry_id, external_name, token, owner_id, external_resource_id, rotation_id, created_at, updated_at`

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// Tokens are encrypted with the Sealer before write and decrypted after read.
type CredentialRepo struct {
	db     *DB
	sealer *Sealer
	now    func() time.Time
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB, sealer *Sealer) *CredentialRepo {
	return &CredentialRepo{db: db, sealer: sealer, now: time.Now}
}

// Create inserts a credential. Empty ID and zero timestamps are filled in.
func (r *CredentialRepo) Create(ctx context.Context, cred model.Credential) (model.Credential, error) {
	if cred.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.Credential{}, fmt.Errorf("generate credential id: %w", err)
		}
		cred.ID = id.String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = r.now().UTC()
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = cred.CreatedAt
	}

	sealed, err := r.sealer.Seal(cred.Token.Reveal())
	if err != nil {
		return model.Credential{}, fmt.Errorf("seal token for credential %s: %w", cred.ID, err)
	}

	const query = `INSERT INTO credentials (` + credentialColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.Writer.ExecContext(ctx, query,
		cred.ID,
		cred.RegistryID,
		cred.ExternalName,
		sealed,
		nullString(cred.OwnerID),
		cred.ExternalResourceID,
		nullString(cred.RotationID),
		formatTime(cred.CreatedAt),
		formatTime(cred.UpdatedAt),
	)
	if err != nil {
		return model.Credential{}, fmt.Errorf("insert credential %s: %w", cred.ID, err)
	}

	return cred, nil
}

// ListByOwner returns every credential bound to ownerID, oldest first.
func (r *CredentialRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE owner_id = ? ORDER BY registry_id, created_at, id`
	return r.list(ctx, "list credentials by owner", query, ownerID)
}

// ListByOwnerAndRegistry returns the rows of one (owner, registry) pair, oldest first.
func (r *CredentialRepo) ListByOwnerAndRegistry(ctx context.Context, ownerID, registryID string) ([]model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE owner_id = ? AND registry_id = ? ORDER BY created_at, id`
	return r.list(ctx, "list credentials by owner and registry", query, ownerID, registryID)
}

// Current returns the newest credential of (owner, registry), or nil.
func (r *CredentialRepo) Current(ctx context.Context, ownerID, registryID string) (*model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE owner_id = ? AND registry_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`

	cred, err := r.scanOne(r.db.Reader.QueryRowContext(ctx, query, ownerID, registryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current credential %s/%s: %w", ownerID, registryID, err)
	}
	return cred, nil
}

// ListByRotation returns the rows created by a rotation request.
func (r *CredentialRepo) ListByRotation(ctx context.Context, rotationID string) ([]model.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
		WHERE rotation_id = ? ORDER BY registry_id, created_at, id`
	return r.list(ctx, "list credentials by rotation", query, rotationID)
}

// CountUnassigned returns the number of pool rows for a registry.
func (r *CredentialRepo) CountUnassigned(ctx context.Context, registryID string) (int, error) {
	const query = `SELECT COUNT(*) FROM credentials WHERE owner_id IS NULL AND registry_id = ?`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query, registryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pool credentials for %s: %w", registryID, err)
	}
	return n, nil
}

// ClaimUnassigned binds the oldest pool row of registryID to ownerID in a
// single statement, so concurrent claimers never receive the same row. The
// claimed row takes the binding time as created_at so it orders after
// anything the owner already holds.
func (r *CredentialRepo) ClaimUnassigned(ctx context.Context, registryID, ownerID string) (*model.Credential, error) {
	const query = `UPDATE credentials SET owner_id = ?, created_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM credentials
			WHERE owner_id IS NULL AND registry_id = ?
			ORDER BY created_at, id LIMIT 1
		) AND owner_id IS NULL
		RETURNING ` + credentialColumns

	now := formatTime(r.now())
	cred, err := r.scanOne(r.db.Writer.QueryRowContext(ctx, query, ownerID, now, now, registryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool credential for %s: %w", registryID, err)
	}
	return cred, nil
}

// Release returns a claimed credential to the pool.
func (r *CredentialRepo) Release(ctx context.Context, id string) error {
	const query = `UPDATE credentials SET owner_id = NULL, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, "release credential "+id, query, formatTime(r.now()), id)
}

// UpdateExternalName records a renamed external account.
func (r *CredentialRepo) UpdateExternalName(ctx context.Context, id, externalName, externalResourceID string) error {
	const query = `UPDATE credentials SET external_name = ?, external_resource_id = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, "rename credential "+id, query, externalName, externalResourceID, formatTime(r.now()), id)
}

// Delete removes a credential row. Missing rows are ignored.
func (r *CredentialRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM credentials WHERE id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete credential %s: %w", id, err)
	}
	return nil
}

func (r *CredentialRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: check rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return nil
}

func (r *CredentialRepo) list(ctx context.Context, op, query string, args ...any) ([]model.Credential, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := r.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}

	return creds, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *CredentialRepo) scanOne(row rowScanner) (*model.Credential, error) {
	var (
		cred                 model.Credential
		sealed               string
		owner, rotation      sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(
		&cred.ID,
		&cred.RegistryID,
		&cred.ExternalName,
		&sealed,
		&owner,
		&cred.ExternalResourceID,
		&rotation,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	plaintext, err := r.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", cred.ID, err)
	}
	cred.Token = model.Secret(plaintext)
	cred.OwnerID = owner.String
	cred.RotationID = rotation.String

	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for credential %s: %w", cred.ID, err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for credential %s: %w", cred.ID, err)
	}

	return &cred, nil
}
