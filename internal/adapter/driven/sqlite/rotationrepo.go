package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RotationStore = (*RotationRepo)(nil)

const rotationColumns = `id, cluster_id, status, reason, force_immediate, registries, attempts, last_error, created_at, started_at, confirmed_at, completed_at`

// registrySep joins rotation scopes; registry IDs never contain it.
const registrySep = ","

// RotationRepo is the SQLite implementation of the RotationStore port interface.
type RotationRepo struct {
	db  *DB
	now func() time.Time
}

// NewRotationRepo creates a new RotationRepo backed by the given DB.
func NewRotationRepo(db *DB) *RotationRepo {
	return &RotationRepo{db: db, now: time.Now}
}

// Create inserts a rotation request. The partial unique index on active
// requests turns a second active request for a cluster into ErrRotationConflict.
func (r *RotationRepo) Create(ctx context.Context, req model.RotationRequest) (model.RotationRequest, error) {
	if req.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.RotationRequest{}, fmt.Errorf("generate rotation id: %w", err)
		}
		req.ID = id.String()
	}
	if req.Status == "" {
		req.Status = model.RotationStatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now().UTC()
	}

	const query = `INSERT INTO rotation_requests (` + rotationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Writer.ExecContext(ctx, query,
		req.ID,
		req.ClusterID,
		string(req.Status),
		string(req.Reason),
		req.ForceImmediate,
		strings.Join(req.Registries, registrySep),
		req.Attempts,
		req.LastError,
		formatTime(req.CreatedAt),
		formatNullTime(req.StartedAt),
		formatNullTime(req.ConfirmedAt),
		formatNullTime(req.CompletedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return model.RotationRequest{}, fmt.Errorf("create rotation for cluster %s: %w", req.ClusterID, model.ErrRotationConflict)
		}
		return model.RotationRequest{}, fmt.Errorf("create rotation for cluster %s: %w", req.ClusterID, err)
	}

	return req, nil
}

// Get returns a rotation request by ID.
func (r *RotationRepo) Get(ctx context.Context, id string) (*model.RotationRequest, error) {
	const query = `SELECT ` + rotationColumns + ` FROM rotation_requests WHERE id = ?`

	req, err := scanRotation(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rotation %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rotation %s: %w", id, err)
	}
	return req, nil
}

// ListByStatus returns requests in any of the given statuses, oldest first.
func (r *RotationRepo) ListByStatus(ctx context.Context, statuses ...model.RotationStatus) ([]model.RotationRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}

	query := `SELECT ` + rotationColumns + ` FROM rotation_requests
		WHERE status IN (` + placeholders + `) ORDER BY created_at, id`
	return r.list(ctx, "list rotations by status", query, args...)
}

// ListByCluster returns every request for a cluster, newest first.
func (r *RotationRepo) ListByCluster(ctx context.Context, clusterID string) ([]model.RotationRequest, error) {
	const query = `SELECT ` + rotationColumns + ` FROM rotation_requests
		WHERE cluster_id = ? ORDER BY created_at DESC, id DESC`
	return r.list(ctx, "list rotations by cluster", query, clusterID)
}

// Update persists the mutable fields of a request.
func (r *RotationRepo) Update(ctx context.Context, req model.RotationRequest) error {
	const query = `UPDATE rotation_requests
		SET status = ?, attempts = ?, last_error = ?, started_at = ?, confirmed_at = ?, completed_at = ?
		WHERE id = ?`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(req.Status),
		req.Attempts,
		req.LastError,
		formatNullTime(req.StartedAt),
		formatNullTime(req.ConfirmedAt),
		formatNullTime(req.CompletedAt),
		req.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("update rotation %s: %w", req.ID, model.ErrRotationConflict)
		}
		return fmt.Errorf("update rotation %s: %w", req.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update rotation %s: %w", req.ID, model.ErrNotFound)
	}

	return nil
}

func (r *RotationRepo) list(ctx context.Context, op, query string, args ...any) ([]model.RotationRequest, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var reqs []model.RotationRequest
	for rows.Next() {
		req, err := scanRotation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}

	return reqs, nil
}

func scanRotation(row rowScanner) (*model.RotationRequest, error) {
	var (
		req                              model.RotationRequest
		status, reason, scope, createdAt string
		started, confirmed, completed    sql.NullString
	)

	err := row.Scan(
		&req.ID,
		&req.ClusterID,
		&status,
		&reason,
		&req.ForceImmediate,
		&scope,
		&req.Attempts,
		&req.LastError,
		&createdAt,
		&started,
		&confirmed,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	req.Status = model.RotationStatus(status)
	req.Reason = model.RotationReason(reason)
	if scope != "" {
		req.Registries = strings.Split(scope, registrySep)
	}

	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for rotation %s: %w", req.ID, err)
	}
	if req.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at for rotation %s: %w", req.ID, err)
	}
	if req.ConfirmedAt, err = parseNullTime(confirmed); err != nil {
		return nil, fmt.Errorf("parse confirmed_at for rotation %s: %w", req.ID, err)
	}
	if req.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at for rotation %s: %w", req.ID, err)
	}

	return &req, nil
}
