package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ClusterStore = (*ClusterRepo)(nil)

// ClusterRepo is the SQLite implementation of the ClusterStore port interface.
type ClusterRepo struct {
	db  *DB
	now func() time.Time
}

// NewClusterRepo creates a new ClusterRepo backed by the given DB.
func NewClusterRepo(db *DB) *ClusterRepo {
	return &ClusterRepo{db: db, now: time.Now}
}

// Upsert inserts the cluster or refreshes its owner context. created_at is
// preserved on conflict.
func (r *ClusterRepo) Upsert(ctx context.Context, cluster model.Cluster) error {
	const query = `INSERT INTO clusters (id, provider, region, external_resource_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			region = excluded.region,
			external_resource_id = excluded.external_resource_id,
			updated_at = excluded.updated_at`

	now := formatTime(r.now())
	_, err := r.db.Writer.ExecContext(ctx, query,
		cluster.ID,
		cluster.Provider,
		cluster.Region,
		cluster.ExternalResourceID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert cluster %s: %w", cluster.ID, err)
	}
	return nil
}

// Get returns a cluster by ID.
func (r *ClusterRepo) Get(ctx context.Context, id string) (*model.Cluster, error) {
	const query = `SELECT id, provider, region, external_resource_id, created_at, updated_at FROM clusters WHERE id = ?`

	cluster, err := scanCluster(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	return cluster, nil
}

// ListAll returns every cluster ordered by ID.
func (r *ClusterRepo) ListAll(ctx context.Context) ([]model.Cluster, error) {
	const query = `SELECT id, provider, region, external_resource_id, created_at, updated_at FROM clusters ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []model.Cluster
	for rows.Next() {
		cluster, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, *cluster)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}

	return clusters, nil
}

// Delete removes a cluster record.
func (r *ClusterRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM clusters WHERE id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete cluster %s: %w", id, err)
	}
	return nil
}

func scanCluster(row rowScanner) (*model.Cluster, error) {
	var (
		cluster              model.Cluster
		createdAt, updatedAt string
	)
	if err := row.Scan(&cluster.ID, &cluster.Provider, &cluster.Region, &cluster.ExternalResourceID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if cluster.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for cluster %s: %w", cluster.ID, err)
	}
	if cluster.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for cluster %s: %w", cluster.ID, err)
	}
	return &cluster, nil
}
