package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

func TestClusterRepo_UpsertAndGet(t *testing.T) {
	repo := NewClusterRepo(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, model.Cluster{ID: "c1", Provider: "gcp", Region: "us-east-1"}))

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "gcp", got.Provider)
	assert.Equal(t, "us-east-1", got.Region)
	created := got.CreatedAt

	require.NoError(t, repo.Upsert(ctx, model.Cluster{ID: "c1", Provider: "gcp", Region: "us-east-1", ExternalResourceID: "res-9"}))

	got, err = repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "res-9", got.ExternalResourceID)
	assert.True(t, created.Equal(got.CreatedAt), "created_at must survive an upsert")
}

func TestClusterRepo_GetMissing(t *testing.T) {
	repo := NewClusterRepo(setupTestDB(t))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClusterRepo_ListAllAndDelete(t *testing.T) {
	repo := NewClusterRepo(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, model.Cluster{ID: "b", Provider: "aws", Region: "eu-west-1"}))
	require.NoError(t, repo.Upsert(ctx, model.Cluster{ID: "a", Provider: "gcp", Region: "us-east-1"}))

	clusters, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, "a", clusters[0].ID)

	require.NoError(t, repo.Delete(ctx, "a"))
	clusters, err = repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, clusters, 1)
}
