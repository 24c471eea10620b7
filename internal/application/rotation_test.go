package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

// provisioned returns a harness whose cluster c1 already has a credential set.
func provisioned(t *testing.T, opts ...harnessOption) (*harness, []byte) {
	t.Helper()

	h := newHarness(t, opts...)
	doc, err := h.tokens.GeneratePullSecret(context.Background(), GenerateRequest{Cluster: testCluster("c1")})
	require.NoError(t, err)
	return h, doc
}

func rowsFor(t *testing.T, h *harness, registryID string) []model.Credential {
	t.Helper()

	rows, err := h.creds.ListByOwnerAndRegistry(context.Background(), "c1", registryID)
	require.NoError(t, err)
	return rows
}

func TestStartRotation_UnknownCluster(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.StartRotation(context.Background(), StartRotationRequest{ClusterID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStartRotation_InvalidReason(t *testing.T) {
	h, _ := provisioned(t)

	_, err := h.reconciler.StartRotation(context.Background(), StartRotationRequest{ClusterID: "c1", Reason: "boredom"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestStartRotation_SecondActiveRequestConflicts(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	first, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1", Reason: model.RotationReasonCompromise})
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusPending, first.Status)

	_, err = h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1"})
	assert.ErrorIs(t, err, model.ErrRotationConflict)

	history, err := h.reconciler.ListRotations(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRotation_OverlapThenGracePeriodCompletes(t *testing.T) {
	h, before := provisioned(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.reconciler.now = func() time.Time { return start }

	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1", Reason: model.RotationReasonScheduled})
	require.NoError(t, err)

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	// Old and new credentials both live through the overlap.
	assert.Len(t, rowsFor(t, h, robotRegistryID), 2)
	assert.Len(t, rowsFor(t, h, partnerRegistryID), 2)
	assert.Equal(t, 2, h.robot.live())

	current, err := h.tokens.GetCurrentPullSecret(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, before, current, "new credentials are current")

	// Still inside the grace period.
	h.reconciler.now = func() time.Time { return start.Add(23 * time.Hour) }
	require.NoError(t, h.reconciler.ReconcileOnce(ctx))
	got, err = h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusInProgress, got.Status)

	robotCreated, _, _ := h.robot.counts()
	assert.Equal(t, 2, robotCreated, "re-entrant passes never recreate")

	h.reconciler.now = func() time.Time { return start.Add(24 * time.Hour) }
	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err = h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	robotRows := rowsFor(t, h, robotRegistryID)
	require.Len(t, robotRows, 1)
	assert.Equal(t, req.ID, robotRows[0].RotationID)
	assert.Equal(t, 1, h.robot.live())
	assert.Equal(t, 1, h.partner.live())

	after, err := h.tokens.GetCurrentPullSecret(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, current, after)
}

func TestRotation_ConfirmationCompletesEarly(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1"})
	require.NoError(t, err)
	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	confirmed, err := h.reconciler.ConfirmRotation(ctx, req.ID)
	require.NoError(t, err)
	assert.NotNil(t, confirmed.ConfirmedAt)

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusCompleted, got.Status)
	assert.Len(t, rowsFor(t, h, robotRegistryID), 1)

	_, err = h.reconciler.ConfirmRotation(ctx, req.ID)
	assert.ErrorIs(t, err, model.ErrInvalidInput, "finished rotations cannot be confirmed")
}

func TestRotation_ForceImmediateCompletesInOnePass(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{
		ClusterID:      "c1",
		Reason:         model.RotationReasonCompromise,
		ForceImmediate: true,
	})
	require.NoError(t, err)

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusCompleted, got.Status)
	assert.Len(t, rowsFor(t, h, robotRegistryID), 1)
	assert.Len(t, rowsFor(t, h, partnerRegistryID), 1)

	_, err = h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1"})
	assert.NoError(t, err, "a completed rotation frees the cluster")
}

func TestRotation_CreationFailureRetriesThenFails(t *testing.T) {
	h, before := provisioned(t)
	ctx := context.Background()

	h.partner.setCreateErr(model.ErrAdapterUnavailable)

	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1", ForceImmediate: true})
	require.NoError(t, err)

	for pass := 1; pass <= 2; pass++ {
		require.NoError(t, h.reconciler.ReconcileOnce(ctx))
		got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RotationStatusInProgress, got.Status)
		assert.Equal(t, pass, got.Attempts)
		assert.Contains(t, got.LastError, "registry unavailable")
	}

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))
	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusFailed, got.Status)

	// The working credential survives a failed rotation.
	partnerRows := rowsFor(t, h, partnerRegistryID)
	require.Len(t, partnerRows, 1)
	assert.Empty(t, partnerRows[0].RotationID)
	assert.Equal(t, decodeDoc(t, before)["registry.partner.example"], decodeDoc(t, mustCurrent(t, h))["registry.partner.example"])

	robotCreated, _, _ := h.robot.counts()
	assert.Equal(t, 2, robotCreated, "the robot replacement is created once across retries")
}

func TestRotation_ResumesAfterPartialCreation(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	h.partner.setCreateErr(model.ErrAdapterUnavailable)
	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1", ForceImmediate: true})
	require.NoError(t, err)
	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	h.partner.setCreateErr(nil)
	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusCompleted, got.Status)

	set, err := h.creds.ListByRotation(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, set, 2)

	robotCreated, _, _ := h.robot.counts()
	assert.Equal(t, 2, robotCreated)
}

func TestRotation_DeletedClusterFails(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	req, err := h.reconciler.StartRotation(ctx, StartRotationRequest{ClusterID: "c1"})
	require.NoError(t, err)
	require.NoError(t, h.clusters.Delete(ctx, "c1"))

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	got, err := h.reconciler.GetRotationStatus(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RotationStatusFailed, got.Status)
	assert.Equal(t, "cluster no longer exists", got.LastError)
}

func TestRotation_MultipleActiveRequestsAreMarkedFailed(t *testing.T) {
	h, before := provisioned(t)
	ctx := context.Background()

	a := h.rotations.insert(model.RotationRequest{ClusterID: "c1", Status: model.RotationStatusPending, Reason: model.RotationReasonManual})
	b := h.rotations.insert(model.RotationRequest{ClusterID: "c1", Status: model.RotationStatusInProgress, Reason: model.RotationReasonManual})

	require.NoError(t, h.reconciler.ReconcileOnce(ctx))

	for _, id := range []string{a.ID, b.ID} {
		got, err := h.reconciler.GetRotationStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.RotationStatusFailed, got.Status)
		assert.Contains(t, got.LastError, "invariant violation")
	}

	assert.Equal(t, before, mustCurrent(t, h), "no credential is touched")
	robotCreated, _, _ := h.robot.counts()
	assert.Equal(t, 1, robotCreated)
}

func TestCreateCredentialSet_Idempotent(t *testing.T) {
	h, _ := provisioned(t)
	ctx := context.Background()

	cluster := testCluster("c1")

	first, err := h.tokens.createCredentialSet(ctx, cluster, h.registries, "rot-x")
	require.NoError(t, err)
	second, err := h.tokens.createCredentialSet(ctx, cluster, h.registries, "rot-x")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, robotRegistryID, first[0].RegistryID, "set follows registry order")
	assert.Equal(t, partnerRegistryID, first[1].RegistryID)
}

func mustCurrent(t *testing.T, h *harness) []byte {
	t.Helper()

	doc, err := h.tokens.GetCurrentPullSecret(context.Background(), "c1")
	require.NoError(t, err)
	return doc
}
