package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
	"github.com/ericfisherdev/regcreds/internal/metrics"
)

// GenerateRequest describes a pull secret generation.
type GenerateRequest struct {
	Cluster    model.Cluster
	Registries []string // Registry IDs to include; empty means all.
	ForceNew   bool     // Replace current accounts through a rotation that starts at once.
}

// AccessTokenService issues, reads and tears down a cluster's pull
// credentials. Every write to a cluster's credential rows happens under that
// cluster's lock.
type AccessTokenService struct {
	registries    []Registry
	byID          map[string]Registry
	creds         driven.CredentialStore
	clusters      driven.ClusterStore
	rotations     driven.RotationStore
	locker        driven.Locker
	metrics       *metrics.Recorder
	aliasHostname string
	now           func() time.Time
}

// NewAccessTokenService creates an AccessTokenService. Registries keep their
// given order in generated documents.
func NewAccessTokenService(
	registries []Registry,
	creds driven.CredentialStore,
	clusters driven.ClusterStore,
	rotations driven.RotationStore,
	locker driven.Locker,
	rec *metrics.Recorder,
	aliasHostname string,
) *AccessTokenService {
	byID := make(map[string]Registry, len(registries))
	for _, r := range registries {
		byID[r.ID()] = r
	}
	return &AccessTokenService{
		registries:    registries,
		byID:          byID,
		creds:         creds,
		clusters:      clusters,
		rotations:     rotations,
		locker:        locker,
		metrics:       rec,
		aliasHostname: aliasHostname,
		now:           time.Now,
	}
}

// GeneratePullSecret returns the cluster's auth document, creating any
// missing credentials. Repeated calls return identical bytes while the
// credentials stay current. Any registry failure fails the whole call.
//
// With ForceNew the credentials in scope are replaced under a new rotation
// that is already in progress. The superseded rows stay valid until the
// rotation reconciler retires them after the overlap window. A cluster with
// an active rotation yields model.ErrRotationConflict.
func (s *AccessTokenService) GeneratePullSecret(ctx context.Context, req GenerateRequest) ([]byte, error) {
	doc, err := s.generate(ctx, req)
	s.metrics.PullSecretRequest(errorKind(err))
	return doc, err
}

func (s *AccessTokenService) generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	if req.Cluster.ID == "" {
		return nil, fmt.Errorf("generate pull secret: cluster id is required: %w", model.ErrInvalidInput)
	}

	scope, err := s.scope(req.Registries)
	if err != nil {
		return nil, err
	}

	var resolved []model.Credential
	err = withLock(ctx, s.locker, s.metrics, clusterLockKey(req.Cluster.ID), func(ctx context.Context) error {
		cluster, err := s.recordCluster(ctx, req.Cluster)
		if err != nil {
			return err
		}
		if req.ForceNew {
			resolved, err = s.reissue(ctx, cluster, scope)
			return err
		}
		resolved, err = s.resolveAll(ctx, cluster, scope, false, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("generate pull secret for cluster %s: %w", req.Cluster.ID, err)
	}

	return s.assemble(resolved)
}

// GetCurrentPullSecret returns the document built from the cluster's current
// credentials without creating anything.
func (s *AccessTokenService) GetCurrentPullSecret(ctx context.Context, clusterID string) ([]byte, error) {
	creds, err := s.creds.ListByOwner(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get pull secret for cluster %s: %w", clusterID, err)
	}

	current := model.CurrentByRegistry(creds)
	var resolved []model.Credential
	for _, r := range s.registries {
		if c, ok := current[r.ID()]; ok {
			resolved = append(resolved, c)
		}
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("pull secret for cluster %s: %w", clusterID, model.ErrNotFound)
	}

	return s.assemble(resolved)
}

// ListCredentials returns the cluster's credentials tagged current or retiring.
func (s *AccessTokenService) ListCredentials(ctx context.Context, clusterID string) ([]model.ClassifiedCredential, error) {
	creds, err := s.creds.ListByOwner(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("list credentials for cluster %s: %w", clusterID, err)
	}
	return model.ClassifyCredentials(creds), nil
}

// DeletePullSecret deletes every credential of the cluster, external account
// first. Rows whose account could not be deleted are kept so a retry can
// finish the job; the cluster record goes only once nothing is left.
func (s *AccessTokenService) DeletePullSecret(ctx context.Context, clusterID string) error {
	err := withLock(ctx, s.locker, s.metrics, clusterLockKey(clusterID), func(ctx context.Context) error {
		creds, err := s.creds.ListByOwner(ctx, clusterID)
		if err != nil {
			return err
		}

		if len(creds) == 0 {
			if _, err := s.clusters.Get(ctx, clusterID); err != nil {
				return err
			}
		}

		var result *multierror.Error
		for _, c := range creds {
			if err := s.deleteCredential(ctx, c); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}

		return s.clusters.Delete(ctx, clusterID)
	})
	if err != nil {
		return fmt.Errorf("delete pull secret for cluster %s: %w", clusterID, err)
	}

	slog.Info("pull secret deleted", "cluster_id", clusterID)
	return nil
}

// reissue starts an in-progress rotation over scope and creates its
// credential set. Callers hold the cluster lock.
func (s *AccessTokenService) reissue(ctx context.Context, cluster model.Cluster, scope []Registry) ([]model.Credential, error) {
	history, err := s.rotations.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}
	for _, existing := range history {
		if existing.IsActive() {
			return nil, fmt.Errorf("rotation %s is %s: %w", existing.ID, existing.Status, model.ErrRotationConflict)
		}
	}

	now := s.now().UTC()
	rot, err := s.rotations.Create(ctx, model.RotationRequest{
		ClusterID:  cluster.ID,
		Status:     model.RotationStatusInProgress,
		Reason:     model.RotationReasonManual,
		Registries: s.scopeIDs(scope),
		CreatedAt:  now,
		StartedAt:  &now,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RotationTransition(string(rot.Status))
	slog.Info("rotation started", "rotation_id", rot.ID, "cluster_id", cluster.ID, "reason", rot.Reason, "registries", rot.Registries)

	return s.createCredentialSet(ctx, cluster, scope, rot.ID)
}

// createCredentialSet creates one fresh credential per registry in regs for
// a rotation and returns the set in regs order. Registries that already have
// a row for the rotation are skipped, so the call can be repeated after a
// partial failure. Callers hold the cluster lock.
func (s *AccessTokenService) createCredentialSet(ctx context.Context, cluster model.Cluster, regs []Registry, rotationID string) ([]model.Credential, error) {
	existing, err := s.creds.ListByRotation(ctx, rotationID)
	if err != nil {
		return nil, fmt.Errorf("list rotation %s credentials: %w", rotationID, err)
	}

	have := make(map[string]model.Credential, len(existing))
	for _, c := range existing {
		have[c.RegistryID] = c
	}

	var missing []Registry
	for _, r := range regs {
		if _, ok := have[r.ID()]; !ok {
			missing = append(missing, r)
		}
	}

	fresh, err := s.resolveAll(ctx, cluster, missing, true, rotationID)
	if err != nil {
		return nil, err
	}
	for _, c := range fresh {
		have[c.RegistryID] = c
	}

	set := make([]model.Credential, 0, len(regs))
	for _, r := range regs {
		set = append(set, have[r.ID()])
	}
	return set, nil
}

// retireSuperseded deletes, per registry, every cluster row older than the
// replacement in set. A row naming the replacement's own account loses only
// the row. Callers hold the cluster lock.
func (s *AccessTokenService) retireSuperseded(ctx context.Context, clusterID string, set []model.Credential) error {
	var result *multierror.Error
	for _, replacement := range set {
		rows, err := s.creds.ListByOwnerAndRegistry(ctx, clusterID, replacement.RegistryID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, old := range rows {
			if old.ID == replacement.ID || !replacement.NewerThan(old) {
				continue
			}
			if old.ExternalName == replacement.ExternalName {
				slog.Warn("superseded row shares the current account, keeping the account",
					"registry", old.RegistryID, "cluster_id", clusterID, "account", old.ExternalName)
				if err := s.creds.Delete(ctx, old.ID); err != nil {
					result = multierror.Append(result, err)
				}
				continue
			}
			if err := s.deleteCredential(ctx, old); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// deleteCredential deletes the external account, then the row. An account
// the registry no longer knows counts as deleted.
func (s *AccessTokenService) deleteCredential(ctx context.Context, c model.Credential) error {
	r, ok := s.byID[c.RegistryID]
	if !ok {
		return fmt.Errorf("delete credential %s: registry %q is not configured: %w", c.ID, c.RegistryID, model.ErrInvalidInput)
	}

	if err := r.Client.DeleteAccount(ctx, c.ExternalName); err != nil && !errors.Is(err, model.ErrNotFound) {
		s.metrics.AdapterError(r.ID(), errorKind(err))
		return fmt.Errorf("delete account %s on %s: %w", c.ExternalName, r.ID(), err)
	}

	if err := s.creds.Delete(context.WithoutCancel(ctx), c.ID); err != nil {
		return err
	}

	s.metrics.CredentialDeleted(r.ID())
	slog.Info("credential deleted", "registry", r.ID(), "cluster_id", c.OwnerID, "account", c.ExternalName)
	return nil
}

// scopeIDs returns the IDs of scope, or nil when it covers every registry.
func (s *AccessTokenService) scopeIDs(scope []Registry) []string {
	if len(scope) == len(s.registries) {
		return nil
	}
	ids := make([]string, len(scope))
	for i, r := range scope {
		ids[i] = r.ID()
	}
	return ids
}

// scope resolves a registry subset. An empty subset means every registry.
func (s *AccessTokenService) scope(ids []string) ([]Registry, error) {
	if len(ids) == 0 {
		return s.registries, nil
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			return nil, fmt.Errorf("registry %q is not configured: %w", id, model.ErrInvalidInput)
		}
		want[id] = true
	}

	scope := make([]Registry, 0, len(want))
	for _, r := range s.registries {
		if want[r.ID()] {
			scope = append(scope, r)
		}
	}
	return scope, nil
}

// recordCluster persists the owner context. When the caller sent no naming
// context, the stored one is used instead.
func (s *AccessTokenService) recordCluster(ctx context.Context, cluster model.Cluster) (model.Cluster, error) {
	if cluster.Provider == "" && cluster.Region == "" && cluster.ExternalResourceID == "" {
		stored, err := s.clusters.Get(ctx, cluster.ID)
		switch {
		case err == nil:
			return *stored, nil
		case !errors.Is(err, model.ErrNotFound):
			return model.Cluster{}, err
		}
	}

	if err := s.clusters.Upsert(ctx, cluster); err != nil {
		return model.Cluster{}, err
	}
	return cluster, nil
}

// resolveAll finds or creates one credential per registry concurrently. The
// result follows the order of regs.
func (s *AccessTokenService) resolveAll(ctx context.Context, cluster model.Cluster, regs []Registry, forceNew bool, rotationID string) ([]model.Credential, error) {
	results := make([]model.Credential, len(regs))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range regs {
		g.Go(func() error {
			c, err := s.resolve(gctx, cluster, r, forceNew, rotationID)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *AccessTokenService) resolve(ctx context.Context, cluster model.Cluster, r Registry, forceNew bool, rotationID string) (model.Credential, error) {
	if !forceNew {
		current, err := s.creds.Current(ctx, cluster.ID, r.ID())
		if err != nil {
			return model.Credential{}, err
		}
		if current != nil {
			return *current, nil
		}
	}

	if rotationID == "" && r.poolable() {
		bound, err := s.bindPooled(ctx, cluster, r)
		if err != nil {
			return model.Credential{}, err
		}
		if bound != nil {
			return *bound, nil
		}
	}

	return s.createFresh(ctx, cluster, r, rotationID)
}

// createFresh creates an external account and persists it. The row is
// written even if ctx was canceled after the account came back.
func (s *AccessTokenService) createFresh(ctx context.Context, cluster model.Cluster, r Registry, rotationID string) (model.Credential, error) {
	account, err := r.Client.CreateAccount(ctx, cluster.Owner())
	if err != nil {
		s.metrics.AdapterError(r.ID(), errorKind(err))
		return model.Credential{}, fmt.Errorf("create account on %s: %w", r.ID(), err)
	}

	cred, err := s.creds.Create(context.WithoutCancel(ctx), model.Credential{
		RegistryID:         r.ID(),
		ExternalName:       account.Name,
		Token:              account.Token,
		OwnerID:            cluster.ID,
		ExternalResourceID: cluster.ExternalResourceID,
		RotationID:         rotationID,
	})
	if err != nil {
		return model.Credential{}, fmt.Errorf("persist credential for %s: %w", r.ID(), err)
	}

	source := metrics.SourceFresh
	if rotationID != "" {
		source = metrics.SourceRotation
	}
	s.metrics.CredentialCreated(r.ID(), source)
	slog.Info("credential created", "registry", r.ID(), "cluster_id", cluster.ID, "account", account.Name, "rotation_id", rotationID)

	return cred, nil
}

// bindPooled claims an unassigned credential and renames its account for the
// cluster. It returns nil when the pool is empty or the rename failed, in
// which case the claimed row goes back to the pool.
func (s *AccessTokenService) bindPooled(ctx context.Context, cluster model.Cluster, r Registry) (*model.Credential, error) {
	claimed, err := s.creds.ClaimUnassigned(ctx, r.ID(), cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("claim pool credential on %s: %w", r.ID(), err)
	}
	if claimed == nil {
		return nil, nil
	}

	persistCtx := context.WithoutCancel(ctx)

	account, err := r.Client.RenameAccount(ctx, claimed.ExternalName, cluster.Owner())
	if err != nil {
		s.metrics.AdapterError(r.ID(), errorKind(err))
		slog.Warn("pool credential rename failed, creating a fresh account",
			"registry", r.ID(), "cluster_id", cluster.ID, "account", claimed.ExternalName, "error", err)
		if relErr := s.creds.Release(persistCtx, claimed.ID); relErr != nil {
			return nil, fmt.Errorf("release pool credential %s: %w", claimed.ID, relErr)
		}
		return nil, nil
	}

	if err := s.creds.UpdateExternalName(persistCtx, claimed.ID, account.Name, cluster.ExternalResourceID); err != nil {
		return nil, fmt.Errorf("record renamed pool credential %s: %w", claimed.ID, err)
	}
	claimed.ExternalName = account.Name
	claimed.ExternalResourceID = cluster.ExternalResourceID

	s.metrics.CredentialCreated(r.ID(), metrics.SourcePool)
	slog.Info("pool credential bound", "registry", r.ID(), "cluster_id", cluster.ID, "account", account.Name)

	return claimed, nil
}

// assemble builds the auth document. Entries follow registry order, so an
// alias shared by several registries resolves to the last one.
func (s *AccessTokenService) assemble(creds []model.Credential) ([]byte, error) {
	doc := model.NewPullSecret()
	for _, c := range creds {
		r, ok := s.byID[c.RegistryID]
		if !ok {
			continue
		}
		doc.Add(r.Config.Hostname(), c.ExternalName, c.Token)
		if r.Config.EmitAlias && s.aliasHostname != "" {
			doc.Add(s.aliasHostname, c.ExternalName, c.Token)
		}
	}

	out, err := doc.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode pull secret: %w", err)
	}
	return out, nil
}
