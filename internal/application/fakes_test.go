package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

// --- Fake credential store ---

type fakeCredentialStore struct {
	mu    sync.Mutex
	rows  map[string]model.Credential
	seq   int
	clock time.Time
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{
		rows:  make(map[string]model.Credential),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick advances the store clock. Callers hold mu.
func (f *fakeCredentialStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeCredentialStore) Create(_ context.Context, cred model.Credential) (model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	if cred.ID == "" {
		cred.ID = fmt.Sprintf("cred-%03d", f.seq)
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = f.tick()
	}
	cred.UpdatedAt = cred.CreatedAt
	f.rows[cred.ID] = cred
	return cred, nil
}

// Get looks a row up by ID for assertions.
func (f *fakeCredentialStore) Get(_ context.Context, id string) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (f *fakeCredentialStore) filter(keep func(model.Credential) bool) []model.Credential {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Credential
	for _, c := range f.rows {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].NewerThan(out[i]) })
	return out
}

func (f *fakeCredentialStore) ListByOwner(_ context.Context, ownerID string) ([]model.Credential, error) {
	return f.filter(func(c model.Credential) bool { return c.OwnerID == ownerID && ownerID != "" }), nil
}

func (f *fakeCredentialStore) ListByOwnerAndRegistry(_ context.Context, ownerID, registryID string) ([]model.Credential, error) {
	return f.filter(func(c model.Credential) bool {
		return c.OwnerID == ownerID && ownerID != "" && c.RegistryID == registryID
	}), nil
}

func (f *fakeCredentialStore) Current(ctx context.Context, ownerID, registryID string) (*model.Credential, error) {
	rows, _ := f.ListByOwnerAndRegistry(ctx, ownerID, registryID)
	if len(rows) == 0 {
		return nil, nil
	}
	current := rows[len(rows)-1]
	return &current, nil
}

func (f *fakeCredentialStore) ListByRotation(_ context.Context, rotationID string) ([]model.Credential, error) {
	return f.filter(func(c model.Credential) bool { return c.RotationID == rotationID && rotationID != "" }), nil
}

func (f *fakeCredentialStore) CountUnassigned(_ context.Context, registryID string) (int, error) {
	return len(f.filter(func(c model.Credential) bool { return c.IsPooled() && c.RegistryID == registryID })), nil
}

func (f *fakeCredentialStore) ClaimUnassigned(_ context.Context, registryID, ownerID string) (*model.Credential, error) {
	pool := f.filter(func(c model.Credential) bool { return c.IsPooled() && c.RegistryID == registryID })

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range pool {
		stored := f.rows[c.ID]
		if !stored.IsPooled() {
			continue
		}
		stored.OwnerID = ownerID
		stored.CreatedAt = f.tick()
		f.rows[c.ID] = stored
		return &stored, nil
	}
	return nil, nil
}

func (f *fakeCredentialStore) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	c.OwnerID = ""
	f.rows[id] = c
	return nil
}

func (f *fakeCredentialStore) UpdateExternalName(_ context.Context, id, externalName, externalResourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	c.ExternalName = externalName
	c.ExternalResourceID = externalResourceID
	f.rows[id] = c
	return nil
}

func (f *fakeCredentialStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

// --- Fake rotation store ---

type fakeRotationStore struct {
	mu   sync.Mutex
	rows map[string]model.RotationRequest
	seq  int
}

func newFakeRotationStore() *fakeRotationStore {
	return &fakeRotationStore{rows: make(map[string]model.RotationRequest)}
}

// insert stores req without the one-active-per-cluster check.
func (f *fakeRotationStore) insert(req model.RotationRequest) model.RotationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	if req.ID == "" {
		req.ID = fmt.Sprintf("rot-%03d", f.seq)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Date(2026, 1, 1, 0, 0, f.seq, 0, time.UTC)
	}
	f.rows[req.ID] = req
	return req
}

func (f *fakeRotationStore) Create(_ context.Context, req model.RotationRequest) (model.RotationRequest, error) {
	f.mu.Lock()
	for _, existing := range f.rows {
		if existing.ClusterID == req.ClusterID && existing.IsActive() {
			f.mu.Unlock()
			return model.RotationRequest{}, model.ErrRotationConflict
		}
	}
	f.mu.Unlock()
	return f.insert(req), nil
}

func (f *fakeRotationStore) Get(_ context.Context, id string) (*model.RotationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("rotation %s: %w", id, model.ErrNotFound)
	}
	return &req, nil
}

func (f *fakeRotationStore) ListByStatus(_ context.Context, statuses ...model.RotationStatus) ([]model.RotationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.RotationRequest
	for _, req := range f.rows {
		for _, s := range statuses {
			if req.Status == s {
				out = append(out, req)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRotationStore) ListByCluster(_ context.Context, clusterID string) ([]model.RotationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.RotationRequest
	for _, req := range f.rows {
		if req.ClusterID == clusterID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRotationStore) Update(_ context.Context, req model.RotationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.rows[req.ID]; !ok {
		return model.ErrNotFound
	}
	f.rows[req.ID] = req
	return nil
}

// --- Fake cluster store ---

type fakeClusterStore struct {
	mu   sync.Mutex
	rows map[string]model.Cluster
}

func newFakeClusterStore() *fakeClusterStore {
	return &fakeClusterStore{rows: make(map[string]model.Cluster)}
}

func (f *fakeClusterStore) Upsert(_ context.Context, cluster model.Cluster) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[cluster.ID] = cluster
	return nil
}

func (f *fakeClusterStore) Get(_ context.Context, id string) (*model.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, model.ErrNotFound)
	}
	return &c, nil
}

func (f *fakeClusterStore) ListAll(_ context.Context) ([]model.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.Cluster, 0, len(f.rows))
	for _, c := range f.rows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeClusterStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

// --- Fake locker ---

// fakeLocker is an in-process keyed mutex with a bounded wait.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]*fakeLock
	wait time.Duration
}

func newFakeLocker(wait time.Duration) *fakeLocker {
	return &fakeLocker{held: make(map[string]*fakeLock), wait: wait}
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (driven.Lock, error) {
	deadline := time.After(l.wait)
	for {
		l.mu.Lock()
		current, busy := l.held[key]
		if !busy {
			lock := &fakeLock{locker: l, key: key, ch: make(chan struct{}), lost: make(chan struct{})}
			l.held[key] = lock
			l.mu.Unlock()
			return lock, nil
		}
		l.mu.Unlock()

		select {
		case <-current.ch:
		case <-deadline:
			return nil, fmt.Errorf("acquire lock %q: %w", key, model.ErrLockContention)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *fakeLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// lose signals the current holder of key that its lock is gone.
func (l *fakeLocker) lose(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.held[key]; ok {
		lock.loseOnce.Do(func() { close(lock.lost) })
	}
}

type fakeLock struct {
	locker   *fakeLocker
	key      string
	ch       chan struct{}
	lost     chan struct{}
	once     sync.Once
	loseOnce sync.Once
}

func (f *fakeLock) Release(context.Context) error {
	f.once.Do(func() {
		f.locker.mu.Lock()
		if f.locker.held[f.key] == f {
			delete(f.locker.held, f.key)
		}
		f.locker.mu.Unlock()
		close(f.ch)
	})
	return nil
}

func (f *fakeLock) Lost() <-chan struct{} {
	return f.lost
}

// --- Fake registry client ---

type fakeRegistryClient struct {
	mu       sync.Mutex
	prefix   string
	rename   bool
	delay    time.Duration
	accounts map[string]model.Secret
	seq      int

	created, deleted, renamed int
	createErr, deleteErr      error
	renameErr                 error
}

func newFakeRegistryClient(prefix string, rename bool) *fakeRegistryClient {
	return &fakeRegistryClient{prefix: prefix, rename: rename, accounts: make(map[string]model.Secret)}
}

func (f *fakeRegistryClient) CreateAccount(_ context.Context, owner model.AccountOwner) (model.ExternalAccount, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return model.ExternalAccount{}, f.createErr
	}
	f.seq++
	f.created++

	who := owner.ClusterID
	if owner.IsPool() {
		who = "pool"
	}
	name := fmt.Sprintf("%s%s-%d", f.prefix, who, f.seq)
	token := model.Secret(fmt.Sprintf("token-%s-%d", who, f.seq))
	f.accounts[name] = token
	return model.ExternalAccount{Name: name, Token: token}, nil
}

func (f *fakeRegistryClient) DeleteAccount(_ context.Context, externalName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.accounts[externalName]; !ok {
		return model.ErrNotFound
	}
	delete(f.accounts, externalName)
	f.deleted++
	return nil
}

func (f *fakeRegistryClient) RecoverAccount(context.Context, string) error {
	if !f.rename {
		return model.ErrUnsupported
	}
	return nil
}

func (f *fakeRegistryClient) RenameAccount(_ context.Context, externalName string, owner model.AccountOwner) (model.ExternalAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.rename {
		return model.ExternalAccount{}, model.ErrUnsupported
	}
	if f.renameErr != nil {
		return model.ExternalAccount{}, f.renameErr
	}
	token, ok := f.accounts[externalName]
	if !ok {
		return model.ExternalAccount{}, model.ErrNotFound
	}

	f.seq++
	f.renamed++
	name := fmt.Sprintf("%s%s-%d", f.prefix, owner.ClusterID, f.seq)
	delete(f.accounts, externalName)
	f.accounts[name] = token
	return model.ExternalAccount{Name: name, Token: token}, nil
}

func (f *fakeRegistryClient) Capabilities() driven.Capabilities {
	return driven.Capabilities{Recover: f.rename, Rename: f.rename}
}

func (f *fakeRegistryClient) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts)
}

func (f *fakeRegistryClient) counts() (created, deleted, renamed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.deleted, f.renamed
}

func (f *fakeRegistryClient) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeRegistryClient) setDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// seedPool creates a pool account on the registry and its unassigned row.
func (f *fakeRegistryClient) seedPool(t *testing.T, creds *fakeCredentialStore, registryID string) model.Credential {
	t.Helper()

	account, err := f.CreateAccount(context.Background(), model.PoolOwner())
	require.NoError(t, err)
	row, err := creds.Create(context.Background(), model.Credential{
		RegistryID:   registryID,
		ExternalName: account.Name,
		Token:        account.Token,
	})
	require.NoError(t, err)
	return row
}

// --- Harness ---

const (
	robotRegistryID   = "quay"
	partnerRegistryID = "partner"
	aliasHostname     = "mirror.example.com"
)

type harness struct {
	creds      *fakeCredentialStore
	rotations  *fakeRotationStore
	clusters   *fakeClusterStore
	locker     *fakeLocker
	robot      *fakeRegistryClient
	partner    *fakeRegistryClient
	registries []Registry
	tokens     *AccessTokenService
	reconciler *RotationReconciler
}

type harnessOption func(*harness)

func withPartnerPool() harnessOption {
	return func(h *harness) { h.registries[1].Config.Pool = true }
}

func withRobotPool() harnessOption {
	return func(h *harness) { h.registries[0].Config.Pool = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		creds:     newFakeCredentialStore(),
		rotations: newFakeRotationStore(),
		clusters:  newFakeClusterStore(),
		locker:    newFakeLocker(2 * time.Second),
		robot:     newFakeRegistryClient("acme+", false),
		partner:   newFakeRegistryClient("|", true),
	}
	h.registries = []Registry{
		{
			Config: model.Registry{ID: robotRegistryID, Variant: model.RegistryVariantRobot, URL: "quay.io", EmitAlias: true},
			Client: h.robot,
		},
		{
			Config: model.Registry{ID: partnerRegistryID, Variant: model.RegistryVariantPartner, URL: "https://registry.partner.example"},
			Client: h.partner,
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.tokens = NewAccessTokenService(h.registries, h.creds, h.clusters, h.rotations, h.locker, nil, aliasHostname)
	h.reconciler = NewRotationReconciler(h.rotations, h.clusters, h.tokens, h.locker, nil, RotationConfig{
		Interval:    time.Minute,
		GracePeriod: 24 * time.Hour,
		MaxAttempts: 3,
	})
	return h
}

func testCluster(id string) model.Cluster {
	return model.Cluster{ID: id, Provider: "gcp", Region: "us-east-1"}
}
