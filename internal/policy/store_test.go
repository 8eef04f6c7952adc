package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/atlas-erp/accessgate/internal/directory"
)

type stubRepo struct {
	mu           sync.Mutex
	exists       bool
	role         Role
	roleErr      error
	rules        []Rule
	grants       map[Grant]struct{}
	resolveCalls int

	// When set, the first ResolveRules call signals resolveEntered after
	// reading the rules and then blocks until resolveHold is closed.
	resolveHold    chan struct{}
	resolveEntered chan struct{}
}

func newStubRepo() *stubRepo {
	return &stubRepo{exists: true, grants: make(map[Grant]struct{})}
}

func (r *stubRepo) CreateRole(ctx context.Context, companyID int64, name, description string) (Role, error) {
	return Role{ID: 1, CompanyID: companyID, Name: name, Description: description}, nil
}

func (r *stubRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	if r.roleErr != nil {
		return Role{}, r.roleErr
	}
	return r.role, nil
}

func (r *stubRepo) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	return []Role{r.role}, nil
}

func (r *stubRepo) EnsurePermission(ctx context.Context, module, action string, effect Effect) (Permission, error) {
	return Permission{ID: 1, Module: module, Action: action, Effect: effect}, nil
}

func (r *stubRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return nil, nil
}

func (r *stubRepo) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	return nil
}

func (r *stubRepo) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	return nil
}

func (r *stubRepo) InsertGrant(ctx context.Context, g Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.CreatedAt = time.Time{}
	r.grants[g] = struct{}{}
	return nil
}

func (r *stubRepo) DeleteGrant(ctx context.Context, g Grant) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.CreatedAt = time.Time{}
	if _, ok := r.grants[g]; !ok {
		return false, nil
	}
	delete(r.grants, g)
	return true, nil
}

func (r *stubRepo) ListGrants(ctx context.Context, principalID int64) ([]Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Grant, 0, len(r.grants))
	for g := range r.grants {
		if g.PrincipalID == principalID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *stubRepo) ResolveRules(ctx context.Context, principalID int64) ([]Rule, error) {
	r.mu.Lock()
	r.resolveCalls++
	call := r.resolveCalls
	rules := append([]Rule(nil), r.rules...)
	hold, entered := r.resolveHold, r.resolveEntered
	r.mu.Unlock()
	if call == 1 && hold != nil {
		entered <- struct{}{}
		<-hold
	}
	return rules, nil
}

func (r *stubRepo) PrincipalExists(ctx context.Context, principalID int64) (bool, error) {
	return r.exists, nil
}

func (r *stubRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveCalls
}

func (r *stubRepo) setRules(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
}

type stubDirectory struct {
	scopeErr  error
	member    bool
	memberErr error
}

func (d *stubDirectory) ValidateScope(ctx context.Context, scope directory.Scope) error {
	return d.scopeErr
}

func (d *stubDirectory) IsMember(ctx context.Context, principalID, companyID int64) (bool, error) {
	return d.member, d.memberErr
}

func testCache(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStoreResolveCachesPolicy(t *testing.T) {
	repo := newStubRepo()
	repo.setRules([]Rule{{Module: "hr", Action: "view", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow}})
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	ctx := context.Background()
	first, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Len(t, first.Rules, 1)

	second, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version)
	require.Equal(t, 1, repo.calls(), "second resolve must be served from cache")
}

func TestStoreResolveUnknownPrincipal(t *testing.T) {
	repo := newStubRepo()
	repo.exists = false
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	_, err := store.Resolve(context.Background(), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreResolveWithoutCache(t *testing.T) {
	repo := newStubRepo()
	store := NewStore(repo, &stubDirectory{member: true}, nil, time.Minute, nil)

	ctx := context.Background()
	_, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	_, err = store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls(), "without redis every resolve reads the repository")
}

func TestStoreGrantInvalidatesCache(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	ctx := context.Background()
	resolved, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, resolved.Rules)

	require.NoError(t, store.Grant(ctx, 42, 3, directory.Scope{CompanyID: 1}))
	repo.setRules([]Rule{{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow}})

	resolved, err = store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Len(t, resolved.Rules, 1, "resolve after grant must see fresh rules")
	require.Equal(t, 2, repo.calls())
}

func TestStoreGrantIdempotent(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	ctx := context.Background()
	scope := directory.Scope{CompanyID: 1, BranchID: 2}
	require.NoError(t, store.Grant(ctx, 42, 3, scope))
	require.NoError(t, store.Grant(ctx, 42, 3, scope))

	grants, err := store.ListGrants(ctx, 42)
	require.NoError(t, err)
	require.Len(t, grants, 1, "repeated grant must leave one effective grant")
}

func TestStoreGrantScopeMismatch(t *testing.T) {
	ctx := context.Background()

	t.Run("role from another company", func(t *testing.T) {
		repo := newStubRepo()
		repo.role = Role{ID: 3, CompanyID: 2, Name: "Accountant"}
		store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)
		err := store.Grant(ctx, 42, 3, directory.Scope{CompanyID: 1})
		require.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("principal not a member", func(t *testing.T) {
		repo := newStubRepo()
		repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
		store := NewStore(repo, &stubDirectory{member: false}, testCache(t), time.Minute, nil)
		err := store.Grant(ctx, 42, 3, directory.Scope{CompanyID: 1})
		require.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("system role reaches any company", func(t *testing.T) {
		repo := newStubRepo()
		repo.role = Role{ID: 3, CompanyID: 0, Name: "System Administrator"}
		store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)
		require.NoError(t, store.Grant(ctx, 42, 3, directory.Scope{CompanyID: 5}))
	})
}

func TestStoreGrantUnknownScope(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	dir := &stubDirectory{scopeErr: directory.ErrNotFound, member: true}
	store := NewStore(repo, dir, testCache(t), time.Minute, nil)

	err := store.Grant(context.Background(), 42, 3, directory.Scope{CompanyID: 99})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRevoke(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	ctx := context.Background()
	scope := directory.Scope{CompanyID: 1}
	require.NoError(t, store.Grant(ctx, 42, 3, scope))
	require.NoError(t, store.Revoke(ctx, 42, 3, scope))

	err := store.Revoke(ctx, 42, 3, scope)
	require.ErrorIs(t, err, ErrNotFound, "revoking an absent grant reports not found")
}

func TestStoreRevokeInvalidatesCache(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	repo.setRules([]Rule{{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow}})
	store := NewStore(repo, &stubDirectory{member: true}, testCache(t), time.Minute, nil)

	ctx := context.Background()
	scope := directory.Scope{CompanyID: 1}
	require.NoError(t, store.Grant(ctx, 42, 3, scope))

	resolved, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Len(t, resolved.Rules, 1)

	require.NoError(t, store.Revoke(ctx, 42, 3, scope))
	repo.setRules(nil)

	resolved, err = store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, resolved.Rules, "resolve after revoke must not serve the stale policy")
}

func TestStoreRevokeNotMaskedByInFlightResolve(t *testing.T) {
	repo := newStubRepo()
	repo.role = Role{ID: 3, CompanyID: 1, Name: "Accountant"}
	repo.setRules([]Rule{{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow}})
	store := NewStore(repo, &stubDirectory{member: true}, nil, time.Minute, nil)

	ctx := context.Background()
	scope := directory.Scope{CompanyID: 1}
	require.NoError(t, store.Grant(ctx, 42, 3, scope))

	hold := make(chan struct{})
	entered := make(chan struct{}, 1)
	repo.mu.Lock()
	repo.resolveHold = hold
	repo.resolveEntered = entered
	repo.mu.Unlock()

	stale := make(chan ResolvedPolicy, 1)
	go func() {
		resolved, err := store.Resolve(ctx, 42)
		if err != nil {
			resolved = ResolvedPolicy{}
		}
		stale <- resolved
	}()
	<-entered // the in-flight load has read the pre-revoke rules

	require.NoError(t, store.Revoke(ctx, 42, 3, scope))
	repo.setRules(nil)

	fresh, err := store.Resolve(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, fresh.Rules, "a resolve issued after a completed revoke must not join the stale in-flight load")

	close(hold)
	<-stale
}

func TestStoreVersionInitFarAheadOfBumps(t *testing.T) {
	repo := newStubRepo()
	client := testCache(t)
	store := NewStore(repo, &stubDirectory{member: true}, client, time.Minute, nil)

	ctx := context.Background()
	_, err := store.Resolve(ctx, 42)
	require.NoError(t, err)

	// A reinitialised version key must land far beyond any realistic bump
	// count so it cannot collide with a cached policy under an old version.
	ver, err := client.Get(ctx, versionKey(42)).Int64()
	require.NoError(t, err)
	require.Greater(t, ver, int64(1e15))
}

func TestStoreEnsurePermissionValidation(t *testing.T) {
	store := NewStore(newStubRepo(), &stubDirectory{member: true}, nil, time.Minute, nil)
	ctx := context.Background()

	_, err := store.EnsurePermission(ctx, "", "view", EffectAllow)
	require.Error(t, err)
	_, err = store.EnsurePermission(ctx, "hr", "view", Effect("maybe"))
	require.Error(t, err)

	perm, err := store.EnsurePermission(ctx, " HR ", " View_Salary ", EffectAllow)
	require.NoError(t, err)
	require.Equal(t, "hr", perm.Module)
	require.Equal(t, "view_salary", perm.Action)
}
