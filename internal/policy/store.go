package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/atlas-erp/accessgate/internal/directory"
)

// ErrScopeMismatch indicates a grant or revoke outside the reachable scope.
var ErrScopeMismatch = errors.New("policy: scope mismatch")

// RepositoryPort defines the persistence methods the store requires.
type RepositoryPort interface {
	CreateRole(ctx context.Context, companyID int64, name, description string) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context, companyID int64) ([]Role, error)
	EnsurePermission(ctx context.Context, module, action string, effect Effect) (Permission, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	InsertGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, g Grant) (bool, error)
	ListGrants(ctx context.Context, principalID int64) ([]Grant, error)
	ResolveRules(ctx context.Context, principalID int64) ([]Rule, error)
	PrincipalExists(ctx context.Context, principalID int64) (bool, error)
}

// DirectoryPort is the slice of the directory service the store depends on.
type DirectoryPort interface {
	ValidateScope(ctx context.Context, scope directory.Scope) error
	IsMember(ctx context.Context, principalID, companyID int64) (bool, error)
}

// Store is the policy store: role and grant administration plus cached
// per-principal policy resolution. Reads are served from a version-keyed
// Redis cache; grant/revoke bumps the principal's version so the next
// resolve reloads from persisted grants. Mutations for the same principal
// are serialized with a keyed mutex so a revoke is never lost to a racing
// resolve.
type Store struct {
	repo   RepositoryPort
	dir    DirectoryPort
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	group  singleflight.Group
	locks  sync.Map // principal id -> *sync.Mutex
	epochs sync.Map // principal id -> *atomic.Int64, bumped on every mutation
}

// NewStore constructs a Store. The redis client may be nil, in which case
// every resolve reads straight from the repository.
func NewStore(repo RepositoryPort, dir DirectoryPort, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, dir: dir, cache: cache, ttl: ttl, logger: logger}
}

// Resolve returns the effective policy for a principal. Unknown or inactive
// principals yield ErrNotFound. Cache failures fall back to the repository
// and are never reported upward.
func (s *Store) Resolve(ctx context.Context, principalID int64) (ResolvedPolicy, error) {
	ver := s.version(ctx, principalID)
	if ver > 0 {
		if cached, ok := s.cachedPolicy(ctx, principalID, ver); ok {
			return cached, nil
		}
	}
	// The in-process epoch is part of the singleflight key so a resolve
	// issued after a completed grant or revoke never joins an in-flight
	// load that read the old rules, even when redis is down.
	key := fmt.Sprintf("resolve:%d:%d:%d", principalID, ver, s.epoch(principalID).Load())
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.load(ctx, principalID, ver)
	})
	if err != nil {
		return ResolvedPolicy{}, err
	}
	return v.(ResolvedPolicy), nil
}

func (s *Store) load(ctx context.Context, principalID, ver int64) (ResolvedPolicy, error) {
	exists, err := s.repo.PrincipalExists(ctx, principalID)
	if err != nil {
		return ResolvedPolicy{}, fmt.Errorf("policy: check principal: %w", err)
	}
	if !exists {
		return ResolvedPolicy{}, fmt.Errorf("policy: principal %d: %w", principalID, ErrNotFound)
	}
	rules, err := s.repo.ResolveRules(ctx, principalID)
	if err != nil {
		return ResolvedPolicy{}, fmt.Errorf("policy: resolve rules: %w", err)
	}
	resolved := ResolvedPolicy{PrincipalID: principalID, Version: ver, Rules: rules}
	s.storePolicy(ctx, resolved)
	return resolved, nil
}

// Grant binds a role to a principal within a scope. Granting the same
// (principal, role, scope) twice leaves exactly one effective grant.
func (s *Store) Grant(ctx context.Context, principalID, roleID int64, scope directory.Scope) error {
	if err := s.checkGrantTarget(ctx, principalID, roleID, scope); err != nil {
		return err
	}
	mu := s.principalLock(principalID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.InsertGrant(ctx, Grant{PrincipalID: principalID, RoleID: roleID, Scope: scope}); err != nil {
		return fmt.Errorf("policy: insert grant: %w", err)
	}
	return s.bumpVersion(ctx, principalID)
}

// Revoke removes a grant. ErrNotFound is returned when no such grant exists.
func (s *Store) Revoke(ctx context.Context, principalID, roleID int64, scope directory.Scope) error {
	exists, err := s.repo.PrincipalExists(ctx, principalID)
	if err != nil {
		return fmt.Errorf("policy: check principal: %w", err)
	}
	if !exists {
		return fmt.Errorf("policy: principal %d: %w", principalID, ErrNotFound)
	}
	mu := s.principalLock(principalID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := s.repo.DeleteGrant(ctx, Grant{PrincipalID: principalID, RoleID: roleID, Scope: scope})
	if err != nil {
		return fmt.Errorf("policy: delete grant: %w", err)
	}
	if !removed {
		return fmt.Errorf("policy: grant: %w", ErrNotFound)
	}
	return s.bumpVersion(ctx, principalID)
}

func (s *Store) checkGrantTarget(ctx context.Context, principalID, roleID int64, scope directory.Scope) error {
	exists, err := s.repo.PrincipalExists(ctx, principalID)
	if err != nil {
		return fmt.Errorf("policy: check principal: %w", err)
	}
	if !exists {
		return fmt.Errorf("policy: principal %d: %w", principalID, ErrNotFound)
	}
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.dir.ValidateScope(ctx, scope); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("policy: scope: %w", ErrNotFound)
		}
		return err
	}
	if !role.IsSystem() && role.CompanyID != scope.CompanyID {
		return fmt.Errorf("policy: role %d belongs to company %d: %w", roleID, role.CompanyID, ErrScopeMismatch)
	}
	member, err := s.dir.IsMember(ctx, principalID, scope.CompanyID)
	if err != nil {
		return fmt.Errorf("policy: check membership: %w", err)
	}
	if !member {
		return fmt.Errorf("policy: principal %d has no access to company %d: %w", principalID, scope.CompanyID, ErrScopeMismatch)
	}
	return nil
}

// CreateRole inserts a role, company-scoped or system-wide when companyID is
// zero.
func (s *Store) CreateRole(ctx context.Context, companyID int64, name, description string) (Role, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return Role{}, errors.New("policy: role name required")
	}
	if companyID != 0 {
		if err := s.dir.ValidateScope(ctx, directory.Scope{CompanyID: companyID}); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return Role{}, fmt.Errorf("policy: company %d: %w", companyID, ErrNotFound)
			}
			return Role{}, err
		}
	}
	return s.repo.CreateRole(ctx, companyID, name, strings.TrimSpace(description))
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns system roles plus the given company's roles.
func (s *Store) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, companyID)
}

// ListGrants returns a principal's grants.
func (s *Store) ListGrants(ctx context.Context, principalID int64) ([]Grant, error) {
	return s.repo.ListGrants(ctx, principalID)
}

// EnsurePermission upserts a permission definition.
func (s *Store) EnsurePermission(ctx context.Context, module, action string, effect Effect) (Permission, error) {
	module = strings.ToLower(strings.TrimSpace(module))
	action = strings.ToLower(strings.TrimSpace(action))
	if module == "" || action == "" {
		return Permission{}, errors.New("policy: permission module and action required")
	}
	if effect != EffectAllow && effect != EffectDeny {
		return Permission{}, fmt.Errorf("policy: invalid effect %q", effect)
	}
	return s.repo.EnsurePermission(ctx, module, action, effect)
}

// SetRolePermissions replaces the permission set of a role by attaching the
// missing ids and detaching the removed ones.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	current, err := s.repo.ListRolePermissions(ctx, roleID)
	if err != nil {
		return err
	}
	existing := make(map[int64]struct{}, len(current))
	for _, p := range current {
		existing[p.ID] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			if err := s.repo.AttachPermission(ctx, roleID, id); err != nil {
				return err
			}
		}
	}
	for id := range existing {
		if _, ok := keep[id]; !ok {
			if err := s.repo.DetachPermission(ctx, roleID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) principalLock(principalID int64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(principalID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) epoch(principalID int64) *atomic.Int64 {
	v, _ := s.epochs.LoadOrStore(principalID, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func versionKey(principalID int64) string {
	return fmt.Sprintf("policy:principal:%d:ver", principalID)
}

func policyKey(principalID, ver int64) string {
	return fmt.Sprintf("policy:principal:%d:v%d", principalID, ver)
}

// version returns the principal's cache version. Zero means the cache is
// unavailable and should be bypassed. Fresh versions start from a nanosecond
// clock, far ahead of any plausible bump count, so a reinitialised key does
// not collide with an older cached policy still inside its TTL.
func (s *Store) version(ctx context.Context, principalID int64) int64 {
	if s.cache == nil {
		return 0
	}
	key := versionKey(principalID)
	ver, err := s.cache.Get(ctx, key).Int64()
	if err == redis.Nil {
		initial := time.Now().UnixNano()
		if err := s.cache.SetNX(ctx, key, initial, 0).Err(); err != nil {
			s.logger.Warn("policy cache init version", slog.Any("error", err))
			return 0
		}
		ver, err = s.cache.Get(ctx, key).Int64()
		if err != nil {
			s.logger.Warn("policy cache read version", slog.Any("error", err))
			return 0
		}
		return ver
	}
	if err != nil {
		s.logger.Warn("policy cache read version", slog.Any("error", err))
		return 0
	}
	return ver
}

func (s *Store) cachedPolicy(ctx context.Context, principalID, ver int64) (ResolvedPolicy, bool) {
	raw, err := s.cache.Get(ctx, policyKey(principalID, ver)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Warn("policy cache read", slog.Any("error", err))
		}
		return ResolvedPolicy{}, false
	}
	var resolved ResolvedPolicy
	if err := json.Unmarshal(raw, &resolved); err != nil {
		s.logger.Warn("policy cache decode", slog.Any("error", err))
		return ResolvedPolicy{}, false
	}
	return resolved, true
}

func (s *Store) storePolicy(ctx context.Context, resolved ResolvedPolicy) {
	if s.cache == nil || resolved.Version == 0 {
		return
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, policyKey(resolved.PrincipalID, resolved.Version), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("policy cache write", slog.Any("error", err))
	}
}

// bumpVersion invalidates the principal's cached policy. The in-process
// epoch advances regardless of redis health; redis invalidation failures
// surface as mutation errors so a stale allow can never outlive a completed
// revoke.
func (s *Store) bumpVersion(ctx context.Context, principalID int64) error {
	s.epoch(principalID).Add(1)
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Incr(ctx, versionKey(principalID)).Err(); err != nil {
		if delErr := s.cache.Del(ctx, versionKey(principalID)).Err(); delErr != nil {
			return fmt.Errorf("policy: invalidate cache: %w", err)
		}
	}
	return nil
}
