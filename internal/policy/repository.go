package policy

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates an unknown principal, role, permission or scope.
var ErrNotFound = errors.New("policy: not found")

// ErrDuplicate indicates a role name collision within a company.
var ErrDuplicate = errors.New("policy: already exists")

// Repository provides PostgreSQL backed persistence for roles, permissions
// and grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateRole inserts a role. companyID zero creates a system role.
func (r *Repository) CreateRole(ctx context.Context, companyID int64, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (company_id, name, description) VALUES ($1, $2, $3)
		 RETURNING id, company_id, name, description, created_at, updated_at`,
		companyID, name, description,
	).Scan(&role.ID, &role.CompanyID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Role{}, ErrDuplicate
		}
		return Role{}, err
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, company_id, name, description, created_at, updated_at FROM roles WHERE id = $1`,
		id,
	).Scan(&role.ID, &role.CompanyID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	return role, err
}

// ListRoles returns the system roles plus the roles of the given company.
func (r *Repository) ListRoles(ctx context.Context, companyID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, company_id, name, description, created_at, updated_at
		 FROM roles WHERE company_id = 0 OR company_id = $1 ORDER BY company_id, name`,
		companyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.CompanyID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// EnsurePermission upserts a (module, action, effect) permission.
func (r *Repository) EnsurePermission(ctx context.Context, module, action string, effect Effect) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (module, action, effect) VALUES ($1, $2, $3)
		 ON CONFLICT (module, action, effect) DO UPDATE SET module = EXCLUDED.module
		 RETURNING id, module, action, effect`,
		module, action, string(effect),
	).Scan(&p.ID, &p.Module, &p.Action, &p.Effect)
	return p, err
}

// ListRolePermissions returns the permissions attached to a role.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.module, p.action, p.effect
		 FROM permissions p JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = $1 ORDER BY p.module, p.action`,
		roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Module, &p.Action, &p.Effect); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AttachPermission links a permission to a role.
func (r *Repository) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		roleID, permissionID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
	}
	return err
}

// DetachPermission unlinks a permission from a role.
func (r *Repository) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID,
	)
	return err
}

// InsertGrant records a grant. Granting an existing (principal, role, scope)
// triple is a no-op; the unique constraint makes the operation idempotent.
func (r *Repository) InsertGrant(ctx context.Context, g Grant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO grants (principal_id, role_id, company_id, branch_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (principal_id, role_id, company_id, branch_id) DO NOTHING`,
		g.PrincipalID, g.RoleID, g.Scope.CompanyID, g.Scope.BranchID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
	}
	return err
}

// DeleteGrant removes a grant and reports whether one existed.
func (r *Repository) DeleteGrant(ctx context.Context, g Grant) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM grants WHERE principal_id = $1 AND role_id = $2 AND company_id = $3 AND branch_id = $4`,
		g.PrincipalID, g.RoleID, g.Scope.CompanyID, g.Scope.BranchID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListGrants returns a principal's grants ordered by scope.
func (r *Repository) ListGrants(ctx context.Context, principalID int64) ([]Grant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT principal_id, role_id, company_id, branch_id, created_at
		 FROM grants WHERE principal_id = $1 ORDER BY company_id, branch_id, role_id`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.PrincipalID, &g.RoleID, &g.Scope.CompanyID, &g.Scope.BranchID, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ResolveRules derives the effective rule set for a principal by joining
// grants to their roles' permissions. Ordering is fixed so resolution is
// deterministic.
func (r *Repository) ResolveRules(ctx context.Context, principalID int64) ([]Rule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.module, p.action, g.company_id, g.branch_id, p.effect
		 FROM grants g
		 JOIN role_permissions rp ON rp.role_id = g.role_id
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE g.principal_id = $1
		 ORDER BY p.module, p.action, g.company_id, g.branch_id, p.effect`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var (
			rule   Rule
			effect string
		)
		if err := rows.Scan(&rule.Module, &rule.Action, &rule.Scope.CompanyID, &rule.Scope.BranchID, &effect); err != nil {
			return nil, err
		}
		rule.Effect = Effect(effect)
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// PrincipalExists reports whether the principal is known and active.
func (r *Repository) PrincipalExists(ctx context.Context, principalID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1 AND is_active)`,
		principalID,
	).Scan(&exists)
	return exists, err
}
