package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-erp/accessgate/internal/platform/db"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("directory: not found")

// ErrDuplicate indicates a unique constraint collision (company code, branch
// name within a company, principal email).
var ErrDuplicate = errors.New("directory: already exists")

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

// Repository provides PostgreSQL backed persistence for the org tree.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateCompany inserts a new company.
func (r *Repository) CreateCompany(ctx context.Context, name, code string) (Company, error) {
	var c Company
	err := r.pool.QueryRow(ctx,
		`INSERT INTO companies (name, code, is_active) VALUES ($1, $2, TRUE)
		 RETURNING id, name, code, is_active, created_at, updated_at`,
		name, code,
	).Scan(&c.ID, &c.Name, &c.Code, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Company{}, mapPgError(err)
	}
	return c, nil
}

// GetCompany fetches a company by ID.
func (r *Repository) GetCompany(ctx context.Context, id int64) (Company, error) {
	var c Company
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, code, is_active, created_at, updated_at FROM companies WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Code, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, ErrNotFound
	}
	return c, err
}

// ListCompanies returns every active company ordered by id.
func (r *Repository) ListCompanies(ctx context.Context) ([]Company, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, code, is_active, created_at, updated_at FROM companies WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var companies []Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

// CreateBranch inserts a branch under a company.
func (r *Repository) CreateBranch(ctx context.Context, companyID int64, name, code string) (Branch, error) {
	var b Branch
	err := r.pool.QueryRow(ctx,
		`INSERT INTO branches (company_id, name, code) VALUES ($1, $2, $3)
		 RETURNING id, company_id, name, code, created_at`,
		companyID, name, code,
	).Scan(&b.ID, &b.CompanyID, &b.Name, &b.Code, &b.CreatedAt)
	if err != nil {
		return Branch{}, mapPgError(err)
	}
	return b, nil
}

// GetBranch fetches a branch by ID.
func (r *Repository) GetBranch(ctx context.Context, id int64) (Branch, error) {
	var b Branch
	err := r.pool.QueryRow(ctx,
		`SELECT id, company_id, name, code, created_at FROM branches WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.CompanyID, &b.Name, &b.Code, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	return b, err
}

// ListBranches returns the branches of a company ordered by id.
func (r *Repository) ListBranches(ctx context.Context, companyID int64) ([]Branch, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, company_id, name, code, created_at FROM branches WHERE company_id = $1 ORDER BY id`,
		companyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var branches []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.Name, &b.Code, &b.CreatedAt); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// CreatePrincipal inserts a principal and its home-company membership in one
// transaction.
func (r *Repository) CreatePrincipal(ctx context.Context, email, displayName string, homeCompanyID int64) (Principal, error) {
	var p Principal
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO principals (email, display_name, home_company_id, is_active) VALUES ($1, $2, $3, TRUE)
			 RETURNING id, email, display_name, home_company_id, is_active, created_at`,
			email, displayName, homeCompanyID,
		).Scan(&p.ID, &p.Email, &p.DisplayName, &p.HomeCompanyID, &p.IsActive, &p.CreatedAt)
		if err != nil {
			return mapPgError(err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO principal_companies (principal_id, company_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			p.ID, homeCompanyID,
		)
		return err
	})
	if err != nil {
		return Principal{}, err
	}
	return p, nil
}

// GetPrincipal fetches a principal with its branch assignments.
func (r *Repository) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	var p Principal
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, display_name, home_company_id, is_active, created_at FROM principals WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.DisplayName, &p.HomeCompanyID, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, ErrNotFound
	}
	if err != nil {
		return Principal{}, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT branch_id FROM principal_branches WHERE principal_id = $1 ORDER BY branch_id`, id)
	if err != nil {
		return Principal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var branchID int64
		if err := rows.Scan(&branchID); err != nil {
			return Principal{}, err
		}
		p.BranchIDs = append(p.BranchIDs, branchID)
	}
	return p, rows.Err()
}

// AddMembership records that a principal may hold grants in a company.
func (r *Repository) AddMembership(ctx context.Context, principalID, companyID int64) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO principal_companies (principal_id, company_id)
		 SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM principals WHERE id = $1)
		   AND EXISTS (SELECT 1 FROM companies WHERE id = $2)
		 ON CONFLICT DO NOTHING`,
		principalID, companyID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the membership already exists or an id is unknown; distinguish.
		exists, err := r.IsMember(ctx, principalID, companyID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// IsMember reports whether the principal may hold grants in the company.
func (r *Repository) IsMember(ctx context.Context, principalID, companyID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM principal_companies WHERE principal_id = $1 AND company_id = $2)`,
		principalID, companyID,
	).Scan(&exists)
	return exists, err
}
