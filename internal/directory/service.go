package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RepositoryPort defines data access methods for the org tree.
type RepositoryPort interface {
	CreateCompany(ctx context.Context, name, code string) (Company, error)
	GetCompany(ctx context.Context, id int64) (Company, error)
	ListCompanies(ctx context.Context) ([]Company, error)
	CreateBranch(ctx context.Context, companyID int64, name, code string) (Branch, error)
	GetBranch(ctx context.Context, id int64) (Branch, error)
	ListBranches(ctx context.Context, companyID int64) ([]Branch, error)
	CreatePrincipal(ctx context.Context, email, displayName string, homeCompanyID int64) (Principal, error)
	GetPrincipal(ctx context.Context, id int64) (Principal, error)
	AddMembership(ctx context.Context, principalID, companyID int64) error
	IsMember(ctx context.Context, principalID, companyID int64) (bool, error)
}

// Service handles org-tree business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// CreateCompany provisions a new company scope root.
func (s *Service) CreateCompany(ctx context.Context, name, code string) (Company, error) {
	name = normalizeName(name)
	if name == "" {
		return Company{}, errors.New("directory: company name required")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Company{}, errors.New("directory: company code required")
	}
	return s.repo.CreateCompany(ctx, name, code)
}

// CreateBranch provisions a branch under an existing company.
func (s *Service) CreateBranch(ctx context.Context, companyID int64, name, code string) (Branch, error) {
	name = normalizeName(name)
	if name == "" {
		return Branch{}, errors.New("directory: branch name required")
	}
	if _, err := s.repo.GetCompany(ctx, companyID); err != nil {
		return Branch{}, err
	}
	return s.repo.CreateBranch(ctx, companyID, name, strings.ToUpper(strings.TrimSpace(code)))
}

// CreatePrincipal provisions a principal with its home company membership.
func (s *Service) CreatePrincipal(ctx context.Context, email, displayName string, homeCompanyID int64) (Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Principal{}, errors.New("directory: principal email required")
	}
	if _, err := s.repo.GetCompany(ctx, homeCompanyID); err != nil {
		return Principal{}, err
	}
	return s.repo.CreatePrincipal(ctx, email, normalizeName(displayName), homeCompanyID)
}

// GetPrincipal fetches a principal by ID.
func (s *Service) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	return s.repo.GetPrincipal(ctx, id)
}

// GetCompany fetches a company by ID.
func (s *Service) GetCompany(ctx context.Context, id int64) (Company, error) {
	return s.repo.GetCompany(ctx, id)
}

// ListCompanies returns the active companies.
func (s *Service) ListCompanies(ctx context.Context) ([]Company, error) {
	return s.repo.ListCompanies(ctx)
}

// ListBranches returns the branches of a company.
func (s *Service) ListBranches(ctx context.Context, companyID int64) ([]Branch, error) {
	return s.repo.ListBranches(ctx, companyID)
}

// AddMembership allows a principal to hold grants in an additional company.
func (s *Service) AddMembership(ctx context.Context, principalID, companyID int64) error {
	return s.repo.AddMembership(ctx, principalID, companyID)
}

// IsMember reports whether the principal may hold grants in the company.
func (s *Service) IsMember(ctx context.Context, principalID, companyID int64) (bool, error) {
	return s.repo.IsMember(ctx, principalID, companyID)
}

// ValidateScope verifies that a scope refers to an existing company and, when
// narrowed, to a branch belonging to that company.
func (s *Service) ValidateScope(ctx context.Context, scope Scope) error {
	if scope.CompanyID == 0 {
		return fmt.Errorf("directory: scope company required: %w", ErrNotFound)
	}
	if _, err := s.repo.GetCompany(ctx, scope.CompanyID); err != nil {
		return err
	}
	if scope.CompanyWide() {
		return nil
	}
	branch, err := s.repo.GetBranch(ctx, scope.BranchID)
	if err != nil {
		return err
	}
	if branch.CompanyID != scope.CompanyID {
		return fmt.Errorf("directory: branch %d not in company %d: %w", scope.BranchID, scope.CompanyID, ErrNotFound)
	}
	return nil
}

func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
