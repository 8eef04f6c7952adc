package directory

import "time"

// Company is the root of an organisational scope tree.
type Company struct {
	ID        int64
	Name      string
	Code      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Branch is a subdivision of a company. The tree is exactly two levels deep.
type Branch struct {
	ID        int64
	CompanyID int64
	Name      string
	Code      string
	CreatedAt time.Time
}

// Principal describes the authenticated actor whose permissions are evaluated.
// It is loaded fresh per request and never mutated in place.
type Principal struct {
	ID            int64
	Email         string
	DisplayName   string
	HomeCompanyID int64
	BranchIDs     []int64
	IsActive      bool
	CreatedAt     time.Time
}

// Scope identifies the organisational boundary an action applies to.
// BranchID zero means the whole company.
type Scope struct {
	CompanyID int64 `json:"company_id"`
	BranchID  int64 `json:"branch_id,omitempty"`
}

// CompanyWide reports whether the scope covers an entire company.
func (s Scope) CompanyWide() bool {
	return s.BranchID == 0
}

// Covers reports whether s is an ancestor-or-equal of other in the
// Company→Branch tree. A company-wide scope covers every branch of that
// company; a branch scope covers only itself. A branch scope never covers
// a company-wide request, so a branch-level deny narrows its own branch
// without touching siblings or the company level.
func (s Scope) Covers(other Scope) bool {
	if s.CompanyID != other.CompanyID {
		return false
	}
	if s.CompanyWide() {
		return true
	}
	return s.BranchID == other.BranchID
}
