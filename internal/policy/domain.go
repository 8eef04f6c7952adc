package policy

import (
	"time"

	"github.com/atlas-erp/accessgate/internal/directory"
)

// Effect is the outcome a permission contributes to an evaluation.
type Effect string

const (
	// EffectAllow permits the action when no deny applies.
	EffectAllow Effect = "allow"
	// EffectDeny forbids the action and overrides any allow.
	EffectDeny Effect = "deny"
)

// Permission is an atomic (module, action, effect) capability.
type Permission struct {
	ID     int64
	Module string
	Action string
	Effect Effect
}

// Role is a named bundle of permissions. CompanyID zero marks a system role
// visible to every company.
type Role struct {
	ID          int64
	CompanyID   int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsSystem reports whether the role is global rather than company-scoped.
func (r Role) IsSystem() bool {
	return r.CompanyID == 0
}

// Grant binds a role to a principal within a scope.
type Grant struct {
	PrincipalID int64
	RoleID      int64
	Scope       directory.Scope
	CreatedAt   time.Time
}

// Rule is one effective (module, action, scope, effect) tuple of a resolved
// policy.
type Rule struct {
	Module string          `json:"module"`
	Action string          `json:"action"`
	Scope  directory.Scope `json:"scope"`
	Effect Effect          `json:"effect"`
}

// ResolvedPolicy is the merged, immutable view of a principal's grants used
// by the evaluator. Version tracks policy-store mutations for cache keying.
type ResolvedPolicy struct {
	PrincipalID int64  `json:"principal_id"`
	Version     int64  `json:"version"`
	Rules       []Rule `json:"rules"`
}
