package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/atlas-erp/accessgate/internal/directory"
)

// Decision values stored on audit records.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is the payload appended for one authorization decision.
type Entry struct {
	PrincipalID   int64
	Action        string
	Scope         directory.Scope
	Decision      string
	Reason        string
	PayloadDigest string
	IP            string
	UserAgent     string
}

// Record is one immutable row of the audit trail. Seq is a monotonically
// increasing append sequence; within a single principal's stream it orders
// records by write completion.
type Record struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"`
	At            time.Time       `json:"at"`
	PrincipalID   int64           `json:"principal_id"`
	Action        string          `json:"action"`
	Scope         directory.Scope `json:"scope"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason"`
	PayloadDigest string          `json:"payload_digest,omitempty"`
	IP            string          `json:"ip,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
}

// Filter selects audit records for compliance review. Zero-valued fields are
// ignored. AfterSeq makes a query restartable: re-running with the last seen
// sequence continues exactly where the previous page ended.
type Filter struct {
	PrincipalID int64
	CompanyID   int64
	From        time.Time
	To          time.Time
	AfterSeq    int64
	Limit       int
}
