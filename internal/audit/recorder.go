package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder appends records to the audit trail. Rows are never updated or
// deleted by the application; a successful Record call means the row is
// durable and the caller may treat the decision as committed.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder returns a new Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Record persists one entry and returns its record id. The write runs on a
// detached context: once the append has started, caller cancellation no
// longer interrupts it, so the trail never holds partial records.
func (r *Recorder) Record(ctx context.Context, e Entry) (uuid.UUID, error) {
	if r == nil || r.pool == nil {
		return uuid.Nil, errors.New("audit: recorder not initialised")
	}
	if e.PrincipalID == 0 || e.Action == "" || e.Scope.CompanyID == 0 {
		return uuid.Nil, errors.New("audit: entry requires principal/action/scope")
	}
	if e.Decision != DecisionAllow && e.Decision != DecisionDeny {
		return uuid.Nil, fmt.Errorf("audit: invalid decision %q", e.Decision)
	}
	id := uuid.New()
	_, err := r.pool.Exec(context.WithoutCancel(ctx),
		`INSERT INTO audit_records
		 (id, principal_id, action, company_id, branch_id, decision, reason, payload_digest, ip, user_agent, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		id, e.PrincipalID, e.Action, e.Scope.CompanyID, e.Scope.BranchID,
		e.Decision, e.Reason, e.PayloadDigest, e.IP, e.UserAgent,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("audit: append record: %w", err)
	}
	return id, nil
}
