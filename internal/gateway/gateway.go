package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atlas-erp/accessgate/internal/audit"
	"github.com/atlas-erp/accessgate/internal/directory"
	"github.com/atlas-erp/accessgate/internal/observability"
	"github.com/atlas-erp/accessgate/internal/policy"
)

var (
	// ErrAuditUnavailable reports that a decision could not be recorded.
	// It is a hard system failure, distinct from an ordinary deny, so
	// operators can tell "policy says no" from "could not decide safely".
	ErrAuditUnavailable = errors.New("gateway: audit trail unavailable")
	// ErrInvalidRequest reports a malformed authorization request.
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// PolicyResolver yields the effective policy of a principal.
type PolicyResolver interface {
	Resolve(ctx context.Context, principalID int64) (policy.ResolvedPolicy, error)
}

// Recorder appends one audit record per decision.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (uuid.UUID, error)
}

// Request carries one authorization question from a business module.
type Request struct {
	PrincipalID   int64
	Action        string
	Scope         directory.Scope
	PayloadDigest string
	IP            string
	UserAgent     string
}

// Result is the answer every business module must check before proceeding.
type Result struct {
	Granted       bool      `json:"granted"`
	Reason        string    `json:"reason_code"`
	AuditRecordID uuid.UUID `json:"audit_record_id"`
}

// Gateway is the single entry point business modules consult before
// performing an operation: it resolves policy, evaluates the action and
// records the decision, in that order, for allows and denies alike.
type Gateway struct {
	policies PolicyResolver
	recorder Recorder
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New constructs a Gateway.
func New(policies PolicyResolver, recorder Recorder, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{policies: policies, recorder: recorder, logger: logger, metrics: metrics}
}

// Authorize answers whether the principal may perform the action at the
// scope. Unknown principals propagate ErrNotFound without an audit record
// (there is no valid action context). A resolver outage degrades to a deny.
// A recording failure on an allow decision is ErrAuditUnavailable: the
// caller must fail closed, never proceed.
func (g *Gateway) Authorize(ctx context.Context, req Request) (Result, error) {
	if req.PrincipalID == 0 || req.Action == "" || req.Scope.CompanyID == 0 {
		return Result{}, fmt.Errorf("%w: principal, action and scope are required", ErrInvalidRequest)
	}

	var decision policy.Decision
	resolved, err := g.policies.Resolve(ctx, req.PrincipalID)
	switch {
	case err == nil:
		decision = policy.Evaluate(resolved, req.Action, req.Scope)
	case errors.Is(err, policy.ErrNotFound):
		return Result{}, err
	default:
		g.logger.Error("gateway resolve policy",
			slog.Int64("principal_id", req.PrincipalID),
			slog.Any("error", err))
		decision = policy.Deny(policy.ReasonNoGrant)
	}

	// The caller may cancel up to this point; once recording starts the
	// call runs to completion.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	outcome := audit.DecisionDeny
	if decision.Allowed {
		outcome = audit.DecisionAllow
	}
	recordID, recErr := g.recorder.Record(ctx, audit.Entry{
		PrincipalID:   req.PrincipalID,
		Action:        req.Action,
		Scope:         req.Scope,
		Decision:      outcome,
		Reason:        decision.Reason,
		PayloadDigest: req.PayloadDigest,
		IP:            req.IP,
		UserAgent:     req.UserAgent,
	})
	if recErr != nil {
		g.metrics.CountAuditFailure()
		g.logger.Error("gateway record decision",
			slog.Int64("principal_id", req.PrincipalID),
			slog.String("action", req.Action),
			slog.String("decision", outcome),
			slog.Any("error", recErr))
		if decision.Allowed {
			return Result{}, fmt.Errorf("%w: %v", ErrAuditUnavailable, recErr)
		}
		// The outcome is already a deny; the failed append is surfaced via
		// logs and metrics rather than masking the denial reason.
		return Result{Granted: false, Reason: decision.Reason}, nil
	}

	g.metrics.CountDecision(decision.Reason, decision.Allowed)
	if !decision.Allowed {
		g.logger.Info("authorization denied",
			slog.Int64("principal_id", req.PrincipalID),
			slog.String("action", req.Action),
			slog.Int64("company_id", req.Scope.CompanyID),
			slog.Int64("branch_id", req.Scope.BranchID),
			slog.String("reason", decision.Reason))
	}
	return Result{Granted: decision.Allowed, Reason: decision.Reason, AuditRecordID: recordID}, nil
}
