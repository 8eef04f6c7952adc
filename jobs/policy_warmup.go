package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-erp/accessgate/internal/policy"
)

// PolicyResolver resolves one principal's policy into the cache.
type PolicyResolver interface {
	Resolve(ctx context.Context, principalID int64) (policy.ResolvedPolicy, error)
}

// ActivitySource lists principals seen recently in the audit trail.
type ActivitySource interface {
	RecentPrincipals(ctx context.Context, since time.Time) ([]int64, error)
}

// PolicyWarmer resolves policies ahead of traffic so the first authorize
// call of the day hits a warm cache.
type PolicyWarmer struct {
	policies PolicyResolver
	activity ActivitySource
	logger   *slog.Logger
}

// NewPolicyWarmer constructs the warmer.
func NewPolicyWarmer(policies PolicyResolver, activity ActivitySource, logger *slog.Logger) *PolicyWarmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWarmer{policies: policies, activity: activity, logger: logger}
}

// Handle processes TaskPolicyWarmup tasks. Scheduled runs carry no principal
// list and warm everyone active in the last 24 hours. Unknown principals are
// skipped; the warmup is best effort.
func (p *PolicyWarmer) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PolicyWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	ids := payload.PrincipalIDs
	if len(ids) == 0 {
		var err error
		ids, err = p.activity.RecentPrincipals(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("jobs: recent principals: %w", err)
		}
	}
	for _, id := range ids {
		if _, err := p.policies.Resolve(ctx, id); err != nil {
			if errors.Is(err, policy.ErrNotFound) {
				continue
			}
			p.logger.Warn("policy warmup", slog.Int64("principal_id", id), slog.Any("error", err))
		}
	}
	return nil
}
