package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/atlas-erp/accessgate/internal/policy"
)

type stubResolver struct {
	resolved []int64
	missing  map[int64]bool
}

func (r *stubResolver) Resolve(ctx context.Context, principalID int64) (policy.ResolvedPolicy, error) {
	if r.missing[principalID] {
		return policy.ResolvedPolicy{}, fmt.Errorf("policy: principal %d: %w", principalID, policy.ErrNotFound)
	}
	r.resolved = append(r.resolved, principalID)
	return policy.ResolvedPolicy{PrincipalID: principalID}, nil
}

type stubActivity struct {
	ids []int64
	err error
}

func (a *stubActivity) RecentPrincipals(ctx context.Context, since time.Time) ([]int64, error) {
	return a.ids, a.err
}

func TestPolicyWarmerResolvesListedPrincipals(t *testing.T) {
	resolver := &stubResolver{missing: map[int64]bool{7: true}}
	warmer := NewPolicyWarmer(resolver, &stubActivity{}, discardLogger())

	task, err := NewPolicyWarmupTask(PolicyWarmupPayload{PrincipalIDs: []int64{42, 7, 43}})
	require.NoError(t, err)
	require.NoError(t, warmer.Handle(context.Background(), task))
	require.Equal(t, []int64{42, 43}, resolver.resolved, "unknown principals are skipped")
}

func TestPolicyWarmerScheduledRunUsesRecentActivity(t *testing.T) {
	resolver := &stubResolver{}
	activity := &stubActivity{ids: []int64{42, 43}}
	warmer := NewPolicyWarmer(resolver, activity, discardLogger())

	task, err := NewPolicyWarmupTask(PolicyWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, warmer.Handle(context.Background(), task))
	require.Equal(t, []int64{42, 43}, resolver.resolved)
}

func TestPolicyWarmerActivityFailureRetries(t *testing.T) {
	warmer := NewPolicyWarmer(&stubResolver{}, &stubActivity{err: errors.New("connection refused")}, discardLogger())

	task, err := NewPolicyWarmupTask(PolicyWarmupPayload{})
	require.NoError(t, err)
	err = warmer.Handle(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}
