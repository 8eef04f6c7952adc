package policy

import (
	"strings"

	"github.com/atlas-erp/accessgate/internal/directory"
)

// Reason codes carried on every decision and audit record.
const (
	ReasonRoleGrant    = "role_grant"
	ReasonExplicitDeny = "explicit_deny"
	ReasonNoGrant      = "no_grant"
)

// Decision is the outcome of evaluating one action against a resolved policy.
type Decision struct {
	Allowed bool
	Reason  string
}

// Deny is the default-deny decision.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Evaluate decides whether the action, written as "<module>.<verb>", is
// permitted at the requested scope. Rules apply when their scope is an
// ancestor-or-equal of the request scope; an explicit deny overrides any
// allow; no matching rule means deny. The function is pure: repeated calls
// with the same inputs return the same decision.
func Evaluate(p ResolvedPolicy, action string, scope directory.Scope) Decision {
	module, verb, ok := SplitAction(action)
	if !ok {
		return Deny(ReasonNoGrant)
	}
	allowed := false
	for _, rule := range p.Rules {
		if rule.Module != module || rule.Action != verb {
			continue
		}
		if !rule.Scope.Covers(scope) {
			continue
		}
		if rule.Effect == EffectDeny {
			return Deny(ReasonExplicitDeny)
		}
		if rule.Effect == EffectAllow {
			allowed = true
		}
	}
	if allowed {
		return Decision{Allowed: true, Reason: ReasonRoleGrant}
	}
	return Deny(ReasonNoGrant)
}

// SplitAction parses "<module>.<verb>" into its parts. Both parts must be
// non-empty; the verb may itself contain dots.
func SplitAction(action string) (module, verb string, ok bool) {
	action = strings.TrimSpace(strings.ToLower(action))
	i := strings.IndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}
