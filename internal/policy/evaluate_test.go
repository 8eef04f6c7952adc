package policy

import (
	"testing"

	"github.com/atlas-erp/accessgate/internal/directory"
)

func rulesPolicy(rules ...Rule) ResolvedPolicy {
	return ResolvedPolicy{PrincipalID: 1, Version: 1, Rules: rules}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	decision := Evaluate(rulesPolicy(), "hr.view_salary", directory.Scope{CompanyID: 1})
	if decision.Allowed {
		t.Fatalf("expected deny")
	}
	if decision.Reason != ReasonNoGrant {
		t.Fatalf("expected reason %q, got %q", ReasonNoGrant, decision.Reason)
	}
}

func TestEvaluateRoleGrant(t *testing.T) {
	p := rulesPolicy(Rule{Module: "hr", Action: "view_salary", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow})
	decision := Evaluate(p, "hr.view_salary", directory.Scope{CompanyID: 1})
	if !decision.Allowed || decision.Reason != ReasonRoleGrant {
		t.Fatalf("expected allow/role_grant, got %+v", decision)
	}
}

func TestEvaluateCompanyGrantCoversBranch(t *testing.T) {
	p := rulesPolicy(Rule{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow})
	decision := Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1, BranchID: 7})
	if !decision.Allowed {
		t.Fatalf("company-wide allow should cover branch, got %+v", decision)
	}
}

func TestEvaluateDenyOverridesAllow(t *testing.T) {
	p := rulesPolicy(
		Rule{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow},
		Rule{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1, BranchID: 7}, Effect: EffectDeny},
	)

	// Branch-scoped deny wins over the company-wide allow at that branch.
	decision := Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1, BranchID: 7})
	if decision.Allowed || decision.Reason != ReasonExplicitDeny {
		t.Fatalf("expected explicit_deny at denied branch, got %+v", decision)
	}

	// Sibling branches keep the company-wide allow.
	decision = Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1, BranchID: 8})
	if !decision.Allowed || decision.Reason != ReasonRoleGrant {
		t.Fatalf("expected allow at sibling branch, got %+v", decision)
	}

	// The branch deny does not leak up to the company level.
	decision = Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1})
	if !decision.Allowed {
		t.Fatalf("expected allow at company level, got %+v", decision)
	}
}

func TestEvaluateCompanyDenyCoversBranches(t *testing.T) {
	p := rulesPolicy(
		Rule{Module: "sales", Action: "discount", Scope: directory.Scope{CompanyID: 1, BranchID: 3}, Effect: EffectAllow},
		Rule{Module: "sales", Action: "discount", Scope: directory.Scope{CompanyID: 1}, Effect: EffectDeny},
	)
	decision := Evaluate(p, "sales.discount", directory.Scope{CompanyID: 1, BranchID: 3})
	if decision.Allowed || decision.Reason != ReasonExplicitDeny {
		t.Fatalf("company-wide deny should cover branch, got %+v", decision)
	}
}

func TestEvaluateScopeIsolation(t *testing.T) {
	p := rulesPolicy(Rule{Module: "hr", Action: "view_salary", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow})
	decision := Evaluate(p, "hr.view_salary", directory.Scope{CompanyID: 2})
	if decision.Allowed || decision.Reason != ReasonNoGrant {
		t.Fatalf("grant in company 1 must not apply to company 2, got %+v", decision)
	}
}

func TestEvaluateMalformedAction(t *testing.T) {
	p := rulesPolicy(Rule{Module: "hr", Action: "view_salary", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow})
	for _, action := range []string{"", "hr", ".view_salary", "hr."} {
		decision := Evaluate(p, action, directory.Scope{CompanyID: 1})
		if decision.Allowed || decision.Reason != ReasonNoGrant {
			t.Fatalf("action %q: expected no_grant deny, got %+v", action, decision)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := rulesPolicy(
		Rule{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1}, Effect: EffectAllow},
		Rule{Module: "finance", Action: "approve_invoice", Scope: directory.Scope{CompanyID: 1, BranchID: 2}, Effect: EffectDeny},
	)
	first := Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1, BranchID: 2})
	for i := 0; i < 100; i++ {
		if got := Evaluate(p, "finance.approve_invoice", directory.Scope{CompanyID: 1, BranchID: 2}); got != first {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestSplitAction(t *testing.T) {
	module, verb, ok := SplitAction("Finance.Approve_Invoice")
	if !ok || module != "finance" || verb != "approve_invoice" {
		t.Fatalf("unexpected split: %q %q %v", module, verb, ok)
	}
	module, verb, ok = SplitAction("hr.salary.view")
	if !ok || module != "hr" || verb != "salary.view" {
		t.Fatalf("verb should keep embedded dots: %q %q %v", module, verb, ok)
	}
}
