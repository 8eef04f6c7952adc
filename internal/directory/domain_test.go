package directory

import "testing"

func TestScopeCovers(t *testing.T) {
	cases := []struct {
		name  string
		scope Scope
		other Scope
		want  bool
	}{
		{"company covers itself", Scope{CompanyID: 1}, Scope{CompanyID: 1}, true},
		{"company covers its branch", Scope{CompanyID: 1}, Scope{CompanyID: 1, BranchID: 10}, true},
		{"branch covers itself", Scope{CompanyID: 1, BranchID: 10}, Scope{CompanyID: 1, BranchID: 10}, true},
		{"branch does not cover sibling", Scope{CompanyID: 1, BranchID: 10}, Scope{CompanyID: 1, BranchID: 11}, false},
		{"branch does not cover company level", Scope{CompanyID: 1, BranchID: 10}, Scope{CompanyID: 1}, false},
		{"different company never covers", Scope{CompanyID: 1}, Scope{CompanyID: 2}, false},
		{"different company branch never covers", Scope{CompanyID: 1, BranchID: 10}, Scope{CompanyID: 2, BranchID: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scope.Covers(tc.other); got != tc.want {
				t.Fatalf("Covers(%+v, %+v) = %v, want %v", tc.scope, tc.other, got, tc.want)
			}
		})
	}
}

func TestScopeCompanyWide(t *testing.T) {
	if !(Scope{CompanyID: 1}).CompanyWide() {
		t.Fatalf("expected company-wide scope")
	}
	if (Scope{CompanyID: 1, BranchID: 2}).CompanyWide() {
		t.Fatalf("expected branch scope")
	}
}
