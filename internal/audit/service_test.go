package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlas-erp/accessgate/internal/directory"
)

type stubQueryRepo struct {
	records []Record
	params  []QueryParams
}

func (r *stubQueryRepo) QueryRecords(ctx context.Context, params QueryParams) ([]Record, error) {
	r.params = append(r.params, params)
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Seq <= params.AfterSeq {
			continue
		}
		if params.CompanyID.Valid && rec.Scope.CompanyID != params.CompanyID.Int64 {
			continue
		}
		if params.PrincipalID.Valid && rec.PrincipalID != params.PrincipalID.Int64 {
			continue
		}
		out = append(out, rec)
		if len(out) == int(params.LimitRows) {
			break
		}
	}
	return out, nil
}

func makeRecords(n int, companyID int64) []Record {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			ID:          uuid.New(),
			Seq:         int64(i + 1),
			At:          base.Add(time.Duration(i) * time.Second),
			PrincipalID: 42,
			Action:      "finance.approve_invoice",
			Scope:       directory.Scope{CompanyID: companyID},
			Decision:    DecisionAllow,
			Reason:      "role_grant",
		})
	}
	return records
}

func TestQueryDefaultsAndClampsLimit(t *testing.T) {
	repo := &stubQueryRepo{}
	svc := NewService(repo)
	ctx := context.Background()

	if _, err := svc.Query(ctx, Filter{CompanyID: 1}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := repo.params[0].LimitRows; got != defaultQueryLimit {
		t.Fatalf("default limit = %d, want %d", got, defaultQueryLimit)
	}

	if _, err := svc.Query(ctx, Filter{CompanyID: 1, Limit: 1_000_000}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := repo.params[1].LimitRows; got != maxQueryLimit {
		t.Fatalf("clamped limit = %d, want %d", got, maxQueryLimit)
	}
}

func TestQueryOptionalFilters(t *testing.T) {
	repo := &stubQueryRepo{}
	svc := NewService(repo)

	if _, err := svc.Query(context.Background(), Filter{}); err != nil {
		t.Fatalf("query: %v", err)
	}
	p := repo.params[0]
	if p.PrincipalID.Valid || p.CompanyID.Valid || p.FromAt.Valid || p.ToAt.Valid {
		t.Fatalf("zero-valued filter fields must map to NULL params: %+v", p)
	}
}

func TestQueryRestartableBySeq(t *testing.T) {
	repo := &stubQueryRepo{records: makeRecords(10, 1)}
	svc := NewService(repo)
	ctx := context.Background()

	first, err := svc.Query(ctx, Filter{CompanyID: 1, Limit: 4})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("page size = %d, want 4", len(first))
	}

	second, err := svc.Query(ctx, Filter{CompanyID: 1, Limit: 4, AfterSeq: first[len(first)-1].Seq})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if second[0].Seq != first[len(first)-1].Seq+1 {
		t.Fatalf("restart did not continue at the next sequence: got %d", second[0].Seq)
	}
}

func TestWalkVisitsEveryRecordInOrder(t *testing.T) {
	repo := &stubQueryRepo{records: makeRecords(7, 1)}
	svc := NewService(repo)

	var seen []int64
	err := svc.Walk(context.Background(), Filter{CompanyID: 1}, func(rec Record) bool {
		seen = append(seen, rec.Seq)
		return true
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 7 {
		t.Fatalf("visited %d records, want 7", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("records out of order: %v", seen)
		}
	}
}

func TestExportCSV(t *testing.T) {
	repo := &stubQueryRepo{records: makeRecords(3, 1)}
	svc := NewService(repo)

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), &buf, Filter{CompanyID: 1}); err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("export lines = %d, want header + 3 rows", len(lines))
	}
	if lines[0] != strings.Join(exportHeader, ",") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "finance.approve_invoice") {
		t.Fatalf("row missing action: %s", lines[1])
	}
}

func TestDigest(t *testing.T) {
	if Digest(nil) != "" {
		t.Fatalf("empty payload must yield empty digest")
	}
	a := Digest([]byte(`{"amount":100}`))
	b := Digest([]byte(`{"amount":100}`))
	if a != b {
		t.Fatalf("digest not deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
	if a == Digest([]byte(`{"amount":101}`)) {
		t.Fatalf("distinct payloads must differ")
	}
}
