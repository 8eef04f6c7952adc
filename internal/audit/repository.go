package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryParams are the nullable parameters of the audit range query.
type QueryParams struct {
	PrincipalID pgtype.Int8
	CompanyID   pgtype.Int8
	FromAt      pgtype.Timestamptz
	ToAt        pgtype.Timestamptz
	AfterSeq    int64
	LimitRows   int32
}

// Repository provides read access to persisted audit records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// QueryRecords returns records matching the params ordered by seq ascending.
// The (company_id, occurred_at) index serves the date-range path.
func (r *Repository) QueryRecords(ctx context.Context, params QueryParams) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, seq, occurred_at, principal_id, action, company_id, branch_id,
		        decision, reason, payload_digest, ip, user_agent
		 FROM audit_records
		 WHERE ($1::bigint IS NULL OR principal_id = $1)
		   AND ($2::bigint IS NULL OR company_id = $2)
		   AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		   AND ($4::timestamptz IS NULL OR occurred_at < $4)
		   AND seq > $5
		 ORDER BY seq
		 LIMIT $6`,
		params.PrincipalID, params.CompanyID, params.FromAt, params.ToAt,
		params.AfterSeq, params.LimitRows,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.Seq, &rec.At, &rec.PrincipalID, &rec.Action,
			&rec.Scope.CompanyID, &rec.Scope.BranchID,
			&rec.Decision, &rec.Reason, &rec.PayloadDigest, &rec.IP, &rec.UserAgent,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentPrincipals returns the distinct principals with audit activity since
// the given time. The warmup job uses it to pick whose policies to pre-resolve.
func (r *Repository) RecentPrincipals(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT principal_id FROM audit_records WHERE occurred_at >= $1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
