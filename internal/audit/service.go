package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// RepositoryPort defines the query methods the service requires.
type RepositoryPort interface {
	QueryRecords(ctx context.Context, params QueryParams) ([]Record, error)
}

// Service coordinates compliance queries over the audit trail.
type Service struct {
	repo RepositoryPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Query returns records matching the filter, ordered by append sequence
// ascending. Re-querying with the same filter reproduces the same prefix;
// records appended later only ever extend the tail.
func (s *Service) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	params := QueryParams{
		PrincipalID: optionalID(filter.PrincipalID),
		CompanyID:   optionalID(filter.CompanyID),
		FromAt:      toPgTime(filter.From),
		ToAt:        toPgTime(filter.To),
		AfterSeq:    filter.AfterSeq,
		LimitRows:   int32(limit),
	}
	return s.repo.QueryRecords(ctx, params)
}

// Walk streams every record matching the filter in sequence order, fetching
// page by page so exports never hold the full trail in memory. The callback
// returning false stops the walk.
func (s *Service) Walk(ctx context.Context, filter Filter, fn func(Record) bool) error {
	filter.Limit = maxQueryLimit
	for {
		page, err := s.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if !fn(rec) {
				return nil
			}
		}
		if len(page) < maxQueryLimit {
			return nil
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}
}

func optionalID(id int64) pgtype.Int8 {
	if id == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: id, Valid: true}
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
