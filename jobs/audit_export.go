package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlas-erp/accessgate/internal/audit"
	"github.com/atlas-erp/accessgate/internal/directory"
)

// CompanyLister enumerates the companies an all-companies export run covers.
type CompanyLister interface {
	ListCompanies(ctx context.Context) ([]directory.Company, error)
}

// AuditExporter writes company-day slices of audit records to the spool
// directory for the downstream archival pipeline. The trail itself is
// append-only; nothing is removed here.
type AuditExporter struct {
	service   *audit.Service
	companies CompanyLister
	dir       string
	logger    *slog.Logger
}

// NewAuditExporter constructs the exporter.
func NewAuditExporter(service *audit.Service, companies CompanyLister, dir string, logger *slog.Logger) *AuditExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditExporter{service: service, companies: companies, dir: dir, logger: logger}
}

// Handle processes TaskAuditExport tasks. Scheduled runs carry a zero-valued
// payload: the window defaults to the previous UTC day and every active
// company is exported.
func (e *AuditExporter) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AuditExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.From.IsZero() || payload.To.IsZero() {
		payload.To = time.Now().UTC().Truncate(24 * time.Hour)
		payload.From = payload.To.Add(-24 * time.Hour)
	}
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return fmt.Errorf("jobs: export dir: %w", err)
	}
	if payload.CompanyID != 0 {
		return e.exportCompany(ctx, payload.CompanyID, payload.From, payload.To)
	}
	companies, err := e.companies.ListCompanies(ctx)
	if err != nil {
		return fmt.Errorf("jobs: list companies: %w", err)
	}
	for _, c := range companies {
		if err := e.exportCompany(ctx, c.ID, payload.From, payload.To); err != nil {
			return err
		}
	}
	return nil
}

func (e *AuditExporter) exportCompany(ctx context.Context, companyID int64, from, to time.Time) error {
	name := fmt.Sprintf("audit-%d-%s.csv", companyID, from.UTC().Format("2006-01-02"))
	path := filepath.Join(e.dir, name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("jobs: create export: %w", err)
	}
	err = e.service.ExportCSV(ctx, f, audit.Filter{
		CompanyID: companyID,
		From:      from,
		To:        to,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("jobs: export audit: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("jobs: finalise export: %w", err)
	}
	e.logger.Info("audit export written", slog.String("path", path), slog.Int64("company_id", companyID))
	return nil
}
