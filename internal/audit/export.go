package audit

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var exportHeader = []string{"seq", "at", "principal_id", "action", "company_id", "branch_id", "decision", "reason", "payload_digest"}

// ExportCSV streams records matching the filter as CSV for compliance
// handoff. The trail itself is never touched; archival is an operational
// concern downstream of this export.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter Filter) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	var writeErr error
	err := s.Walk(ctx, filter, func(rec Record) bool {
		writeErr = writer.Write([]string{
			strconv.FormatInt(rec.Seq, 10),
			rec.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.PrincipalID, 10),
			rec.Action,
			strconv.FormatInt(rec.Scope.CompanyID, 10),
			strconv.FormatInt(rec.Scope.BranchID, 10),
			rec.Decision,
			rec.Reason,
			rec.PayloadDigest,
		})
		return writeErr == nil
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	writer.Flush()
	return writer.Error()
}
