package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditExport exports a day of audit records to the spool directory.
	TaskAuditExport = "audit:export"
	// TaskPolicyWarmup pre-resolves policies for recently active principals.
	TaskPolicyWarmup = "policy:warmup"
)

// AuditExportPayload selects the records one export run covers.
type AuditExportPayload struct {
	CompanyID int64     `json:"company_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// NewAuditExportTask constructs an audit export task.
func NewAuditExportTask(payload AuditExportPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditExport, data), nil
}

// PolicyWarmupPayload lists the principals whose policies should be
// resolved ahead of traffic.
type PolicyWarmupPayload struct {
	PrincipalIDs []int64 `json:"principal_ids"`
}

// NewPolicyWarmupTask constructs a policy warmup task.
func NewPolicyWarmupTask(payload PolicyWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPolicyWarmup, data), nil
}
