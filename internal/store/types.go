package store

import (
	"encoding/json"
	"time"

	"github.com/nordiq/reportflow/pkg/schema"
)

// Report is the persisted representation of a report document. Stage
// outputs and the version ledger are stored as JSON columns; they are
// always read and written together so a stage mutation commits atomically.
type Report struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenant_id,omitempty"`
	Title        string              `json:"title,omitempty"`
	Status       schema.ReportStatus `json:"status"`
	CurrentStage string              `json:"current_stage,omitempty"`
	StageOutputs map[string]string   `json:"stage_outputs"`
	Ledger       *schema.Ledger      `json:"ledger"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ToSchema converts to the domain type.
func (r *Report) ToSchema() *schema.Report {
	return &schema.Report{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Title:        r.Title,
		Status:       r.Status,
		CurrentStage: r.CurrentStage,
		StageOutputs: r.StageOutputs,
		Ledger:       r.Ledger,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// FromSchema converts a domain report for persistence.
func FromSchema(r *schema.Report) *Report {
	return &Report{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Title:        r.Title,
		Status:       r.Status,
		CurrentStage: r.CurrentStage,
		StageOutputs: r.StageOutputs,
		Ledger:       r.Ledger,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Event is an immutable entry in the report event journal.
type Event struct {
	ID        int64           `json:"id"`
	ReportID  string          `json:"report_id"`
	StageID   string          `json:"stage_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered express run over a report.
type ScheduledJob struct {
	ID             string          `json:"id"`
	ReportID       string          `json:"report_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ReportFilter specifies criteria for listing reports.
type ReportFilter struct {
	Status   *schema.ReportStatus `json:"status,omitempty"`
	TenantID string               `json:"tenant_id,omitempty"`
	Since    *time.Time           `json:"since,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// ReportUpdate specifies mutable fields of a report. StageOutputs and
// Ledger are replaced wholesale when set.
type ReportUpdate struct {
	Title        *string              `json:"title,omitempty"`
	Status       *schema.ReportStatus `json:"status,omitempty"`
	CurrentStage *string              `json:"current_stage,omitempty"`
	StageOutputs map[string]string    `json:"stage_outputs,omitempty"`
	Ledger       *schema.Ledger       `json:"ledger,omitempty"`
}

// EventFilter specifies criteria for listing journal events.
type EventFilter struct {
	ReportID string     `json:"report_id,omitempty"`
	StageID  string     `json:"stage_id,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	ReportID string `json:"report_id,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
