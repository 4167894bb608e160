package schema

import "time"

// Snapshot source markers for entries not produced by a catalogue stage.
const (
	SnapshotSourceManualEdit = "manual_edit"
	SnapshotSourcePromote    = "promote"
)

// History entry actions.
const (
	HistoryActionCreate  = "create"
	HistoryActionPromote = "promote"
)

// Snapshot is an immutable versioned copy of the report's draft content.
// Versions are monotonic per report, not per stage: re-running a stage
// produces a new snapshot with a higher version under the same stage key.
type Snapshot struct {
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// LatestRef identifies the currently active draft as a (stage, version) pair.
type LatestRef struct {
	Pointer string `json:"pointer"`
	Version int    `json:"version"`
}

// HistoryEntry is one row of the append-only ledger audit log.
// "create" rows correspond to new snapshots; "promote" rows only repoint
// latest and never create snapshots.
type HistoryEntry struct {
	StageID   string    `json:"stage_id"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
}

// Ledger is the serialized per-report version ledger. Behavior lives in
// internal/ledger; this is the persisted shape.
type Ledger struct {
	Snapshots map[string]Snapshot `json:"snapshots"`
	Latest    *LatestRef          `json:"latest,omitempty"`
	History   []HistoryEntry      `json:"history"`
}

// NewLedger returns an empty initialized ledger.
func NewLedger() *Ledger {
	return &Ledger{
		Snapshots: make(map[string]Snapshot),
	}
}

// Report is the unit of work driven through the pipeline.
type Report struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Title        string            `json:"title,omitempty"`
	Status       ReportStatus      `json:"status"`
	CurrentStage string            `json:"current_stage,omitempty"`
	StageOutputs map[string]string `json:"stage_outputs"`
	Ledger       *Ledger           `json:"ledger"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewReport returns a draft report with initialized maps.
func NewReport(id string) *Report {
	now := time.Now().UTC()
	return &Report{
		ID:           id,
		Status:       ReportStatusDraft,
		StageOutputs: make(map[string]string),
		Ledger:       NewLedger(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
