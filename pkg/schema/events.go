package schema

// Event type constants for the progress stream and the pipeline event log.
const (
	// Substep-level progress events.
	EventStepStart    = "step_start"
	EventStepProgress = "step_progress"
	EventStepComplete = "step_complete"
	EventStepError    = "step_error"

	// Stage-level lifecycle events.
	EventStageStart    = "stage_start"
	EventStageComplete = "stage_complete"
	EventStageError    = "stage_error"
	EventCancelled     = "cancelled"

	// Simulated token streaming for long generations.
	EventToken = "token"

	// Express mode terminal events.
	EventExpressSummary  = "express_summary"
	EventExpressComplete = "express_complete"
	EventExpressError    = "express_error"

	// Ledger audit events (persisted to the event log).
	EventSnapshotCreated = "snapshot_created"
	EventVersionPromoted = "version_promoted"
	EventStagesDeleted   = "stages_deleted"
)

// ReportStatus represents the lifecycle state of a report.
type ReportStatus string

const (
	ReportStatusDraft      ReportStatus = "draft"
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusGenerated  ReportStatus = "generated"
)

// SessionStatus represents the lifecycle state of a streaming session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// SubstepStatus represents the state of a single substep within a session.
type SubstepStatus string

const (
	SubstepStatusPending   SubstepStatus = "pending"
	SubstepStatusRunning   SubstepStatus = "running"
	SubstepStatusCompleted SubstepStatus = "completed"
	SubstepStatusError     SubstepStatus = "error"
)
