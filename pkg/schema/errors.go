package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStageExecution    = "STAGE_EXECUTION_ERROR"
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeNoConcept         = "NO_CONCEPT"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// PipelineError is the structured error type for all reportflow operations.
type PipelineError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ReportID string         `json:"report_id,omitempty"`
	StageID  string         `json:"stage_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class is worth retrying at the call site.
// Validation, not-found, no-concept and parse failures are deterministic and never
// retried; execution and timeout failures may succeed on a fresh attempt.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStageExecution, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithReport attaches a report ID to the error.
func (e *PipelineError) WithReport(reportID string) *PipelineError {
	e.ReportID = reportID
	return e
}

// WithStage attaches a stage ID to the error.
func (e *PipelineError) WithStage(stageID string) *PipelineError {
	e.StageID = stageID
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}
