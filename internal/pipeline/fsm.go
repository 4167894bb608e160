package pipeline

import (
	"github.com/nordiq/reportflow/pkg/schema"
)

// validReportTransitions defines the report lifecycle. A generated report
// may re-enter processing when a stage is re-run.
var validReportTransitions = map[schema.ReportStatus][]schema.ReportStatus{
	schema.ReportStatusDraft:      {schema.ReportStatusProcessing},
	schema.ReportStatusProcessing: {schema.ReportStatusProcessing, schema.ReportStatusGenerated, schema.ReportStatusDraft},
	schema.ReportStatusGenerated:  {schema.ReportStatusProcessing, schema.ReportStatusGenerated},
}

// ValidateTransition checks a report status transition.
func ValidateTransition(reportID string, from, to schema.ReportStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range validReportTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid report transition: %s -> %s", from, to).
		WithReport(reportID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
