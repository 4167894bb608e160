package feedback

import (
	"github.com/nordiq/reportflow/pkg/schema"
)

// Resolve turns the tagged FeedbackInput into the concrete change set the
// editor role merges. Resolution happens once, here, instead of threading
// two optional request fields through the pipeline.
//
// Filtered inputs are used as-is. RawStage inputs (legacy mode) load the
// named review stage's raw output and parse it leniently; plain text that
// is not JSON degrades to a single change carrying the whole text.
func Resolve(input schema.FeedbackInput, outputs map[string]string) ([]schema.FeedbackChange, error) {
	if len(input.Filtered) > 0 {
		return input.Filtered, nil
	}

	if input.RawStage == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"feedback input carries neither accepted changes nor a stage id")
	}

	raw, ok := outputs[input.RawStage]
	if !ok || raw == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no stored output for stage %q", input.RawStage).WithStage(input.RawStage)
	}

	payload, err := Parse(raw)
	if err != nil {
		// Legacy tolerance: unstructured review output merges as one change.
		return []schema.FeedbackChange{{Description: raw}}, nil
	}
	return payload.Changes, nil
}
