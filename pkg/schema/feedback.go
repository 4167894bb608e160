package schema

// FeedbackChange is one proposed edit produced by a review stage.
type FeedbackChange struct {
	ID          string `json:"id,omitempty"`
	Section     string `json:"section,omitempty"`
	Description string `json:"description"`
	Original    string `json:"original,omitempty"`
	Suggested   string `json:"suggested,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Accepted    bool   `json:"accepted,omitempty"`
}

// FeedbackPayload is the structured document a review stage is asked to emit.
type FeedbackPayload struct {
	Summary string           `json:"summary,omitempty"`
	Changes []FeedbackChange `json:"changes"`
}

// FeedbackInput is the tagged variant carried into editor-role execution.
// Exactly one of the two shapes is set:
//   - Filtered: the caller pre-selected the accepted changes.
//   - RawStage: legacy mode, merge everything a review stage produced;
//     the raw output is parsed leniently and may degrade to plain text.
type FeedbackInput struct {
	Filtered []FeedbackChange `json:"changes,omitempty"`
	RawStage string           `json:"stage_id,omitempty"`
}

// IsFiltered reports whether the input carries a pre-filtered change set.
func (f FeedbackInput) IsFiltered() bool {
	return len(f.Filtered) > 0 || f.RawStage == ""
}
