package feedback

import (
	"context"
	"encoding/json"

	"github.com/nordiq/reportflow/internal/expressions"
	"github.com/nordiq/reportflow/pkg/schema"
)

const (
	descriptionsQuery = `.changes[].description`
	countQuery        = `.changes | length`
)

// Summary is the express-mode digest of one review stage's feedback.
type Summary struct {
	ChangeCount  int      `json:"change_count"`
	Descriptions []string `json:"descriptions,omitempty"`
}

// Summarizer extracts change summaries from structured feedback with jq
// queries. Unparseable payloads degrade to a zero summary rather than
// failing the express run.
type Summarizer struct {
	jq *expressions.GoJQEngine
}

// NewSummarizer creates a Summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{jq: expressions.NewGoJQEngine()}
}

// Summarize produces the change count and short descriptions for a payload.
func (s *Summarizer) Summarize(ctx context.Context, payload *schema.FeedbackPayload) (*Summary, error) {
	if payload == nil {
		return &Summary{}, nil
	}

	data, err := toMap(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeParse, "feedback payload is not JSON-representable").WithCause(err)
	}

	count, err := s.jq.Evaluate(ctx, countQuery, data)
	if err != nil {
		return nil, err
	}

	descs, err := s.jq.EvaluateAll(ctx, descriptionsQuery, data)
	if err != nil {
		return nil, err
	}

	out := &Summary{}
	if n, ok := count.(int); ok {
		out.ChangeCount = n
	}
	for _, d := range descs {
		if str, ok := d.(string); ok {
			out.Descriptions = append(out.Descriptions, str)
		}
	}
	return out, nil
}

// toMap round-trips a payload through JSON to get the map form gojq expects.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
