package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/pkg/schema"
)

func TestParse_DirectJSON(t *testing.T) {
	raw := `{"summary":"two issues","changes":[{"description":"fix intro","severity":"high"},{"description":"tighten conclusion"}]}`

	payload, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "two issues", payload.Summary)
	require.Len(t, payload.Changes, 2)
	assert.Equal(t, "fix intro", payload.Changes[0].Description)
	assert.Equal(t, "high", payload.Changes[0].Severity)
}

func TestParse_BareChangeArray(t *testing.T) {
	raw := `[{"description":"rewrite abstract"},{"description":"add citation"}]`

	payload, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, payload.Changes, 2)
}

func TestParse_FencedBlock(t *testing.T) {
	raw := "Here is my review:\n```json\n{\"changes\":[{\"description\":\"shorten section 2\"}]}\n```\nLet me know if you need more."

	payload, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "shorten section 2", payload.Changes[0].Description)
}

func TestParse_BracketSpanWithSurroundingProse(t *testing.T) {
	raw := `The model says: {"changes":[{"description":"drop the table"}]} end of output`

	payload, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "drop the table", payload.Changes[0].Description)
}

func TestParse_NestedBracesInsideStrings(t *testing.T) {
	raw := `{"changes":[{"description":"replace {placeholder} with value","original":"a } b"}]}`

	payload, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "replace {placeholder} with value", payload.Changes[0].Description)
}

func TestParse_LiteralNewlinesInStrings(t *testing.T) {
	raw := "noise {\"changes\":[{\"description\":\"first line\nsecond line\"}]} noise"

	payload, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "first line\nsecond line", payload.Changes[0].Description)
}

func TestParse_TruncatedArrayRepaired(t *testing.T) {
	// Output cut off mid-stream after a complete element.
	raw := `[{"description":"complete change"},`

	payload, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "complete change", payload.Changes[0].Description)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("   \n ")
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeParse, perr.Code)
}

func TestParse_NotJSONAtAll(t *testing.T) {
	_, err := Parse("the report looks fine to me, no changes needed")
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeParse, perr.Code)
}

func TestResolve_FilteredPassthrough(t *testing.T) {
	in := schema.FeedbackInput{
		Filtered: []schema.FeedbackChange{{Description: "keep this"}},
	}

	changes, err := Resolve(in, nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "keep this", changes[0].Description)
}

func TestResolve_RawStageParsed(t *testing.T) {
	outputs := map[string]string{
		"review_a": `{"changes":[{"description":"from review_a"}]}`,
	}

	changes, err := Resolve(schema.FeedbackInput{RawStage: "review_a"}, outputs)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "from review_a", changes[0].Description)
}

func TestResolve_RawStagePlainTextDegrades(t *testing.T) {
	outputs := map[string]string{
		"review_b": "just prose, not structured at all",
	}

	changes, err := Resolve(schema.FeedbackInput{RawStage: "review_b"}, outputs)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "just prose, not structured at all", changes[0].Description)
}

func TestResolve_RawStageMissingOutput(t *testing.T) {
	_, err := Resolve(schema.FeedbackInput{RawStage: "review_c"}, map[string]string{})
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeNotFound, perr.Code)
	assert.Equal(t, "review_c", perr.StageID)
}

func TestResolve_EmptyInput(t *testing.T) {
	_, err := Resolve(schema.FeedbackInput{}, nil)
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}
