package feedback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/pkg/schema"
)

func TestValidator_ValidPayload(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	payload := &schema.FeedbackPayload{
		Summary: "looks solid",
		Changes: []schema.FeedbackChange{
			{Description: "clarify methodology", Severity: "medium"},
		},
	}
	assert.NoError(t, v.Validate(payload))
}

func TestValidator_EmptyChangesAllowed(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(&schema.FeedbackPayload{Changes: []schema.FeedbackChange{}}))
}

func TestValidator_MissingDescription(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	payload := &schema.FeedbackPayload{
		Changes: []schema.FeedbackChange{{Section: "intro"}},
	}

	err = v.Validate(payload)
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
}

func TestValidator_BadSeverity(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	payload := &schema.FeedbackPayload{
		Changes: []schema.FeedbackChange{
			{Description: "something", Severity: "critical"},
		},
	}

	err = v.Validate(payload)
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)
	if assert.NotNil(t, perr.Details) {
		assert.Contains(t, perr.Details, "violations")
	}
}

func TestValidator_NilPayload(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.Error(t, v.Validate(nil))
}

func TestSummarizer_CountsAndDescriptions(t *testing.T) {
	s := NewSummarizer()

	payload := &schema.FeedbackPayload{
		Changes: []schema.FeedbackChange{
			{Description: "fix typo in title"},
			{Description: "expand risk section"},
		},
	}

	sum, err := s.Summarize(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ChangeCount)
	assert.Equal(t, []string{"fix typo in title", "expand risk section"}, sum.Descriptions)
}

func TestSummarizer_NilPayload(t *testing.T) {
	s := NewSummarizer()

	sum, err := s.Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.ChangeCount)
	assert.Empty(t, sum.Descriptions)
}
