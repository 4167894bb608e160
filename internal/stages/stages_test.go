package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/pkg/schema"
)

func TestRoleOf(t *testing.T) {
	tests := []struct {
		stageID string
		want    Role
	}{
		{StageGenerate, RoleGeneration},
		{StageCheck, RoleGeneration},
		{StageReviewA, RoleReview},
		{StageReviewF, RoleReview},
		{StageEditor, RoleEditor},
		{"manual_edit_1", RoleEditor},
		{"adjustment_12", RoleEditor},
	}
	for _, tt := range tests {
		role, err := RoleOf(tt.stageID)
		require.NoError(t, err, tt.stageID)
		assert.Equal(t, tt.want, role, tt.stageID)
	}
}

func TestRoleOfUnknown(t *testing.T) {
	_, err := RoleOf("review_z")
	require.Error(t, err)

	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeValidation, perr.Code)

	_, err = RoleOf("manual_edit_")
	assert.Error(t, err)
}

func TestCascadeSpan(t *testing.T) {
	span, err := CascadeSpan(StageReviewA, Order)
	require.NoError(t, err)
	assert.Equal(t, []string{
		StageReviewA, StageReviewB, StageReviewC,
		StageReviewD, StageReviewE, StageReviewF, StageEditor,
	}, span)

	span, err = CascadeSpan(StageEditor, Order)
	require.NoError(t, err)
	assert.Equal(t, []string{StageEditor}, span)

	// Synthetic stages are only spannable through an effective order.
	_, err = CascadeSpan("manual_edit_1", Order)
	assert.Error(t, err)
}

func TestEffectiveOrder(t *testing.T) {
	snapshots := map[string]schema.Snapshot{
		StageGenerate:   {Version: 1},
		"manual_edit_1": {Version: 3},
		"adjustment_1":  {Version: 2},
	}
	outputs := map[string]string{
		StageReviewA:    "feedback",
		"manual_edit_1": "edited",
	}

	order := EffectiveOrder(snapshots, outputs)
	require.Len(t, order, len(Order)+2)
	assert.Equal(t, Order, order[:len(Order)])
	// Synthetic ids follow editor in creation (version) order.
	assert.Equal(t, []string{"adjustment_1", "manual_edit_1"}, order[len(Order):])

	span, err := CascadeSpan(StageEditor, order)
	require.NoError(t, err)
	assert.Equal(t, []string{StageEditor, "adjustment_1", "manual_edit_1"}, span)

	span, err = CascadeSpan("adjustment_1", order)
	require.NoError(t, err)
	assert.Equal(t, []string{"adjustment_1", "manual_edit_1"}, span)
}

func TestEffectiveOrderWithoutSynthetics(t *testing.T) {
	order := EffectiveOrder(nil, map[string]string{StageReviewB: "feedback"})
	assert.Equal(t, Order, order)
}

func TestReviewStages(t *testing.T) {
	reviews := ReviewStages()
	require.Len(t, reviews, 6)
	assert.Equal(t, StageReviewA, reviews[0])
	assert.Equal(t, StageReviewF, reviews[5])
}

func TestNextSyntheticID(t *testing.T) {
	existing := map[string]schema.Snapshot{
		"manual_edit_1": {},
		"manual_edit_2": {},
	}
	assert.Equal(t, "manual_edit_3", NextSyntheticID("manual_edit", existing))
	assert.Equal(t, "adjustment_1", NextSyntheticID("adjustment", existing))
}
