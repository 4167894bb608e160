package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/internal/ai"
	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

func newOrchestrator(f *fixture) *Orchestrator {
	return NewOrchestrator(f.runner, NewDeduplicator(time.Minute), f.store, f.hub, testLogger())
}

func TestExpress_FullSequenceWithAutoAccept(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[{"description":"clarify scope","severity":"low"}]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{
		Stages:     []string{stages.StageGenerate, stages.StageReviewA, stages.StageReviewB},
		AutoAccept: true,
	})

	require.NoError(t, result.Err)
	require.Len(t, result.Stages, 3)
	assert.Equal(t, "completed", result.Stages[0].Status)

	for _, s := range result.Stages[1:] {
		assert.Equal(t, "completed", s.Status)
		assert.Equal(t, 1, s.ChangeCount)
		assert.True(t, s.Merged)
	}
	assert.Equal(t, 2, result.TotalChanges)
	// generate is v1, each auto-accepted merge bumps the version.
	assert.Equal(t, 3, result.FinalVersion)

	rec, err := f.store.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Ledger.Latest.Version)
}

func TestExpress_HaltsOnFirstError(t *testing.T) {
	boom := errors.New("model unavailable")
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return "", boom
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{
		Stages: []string{stages.StageGenerate, stages.StageReviewA, stages.StageReviewB},
	})

	require.Error(t, result.Err)
	require.Len(t, result.Stages, 2)
	assert.Equal(t, "completed", result.Stages[0].Status)
	assert.Equal(t, "error", result.Stages[1].Status)
	assert.NotEmpty(t, result.Stages[1].Error)

	// The generation snapshot committed before the halt survives.
	rec, err := f.store.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.Ledger.Latest)
	assert.Equal(t, stages.StageGenerate, rec.Ledger.Latest.Pointer)
	assert.Equal(t, 1, rec.Ledger.Latest.Version)
}

func TestExpress_GuardSkipsStage(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{
		Stages: []string{stages.StageGenerate, stages.StageReviewA, stages.StageReviewB},
		Guards: map[string]string{
			stages.StageReviewA: "has_concept",
			stages.StageReviewB: `status == "archived"`,
		},
	})

	require.NoError(t, result.Err)
	require.Len(t, result.Stages, 3)
	assert.Equal(t, "completed", result.Stages[1].Status)
	assert.Equal(t, "skipped", result.Stages[2].Status)

	rec, err := f.store.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, rec.StageOutputs, stages.StageReviewB)
}

func TestExpress_DefaultSequenceIsAllReviews(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	// Seed a concept so the reviews have something to look at.
	_, err := f.runner.Execute(ctx, ExecuteRequest{ReportID: "r1", StageID: stages.StageGenerate})
	require.NoError(t, err)

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{})

	require.NoError(t, result.Err)
	assert.Len(t, result.Stages, len(stages.ReviewStages()))
	assert.Zero(t, result.TotalChanges)
}

func TestExpress_IncludeGenerationPrefixesSequence(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{IncludeGeneration: true})

	require.NoError(t, result.Err)
	require.Len(t, result.Stages, len(stages.ReviewStages())+1)
	assert.Equal(t, stages.StageGenerate, result.Stages[0].StageID)
}

func TestExpress_NoMergeWhenReviewFindsNothing(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{
		Stages:     []string{stages.StageGenerate, stages.StageReviewA},
		AutoAccept: true,
	})

	require.NoError(t, result.Err)
	assert.False(t, result.Stages[1].Merged)
	// Only the generation snapshot exists.
	assert.Equal(t, 1, result.FinalVersion)
}

func TestExpress_EmitsTerminalEvent(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req ai.GenerateRequest) (string, error) {
		if req.JSONOutput {
			return `{"changes":[]}`, nil
		}
		return "draft content", nil
	})
	ctx := context.Background()
	seedReport(t, f, "r1")

	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{
		ReportID:   "r1",
		EventTypes: []string{schema.EventExpressComplete},
	})
	require.NoError(t, err)
	defer cancel()

	o := newOrchestrator(f)
	result := o.Run(ctx, "r1", ExpressOptions{Stages: []string{stages.StageGenerate}})
	require.NoError(t, result.Err)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventExpressComplete, ev.EventType)
		assert.Equal(t, "r1", ev.ReportID)
	case <-time.After(time.Second):
		t.Fatal("express_complete event not observed")
	}
}
