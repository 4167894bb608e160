package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

func TestJournal_RecordFiltersTransientEvents(t *testing.T) {
	s := newTestStore(t)
	j := NewJournal(s)
	ctx := context.Background()
	r := seedReport(t, s)

	events := []streaming.StreamEvent{
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventStageStart},
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventStepProgress},
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventToken, Payload: map[string]any{"token": "x"}},
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventStageComplete,
			Payload: map[string]any{"content": "final text", "version": 1}},
	}
	for _, ev := range events {
		require.NoError(t, j.Record(ctx, ev))
	}

	stored, err := j.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, schema.EventStageStart, stored[0].Type)
	assert.Equal(t, schema.EventStageComplete, stored[1].Type)
	assert.Equal(t, int64(2), stored[1].Sequence)
}

func TestJournal_ConcurrentAppendsKeepContiguousSequence(t *testing.T) {
	s := newTestStore(t)
	j := NewJournal(s)
	ctx := context.Background()
	r := seedReport(t, s)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = j.AppendEvent(ctx, &Event{ReportID: r.ID, Type: schema.EventStageComplete})
		}()
	}
	wg.Wait()

	events, err := j.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestJournal_ReplayOutputs(t *testing.T) {
	s := newTestStore(t)
	j := NewJournal(s)
	ctx := context.Background()
	r := seedReport(t, s)

	seq := []streaming.StreamEvent{
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventStageComplete,
			Payload: map[string]any{"content": "first draft"}},
		{ReportID: r.ID, StageID: "review_a", EventType: schema.EventStageComplete,
			Payload: map[string]any{"content": `{"changes":[]}`}},
		{ReportID: r.ID, StageID: "generate", EventType: schema.EventStageError,
			Payload: map[string]any{"error": "boom"}},
	}
	for _, ev := range seq {
		require.NoError(t, j.Record(ctx, ev))
	}

	outputs, err := j.ReplayOutputs(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "first draft", outputs["generate"])
	assert.Equal(t, `{"changes":[]}`, outputs["review_a"])
	assert.NotContains(t, outputs, "editor")
}
