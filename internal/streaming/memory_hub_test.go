package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/internal/expressions"
	"github.com/nordiq/reportflow/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ReportID:  "rep-1",
		StageID:   "generate",
		SessionID: "sess-1",
		EventType: schema.EventStepComplete,
		Payload:   map[string]any{"percentage": 100.0},
	}

	err = hub.Publish(ctx, event)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, event.ReportID, got.ReportID)
		assert.Equal(t, event.StageID, got.StageID)
		assert.Equal(t, event.EventType, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByReportID(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ReportID: "rep-1"})
	require.NoError(t, err)
	defer cancel()

	// Should be received (matching report)
	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", EventType: schema.EventStepStart}))
	// Should be dropped (different report)
	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-2", EventType: schema.EventStepStart}))

	select {
	case got := <-ch:
		assert.Equal(t, "rep-1", got.ReportID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Channel should be empty -- the rep-2 event was filtered out.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventStepError, schema.EventStageError},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", EventType: schema.EventToken}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", EventType: schema.EventStageError}))

	select {
	case got := <-ch:
		assert.Equal(t, schema.EventStageError, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByCELExpression(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	hub := NewMemoryHub(cel)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Expression: `event.type == "step_error" && event.stage_id == "review_b"`,
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", StageID: "review_a", EventType: schema.EventStepError}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", StageID: "review_b", EventType: schema.EventStepError}))

	select {
	case got := <-ch:
		assert.Equal(t, "review_b", got.StageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeBadExpression(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	hub := NewMemoryHub(cel)

	_, _, err = hub.Subscribe(context.Background(), EventFilter{Expression: `event.type ==`})
	require.Error(t, err)

	// Without an engine, expression filters are rejected outright.
	bare := NewMemoryHub(nil)
	_, _, err = bare.Subscribe(context.Background(), EventFilter{Expression: `true`})
	require.Error(t, err)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ReportID: "rep-1", EventType: schema.EventStepStart}))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after unsubscribe: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ReportID: "rep-1"})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, StreamEvent{ReportID: "rep-1", EventType: schema.EventStepProgress})
		}()
	}
	wg.Wait()

	received := 0
	for received < 10 {
		select {
		case <-ch:
			received++
		case <-time.After(time.Second):
			t.Fatalf("received %d of 10 events", received)
		}
	}
}
