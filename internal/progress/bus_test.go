package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

func newTestBus(t *testing.T, opts ...Option) (*Bus, <-chan streaming.StreamEvent) {
	t.Helper()
	hub := streaming.NewMemoryHub(nil)
	bus := NewBus(hub, nil, opts...)

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return bus, ch
}

func drain(t *testing.T, ch <-chan streaming.StreamEvent, n int) []streaming.StreamEvent {
	t.Helper()
	var events []streaming.StreamEvent
	for len(events) < n {
		select {
		case e := <-ch:
			events = append(events, e)
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", len(events), n)
		}
	}
	return events
}

var specs = []SubstepSpec{
	{ID: "prompt", Label: "Building prompt"},
	{ID: "generate", Label: "Calling model"},
	{ID: "persist", Label: "Saving result"},
}

func TestSessionLifecycle(t *testing.T) {
	bus, ch := newTestBus(t)
	ctx := context.Background()

	s := bus.CreateSession("rep-1", "generate", specs)
	assert.Equal(t, schema.SessionStatusActive, s.Status)
	assert.Equal(t, 0.0, s.OverallPercentage)

	require.NoError(t, bus.StartStep(ctx, "rep-1", "generate", "prompt", ""))
	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "prompt"))
	require.NoError(t, bus.StartStep(ctx, "rep-1", "generate", "generate", ""))
	require.NoError(t, bus.UpdateStep(ctx, "rep-1", "generate", "generate", 50, "halfway"))
	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "generate"))
	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "persist"))
	require.NoError(t, bus.CompleteSession(ctx, "rep-1", "generate", map[string]any{"version": 1}))

	events := drain(t, ch, 7)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	assert.Equal(t, []string{
		schema.EventStepStart, schema.EventStepComplete,
		schema.EventStepStart, schema.EventStepProgress, schema.EventStepComplete,
		schema.EventStepComplete, schema.EventStageComplete,
	}, types)

	// Overall percentage is monotonically non-decreasing and lands on 100.
	last := -1.0
	for _, e := range events {
		payload := e.Payload.(map[string]any)
		overall := payload["overall_percentage"].(float64)
		assert.GreaterOrEqual(t, overall, last)
		last = overall
	}
	assert.Equal(t, 100.0, last)

	got, ok := bus.Get("rep-1", "generate")
	require.True(t, ok)
	assert.Equal(t, schema.SessionStatusCompleted, got.Status)
}

func TestOverallPercentageFormula(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "prompt"))

	s, ok := bus.Get("rep-1", "generate")
	require.True(t, ok)
	assert.InDelta(t, 100.0/3, s.OverallPercentage, 0.001)

	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "generate"))
	s, _ = bus.Get("rep-1", "generate")
	assert.InDelta(t, 200.0/3, s.OverallPercentage, 0.001)
}

func TestNoEventsAfterSubstepTerminal(t *testing.T) {
	bus, ch := newTestBus(t)
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.StartStep(ctx, "rep-1", "generate", "prompt", ""))
	require.NoError(t, bus.CompleteStep(ctx, "rep-1", "generate", "prompt"))
	drain(t, ch, 2)

	err := bus.UpdateStep(ctx, "rep-1", "generate", "prompt", 10, "")
	require.Error(t, err)
	err = bus.StartStep(ctx, "rep-1", "generate", "prompt", "")
	require.Error(t, err)

	select {
	case e := <-ch:
		t.Fatalf("unexpected event after terminal substep: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsEmission(t *testing.T) {
	bus, ch := newTestBus(t)
	ctx := context.Background()

	bus.CreateSession("rep-1", "review_a", specs)
	require.NoError(t, bus.StartStep(ctx, "rep-1", "review_a", "prompt", ""))
	require.NoError(t, bus.CancelSession(ctx, "rep-1", "review_a", "user aborted"))
	drain(t, ch, 2)

	assert.True(t, bus.Cancelled("rep-1", "review_a"))

	err := bus.CompleteStep(ctx, "rep-1", "review_a", "prompt")
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeCancelled, perr.Code)

	select {
	case e := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailSubstepAndSession(t *testing.T) {
	bus, ch := newTestBus(t)
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.StartStep(ctx, "rep-1", "generate", "generate", ""))
	require.NoError(t, bus.FailStep(ctx, "rep-1", "generate", "generate", "model timeout"))
	require.NoError(t, bus.FailSession(ctx, "rep-1", "generate", map[string]any{"error": "model timeout"}))

	events := drain(t, ch, 3)
	assert.Equal(t, schema.EventStepError, events[1].EventType)
	assert.Equal(t, schema.EventStageError, events[2].EventType)
}

func TestEmitTokensChunks(t *testing.T) {
	bus, ch := newTestBus(t, WithTokenStreaming(4, 0))
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.EmitTokens(ctx, "rep-1", "generate", "abcdefgh"))

	events := drain(t, ch, 4)
	var rebuilt string
	for i, e := range events {
		require.Equal(t, schema.EventToken, e.EventType)
		payload := e.Payload.(map[string]any)
		assert.Equal(t, i, payload["index"])
		assert.Equal(t, 4, payload["total"])
		rebuilt += payload["text"].(string)
	}
	assert.Equal(t, "abcdefgh", rebuilt)
}

func TestEmitTokensStopsWhenCancelled(t *testing.T) {
	bus, _ := newTestBus(t, WithTokenStreaming(8, 0))
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.CancelSession(ctx, "rep-1", "generate", ""))

	// No error, no emission: the session is already terminal.
	require.NoError(t, bus.EmitTokens(ctx, "rep-1", "generate", "some long generated text"))
}

func TestSweepRespectsRetention(t *testing.T) {
	bus, _ := newTestBus(t, WithRetention(time.Hour))
	ctx := context.Background()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.CompleteSession(ctx, "rep-1", "generate", nil))
	bus.CreateSession("rep-2", "generate", specs)

	// Inside the window: nothing removed.
	assert.Equal(t, 0, bus.Sweep(time.Now().UTC()))

	// Past the window: only the closed session goes.
	assert.Equal(t, 1, bus.Sweep(time.Now().UTC().Add(2*time.Hour)))
	_, ok := bus.Get("rep-1", "generate")
	assert.False(t, ok)
	_, ok = bus.Get("rep-2", "generate")
	assert.True(t, ok)
}

func TestStartSweeperRemovesExpiredSessions(t *testing.T) {
	bus, _ := newTestBus(t, WithRetention(20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.CreateSession("rep-1", "generate", specs)
	require.NoError(t, bus.CompleteSession(ctx, "rep-1", "generate", nil))

	bus.StartSweeper(ctx)

	require.Eventually(t, func() bool {
		_, ok := bus.Get("rep-1", "generate")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestChunkText(t *testing.T) {
	assert.Equal(t, []string{"abc"}, chunkText("abc", 1))
	assert.Len(t, chunkText("abcdef", 3), 3)
	// More chunks than runes degrades to one rune per chunk.
	assert.Len(t, chunkText("ab", 10), 2)
	// Multibyte runes never split mid-character.
	chunks := chunkText("héllo wörld", 5)
	var joined string
	for _, c := range chunks {
		joined += c
	}
	assert.Equal(t, "héllo wörld", joined)
}
