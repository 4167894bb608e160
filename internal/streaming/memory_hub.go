package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nordiq/reportflow/internal/expressions"
	"github.com/nordiq/reportflow/pkg/schema"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub implementation using channels.
// The CEL engine is optional; without it Expression filters are rejected
// at subscribe time.
type MemoryHub struct {
	cel *expressions.CELEngine

	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub. cel may be nil.
func NewMemoryHub(cel *expressions.CELEngine) *MemoryHub {
	return &MemoryHub{
		cel:  cel,
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !h.matchFilter(ctx, sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// backpressure: drop event for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// Returns a receive-only channel, a cancel function, and any error.
// An Expression filter is compiled here so bad filters fail fast.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if filter.Expression != "" {
		if h.cel == nil {
			return nil, nil, errExpressionUnsupported(filter.Expression)
		}
		if err := h.cel.Check(filter.Expression); err != nil {
			return nil, nil, err
		}
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the event passes the filter criteria.
func (h *MemoryHub) matchFilter(ctx context.Context, f EventFilter, e StreamEvent) bool {
	if f.ReportID != "" && f.ReportID != e.ReportID {
		return false
	}
	if f.StageID != "" && f.StageID != e.StageID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Expression != "" && h.cel != nil {
		ok, err := h.cel.Matches(ctx, f.Expression, celData(e))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func errExpressionUnsupported(expression string) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"expression filters are not enabled on this hub: %q", expression)
}

// celData projects a StreamEvent into the CEL filter environment.
func celData(e StreamEvent) map[string]any {
	payload, _ := e.Payload.(map[string]any)
	return map[string]any{
		"event": map[string]any{
			"report_id":  e.ReportID,
			"stage_id":   e.StageID,
			"session_id": e.SessionID,
			"type":       e.EventType,
		},
		"payload": payload,
	}
}
