package progress

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nordiq/reportflow/internal/metrics"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

const (
	// DefaultRetention is how long closed sessions stay queryable before GC.
	DefaultRetention = 24 * time.Hour
	// DefaultTokenChunks is the number of pieces EmitTokens splits text into.
	DefaultTokenChunks = 24
	// DefaultTokenDelay is the pause between simulated token emissions.
	DefaultTokenDelay = 40 * time.Millisecond
)

// Bus tracks substep-level progress per (report, stage) session and emits
// typed events through the hub. Each session has exactly one writer; the
// hub fans events out to any number of subscribers.
type Bus struct {
	hub    streaming.EventHub
	logger *slog.Logger

	retention   time.Duration
	tokenChunks int
	tokenDelay  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetention overrides the closed-session retention window.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) { b.retention = d }
}

// WithTokenStreaming overrides the simulated token chunking parameters.
func WithTokenStreaming(chunks int, delay time.Duration) Option {
	return func(b *Bus) {
		if chunks > 0 {
			b.tokenChunks = chunks
		}
		b.tokenDelay = delay
	}
}

// NewBus creates a Bus publishing to the given hub.
func NewBus(hub streaming.EventHub, logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	b := &Bus{
		hub:         hub,
		logger:      logger,
		retention:   DefaultRetention,
		tokenChunks: DefaultTokenChunks,
		tokenDelay:  DefaultTokenDelay,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func sessionKey(reportID, stageID string) string {
	return reportID + "/" + stageID
}

// CreateSession opens a new session for the (report, stage) pair, replacing
// any previous one under the same key.
func (b *Bus) CreateSession(reportID, stageID string, specs []SubstepSpec) *Session {
	s := newSession(reportID, stageID, specs)

	b.mu.Lock()
	if old, ok := b.sessions[sessionKey(reportID, stageID)]; ok && !old.terminal() {
		b.logger.Warn("replacing active session",
			"report_id", reportID, "stage_id", stageID, "old_session_id", old.ID)
	}
	b.sessions[sessionKey(reportID, stageID)] = s
	b.mu.Unlock()

	metrics.SessionOpened()
	return s.snapshot()
}

// Get returns a copy of the current session for the key, if any.
func (b *Bus) Get(reportID, stageID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionKey(reportID, stageID)]
	if !ok {
		return nil, false
	}
	return s.snapshot(), true
}

// StartStep transitions a substep pending -> running and emits step_start.
func (b *Bus) StartStep(ctx context.Context, reportID, stageID, substepID, message string) error {
	return b.mutate(ctx, reportID, stageID, substepID, func(s *Session, sub *Substep) (string, error) {
		if sub.Status != schema.SubstepStatusPending {
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"substep %q already %s", substepID, sub.Status).WithStage(stageID)
		}
		now := time.Now().UTC()
		sub.Status = schema.SubstepStatusRunning
		sub.StartTime = &now
		sub.Message = message
		return schema.EventStepStart, nil
	})
}

// UpdateStep reports intermediate percentage on a running substep.
func (b *Bus) UpdateStep(ctx context.Context, reportID, stageID, substepID string, percentage float64, message string) error {
	return b.mutate(ctx, reportID, stageID, substepID, func(s *Session, sub *Substep) (string, error) {
		if sub.Status != schema.SubstepStatusRunning {
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"substep %q is %s, not running", substepID, sub.Status).WithStage(stageID)
		}
		if percentage < 0 {
			percentage = 0
		}
		if percentage > 100 {
			percentage = 100
		}
		sub.Percentage = percentage
		if message != "" {
			sub.Message = message
		}
		return schema.EventStepProgress, nil
	})
}

// CompleteStep transitions a substep to completed and emits step_complete.
func (b *Bus) CompleteStep(ctx context.Context, reportID, stageID, substepID string) error {
	return b.mutate(ctx, reportID, stageID, substepID, func(s *Session, sub *Substep) (string, error) {
		if sub.Status != schema.SubstepStatusRunning && sub.Status != schema.SubstepStatusPending {
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"substep %q already %s", substepID, sub.Status).WithStage(stageID)
		}
		now := time.Now().UTC()
		sub.Status = schema.SubstepStatusCompleted
		sub.Percentage = 100
		sub.EndTime = &now
		return schema.EventStepComplete, nil
	})
}

// FailStep transitions a substep to error and emits step_error.
func (b *Bus) FailStep(ctx context.Context, reportID, stageID, substepID, message string) error {
	return b.mutate(ctx, reportID, stageID, substepID, func(s *Session, sub *Substep) (string, error) {
		if sub.Status == schema.SubstepStatusCompleted || sub.Status == schema.SubstepStatusError {
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"substep %q already %s", substepID, sub.Status).WithStage(stageID)
		}
		now := time.Now().UTC()
		sub.Status = schema.SubstepStatusError
		sub.EndTime = &now
		sub.Message = message
		return schema.EventStepError, nil
	})
}

// CompleteSession closes the session successfully and emits stage_complete.
// Extra payload fields (feedback summaries, version info) are merged in.
func (b *Bus) CompleteSession(ctx context.Context, reportID, stageID string, extra map[string]any) error {
	return b.close(ctx, reportID, stageID, schema.SessionStatusCompleted, schema.EventStageComplete, extra)
}

// FailSession closes the session with an error and emits stage_error.
func (b *Bus) FailSession(ctx context.Context, reportID, stageID string, extra map[string]any) error {
	return b.close(ctx, reportID, stageID, schema.SessionStatusError, schema.EventStageError, extra)
}

// CancelSession marks the session cancelled and emits a final cancelled
// event. Cancellation is best-effort: it stops further emission but does
// not abort an in-flight AI call.
func (b *Bus) CancelSession(ctx context.Context, reportID, stageID, reason string) error {
	extra := map[string]any{}
	if reason != "" {
		extra["reason"] = reason
	}
	return b.close(ctx, reportID, stageID, schema.SessionStatusCancelled, schema.EventCancelled, extra)
}

// Cancelled reports whether the session for the key has been cancelled.
func (b *Bus) Cancelled(reportID, stageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionKey(reportID, stageID)]
	return ok && s.Status == schema.SessionStatusCancelled
}

// EmitTokens streams the finished text as chunked token events with a short
// delay between pieces. This is simulated streaming over a non-streaming
// backend, a deliberate UX stopgap: observers get incremental feedback even
// though the AI call returned the full text at once.
func (b *Bus) EmitTokens(ctx context.Context, reportID, stageID, text string) error {
	if text == "" {
		return nil
	}
	chunks := chunkText(text, b.tokenChunks)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Cancelled(reportID, stageID) {
			return nil
		}

		b.mu.Lock()
		s, ok := b.sessions[sessionKey(reportID, stageID)]
		var event *streaming.StreamEvent
		if ok && !s.terminal() {
			event = &streaming.StreamEvent{
				ReportID:  reportID,
				StageID:   stageID,
				SessionID: s.ID,
				EventType: schema.EventToken,
				Payload: map[string]any{
					"index": i,
					"total": len(chunks),
					"text":  chunk,
				},
				Timestamp: time.Now().UTC(),
			}
		}
		b.mu.Unlock()

		if event == nil {
			return nil
		}
		if err := b.hub.Publish(ctx, *event); err != nil {
			return err
		}

		if b.tokenDelay > 0 && i < len(chunks)-1 {
			select {
			case <-time.After(b.tokenDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Close removes the session immediately regardless of retention.
func (b *Bus) Close(reportID, stageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionKey(reportID, stageID)]; ok {
		delete(b.sessions, sessionKey(reportID, stageID))
		metrics.SessionClosed()
	}
}

// StartSweeper runs Sweep on a fixed cadence until ctx is cancelled. The
// interval is a quarter of the retention window, clamped so short test
// retentions sweep promptly and long production windows tick once a minute.
func (b *Bus) StartSweeper(ctx context.Context) {
	interval := b.retention / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := b.Sweep(now); n > 0 {
					b.logger.Debug("swept expired sessions", "removed", n)
				}
			}
		}
	}()
}

// Sweep garbage-collects sessions closed before now minus the retention
// window. Returns the number of sessions removed.
func (b *Bus) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, s := range b.sessions {
		if s.terminal() && s.ClosedAt != nil && now.Sub(*s.ClosedAt) > b.retention {
			delete(b.sessions, key)
			metrics.SessionClosed()
			removed++
		}
	}
	return removed
}

// mutate applies fn to a substep under the session lock and publishes the
// resulting event. Mutations on terminal sessions are rejected so no event
// is ever emitted after cancellation or close.
func (b *Bus) mutate(ctx context.Context, reportID, stageID, substepID string, fn func(*Session, *Substep) (string, error)) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionKey(reportID, stageID)]
	if !ok {
		b.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no session for report %s stage %s", reportID, stageID).WithReport(reportID).WithStage(stageID)
	}
	if s.Status == schema.SessionStatusCancelled {
		b.mu.Unlock()
		return schema.NewError(schema.ErrCodeCancelled, "session cancelled").WithReport(reportID).WithStage(stageID)
	}
	if s.terminal() {
		b.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"session already %s", s.Status).WithReport(reportID).WithStage(stageID)
	}

	sub := s.substep(substepID)
	if sub == nil {
		b.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"unknown substep %q", substepID).WithReport(reportID).WithStage(stageID)
	}

	eventType, err := fn(s, sub)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	s.recompute()

	event := streaming.StreamEvent{
		ReportID:  reportID,
		StageID:   stageID,
		SessionID: s.ID,
		EventType: eventType,
		Payload: map[string]any{
			"substep_id":         sub.ID,
			"label":              sub.Label,
			"status":             string(sub.Status),
			"percentage":         sub.Percentage,
			"overall_percentage": s.OverallPercentage,
			"message":            sub.Message,
		},
		Timestamp: time.Now().UTC(),
	}
	b.mu.Unlock()

	return b.hub.Publish(ctx, event)
}

// close finalizes a session and publishes its terminal event.
func (b *Bus) close(ctx context.Context, reportID, stageID string, status schema.SessionStatus, eventType string, extra map[string]any) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionKey(reportID, stageID)]
	if !ok {
		b.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no session for report %s stage %s", reportID, stageID).WithReport(reportID).WithStage(stageID)
	}
	if s.terminal() {
		b.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"session already %s", s.Status).WithReport(reportID).WithStage(stageID)
	}

	now := time.Now().UTC()
	s.Status = status
	s.ClosedAt = &now
	s.recompute()

	payload := map[string]any{
		"status":             string(status),
		"overall_percentage": s.OverallPercentage,
	}
	for k, v := range extra {
		payload[k] = v
	}

	event := streaming.StreamEvent{
		ReportID:  reportID,
		StageID:   stageID,
		SessionID: s.ID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: now,
	}
	b.mu.Unlock()

	return b.hub.Publish(ctx, event)
}

// chunkText splits text into at most n rune-safe pieces.
func chunkText(text string, n int) []string {
	runes := []rune(text)
	if n <= 1 || len(runes) <= 1 {
		return []string{text}
	}
	if n > len(runes) {
		n = len(runes)
	}
	size := (len(runes) + n - 1) / n

	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
