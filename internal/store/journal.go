package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// Journal provides append-only event journaling on top of a LibSQLStore.
// Stage lifecycle events are journaled so a report's generation history
// survives process restarts; transient progress ticks and token chunks
// stay in-memory only.
type Journal struct {
	store *LibSQLStore
}

// NewJournal wraps a LibSQLStore.
func NewJournal(s *LibSQLStore) *Journal {
	return &Journal{store: s}
}

// journaledTypes are the event types worth persisting.
var journaledTypes = map[string]bool{
	schema.EventStageStart:      true,
	schema.EventStageComplete:   true,
	schema.EventStageError:      true,
	schema.EventCancelled:       true,
	schema.EventExpressComplete: true,
	schema.EventExpressError:    true,
	schema.EventSnapshotCreated: true,
	schema.EventVersionPromoted: true,
	schema.EventStagesDeleted:   true,
}

// Record persists a stream event if its type is journaled. Other event
// types are silently skipped so the hub can fan everything through.
func (j *Journal) Record(ctx context.Context, ev streaming.StreamEvent) error {
	if !journaledTypes[ev.EventType] {
		return nil
	}

	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = b
	}

	return j.AppendEvent(ctx, &Event{
		ReportID:  ev.ReportID,
		StageID:   ev.StageID,
		SessionID: ev.SessionID,
		Type:      ev.EventType,
		Payload:   payload,
		Timestamp: ev.Timestamp,
	})
}

// AppendEvent appends an event with a monotonically increasing per-report
// sequence. A write-intent statement forces lock acquisition up front so
// concurrent writers cannot interleave sequence reads and inserts.
func (j *Journal) AppendEvent(ctx context.Context, event *Event) error {
	db := j.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone may start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE report_id = ?`, event.ReportID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (report_id, stage_id, session_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ReportID, nullStr(event.StageID), nullStr(event.SessionID), event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a report with sequence > since, ordered by sequence ASC.
func (j *Journal) GetEvents(ctx context.Context, reportID string, since int64) ([]*Event, error) {
	return j.store.GetEvents(ctx, reportID, since)
}

// ReplayOutputs reconstructs the stage output map from journaled
// stage_complete events. Used as a recovery check against the stored
// report. Returns an error if sequence gaps are detected.
func (j *Journal) ReplayOutputs(ctx context.Context, reportID string) (map[string]string, error) {
	events, err := j.store.GetEvents(ctx, reportID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	outputs := make(map[string]string)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in report %s: expected %d, got %d", reportID, i+1, e.Sequence)
		}
		if e.Type != schema.EventStageComplete || e.StageID == "" || len(e.Payload) == 0 {
			continue
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			continue
		}
		if body.Content != "" {
			outputs[e.StageID] = body.Content
		}
	}
	return outputs, nil
}
