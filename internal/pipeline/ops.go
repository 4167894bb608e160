package pipeline

import (
	"context"
	"time"

	"github.com/nordiq/reportflow/internal/ledger"
	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// CreateReport creates a new draft report.
func (r *Runner) CreateReport(ctx context.Context, id, tenantID, title string) (*schema.Report, error) {
	report := schema.NewReport(id)
	report.TenantID = tenantID
	report.Title = title
	if err := r.store.CreateReport(ctx, store.FromSchema(report)); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create report failed").
			WithReport(id).WithCause(err)
	}
	return report, nil
}

// GetReport loads a report.
func (r *Runner) GetReport(ctx context.Context, id string) (*schema.Report, error) {
	rec, err := r.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.ToSchema(), nil
}

// Promote repoints the latest concept to an earlier stage's snapshot.
// Non-destructive: snapshots and later history rows are untouched.
func (r *Runner) Promote(ctx context.Context, reportID, stageID, reason string) (*schema.LatestRef, error) {
	rec, err := r.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	report := rec.ToSchema()

	latest, err := ledger.Promote(report.Ledger, stageID, reason)
	if err != nil {
		return nil, err
	}
	report.CurrentStage = stageID

	if err := r.writeBack(ctx, report); err != nil {
		return nil, err
	}

	r.audit(ctx, reportID, stageID, schema.EventVersionPromoted, map[string]any{
		"stage_id": stageID,
		"version":  latest.Version,
		"reason":   reason,
	})
	return latest, nil
}

// DeleteStage removes a stage and every stage at or after it in the fixed
// order, then recomputes the latest pointer. Returns the removed stage ids.
func (r *Runner) DeleteStage(ctx context.Context, reportID, stageID string) ([]string, error) {
	rec, err := r.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	report := rec.ToSchema()

	// Synthetic manual_edit_N / adjustment_N snapshots layer after editor,
	// so the cascade order must include them or a manual edit built on
	// deleted feedback would survive and win the latest recompute.
	order := stages.EffectiveOrder(report.Ledger.Snapshots, report.StageOutputs)
	removed, err := ledger.CascadeDelete(report.Ledger, report.StageOutputs, stageID, order)
	if err != nil {
		return nil, err
	}

	if report.Ledger.Latest != nil {
		report.CurrentStage = report.Ledger.Latest.Pointer
	} else {
		report.CurrentStage = ""
		report.Status = schema.ReportStatusDraft
	}

	if err := r.writeBack(ctx, report); err != nil {
		return nil, err
	}

	r.audit(ctx, reportID, stageID, schema.EventStagesDeleted, map[string]any{
		"deleted": removed,
	})
	return removed, nil
}

// audit publishes a ledger audit event on the hub.
func (r *Runner) audit(ctx context.Context, reportID, stageID, eventType string, payload map[string]any) {
	if r.hub == nil {
		return
	}
	_ = r.hub.Publish(ctx, streaming.StreamEvent{
		ReportID:  reportID,
		StageID:   stageID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
