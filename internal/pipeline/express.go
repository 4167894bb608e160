package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/nordiq/reportflow/internal/expressions"
	"github.com/nordiq/reportflow/internal/feedback"
	"github.com/nordiq/reportflow/internal/metrics"
	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// ExpressOptions configures an express run.
type ExpressOptions struct {
	// Stages is the ordered sequence to run. Defaults to all review stages.
	Stages []string `json:"stages,omitempty"`
	// IncludeGeneration prefixes the generate stage to the default sequence.
	IncludeGeneration bool `json:"include_generation,omitempty"`
	// AutoAccept merges each review stage's feedback immediately via the
	// editor role.
	AutoAccept bool `json:"auto_accept,omitempty"`
	// Guards maps stage id to an expr condition evaluated against the
	// report state; a false guard skips the stage.
	Guards map[string]string `json:"guards,omitempty"`
}

// StageSummary is the per-stage record of an express run.
type StageSummary struct {
	StageID      string   `json:"stage_id"`
	Status       string   `json:"status"` // completed, skipped, error
	ChangeCount  int      `json:"change_count,omitempty"`
	Descriptions []string `json:"descriptions,omitempty"`
	Merged       bool     `json:"merged,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ExpressResult aggregates one express run.
type ExpressResult struct {
	ReportID     string         `json:"report_id"`
	Stages       []StageSummary `json:"stages"`
	TotalChanges int            `json:"total_changes"`
	FinalVersion int            `json:"final_version,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Err          error          `json:"-"`
}

// Orchestrator drives a sequence of stages end-to-end (express mode):
// each stage runs through the deduplicated runner, review feedback is
// optionally auto-merged, and the run halts on the first error leaving
// earlier snapshots intact.
type Orchestrator struct {
	runner     *Runner
	dedup      *Deduplicator
	store      store.Store
	hub        streaming.EventHub
	expr       *expressions.ExprEngine
	summarizer *feedback.Summarizer
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(runner *Runner, dedup *Deduplicator, st store.Store, hub streaming.EventHub, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{
		runner:     runner,
		dedup:      dedup,
		store:      st,
		hub:        hub,
		expr:       expressions.NewExprEngine(),
		summarizer: feedback.NewSummarizer(),
		logger:     logger,
	}
}

// Run executes the express sequence for a report.
func (o *Orchestrator) Run(ctx context.Context, reportID string, opts ExpressOptions) *ExpressResult {
	start := time.Now()
	result := &ExpressResult{ReportID: reportID}

	sequence := opts.Stages
	if len(sequence) == 0 {
		sequence = stages.ReviewStages()
		if opts.IncludeGeneration {
			sequence = append([]string{stages.StageGenerate}, sequence...)
		}
	}

	log := o.logger.With("report_id", reportID)
	log.Info("express run started", "stages", sequence, "auto_accept", opts.AutoAccept)

	for _, stageID := range sequence {
		summary, err := o.runStage(ctx, reportID, stageID, opts)
		result.Stages = append(result.Stages, *summary)
		result.TotalChanges += summary.ChangeCount

		if err != nil {
			// Halt the remaining sequence; earlier snapshots stay committed.
			result.Err = err
			result.Duration = time.Since(start)
			o.finish(ctx, reportID, result, err)
			return result
		}
	}

	result.Duration = time.Since(start)
	result.FinalVersion = o.finalVersion(ctx, reportID)
	o.finish(ctx, reportID, result, nil)
	return result
}

func (o *Orchestrator) runStage(ctx context.Context, reportID, stageID string, opts ExpressOptions) (*StageSummary, error) {
	summary := &StageSummary{StageID: stageID}

	if guard := opts.Guards[stageID]; guard != "" {
		ok, err := o.evalGuard(ctx, reportID, guard)
		if err != nil {
			summary.Status = "error"
			summary.Error = err.Error()
			return summary, err
		}
		if !ok {
			o.logger.Info("stage skipped by guard", "report_id", reportID, "stage_id", stageID)
			summary.Status = "skipped"
			return summary, nil
		}
	}

	o.publish(ctx, reportID, stageID, schema.EventStageStart, nil)

	execResult, err := o.dedup.RunExclusive(ctx, reportID, stageID, func(ctx context.Context) (*ExecuteResult, error) {
		return o.runner.Execute(ctx, ExecuteRequest{ReportID: reportID, StageID: stageID})
	})
	if err != nil {
		summary.Status = "error"
		summary.Error = err.Error()
		return summary, err
	}
	summary.Status = "completed"

	role, _ := stages.RoleOf(stageID)
	if role != stages.RoleReview {
		return summary, nil
	}

	// Unparseable feedback degrades to a zero summary; the raw text is
	// already stored with the stage.
	if payload, perr := feedback.Parse(execResult.StageOutput); perr == nil {
		if s, serr := o.summarizer.Summarize(ctx, payload); serr == nil {
			summary.ChangeCount = s.ChangeCount
			summary.Descriptions = s.Descriptions
		}
	}

	if opts.AutoAccept && summary.ChangeCount > 0 {
		_, err = o.dedup.RunExclusive(ctx, reportID, stages.StageEditor, func(ctx context.Context) (*ExecuteResult, error) {
			return o.runner.Execute(ctx, ExecuteRequest{
				ReportID:   reportID,
				StageID:    stages.StageEditor,
				Feedback:   &schema.FeedbackInput{RawStage: stageID},
				SnapshotID: stageID,
			})
		})
		if err != nil {
			summary.Status = "error"
			summary.Error = err.Error()
			return summary, err
		}
		summary.Merged = true
	}

	o.publish(ctx, reportID, stageID, schema.EventExpressSummary, map[string]any{
		"stage_id":     stageID,
		"change_count": summary.ChangeCount,
		"descriptions": summary.Descriptions,
		"merged":       summary.Merged,
	})
	return summary, nil
}

// evalGuard evaluates an expr condition against the report state.
func (o *Orchestrator) evalGuard(ctx context.Context, reportID, guard string) (bool, error) {
	rec, err := o.store.GetReport(ctx, reportID)
	if err != nil {
		return false, err
	}
	outputs := make(map[string]any, len(rec.StageOutputs))
	for k, v := range rec.StageOutputs {
		outputs[k] = v
	}
	env := map[string]any{
		"status":        string(rec.Status),
		"current_stage": rec.CurrentStage,
		"outputs":       outputs,
		"has_concept":   rec.Ledger != nil && rec.Ledger.Latest != nil,
	}
	return o.expr.EvaluateBool(ctx, guard, env)
}

func (o *Orchestrator) finalVersion(ctx context.Context, reportID string) int {
	rec, err := o.store.GetReport(ctx, reportID)
	if err != nil || rec.Ledger == nil || rec.Ledger.Latest == nil {
		return 0
	}
	return rec.Ledger.Latest.Version
}

func (o *Orchestrator) finish(ctx context.Context, reportID string, result *ExpressResult, runErr error) {
	o.publish(ctx, reportID, "", schema.EventExpressSummary, map[string]any{
		"total_changes": result.TotalChanges,
		"final_version": result.FinalVersion,
		"duration_ms":   result.Duration.Milliseconds(),
		"stages":        result.Stages,
	})

	if runErr != nil {
		metrics.ExpressRun("error")
		o.publish(ctx, reportID, "", schema.EventExpressError, map[string]any{"error": runErr.Error()})
		o.logger.Error("express run failed", "report_id", reportID, "error", runErr)
		return
	}
	metrics.ExpressRun("completed")
	o.publish(ctx, reportID, "", schema.EventExpressComplete, map[string]any{
		"total_changes": result.TotalChanges,
		"final_version": result.FinalVersion,
	})
	o.logger.Info("express run completed",
		"report_id", reportID, "total_changes", result.TotalChanges, "duration", result.Duration)
}

func (o *Orchestrator) publish(ctx context.Context, reportID, stageID, eventType string, payload map[string]any) {
	_ = o.hub.Publish(ctx, streaming.StreamEvent{
		ReportID:  reportID,
		StageID:   stageID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
