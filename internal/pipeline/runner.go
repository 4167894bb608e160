package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/nordiq/reportflow/internal/ai"
	"github.com/nordiq/reportflow/internal/feedback"
	"github.com/nordiq/reportflow/internal/ledger"
	"github.com/nordiq/reportflow/internal/metrics"
	"github.com/nordiq/reportflow/internal/progress"
	"github.com/nordiq/reportflow/internal/stages"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// DefaultCallTimeout is the per-call ceiling for AI generation. Generation
// calls are expensive and slow, so the default is deliberately long.
const DefaultCallTimeout = 5 * time.Minute

// ExecuteRequest describes one stage execution.
type ExecuteRequest struct {
	ReportID string
	StageID  string
	// Feedback is required for editor-role stages.
	Feedback *schema.FeedbackInput
	// CustomInput is appended to generation prompts.
	CustomInput string
	// SnapshotID overrides the id the editor snapshot is stored under.
	// Defaults to the executed stage id.
	SnapshotID string
}

// ExecuteResult is the outcome of one stage execution.
type ExecuteResult struct {
	StageOutput    string `json:"stage_output"`
	ConceptUpdated bool   `json:"concept_updated"`
	Version        int    `json:"version,omitempty"`
}

// Runner executes a single stage for a single report: it calls the AI
// collaborator, interprets the result according to the stage's role,
// updates the version ledger, and drives the progress session.
//
// Ledger and output mutations are applied in memory first and written back
// to the store in one update after the AI call succeeds; a failed call
// leaves the stored report untouched.
type Runner struct {
	store       store.Store
	gen         ai.Generator
	bus         *progress.Bus
	hub         streaming.EventHub
	validator   *feedback.Validator
	logger      *slog.Logger
	callTimeout time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCallTimeout overrides the per-call AI timeout ceiling.
func WithCallTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, gen ai.Generator, bus *progress.Bus, hub streaming.EventHub, logger *slog.Logger, opts ...RunnerOption) (*Runner, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator, err := feedback.NewValidator()
	if err != nil {
		return nil, err
	}
	r := &Runner{
		store:       st,
		gen:         gen,
		bus:         bus,
		hub:         hub,
		validator:   validator,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var roleSubsteps = map[stages.Role][]progress.SubstepSpec{
	stages.RoleGeneration: {
		{ID: "prepare", Label: "Preparing prompt"},
		{ID: "ai_call", Label: "Generating content"},
		{ID: "snapshot", Label: "Recording snapshot"},
	},
	stages.RoleReview: {
		{ID: "prepare", Label: "Preparing review"},
		{ID: "ai_call", Label: "Collecting feedback"},
		{ID: "record", Label: "Recording feedback"},
	},
	stages.RoleEditor: {
		{ID: "prepare", Label: "Resolving feedback"},
		{ID: "ai_call", Label: "Merging changes"},
		{ID: "snapshot", Label: "Recording snapshot"},
	},
}

// Execute runs one stage and returns its output. Concurrent duplicate
// calls must be collapsed by the Deduplicator in front of this method.
func (r *Runner) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	role, err := stages.RoleOf(req.StageID)
	if err != nil {
		return nil, err
	}

	rec, err := r.store.GetReport(ctx, req.ReportID)
	if err != nil {
		return nil, err
	}
	report := rec.ToSchema()

	if err := ValidateTransition(report.ID, report.Status, schema.ReportStatusProcessing); err != nil {
		return nil, err
	}

	r.bus.CreateSession(req.ReportID, req.StageID, roleSubsteps[role])

	log := r.logger.With("report_id", req.ReportID, "stage_id", req.StageID, "role", string(role))
	log.Info("stage execution started")

	start := time.Now()
	result, err := r.executeRole(ctx, role, report, req)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ObserveStage(req.StageID, string(role), status, time.Since(start))

	if err != nil {
		log.Error("stage execution failed", "error", err)
		_ = r.bus.FailSession(ctx, req.ReportID, req.StageID, map[string]any{
			"error": err.Error(),
		})
		return nil, err
	}

	log.Info("stage execution completed",
		"concept_updated", result.ConceptUpdated, "version", result.Version)

	// Chunked token replay of the final text gives observers incremental
	// feedback even though the AI call itself is not streamed.
	if result.ConceptUpdated {
		_ = r.bus.EmitTokens(ctx, req.ReportID, req.StageID, result.StageOutput)
	}

	_ = r.bus.CompleteSession(ctx, req.ReportID, req.StageID, map[string]any{
		"content":         result.StageOutput,
		"concept_updated": result.ConceptUpdated,
		"version":         result.Version,
	})
	return result, nil
}

func (r *Runner) executeRole(ctx context.Context, role stages.Role, report *schema.Report, req ExecuteRequest) (*ExecuteResult, error) {
	switch role {
	case stages.RoleGeneration:
		return r.runGeneration(ctx, report, req)
	case stages.RoleReview:
		return r.runReview(ctx, report, req)
	case stages.RoleEditor:
		return r.runEditor(ctx, report, req)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role).WithStage(req.StageID)
}

func (r *Runner) runGeneration(ctx context.Context, report *schema.Report, req ExecuteRequest) (*ExecuteResult, error) {
	_ = r.bus.StartStep(ctx, report.ID, req.StageID, "prepare", "")
	prompt := buildGenerationPrompt(report, req.StageID, req.CustomInput)
	_ = r.bus.CompleteStep(ctx, report.ID, req.StageID, "prepare")

	output, err := r.generate(ctx, report.ID, req.StageID, generationSystem, prompt, false)
	if err != nil {
		return nil, err
	}

	if err := r.bus.StartStep(ctx, report.ID, req.StageID, "snapshot", ""); err == nil {
		defer r.bus.CompleteStep(ctx, report.ID, req.StageID, "snapshot")
	}

	report.StageOutputs[req.StageID] = output
	snap := ledger.CreateSnapshot(report.Ledger, req.StageID, output, req.StageID)
	ledger.AdvanceLatest(report.Ledger, req.StageID, snap.Version)
	report.CurrentStage = req.StageID
	report.Status = schema.ReportStatusGenerated

	if err := r.writeBack(ctx, report); err != nil {
		return nil, err
	}
	r.audit(ctx, report.ID, req.StageID, schema.EventSnapshotCreated, map[string]any{
		"version": snap.Version,
		"source":  snap.Source,
	})
	return &ExecuteResult{StageOutput: output, ConceptUpdated: true, Version: snap.Version}, nil
}

// runReview stores the feedback text only. It never touches the ledger:
// the current draft must survive any number of review passes unchanged.
func (r *Runner) runReview(ctx context.Context, report *schema.Report, req ExecuteRequest) (*ExecuteResult, error) {
	_ = r.bus.StartStep(ctx, report.ID, req.StageID, "prepare", "")
	// Reviews read whatever draft exists; an absent concept falls back to
	// the generation stage's raw output.
	current, ok := ledger.ResolveLatestContent(report.Ledger)
	if !ok {
		current = report.StageOutputs[stages.StageGenerate]
	}
	prompt := buildReviewPrompt(req.StageID, current)
	_ = r.bus.CompleteStep(ctx, report.ID, req.StageID, "prepare")

	output, err := r.generate(ctx, report.ID, req.StageID, reviewSystem, prompt, true)
	if err != nil {
		return nil, err
	}

	_ = r.bus.StartStep(ctx, report.ID, req.StageID, "record", "")

	// Parse failures do not fail the stage; the raw text is kept and
	// downstream consumers get a PARSE_ERROR when they need structure.
	if payload, perr := feedback.Parse(output); perr != nil {
		r.logger.Warn("review output is not structured feedback",
			"report_id", report.ID, "stage_id", req.StageID, "error", perr)
	} else if verr := r.validator.Validate(payload); verr != nil {
		r.logger.Warn("review feedback failed schema validation",
			"report_id", report.ID, "stage_id", req.StageID, "error", verr)
	}

	report.StageOutputs[req.StageID] = output
	report.CurrentStage = req.StageID
	if report.Status == schema.ReportStatusDraft {
		report.Status = schema.ReportStatusProcessing
	}

	if err := r.writeBack(ctx, report); err != nil {
		return nil, err
	}
	_ = r.bus.CompleteStep(ctx, report.ID, req.StageID, "record")
	return &ExecuteResult{StageOutput: output, ConceptUpdated: false}, nil
}

func (r *Runner) runEditor(ctx context.Context, report *schema.Report, req ExecuteRequest) (*ExecuteResult, error) {
	_ = r.bus.StartStep(ctx, report.ID, req.StageID, "prepare", "")

	current, ok := ledger.ResolveLatestContent(report.Ledger)
	if !ok {
		_ = r.bus.FailStep(ctx, report.ID, req.StageID, "prepare", "no concept to edit")
		return nil, schema.NewError(schema.ErrCodeNoConcept, "no concept available to edit").
			WithReport(report.ID).WithStage(req.StageID)
	}
	if req.Feedback == nil {
		_ = r.bus.FailStep(ctx, report.ID, req.StageID, "prepare", "missing feedback input")
		return nil, schema.NewError(schema.ErrCodeValidation, "editor stage requires feedback input").
			WithReport(report.ID).WithStage(req.StageID)
	}

	changes, err := feedback.Resolve(*req.Feedback, report.StageOutputs)
	if err != nil {
		_ = r.bus.FailStep(ctx, report.ID, req.StageID, "prepare", "feedback resolution failed")
		return nil, err
	}
	prompt := buildEditorPrompt(current, changes)
	_ = r.bus.CompleteStep(ctx, report.ID, req.StageID, "prepare")

	output, err := r.generate(ctx, report.ID, req.StageID, editorSystem, prompt, false)
	if err != nil {
		return nil, err
	}

	if err := r.bus.StartStep(ctx, report.ID, req.StageID, "snapshot", ""); err == nil {
		defer r.bus.CompleteStep(ctx, report.ID, req.StageID, "snapshot")
	}

	snapshotID := req.SnapshotID
	if snapshotID == "" {
		snapshotID = req.StageID
	}

	source := snapshotID
	if stages.IsSynthetic(snapshotID) {
		source = schema.SnapshotSourceManualEdit
	}

	report.StageOutputs[snapshotID] = output
	snap := ledger.CreateSnapshot(report.Ledger, snapshotID, output, source)
	ledger.AdvanceLatest(report.Ledger, snapshotID, snap.Version)
	report.CurrentStage = req.StageID
	report.Status = schema.ReportStatusGenerated

	if err := r.writeBack(ctx, report); err != nil {
		return nil, err
	}
	r.audit(ctx, report.ID, snapshotID, schema.EventSnapshotCreated, map[string]any{
		"version": snap.Version,
		"source":  snap.Source,
	})
	return &ExecuteResult{StageOutput: output, ConceptUpdated: true, Version: snap.Version}, nil
}

// generate drives the ai_call substep around the collaborator call, with
// the per-call timeout ceiling and cancellation check.
func (r *Runner) generate(ctx context.Context, reportID, stageID, system, prompt string, jsonOutput bool) (string, error) {
	if r.bus.Cancelled(reportID, stageID) {
		return "", schema.NewError(schema.ErrCodeCancelled, "session cancelled").
			WithReport(reportID).WithStage(stageID)
	}

	_ = r.bus.StartStep(ctx, reportID, stageID, "ai_call", "")

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	result, err := r.gen.Generate(callCtx, ai.GenerateRequest{
		System:     system,
		Prompt:     prompt,
		JSONOutput: jsonOutput,
	})
	if err != nil {
		_ = r.bus.FailStep(ctx, reportID, stageID, "ai_call", err.Error())
		return "", schema.NewError(schema.ErrCodeStageExecution, "stage execution failed").
			WithReport(reportID).WithStage(stageID).WithCause(err)
	}

	_ = r.bus.CompleteStep(ctx, reportID, stageID, "ai_call")
	return result.Content, nil
}

// writeBack persists the mutated report in a single update.
func (r *Runner) writeBack(ctx context.Context, report *schema.Report) error {
	status := report.Status
	stage := report.CurrentStage
	err := r.store.UpdateReport(ctx, report.ID, store.ReportUpdate{
		Status:       &status,
		CurrentStage: &stage,
		StageOutputs: report.StageOutputs,
		Ledger:       report.Ledger,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist report failed").
			WithReport(report.ID).WithCause(err)
	}
	return nil
}
