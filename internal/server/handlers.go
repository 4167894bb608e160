package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/pkg/schema"
)

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		Title    string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	report, err := s.deps.Runner.CreateReport(r.Context(), body.ID, body.TenantID, body.Title)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	filter := store.ReportFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ReportStatus(v)
		filter.Status = &status
	}

	records, err := s.deps.Store.ListReports(r.Context(), filter)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	reports := make([]*schema.Report, 0, len(records))
	for _, rec := range records {
		reports = append(reports, rec.ToSchema())
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Runner.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReportEvents(w http.ResponseWriter, r *http.Request) {
	reportID := r.PathValue("id")

	var events []*store.Event
	var err error
	if eventType := r.URL.Query().Get("event_type"); eventType != "" {
		events, err = s.deps.Store.GetEventsByType(r.Context(), eventType, store.EventFilter{
			ReportID: reportID,
			StageID:  r.URL.Query().Get("stage_id"),
			Limit:    queryInt(r, "limit", 200),
		})
	} else {
		events, err = s.deps.Store.GetEvents(r.Context(), reportID, int64(queryInt(r, "since", 0)))
	}
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	reportID := r.PathValue("id")
	stageID := r.PathValue("stage")

	var body struct {
		Feedback    *schema.FeedbackInput `json:"feedback,omitempty"`
		CustomInput string                `json:"custom_input,omitempty"`
		SnapshotID  string                `json:"snapshot_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	result, err := s.deps.Dedup.RunExclusive(r.Context(), reportID, stageID,
		func(ctx context.Context) (*pipeline.ExecuteResult, error) {
			return s.deps.Runner.Execute(ctx, pipeline.ExecuteRequest{
				ReportID:    reportID,
				StageID:     stageID,
				Feedback:    body.Feedback,
				CustomInput: body.CustomInput,
				SnapshotID:  body.SnapshotID,
			})
		})
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelStage(w http.ResponseWriter, r *http.Request) {
	reportID := r.PathValue("id")
	stageID := r.PathValue("stage")

	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	// Best-effort: marks the session cancelled and stops further emission,
	// but does not abort an in-flight AI call.
	if err := s.deps.Bus.CancelSession(r.Context(), reportID, stageID, body.Reason); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report_id": reportID,
		"stage_id":  stageID,
		"status":    "cancelled",
	})
}

func (s *Server) handleDeleteStage(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Runner.DeleteStage(r.Context(), r.PathValue("id"), r.PathValue("stage"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": removed})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StageID string `json:"stage_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.StageID == "" {
		writeError(w, http.StatusBadRequest, "stage_id is required")
		return
	}

	latest, err := s.deps.Runner.Promote(r.Context(), r.PathValue("id"), body.StageID, body.Reason)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"latest": latest})
}

// handleExpress launches an express run in the worker pool and returns
// immediately. Progress and the terminal summary arrive over SSE.
func (s *Server) handleExpress(w http.ResponseWriter, r *http.Request) {
	reportID := r.PathValue("id")

	var opts pipeline.ExpressOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	// Existence check before accepting the run.
	if _, err := s.deps.Runner.GetReport(r.Context(), reportID); err != nil {
		writePipelineError(w, err)
		return
	}

	// Detached from the request context: the run outlives the response.
	err := s.deps.Pool.Submit(context.WithoutCancel(r.Context()), func(ctx context.Context) error {
		result := s.deps.Orchestrator.Run(ctx, reportID, opts)
		return result.Err
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"report_id": reportID,
		"status":    "accepted",
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReportID       string          `json:"report_id"`
		CronExpression string          `json:"cron_expression"`
		Params         json.RawMessage `json:"params,omitempty"`
		Enabled        *bool           `json:"enabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ReportID == "" || body.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "report_id and cron_expression are required")
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		ReportID:       body.ReportID,
		CronExpression: body.CronExpression,
		Params:         body.Params,
		Enabled:        enabled,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.deps.Store.CreateScheduledJob(r.Context(), job); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledJobFilter{
		ReportID: r.URL.Query().Get("report_id"),
		Limit:    queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true" || v == "1"
		filter.Enabled = &enabled
	}

	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var update store.ScheduledJobUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateScheduledJob(r.Context(), r.PathValue("id"), update); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteScheduledJob(r.Context(), r.PathValue("id")); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
