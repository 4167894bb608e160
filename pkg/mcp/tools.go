package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/pkg/schema"
)

// handleRunStage executes a single stage through the deduplicated runner.
func (s *ReportflowServer) handleRunStage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reportID, err := req.RequireString("report_id")
	if err != nil {
		return mcp.NewToolResultError("report_id is required"), nil
	}
	stageID, err := req.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError("stage_id is required"), nil
	}

	s.captureSession(ctx, reportID)

	var feedback *schema.FeedbackInput
	if raw := mcp.ParseStringMap(req, "feedback", nil); raw != nil {
		data, marshalErr := json.Marshal(raw)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid feedback: %v", marshalErr)), nil
		}
		feedback = &schema.FeedbackInput{}
		if unmarshalErr := json.Unmarshal(data, feedback); unmarshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid feedback: %v", unmarshalErr)), nil
		}
	}

	result, runErr := s.dedup.RunExclusive(ctx, reportID, stageID,
		func(ctx context.Context) (*pipeline.ExecuteResult, error) {
			return s.runner.Execute(ctx, pipeline.ExecuteRequest{
				ReportID:    reportID,
				StageID:     stageID,
				Feedback:    feedback,
				CustomInput: req.GetString("custom_input", ""),
				SnapshotID:  req.GetString("snapshot_id", ""),
			})
		})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stage execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleExpress runs a full stage sequence and returns the aggregated summary.
func (s *ReportflowServer) handleExpress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reportID, err := req.RequireString("report_id")
	if err != nil {
		return mcp.NewToolResultError("report_id is required"), nil
	}

	s.captureSession(ctx, reportID)

	opts := pipeline.ExpressOptions{
		Stages:            req.GetStringSlice("stages", nil),
		IncludeGeneration: req.GetBool("include_generation", false),
		AutoAccept:        req.GetBool("auto_accept", false),
	}

	result := s.orch.Run(ctx, reportID, opts)
	if result.Err != nil {
		// Partial summaries still matter to the agent: earlier stages
		// committed their snapshots before the halt.
		return marshalResult(map[string]any{
			"report_id":     result.ReportID,
			"stages":        result.Stages,
			"total_changes": result.TotalChanges,
			"error":         result.Err.Error(),
		})
	}
	return marshalResult(result)
}

// handlePromote rolls the active draft back to an earlier snapshot.
func (s *ReportflowServer) handlePromote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reportID, err := req.RequireString("report_id")
	if err != nil {
		return mcp.NewToolResultError("report_id is required"), nil
	}
	stageID, err := req.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError("stage_id is required"), nil
	}

	latest, promoteErr := s.runner.Promote(ctx, reportID, stageID, req.GetString("reason", ""))
	if promoteErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("promote failed: %v", promoteErr)), nil
	}

	return marshalResult(map[string]any{
		"report_id": reportID,
		"latest":    latest,
	})
}

// handleDeleteStage cascade-deletes a stage and everything derived from it.
func (s *ReportflowServer) handleDeleteStage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reportID, err := req.RequireString("report_id")
	if err != nil {
		return mcp.NewToolResultError("report_id is required"), nil
	}
	stageID, err := req.RequireString("stage_id")
	if err != nil {
		return mcp.NewToolResultError("stage_id is required"), nil
	}

	removed, delErr := s.runner.DeleteStage(ctx, reportID, stageID)
	if delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}

	return marshalResult(map[string]any{
		"report_id": reportID,
		"deleted":   removed,
	})
}

// handleStatus returns the report's status and ledger state.
func (s *ReportflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reportID, err := req.RequireString("report_id")
	if err != nil {
		return mcp.NewToolResultError("report_id is required"), nil
	}

	report, getErr := s.runner.GetReport(ctx, reportID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	body := map[string]any{
		"id":            report.ID,
		"status":        report.Status,
		"current_stage": report.CurrentStage,
		"latest":        report.Ledger.Latest,
		"history":       report.Ledger.History,
	}
	if req.GetBool("include_outputs", false) {
		body["stage_outputs"] = report.StageOutputs
	} else {
		keys := make([]string, 0, len(report.StageOutputs))
		for k := range report.StageOutputs {
			keys = append(keys, k)
		}
		body["stage_output_keys"] = keys
	}

	snapshots := make(map[string]any, len(report.Ledger.Snapshots))
	for id, snap := range report.Ledger.Snapshots {
		snapshots[id] = map[string]any{
			"version": snap.Version,
			"source":  snap.Source,
		}
	}
	body["snapshots"] = snapshots

	return marshalResult(body)
}

// handleQuery lists reports, events, or scheduled jobs based on filters.
func (s *ReportflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "reports":
		return s.queryReports(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ReportflowServer) queryReports(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.ReportFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.ReportStatus(status)
		rf.Status = &rs
	}
	if tenantID, ok := filter["tenant_id"].(string); ok {
		rf.TenantID = tenantID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	reports, err := s.store.ListReports(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"reports": reports})
}

func (s *ReportflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if reportID, ok := filter["report_id"].(string); ok {
		ef.ReportID = reportID
	}
	if stageID, ok := filter["stage_id"].(string); ok {
		ef.StageID = stageID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ReportID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'report_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ReportID, int64(extractInt(filter, "after", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *ReportflowServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.ScheduledJobFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if reportID, ok := filter["report_id"].(string); ok {
		jf.ReportID = reportID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.store.ListScheduledJobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the report ID to the calling MCP session so express
// completions can be pushed back to the agent that started the run.
func (s *ReportflowServer) captureSession(ctx context.Context, reportID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(reportID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
