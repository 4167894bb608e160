package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
	"github.com/nordiq/reportflow/pkg/schema"
)

// ReportflowServerDeps holds the dependencies for creating a ReportflowServer.
type ReportflowServerDeps struct {
	Runner       *pipeline.Runner
	Orchestrator *pipeline.Orchestrator
	Dedup        *pipeline.Deduplicator
	Store        store.Store
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// ReportflowServer wraps an MCP server with report pipeline tool handlers.
type ReportflowServer struct {
	runner    *pipeline.Runner
	orch      *pipeline.Orchestrator
	dedup     *pipeline.Deduplicator
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewReportflowServer creates a new ReportflowServer with all 6 tools registered.
func NewReportflowServer(deps ReportflowServerDeps) *ReportflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ReportflowServer{
		runner:   deps.Runner,
		orch:     deps.Orchestrator,
		dedup:    deps.Dedup,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"reportflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Reportflow is a staged AI report pipeline. Use report.run_stage to execute a single stage, report.express to run a full review sequence, report.promote to roll the active draft back to an earlier snapshot, report.delete_stage to cascade-delete a stage and everything derived from it, report.status to inspect a report's ledger, and report.query to list reports, events, or scheduled jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ReportflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartNotifier forwards express terminal events to the session that
// started the run, so agents learn about completed runs without polling.
func (s *ReportflowServer) StartNotifier(ctx context.Context) error {
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventExpressComplete, schema.EventExpressError},
	})
	if err != nil {
		return err
	}
	notifier := NewMCPNotifier(s.mcpServer, s.sessions)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload := map[string]any{
					"event_type": ev.EventType,
					"report_id":  ev.ReportID,
					"payload":    ev.Payload,
				}
				if err := notifier.Notify(ctx, ev.ReportID, payload); err != nil {
					s.logger.Warn("agent notification failed", "report_id", ev.ReportID, "error", err)
				}
			}
		}
	}()
	return nil
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ReportflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *ReportflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runStageTool(), Handler: s.handleRunStage},
		{Tool: expressTool(), Handler: s.handleExpress},
		{Tool: promoteTool(), Handler: s.handlePromote},
		{Tool: deleteStageTool(), Handler: s.handleDeleteStage},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runStageTool() mcp.Tool {
	return mcp.NewTool("report.run_stage",
		mcp.WithDescription("Execute a single pipeline stage for a report"),
		mcp.WithString("report_id", mcp.Required(), mcp.Description("ID of the target report")),
		mcp.WithString("stage_id", mcp.Required(), mcp.Description("Stage to run: check, complexity, generate, review_a..review_f, editor, or a synthetic manual_edit_N / adjustment_N id")),
		mcp.WithObject("feedback", mcp.Description("Feedback input for the editor role: {changes: [...]} or {stage_id: \"review_x\"}")),
		mcp.WithString("custom_input", mcp.Description("Extra instructions appended to the generation prompt")),
		mcp.WithString("snapshot_id", mcp.Description("Snapshot id to store an editor merge under (default: stage_id)")),
	)
}

func expressTool() mcp.Tool {
	return mcp.NewTool("report.express",
		mcp.WithDescription("Run an ordered stage sequence end-to-end, halting on the first error"),
		mcp.WithString("report_id", mcp.Required(), mcp.Description("ID of the target report")),
		mcp.WithArray("stages", mcp.Description("Stage sequence to run (default: all review stages)")),
		mcp.WithBoolean("include_generation", mcp.Description("Prefix the generate stage to the default sequence")),
		mcp.WithBoolean("auto_accept", mcp.Description("Merge each review's feedback immediately via the editor")),
	)
}

func promoteTool() mcp.Tool {
	return mcp.NewTool("report.promote",
		mcp.WithDescription("Point the active draft back at an earlier snapshot without deleting anything"),
		mcp.WithString("report_id", mcp.Required(), mcp.Description("ID of the target report")),
		mcp.WithString("stage_id", mcp.Required(), mcp.Description("Snapshot stage to promote")),
		mcp.WithString("reason", mcp.Description("Audit reason recorded in the ledger history")),
	)
}

func deleteStageTool() mcp.Tool {
	return mcp.NewTool("report.delete_stage",
		mcp.WithDescription("Delete a stage's snapshot and cascade through everything derived from it"),
		mcp.WithString("report_id", mcp.Required(), mcp.Description("ID of the target report")),
		mcp.WithString("stage_id", mcp.Required(), mcp.Description("Stage to delete")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("report.status",
		mcp.WithDescription("Get a report's status, ledger state, and stage outputs"),
		mcp.WithString("report_id", mcp.Required(), mcp.Description("ID of the report to inspect")),
		mcp.WithBoolean("include_outputs", mcp.Description("Include full stage output text (default: false, keys only)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("report.query",
		mcp.WithDescription("Query reports, journal events, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("reports", "events", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, tenant_id, report_id, stage_id, since, limit)")),
	)
}
