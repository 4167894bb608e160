package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nordiq/reportflow/internal/pipeline"
	"github.com/nordiq/reportflow/internal/progress"
	"github.com/nordiq/reportflow/internal/store"
	"github.com/nordiq/reportflow/internal/streaming"
)

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Store        store.Store
	Runner       *pipeline.Runner
	Orchestrator *pipeline.Orchestrator
	Dedup        *pipeline.Deduplicator
	Pool         *pipeline.WorkerPool
	Hub          streaming.EventHub
	Bus          *progress.Bus
	Journal      *store.Journal
	Logger       *slog.Logger
}

// Server exposes the pipeline over HTTP: report CRUD, stage execution,
// express runs, scheduled jobs, and SSE event streams.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reports.
	mux.HandleFunc("POST /api/reports", s.handleCreateReport)
	mux.HandleFunc("GET /api/reports", s.handleListReports)
	mux.HandleFunc("GET /api/reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /api/reports/{id}/events", s.handleReportEvents)

	// Stage execution and ledger operations.
	mux.HandleFunc("POST /api/reports/{id}/stages/{stage}", s.handleRunStage)
	mux.HandleFunc("POST /api/reports/{id}/stages/{stage}/cancel", s.handleCancelStage)
	mux.HandleFunc("DELETE /api/reports/{id}/stages/{stage}", s.handleDeleteStage)
	mux.HandleFunc("POST /api/reports/{id}/promote", s.handlePromote)
	mux.HandleFunc("POST /api/reports/{id}/express", s.handleExpress)

	// Scheduled jobs.
	mux.HandleFunc("POST /api/scheduler", s.handleCreateJob)
	mux.HandleFunc("GET /api/scheduler", s.handleListJobs)
	mux.HandleFunc("PUT /api/scheduler/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/scheduler/{id}", s.handleDeleteJob)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/reports/{id}", s.handleSSEReport)

	// Operational endpoints.
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// StartJournal subscribes to the hub and pumps journaled event types into
// the store in the background until ctx is cancelled. The subscription is
// established synchronously so wiring errors surface to the caller.
func (s *Server) StartJournal(ctx context.Context) error {
	if s.deps.Journal == nil {
		return nil
	}
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := s.deps.Journal.Record(ctx, ev); err != nil {
					s.deps.Logger.Error("journal record failed",
						slog.String("report_id", ev.ReportID),
						slog.String("event_type", ev.EventType),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
