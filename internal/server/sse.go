package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nordiq/reportflow/internal/metrics"
	"github.com/nordiq/reportflow/internal/streaming"
)

// pingInterval is the keep-alive cadence for SSE connections. Comment
// frames hold idle proxies open without waking subscribers.
const pingInterval = 30 * time.Second

// handleSSEGlobal streams all pipeline events to the client.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{
		Expression: r.URL.Query().Get("filter"),
	})
}

// handleSSEReport streams events for a specific report, optionally
// narrowed to a stage or event types.
func (s *Server) handleSSEReport(w http.ResponseWriter, r *http.Request) {
	filter := streaming.EventFilter{
		ReportID:   r.PathValue("id"),
		StageID:    r.URL.Query().Get("stage_id"),
		Expression: r.URL.Query().Get("filter"),
	}
	if types, ok := r.URL.Query()["type"]; ok {
		filter.EventTypes = types
	}
	s.serveSSE(w, r, filter)
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusBadRequest)
		return
	}
	defer cancel()

	metrics.SSEConnected()
	defer metrics.SSEDisconnected()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
