package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportflow_stage_duration_seconds",
			Help:    "Stage execution duration in seconds by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"stage", "role", "status"},
	)

	aiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reportflow_ai_call_duration_seconds",
			Help:    "AI generation call duration in seconds by model and outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"model", "status"},
	)

	dedupCollapsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_dedup_collapsed_total",
			Help: "Concurrent duplicate stage executions collapsed into an in-flight call",
		},
		[]string{"stage"},
	)

	expressRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportflow_express_runs_total",
			Help: "Express mode runs by terminal status",
		},
		[]string{"status"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportflow_active_sessions",
			Help: "Streaming sessions currently open",
		},
	)

	sseClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reportflow_sse_clients",
			Help: "Connected SSE subscribers",
		},
	)
)

// ObserveStage records one stage execution.
func ObserveStage(stage, role, status string, d time.Duration) {
	stageDuration.WithLabelValues(stage, role, status).Observe(d.Seconds())
}

// ObserveAICall records one AI generation call.
func ObserveAICall(model, status string, d time.Duration) {
	aiCallDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

// DedupCollapsed counts a duplicate invocation joining an in-flight execution.
func DedupCollapsed(stage string) {
	dedupCollapsed.WithLabelValues(stage).Inc()
}

// ExpressRun counts a finished express run ("completed" or "error").
func ExpressRun(status string) {
	expressRuns.WithLabelValues(status).Inc()
}

// SessionOpened / SessionClosed track the live session gauge.
func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// SSEConnected / SSEDisconnected track the SSE subscriber gauge.
func SSEConnected()    { sseClients.Inc() }
func SSEDisconnected() { sseClients.Dec() }
