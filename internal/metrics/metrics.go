// Package metrics defines the process-wide prometheus collectors shared by
// every agent and the dashboard. init registers every collector, so each
// binary exposes the full set even where it increments only a few; the
// registry itself is process-global, matching client_golang's own idiom.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mindgraph"

// HTTP metrics — incremented by InstrumentHandler, used by the dashboard.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Bus metrics — incremented by every agent around bus.Client.Publish and
// the envelope handler dispatch.
var (
	BusMessagesPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_published_total",
		Help:      "Total envelopes published, by topic.",
	}, []string{"topic"})

	BusMessagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_received_total",
		Help:      "Total envelopes received, by topic.",
	}, []string{"topic"})
)

// Pipeline metrics — per-agent processing outcomes and latency.
var (
	PipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Time spent handling one event, by pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	STTOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stt_outcomes_total",
		Help:      "STT call outcomes (ok, failed).",
	}, []string{"outcome"})

	LLMOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_outcomes_total",
		Help:      "LLM orchestrator call outcomes (ok, failed).",
	}, []string{"outcome"})

	GraphAttachmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_attachments_total",
		Help:      "Tree attachments written, by branch type and repair reason (empty reason = accepted as proposed).",
	}, []string{"branch_type", "override_reason"})

	SnapshotsStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_stored_total",
		Help:      "Snapshots written: the first of each bucket, and any later one in the bucket whose hash or node count changed.",
	}, []string{"session_id"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BusMessagesPublishedTotal,
		BusMessagesReceivedTotal,
		PipelineStageDuration,
		STTOutcomesTotal,
		LLMOutcomesTotal,
		GraphAttachmentsTotal,
		SnapshotsStoredTotal,
	)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality
// explosion from path parameters like session ids.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		method := r.Method
		status := strconv.Itoa(sw.status)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, pattern).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
