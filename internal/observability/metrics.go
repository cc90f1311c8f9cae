package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Queries        *prometheus.CounterVec
	RetrievalHits  *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
	WSMessages     *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec

	stages *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of conversation sessions held in memory.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Queries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Answered queries by outcome.",
		}, []string{"outcome"}),
		RetrievalHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_results_total",
			Help:      "Retrieval lookups by result (hit or miss).",
		}, []string{"result"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Retrieval and generation backend errors by backend and code.",
		}, []string{"backend", "code"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Query stage latency in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
		stages: newLatencyWindow(256),
	}
}

// ObserveStage records one stage duration in both the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.observe(stage, ms)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
