package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the SDK.
// Uses a custom registry — no global state. Callers that run their own
// Prometheus endpoint can expose Registry however they like.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Control-plane metrics.
	SandboxCreationsTotal *prometheus.CounterVec
	ControlPlaneRequests  *prometheus.CounterVec

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	InflightRequests  prometheus.Gauge

	// Stream metrics.
	StreamBytesTotal  *prometheus.CounterVec
	StreamEventsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "sandbox",
			Name:      "creations_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"template", "status"}),

		ControlPlaneRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total control-plane API requests.",
		}, []string{"operation", "status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total command and code executions.",
		}, []string{"kind", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentbox",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"kind"}),

		InflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentbox",
			Subsystem: "exec",
			Name:      "inflight_requests",
			Help:      "Requests currently in flight over session channels.",
		}),

		StreamBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Total bytes received on output streams.",
		}, []string{"stream"}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentbox",
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Total stream events received.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.SandboxCreationsTotal,
		m.ControlPlaneRequests,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.InflightRequests,
		m.StreamBytesTotal,
		m.StreamEventsTotal,
	)

	return m
}
