package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Daraja.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox execution metrics.
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	RejectionsTotal      *prometheus.CounterVec
	LimitViolationsTotal *prometheus.CounterVec

	// Bridge metrics.
	BridgeCallsTotal   *prometheus.CounterVec
	BridgeCallDuration *prometheus.HistogramVec

	// Report engine metrics.
	ReportRunsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveExecutions prometheus.Gauge
	ActiveRequests   prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"status"}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "rejections_total",
			Help:      "Submissions rejected by the security scan, by matched pattern.",
		}, []string{"pattern"}),

		LimitViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "limit_violations_total",
			Help:      "Executions terminated by a resource limit, by kind.",
		}, []string{"kind"}),

		BridgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Total in-sandbox tool calls.",
		}, []string{"op", "status"}),

		BridgeCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "In-sandbox tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		ReportRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "reports",
			Name:      "runs_total",
			Help:      "Report runs by outcome (completed, queued, cached, failed).",
		}, []string{"status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daraja",
			Name:      "active_executions",
			Help:      "Number of sandbox executions currently running.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daraja",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently in flight.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RejectionsTotal,
		m.LimitViolationsTotal,
		m.BridgeCallsTotal,
		m.BridgeCallDuration,
		m.ReportRunsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveExecutions,
		m.ActiveRequests,
	)

	return m
}

// --- sandbox.Metrics ---

// ObserveExecution records one finished execution.
func (m *MetricsCollector) ObserveExecution(status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(seconds)
}

// ObserveRejection records a security-scan rejection.
func (m *MetricsCollector) ObserveRejection(pattern string) {
	m.RejectionsTotal.WithLabelValues(pattern).Inc()
}

// ObserveLimitViolation records a limit-terminated execution.
func (m *MetricsCollector) ObserveLimitViolation(kind string) {
	m.LimitViolationsTotal.WithLabelValues(kind).Inc()
}

// ObserveBridgeCall records one in-sandbox tool call.
func (m *MetricsCollector) ObserveBridgeCall(op, status string, seconds float64) {
	m.BridgeCallsTotal.WithLabelValues(op, status).Inc()
	m.BridgeCallDuration.WithLabelValues(op).Observe(seconds)
}

// ObserveReportRun records a report engine outcome.
func (m *MetricsCollector) ObserveReportRun(status string) {
	m.ReportRunsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records one gateway request.
func (m *MetricsCollector) ObserveHTTPRequest(method, path string, code int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
