package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for switchyard.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics.
	EventsTotal   *prometheus.CounterVec
	OutcomesTotal *prometheus.CounterVec

	// Escalation metrics.
	EscalationAttemptsTotal *prometheus.CounterVec
	ProviderDuration        *prometheus.HistogramVec

	// Approval queue metrics.
	ApprovalsTotal  *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	// Budget metrics.
	BudgetSpentTotal *prometheus.CounterVec

	// Rate limiter metrics.
	RateLimitDeniesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Total inbound events by source.",
		}, []string{"source"}),

		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "engine",
			Name:      "outcomes_total",
			Help:      "Total pipeline outcomes by status.",
		}, []string{"status"}),

		EscalationAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "escalation",
			Name:      "attempts_total",
			Help:      "Total provider attempts by tier and outcome.",
		}, []string{"tier", "outcome"}),

		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Subsystem: "escalation",
			Name:      "provider_duration_seconds",
			Help:      "Provider invocation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tier", "provider"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "approval",
			Name:      "requests_total",
			Help:      "Total approval requests by terminal outcome.",
		}, []string{"outcome"}),

		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Subsystem: "approval",
			Name:      "pending_requests",
			Help:      "Approval requests currently awaiting a decision.",
		}),

		BudgetSpentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "budget",
			Name:      "spent_usd_total",
			Help:      "Total budget spent in USD by tier.",
		}, []string{"tier"}),

		RateLimitDeniesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "ratelimit",
			Name:      "denies_total",
			Help:      "Total admissions denied by the rate limiter.",
		}, []string{"key"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchyard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchyard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchyard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.OutcomesTotal,
		m.EscalationAttemptsTotal,
		m.ProviderDuration,
		m.ApprovalsTotal,
		m.PendingRequests,
		m.BudgetSpentTotal,
		m.RateLimitDeniesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordEvent counts one inbound event. Satisfies the engine's recorder.
func (m *MetricsCollector) RecordEvent(source string) {
	m.EventsTotal.WithLabelValues(source).Inc()
}

// RecordOutcome counts one terminal pipeline status.
func (m *MetricsCollector) RecordOutcome(status string) {
	m.OutcomesTotal.WithLabelValues(status).Inc()
}
