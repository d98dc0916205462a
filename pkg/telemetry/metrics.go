package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the OpsForge execution pipeline.
type Metrics struct {
	config MetricsConfig

	// Trigger metrics
	triggersTotal    *prometheus.CounterVec
	triggersRejected *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec

	// Execution metrics
	executionsFinished *prometheus.CounterVec
	engineDuration     *prometheus.HistogramVec

	// Approval metrics
	decisionsTotal  *prometheus.CounterVec
	pendingApproval prometheus.Gauge

	// Notification metrics
	notifierFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		triggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Total number of runbook triggers accepted",
			},
			[]string{"runbook", "mode"},
		),
		triggersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_rejected_total",
				Help:      "Total number of runbook triggers rejected before a ledger row was created",
			},
			[]string{"runbook", "reason"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of auto-approve triggers refused by the 24h cap",
			},
			[]string{"runbook"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Total number of executions reaching a terminal status",
			},
			[]string{"runbook", "status"},
		),
		engineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_duration_seconds",
				Help:      "Duration of engine invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"runbook", "status"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Total number of human approval decisions",
			},
			[]string{"runbook", "decision"},
		),
		pendingApproval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_approvals",
				Help:      "Current number of executions awaiting approval",
			},
		),
		notifierFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifier_failures_total",
				Help:      "Total number of notification deliveries that failed",
			},
		),
	}

	registry.MustRegister(
		m.triggersTotal,
		m.triggersRejected,
		m.rateLimited,
		m.executionsFinished,
		m.engineDuration,
		m.decisionsTotal,
		m.pendingApproval,
		m.notifierFailures,
	)

	return m, nil
}

// RecordTrigger counts an accepted trigger by approval mode.
func (m *Metrics) RecordTrigger(runbook, mode string) {
	if m.triggersTotal == nil {
		return
	}
	m.triggersTotal.WithLabelValues(runbook, mode).Inc()
}

// RecordTriggerRejected counts a trigger refused before any row was created.
func (m *Metrics) RecordTriggerRejected(runbook, reason string) {
	if m.triggersRejected == nil {
		return
	}
	m.triggersRejected.WithLabelValues(runbook, reason).Inc()
}

// RecordRateLimited counts an auto-approve trigger refused by the 24h cap.
func (m *Metrics) RecordRateLimited(runbook string) {
	if m.rateLimited == nil {
		return
	}
	m.rateLimited.WithLabelValues(runbook).Inc()
}

// RecordExecutionFinished records a terminal outcome and the engine duration.
func (m *Metrics) RecordExecutionFinished(runbook, status string, duration time.Duration) {
	if m.executionsFinished == nil {
		return
	}
	m.executionsFinished.WithLabelValues(runbook, status).Inc()
	m.engineDuration.WithLabelValues(runbook, status).Observe(duration.Seconds())
}

// RecordDecision counts a human approval decision.
func (m *Metrics) RecordDecision(runbook, decision string) {
	if m.decisionsTotal == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(runbook, decision).Inc()
}

// PendingApprovalAdded increments the pending-approval gauge.
func (m *Metrics) PendingApprovalAdded() {
	if m.pendingApproval == nil {
		return
	}
	m.pendingApproval.Inc()
}

// PendingApprovalResolved decrements the pending-approval gauge.
func (m *Metrics) PendingApprovalResolved() {
	if m.pendingApproval == nil {
		return
	}
	m.pendingApproval.Dec()
}

// RecordNotifierFailure counts a failed notification delivery.
func (m *Metrics) RecordNotifierFailure() {
	if m.notifierFailures == nil {
		return
	}
	m.notifierFailures.Inc()
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
