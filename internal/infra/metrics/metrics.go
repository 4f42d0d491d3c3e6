package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the orchestration core. Each
// instance owns its registry so tests can build as many as they like.
// All Observe methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished    *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	HandlerFailures    *prometheus.CounterVec
	SagaTransitions    *prometheus.CounterVec
	SagaStepDuration   *prometheus.HistogramVec
	Compensations      *prometheus.CounterVec
	ConcurrencyRetries prometheus.Counter
	ApprovalDecisions  *prometheus.CounterVec
	ApprovalTimeouts   *prometheus.CounterVec
	RecoveredSagas     *prometheus.CounterVec
	WebhookDeliveries  *prometheus.CounterVec
	WebhookDuration    prometheus.Histogram
	BreakerTransitions *prometheus.CounterVec
	PollerRuns         *prometheus.CounterVec
	EventLogPurged     prometheus.Counter
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of published domain events by settled status",
		}, []string{"type", "status"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_handler_duration_seconds",
			Help:    "Duration of event handler invocations",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_handler_failures_total",
			Help: "Total number of failed or panicking event handler invocations",
		}, []string{"handler"}),
		SagaTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total number of saga instance status transitions",
		}, []string{"saga", "status"}),
		SagaStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Duration of saga step executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"saga", "step", "outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation attempts",
		}, []string{"saga", "step", "outcome"}),
		ConcurrencyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on saga instances",
		}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Total number of approval gate decisions",
		}, []string{"decision"}),
		ApprovalTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_timeouts_total",
			Help: "Total number of approval gates processed after their deadline",
		}, []string{"action"}),
		RecoveredSagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_recovered_total",
			Help: "Total number of saga instances force-failed by recovery",
		}, []string{"reason"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by status",
		}, []string{"status"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Duration of webhook delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"to"}),
		PollerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_runs_total",
			Help: "Total number of poller runs by outcome",
		}, []string{"poller", "outcome"}),
		EventLogPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_log_purged_total",
			Help: "Total number of expired event log entries deleted",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsPublished,
		m.HandlerDuration,
		m.HandlerFailures,
		m.SagaTransitions,
		m.SagaStepDuration,
		m.Compensations,
		m.ConcurrencyRetries,
		m.ApprovalDecisions,
		m.ApprovalTimeouts,
		m.RecoveredSagas,
		m.WebhookDeliveries,
		m.WebhookDuration,
		m.BreakerTransitions,
		m.PollerRuns,
		m.EventLogPurged,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePublish(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveHandler(handler string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(handler).Observe(d.Seconds())
	if !success {
		m.HandlerFailures.WithLabelValues(handler).Inc()
	}
}

func (m *Metrics) ObserveSagaTransition(saga, status string) {
	if m == nil {
		return
	}
	m.SagaTransitions.WithLabelValues(saga, status).Inc()
}

func (m *Metrics) ObserveStep(saga, step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SagaStepDuration.WithLabelValues(saga, step, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompensation(saga, step string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	m.Compensations.WithLabelValues(saga, step, outcome).Inc()
}

func (m *Metrics) ObserveConcurrencyConflict() {
	if m == nil {
		return
	}
	m.ConcurrencyRetries.Inc()
}

func (m *Metrics) ObserveApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveApprovalTimeout(action string) {
	if m == nil {
		return
	}
	m.ApprovalTimeouts.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveRecovered(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecoveredSagas.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveDelivery(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(status).Inc()
	if d > 0 {
		m.WebhookDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBreakerTransition(to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObservePollerRun(poller, outcome string) {
	if m == nil {
		return
	}
	m.PollerRuns.WithLabelValues(poller, outcome).Inc()
}

func (m *Metrics) ObservePurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EventLogPurged.Add(float64(n))
}
