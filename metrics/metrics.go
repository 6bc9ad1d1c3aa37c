// Package metrics owns the Prometheus collectors for the service. A Metrics
// value is constructed once at boot and passed to the components that record
// into it; every recording method is safe on a nil receiver so tests and
// tools can omit it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contractflow"

type Metrics struct {
	registry *prometheus.Registry

	moneyMovements      *prometheus.CounterVec
	moneyAmount         *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	invariantViolations prometheus.Counter
	processorAttempts   *prometheus.CounterVec
	outboxMessages      *prometheus.CounterVec
	reconcileFindings   *prometheus.GaugeVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		moneyMovements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "payment_records_total",
			Help:      "Payment records written, by type and status.",
		}, []string{"type", "status"}),
		moneyAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "moved_minor_units_total",
			Help:      "Absolute minor currency units moved by completed payment records.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "State transitions applied, by entity and target state.",
		}, []string{"entity", "to"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "invariant_violations_total",
			Help:      "Aborted mutations that would have broken escrow conservation.",
		}),
		processorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "processor_attempts_total",
			Help:      "Payment processor calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		outboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "messages_total",
			Help:      "Outbox messages handled by the dispatcher, by result.",
		}, []string{"result"}),
		reconcileFindings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "findings",
			Help:      "Rows returned by each reconciliation check on its last run.",
		}, []string{"check"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.moneyMovements,
		m.moneyAmount,
		m.transitions,
		m.invariantViolations,
		m.processorAttempts,
		m.outboxMessages,
		m.reconcileFindings,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests that gather directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PaymentRecorded(kind, status string, amount int64) {
	if m == nil {
		return
	}
	m.moneyMovements.WithLabelValues(kind, status).Inc()
	if status == "COMPLETED" {
		if amount < 0 {
			amount = -amount
		}
		m.moneyAmount.WithLabelValues(kind).Add(float64(amount))
	}
}

func (m *Metrics) Transition(entity, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

func (m *Metrics) ProcessorAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.processorAttempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) OutboxMessage(result string) {
	if m == nil {
		return
	}
	m.outboxMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconcileFindings(check string, rows int) {
	if m == nil {
		return
	}
	m.reconcileFindings.WithLabelValues(check).Set(float64(rows))
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
