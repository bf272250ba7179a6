// Package metrics exposes Prometheus instruments for the leave engine.
//
// All instruments hang off a *Metrics registered against an injected
// Registerer, so tests can use a fresh registry. Every Record method is
// safe on a nil receiver, which lets components run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leave"

type Metrics struct {
	requestsSubmitted  *prometheus.CounterVec
	decisions          *prometheus.CounterVec
	ledgerReservations *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	sweepDuration      prometheus.Histogram
	yearEndCarried     *prometheus.CounterVec
	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	schedulerJobRuns   *prometheus.CounterVec
}

// New builds the instruments and registers them, plus Go runtime and
// process collectors, on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Leave and WFH requests submitted, by category and outcome.",
		}, []string{"category", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval decisions, by level and decision.",
		}, []string{"level", "decision"}),
		ledgerReservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reservations_total",
			Help:      "Balance reservations, by outcome (ok, denied, race_lost).",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation attempts, by action and outcome.",
		}, []string{"action", "outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_sweep_duration_seconds",
			Help:      "Duration of escalation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		yearEndCarried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "yearend_balances_total",
			Help:      "Balances processed by year-end rollover, by result (carried, expired, failed).",
		}, []string{"result"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		schedulerJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job executions, by job and outcome.",
		}, []string{"job", "outcome"}),
	}

	reg.MustRegister(
		m.requestsSubmitted,
		m.decisions,
		m.ledgerReservations,
		m.escalations,
		m.sweepDuration,
		m.yearEndCarried,
		m.apiRequests,
		m.apiRequestDuration,
		m.schedulerJobRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestSubmitted(category, outcome string) {
	if m == nil {
		return
	}
	m.requestsSubmitted.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) Decision(level int, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strconv.Itoa(level), decision).Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.ledgerReservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Escalation(action, outcome string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) YearEnd(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.yearEndCarried.WithLabelValues(result).Add(float64(n))
}

// APIRequest records one served HTTP request.
func (m *Metrics) APIRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) JobRun(job, outcome string) {
	if m == nil {
		return
	}
	m.schedulerJobRuns.WithLabelValues(job, outcome).Inc()
}
