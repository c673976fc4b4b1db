// Package metrics exposes Prometheus instruments for the engine. All methods
// are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Evaluation outcomes.
const (
	OutcomeValue  = "value"
	OutcomeNoData = "no_data"
	OutcomeFailed = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	evaluations     *prometheus.CounterVec
	evalDuration    prometheus.Histogram
	transitions     *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	schedulerPasses *prometheus.CounterVec
	backoffs        prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_period_evaluations_total",
			Help: "KPI period evaluations by outcome.",
		}, []string{"outcome"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kpi_evaluation_duration_seconds",
			Help:    "Duration of one coordinated KPI evaluation.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_alert_transitions_total",
			Help: "Alert transitions by action.",
		}, []string{"action"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_notifier_failures_total",
			Help: "Failed alert notifications by notifier.",
		}, []string{"notifier"}),
		schedulerPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kpi_scheduler_evaluations_total",
			Help: "Scheduled KPI evaluations by result.",
		}, []string{"result"}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kpi_scheduler_backoffs_total",
			Help: "KPI keys put into backoff after a store failure.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.evalDuration,
		m.transitions,
		m.notifyFailures,
		m.schedulerPasses,
		m.backoffs,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PeriodEvaluated(outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EvaluationDone(d time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.Observe(d.Seconds())
}

func (m *Metrics) Transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) NotifyFailed(notifier string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(notifier).Inc()
}

func (m *Metrics) Scheduled(result string) {
	if m == nil {
		return
	}
	m.schedulerPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) Backoff() {
	if m == nil {
		return
	}
	m.backoffs.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
