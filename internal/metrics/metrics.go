// Package metrics wires the judge's counters and histograms into a
// dedicated Prometheus registry, served over /prometheus rather than
// the default global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter/histogram the dispatcher, worker
// and ranklist engine report against.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth    prometheus.Gauge
	activeWorkers *prometheus.GaugeVec

	submissionsTotal  *prometheus.CounterVec
	submissionVerdict *prometheus.CounterVec

	compileDuration *prometheus.HistogramVec
	executeDuration *prometheus.HistogramVec

	ranklistDuration *prometheus.HistogramVec

	circuitBreakerState *prometheus.GaugeVec

	storeErrors *prometheus.CounterVec
}

// New builds and registers every metric.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "judge_queue_depth",
			Help: "Number of jobs currently queued for a worker to pick up",
		}),

		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "judge_active_workers",
			Help: "Number of judger worker processes currently running",
		}, []string{"status"}),

		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_submissions_total",
			Help: "Total number of submissions dispatched",
		}, []string{"language"}),

		submissionVerdict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_submission_verdicts_total",
			Help: "Total number of finished submissions by verdict",
		}, []string{"verdict", "language"}),

		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_compile_duration_seconds",
			Help:    "Wall-clock time spent compiling a submission",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"language"}),

		executeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_execute_duration_seconds",
			Help:    "Wall-clock time spent running a single test case",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"language", "result"}),

		ranklistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_ranklist_duration_seconds",
			Help:    "Time taken to compute a contest ranklist",
			Buckets: prometheus.DefBuckets,
		}, []string{"contest"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "judge_circuit_breaker_state",
			Help: "State of a named circuit breaker (0=closed, 0.5=half-open, 1=open)",
		}, []string{"name"}),

		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_store_errors_total",
			Help: "Total number of store operation failures by operation",
		}, []string{"operation"}),
	}

	registry.MustRegister(
		m.queueDepth,
		m.activeWorkers,
		m.submissionsTotal,
		m.submissionVerdict,
		m.compileDuration,
		m.executeDuration,
		m.ranklistDuration,
		m.circuitBreakerState,
		m.storeErrors,
	)

	return m
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetActiveWorkers(status string, count int) {
	m.activeWorkers.WithLabelValues(status).Set(float64(count))
}

func (m *Metrics) RecordSubmission(language string) {
	m.submissionsTotal.WithLabelValues(language).Inc()
}

func (m *Metrics) RecordVerdict(verdict, language string) {
	m.submissionVerdict.WithLabelValues(verdict, language).Inc()
}

func (m *Metrics) ObserveCompileDuration(language string, d time.Duration) {
	m.compileDuration.WithLabelValues(language).Observe(d.Seconds())
}

func (m *Metrics) ObserveExecuteDuration(language, result string, d time.Duration) {
	m.executeDuration.WithLabelValues(language, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveRanklistDuration(contest string, d time.Duration) {
	m.ranklistDuration.WithLabelValues(contest).Observe(d.Seconds())
}

// SetCircuitBreakerState records a gobreaker.State as a numeric gauge:
// closed=0, half-open=0.5, open=1.
func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	m.circuitBreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) RecordStoreError(operation string) {
	m.storeErrors.WithLabelValues(operation).Inc()
}

// Handler serves this registry's metrics for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
