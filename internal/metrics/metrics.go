// Package metrics exposes Prometheus collectors for the adscout service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal          *prometheus.CounterVec
	pollAttemptsTotal        prometheus.Counter
	pollErrorsTotal          prometheus.Counter
	creativesUpsertedTotal   prometheus.Counter
	creativesDroppedTotal    prometheus.Counter
	runsCompletedTotal       prometheus.Counter
	queueDepth               *prometheus.GaugeVec
	activeWorkers            prometheus.Gauge
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationSecs  *prometheus.HistogramVec
	sweeperRestartsTotal     prometheus.Counter
	stalledJobsRequeuedTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adscout_jobs_total",
				Help: "Total number of scrape jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		pollAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_poll_attempts_total",
				Help: "Total poll attempts made against the external scraper.",
			},
		)

		pollErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_poll_errors_total",
				Help: "Total transient poll errors that did not abort the loop.",
			},
		)

		creativesUpsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_creatives_upserted_total",
				Help: "Total creative records written through the bulk upsert.",
			},
		)

		creativesDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_creatives_dropped_total",
				Help: "Total scraped items dropped for lacking a usable identifier.",
			},
		)

		runsCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_runs_completed_total",
				Help: "Total runs flipped to completed.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adscout_queue_jobs",
				Help: "Broker job counts, labeled by state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adscout_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		sweeperRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_sweeper_restarts_total",
				Help: "Total orphaned runs re-dispatched by the lease sweeper.",
			},
		)

		stalledJobsRequeuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adscout_stalled_jobs_requeued_total",
				Help: "Total active jobs requeued after a missed heartbeat.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObservePollAttempt counts one poll attempt, with error telling transient
// failures apart from clean attempts.
func ObservePollAttempt(failed bool) {
	pollAttemptsTotal.Inc()
	if failed {
		pollErrorsTotal.Inc()
	}
}

// ObserveUpsert records the outcome of one bulk upsert.
func ObserveUpsert(written, dropped int) {
	if written > 0 {
		creativesUpsertedTotal.Add(float64(written))
	}
	if dropped > 0 {
		creativesDroppedTotal.Add(float64(dropped))
	}
}

// ObserveRunCompleted counts a run completion.
func ObserveRunCompleted() {
	runsCompletedTotal.Inc()
}

// SetQueueDepth publishes one broker count gauge.
func SetQueueDepth(state string, n int) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSweeperRestart counts an orphaned run re-dispatch.
func ObserveSweeperRestart() {
	sweeperRestartsTotal.Inc()
}

// ObserveStalledRequeue counts a stalled-job requeue.
func ObserveStalledRequeue() {
	stalledJobsRequeuedTotal.Inc()
}
