// Package metrics exposes Prometheus collectors for the collector service.
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
	hostRequestsTotal          *prometheus.CounterVec
	hostBudgetRemaining        *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	unitsTotal                 *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	ledgerErrorsTotal          *prometheus.CounterVec
	heartbeatsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		hostRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_host_requests_total",
				Help: "Total number of host requests, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		hostBudgetRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_host_budget_remaining",
				Help: "Remaining request allowance advertised by each host.",
			},
			[]string{"host"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
			},
			[]string{"host"},
		)

		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_units_total",
				Help: "Total number of work unit outcomes, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_records_total",
				Help: "Total number of repository records committed, labeled by host and change.",
			},
			[]string{"host", "change"},
		)

		ledgerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_ledger_errors_total",
				Help: "Total number of ledger operation failures, labeled by operation.",
			},
			[]string{"op"},
		)

		heartbeatsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_heartbeats_total",
				Help: "Total number of instance heartbeats, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_active_workers",
				Help: "Number of workers currently processing a unit.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHostRequest counts one host response (code 0 for transport failures).
func ObserveHostRequest(host string, code int) {
	Init()
	hostRequestsTotal.WithLabelValues(host, strconv.Itoa(code)).Inc()
}

// SetHostBudgetRemaining publishes the remaining allowance of a host.
func SetHostBudgetRemaining(host string, remaining int) {
	Init()
	hostBudgetRemaining.WithLabelValues(host).Set(float64(remaining))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveUnit counts a unit outcome such as done, failed, retried, released or stale.
func ObserveUnit(host, outcome string) {
	Init()
	unitsTotal.WithLabelValues(host, outcome).Inc()
}

// ObserveRecords counts committed records for a change kind.
func ObserveRecords(host, change string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(host, change).Add(float64(n))
}

// ObserveLedgerError counts a failed ledger operation.
func ObserveLedgerError(op string) {
	Init()
	ledgerErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveHeartbeat counts a heartbeat result.
func ObserveHeartbeat(result string) {
	Init()
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
