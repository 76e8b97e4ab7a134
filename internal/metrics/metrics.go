// Package metrics exposes Prometheus collectors for the email crawler service.
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
	activeJobs                 prometheus.Gauge
	jobsTotal                  *prometheus.CounterVec
	sessionDurationSeconds     *prometheus.HistogramVec
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 prometheus.Counter
	emailsFoundTotal           prometheus.Counter
	rateLimitDelaySeconds      prometheus.Histogram
	circuitOpenTotal           prometheus.Counter
	trackedHosts               prometheus.Gauge
	sinkRetriesTotal           prometheus.Counter
	claimsTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "emailcrawler_active_jobs",
			Help: "Number of crawl sessions currently holding a scheduler slot.",
		})
		jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "emailcrawler_jobs_total",
			Help: "Total number of finished sessions, labeled by outcome.",
		}, []string{"outcome"})
		sessionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emailcrawler_session_duration_seconds",
			Help:    "Wall-clock duration of crawl sessions, labeled by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"})
		pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "emailcrawler_pages_total",
			Help: "Total number of page fetches, labeled by status class.",
		}, []string{"status"})
		bytesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "emailcrawler_bytes_total",
			Help: "Total number of body bytes fetched.",
		})
		emailsFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "emailcrawler_emails_found_total",
			Help: "Total number of validated emails recorded.",
		})
		rateLimitDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "emailcrawler_rate_limit_delay_seconds",
			Help:    "Histogram of per-host delays imposed before a request.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		})
		circuitOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "emailcrawler_circuit_open_total",
			Help: "Number of times a host circuit opened after repeated rate limiting.",
		})
		trackedHosts = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "emailcrawler_tracked_hosts",
			Help: "Number of hosts with live rate-control state.",
		})
		sinkRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "emailcrawler_sink_retries_total",
			Help: "Number of retried result-sink writes.",
		})
		claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "emailcrawler_claims_total",
			Help: "Job source claim attempts, labeled by result (claimed, empty, error).",
		}, []string{"result"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetActiveJobs records the current size of the active job set.
func SetActiveJobs(n int) {
	Init()
	activeJobs.Set(float64(n))
}

// ObserveJob records a finished session.
func ObserveJob(outcome string, duration time.Duration, emails int) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
	sessionDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	if emails > 0 {
		emailsFoundTotal.Add(float64(emails))
	}
}

// ObservePage records one page fetch. statusCode 0 means a transport error.
func ObservePage(statusCode int, bytesFetched int) {
	Init()
	pagesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
	if bytesFetched > 0 {
		bytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a per-host wait.
func ObserveRateLimitDelay(_ string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveCircuitOpen counts a circuit transition to open.
func ObserveCircuitOpen(_ string) {
	Init()
	circuitOpenTotal.Inc()
}

// SetTrackedHosts records the number of hosts with rate-control state.
func SetTrackedHosts(n int) {
	Init()
	trackedHosts.Set(float64(n))
}

// ObserveSinkRetry counts one retried result-sink write.
func ObserveSinkRetry() {
	Init()
	sinkRetriesTotal.Inc()
}

// ObserveClaim counts one claim attempt.
func ObserveClaim(result string) {
	Init()
	claimsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StatusClass buckets an HTTP status into "2xx", "4xx", etc., or "error".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
