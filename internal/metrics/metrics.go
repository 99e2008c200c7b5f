// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestPagesTotal                    *prometheus.CounterVec
	ingestBytesTotal                    *prometheus.CounterVec
	ingestRecordsTotal                  *prometheus.CounterVec
	ingestRunsTotal                     *prometheus.CounterVec
	ingestRunDurationSeconds            prometheus.Histogram
	ingestRunInProgress                 prometheus.Gauge
	ingestPolitenessWaitSeconds         *prometheus.HistogramVec
	ingestProbeTLSHandshakeTimeoutTotal prometheus.Counter
	httpRequestsTotal                   *prometheus.CounterVec
	httpRequestDurationSeconds          *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_total",
				Help: "Total number of pages fetched, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		ingestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		ingestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Total number of reconciliation outcomes, labeled by action.",
			},
			[]string{"action"},
		)

		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Total number of ingestion runs, labeled by result.",
			},
			[]string{"result"},
		)

		ingestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Histogram of ingestion run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		ingestRunInProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_run_in_progress",
				Help: "1 while an ingestion run is executing.",
			},
		)

		ingestPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_politeness_wait_seconds",
				Help:    "Histogram of politeness delays between detail fetches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		ingestProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one fetch attempt.
func ObservePage(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	ingestPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		ingestBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRecord counts one reconciliation outcome.
func ObserveRecord(action string) {
	ingestRecordsTotal.WithLabelValues(action).Inc()
}

// RunStarted marks a run as executing.
func RunStarted() {
	ingestRunInProgress.Set(1)
}

// RunFinished records the outcome and duration of a run.
func RunFinished(result string, duration time.Duration) {
	ingestRunInProgress.Set(0)
	ingestRunsTotal.WithLabelValues(result).Inc()
	ingestRunDurationSeconds.Observe(duration.Seconds())
}

// ObservePolitenessWait records time spent waiting between detail fetches.
func ObservePolitenessWait(site string, duration time.Duration) {
	ingestPolitenessWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	ingestProbeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
