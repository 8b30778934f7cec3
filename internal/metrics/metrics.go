// Package metrics exposes Prometheus collectors for the harvester.
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
	urlsEnqueuedTotal          *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	openAcks                   prometheus.Gauge
	acksTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	handlerOutcomesTotal       *prometheus.CounterVec
	handlerDurationSeconds     *prometheus.HistogramVec
	downloadBytesTotal         *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	dedupFilesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		urlsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_urls_enqueued_total",
				Help: "URL ids pushed to the work queue, labeled by origin (rescan, scan, album).",
			},
			[]string{"origin"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_work_queue_depth",
				Help: "URL ids waiting in the work queue.",
			},
		)

		openAcks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_open_acks",
				Help: "URL ids pushed but not yet acknowledged.",
			},
		)

		acksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_acks_total",
				Help: "Ack packets handled by the loader, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		handlerOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_handler_outcomes_total",
				Help: "Dispatch outcomes, labeled by handler and kind.",
			},
			[]string{"handler", "kind"},
		)

		handlerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_handler_duration_seconds",
				Help:    "Histogram of dispatch durations, labeled by the winning handler.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"handler"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Bytes written to the artifact store, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		dedupFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_dedup_files_total",
				Help: "Files examined by the deduplicator, labeled by result.",
			},
			[]string{"result"},
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
	Init()
	return promhttp.Handler()
}

// ObserveEnqueued counts ids pushed to the work queue.
func ObserveEnqueued(origin string, n int) {
	Init()
	urlsEnqueuedTotal.WithLabelValues(origin).Add(float64(n))
}

// SetQueueState records the work queue depth and open ack count.
func SetQueueState(depth, open int) {
	Init()
	queueDepth.Set(float64(depth))
	openAcks.Set(float64(open))
}

// ObserveAck counts a handled ack packet.
func ObserveAck(result string) {
	Init()
	acksTotal.WithLabelValues(result).Inc()
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

// ObserveOutcome records one dispatch result.
func ObserveOutcome(handler, kind string, duration time.Duration) {
	Init()
	if handler == "" {
		handler = "none"
	}
	handlerOutcomesTotal.WithLabelValues(handler, kind).Inc()
	handlerDurationSeconds.WithLabelValues(handler).Observe(duration.Seconds())
}

// ObserveDownload adds fetched bytes for the URL's site.
func ObserveDownload(rawURL string, bytes int64) {
	Init()
	if bytes > 0 {
		downloadBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveDedup counts a file examined by the deduplicator.
func ObserveDedup(result string, n int) {
	Init()
	if n > 0 {
		dedupFilesTotal.WithLabelValues(result).Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
