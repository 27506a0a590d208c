// Package metrics exposes Prometheus collectors for the crawler service.
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

// Item results for ObserveItem.
const (
	ItemSuccess  = "success"
	ItemFailed   = "failed"
	ItemSentinel = "sentinel"
)

var (
	crawlRunsTotal             *prometheus.CounterVec
	crawlItemsTotal            *prometheus.CounterVec
	crawlRunning               *prometheus.GaugeVec
	crawlFetchDurationSeconds  *prometheus.HistogramVec
	crawlPaceWaitSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_runs_total",
				Help: "Finished crawl runs, labeled by crawl type and terminal status.",
			},
			[]string{"type", "status"},
		)

		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_total",
				Help: "Processed pages and projects, labeled by crawl type and result.",
			},
			[]string{"type", "result"},
		)

		crawlRunning = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_running",
				Help: "1 while a crawl type is running.",
			},
			[]string{"type"},
		)

		crawlFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_fetch_duration_seconds",
				Help:    "Histogram of page fetch durations including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"type"},
		)

		crawlPaceWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_pace_wait_seconds",
				Help:    "Histogram of pacing waits between requests to the source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"type"},
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

// ObserveRun counts a finished run.
func ObserveRun(crawlType, status string) {
	Init()
	crawlRunsTotal.WithLabelValues(crawlType, status).Inc()
}

// ObserveItem counts one processed page or project.
func ObserveItem(crawlType, result string) {
	Init()
	crawlItemsTotal.WithLabelValues(crawlType, result).Inc()
}

// SetRunning flips the running gauge for a crawl type.
func SetRunning(crawlType string, running bool) {
	Init()
	v := 0.0
	if running {
		v = 1
	}
	crawlRunning.WithLabelValues(crawlType).Set(v)
}

// ObserveFetch records how long a page fetch took.
func ObserveFetch(crawlType string, duration time.Duration) {
	Init()
	crawlFetchDurationSeconds.WithLabelValues(crawlType).Observe(duration.Seconds())
}

// ObservePaceWait records a pacing delay.
func ObservePaceWait(crawlType string, duration time.Duration) {
	Init()
	crawlPaceWaitSeconds.WithLabelValues(crawlType).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
