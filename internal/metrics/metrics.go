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
	targetsTotal               *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitWaitSeconds       prometheus.Histogram
	renderPoolInUse            prometheus.Gauge
	robotsLookupsTotal         *prometheus.CounterVec
	extractionChars            *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_targets_total",
				Help: "Targets completed, labeled by source type and result.",
			},
			[]string{"type", "result"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Fetch attempts, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Fetch attempt latency, labeled by engine.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine"},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the global rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		renderPoolInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_render_pool_in_use",
				Help: "Browser contexts currently checked out of the render pool.",
			},
		)

		robotsLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_lookups_total",
				Help: "Robots permission checks, labeled by result.",
			},
			[]string{"result"},
		)

		extractionChars = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_extraction_chars",
				Help:    "Characters of content kept per accessible target.",
				Buckets: []float64{150, 500, 1000, 2000, 3000, 4000, 5000},
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

// ObserveTarget records a finished target.
func ObserveTarget(sourceType string, accessible bool) {
	if targetsTotal == nil {
		return
	}
	result := "error"
	if accessible {
		result = "success"
	}
	targetsTotal.WithLabelValues(sourceType, result).Inc()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(engine string, ok bool, duration time.Duration) {
	if fetchAttemptsTotal == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	fetchAttemptsTotal.WithLabelValues(engine, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	if rateLimitWaitSeconds == nil {
		return
	}
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// IncRenderInUse increments the render pool gauge.
func IncRenderInUse() {
	if renderPoolInUse != nil {
		renderPoolInUse.Inc()
	}
}

// DecRenderInUse decrements the render pool gauge.
func DecRenderInUse() {
	if renderPoolInUse != nil {
		renderPoolInUse.Dec()
	}
}

// ObserveRobots records a robots lookup ("allowed", "disallowed", "fallback").
func ObserveRobots(result string) {
	if robotsLookupsTotal == nil {
		return
	}
	robotsLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveExtraction records the kept content length for an accessible target.
func ObserveExtraction(sourceType string, chars int) {
	if extractionChars == nil {
		return
	}
	extractionChars.WithLabelValues(sourceType).Observe(float64(chars))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
