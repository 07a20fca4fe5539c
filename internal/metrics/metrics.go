// Package metrics exposes process-wide Prometheus collectors for the fetch
// control layer.
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
	admissionOutstanding prometheus.Gauge
	admissionQueued      prometheus.Gauge
	poolBusyContexts     prometheus.Gauge
	poolRotationsTotal   *prometheus.CounterVec
	verdictsTotal        *prometheus.CounterVec
	pacingDelaySeconds   prometheus.Histogram
	rateLimitDelays      *prometheus.HistogramVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionOutstanding = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_admission_outstanding",
				Help: "Admission slots currently held by in-flight attempts.",
			},
		)

		admissionQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_admission_queued",
				Help: "Attempts waiting for an admission slot.",
			},
		)

		poolBusyContexts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchgate_pool_busy_contexts",
				Help: "Execution contexts currently lent to an attempt.",
			},
		)

		poolRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_pool_rotations_total",
				Help: "Context identity rotations, labeled by result.",
			},
			[]string{"result"},
		)

		verdictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchgate_verdicts_total",
				Help: "Attempt classifications, labeled by site and verdict.",
			},
			[]string{"site", "verdict"},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetchgate_pacing_delay_seconds",
				Help:    "Randomized pre-attempt delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10},
			},
		)

		rateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchgate_http_request_duration_seconds",
				Help:    "Ops endpoint latency, labeled by method, route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// SetAdmission records the gate's outstanding and queued counts.
func SetAdmission(outstanding, queued int) {
	Init()
	admissionOutstanding.Set(float64(outstanding))
	admissionQueued.Set(float64(queued))
}

// SetBusyContexts records how many pool contexts are lent out.
func SetBusyContexts(busy int) {
	Init()
	poolBusyContexts.Set(float64(busy))
}

// ObserveRotation counts a context rotation.
func ObserveRotation(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	poolRotationsTotal.WithLabelValues(result).Inc()
}

// ObserveVerdict counts an attempt classification for the target's site.
func ObserveVerdict(target string, verdict string) {
	Init()
	verdictsTotal.WithLabelValues(SanitizeSite(target), verdict).Inc()
}

// ObservePacingDelay records a randomized pacing delay.
func ObservePacingDelay(d time.Duration) {
	Init()
	pacingDelaySeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a per-host rate limit wait.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelays.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest records one ops endpoint request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	Init()
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
