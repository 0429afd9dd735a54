// Package metrics exposes Prometheus collectors for the scraper service.
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
	scraperPagesTotal             *prometheus.CounterVec
	scraperBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	scraperJobsTotal              *prometheus.CounterVec
	scraperJobDurationSeconds     *prometheus.HistogramVec
	scraperJobFailuresTotal       *prometheus.CounterVec
	scraperActiveWorkers          prometheus.Gauge
	scraperPacingDelaysSeconds    *prometheus.HistogramVec
	scraperBlockedRequestsTotal   *prometheus.CounterVec
	scraperResultsPublishedTotal  *prometheus.CounterVec
	browserLaunchesTotal          *prometheus.CounterVec
	browserLaunchDurationSeconds  *prometheus.HistogramVec
	browserUp                     prometheus.Gauge
	browserProbeFailuresTotal     prometheus.Counter
	browserKeepAliveFailuresTotal prometheus.Counter
	proxyAttemptsPerLaunch        prometheus.Histogram
	proxyLeaseFailuresTotal       prometheus.Counter
	waiterOutcomesTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_total",
				Help: "Total number of pages rendered, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Total number of HTML bytes captured, labeled by site.",
			},
			[]string{"site"},
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

		scraperJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_jobs_total",
				Help: "Total number of jobs processed, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		scraperJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_job_duration_seconds",
				Help:    "Histogram of end-to-end job durations, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"kind"},
		)

		scraperJobFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_job_failures_total",
				Help: "Total number of failed jobs, labeled by failure reason.",
			},
			[]string{"reason"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scraperPacingDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_pacing_delays_seconds",
				Help:    "Histogram of per-host navigation pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scraperBlockedRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_blocked_requests_total",
				Help: "Total number of page sub-requests aborted, labeled by reason.",
			},
			[]string{"reason"},
		)

		scraperResultsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_results_published_total",
				Help: "Total number of result messages published, labeled by action and outcome.",
			},
			[]string{"action", "outcome"},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_launches_total",
				Help: "Total number of browser launches, labeled by mode (proxy, direct, failed).",
			},
			[]string{"mode"},
		)

		browserLaunchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_launch_duration_seconds",
				Help:    "Histogram of browser launch durations including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		)

		browserUp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_up",
				Help: "1 when a warm browser is cached, 0 otherwise.",
			},
		)

		browserProbeFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_probe_failures_total",
				Help: "Total liveness probe failures on a cached browser.",
			},
		)

		browserKeepAliveFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "browser_keepalive_failures_total",
				Help: "Total keep-alive pings that failed and evicted the browser.",
			},
		)

		proxyAttemptsPerLaunch = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxy_attempts_per_launch",
				Help:    "Number of proxy-backed attempts spent per browser launch.",
				Buckets: []float64{0, 1, 2, 3, 5},
			},
		)

		proxyLeaseFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_lease_failures_total",
				Help: "Total proxy lease fetches that failed.",
			},
		)

		waiterOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waiter_outcomes_total",
				Help: "Total streamed-response waits, labeled by platform, final state and signal.",
			},
			[]string{"platform", "state", "signal"},
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

// ObservePage increments the rendered page metrics.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	scraperPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		scraperBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob records a finished job. reason is empty for successes.
func ObserveJob(kind, status, reason string, duration time.Duration) {
	Init()
	scraperJobsTotal.WithLabelValues(kind, status).Inc()
	scraperJobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if reason != "" {
		scraperJobFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scraperActiveWorkers.Dec()
}

// ObservePacingDelay records the duration of a per-host pacing wait.
func ObservePacingDelay(domain string, duration time.Duration) {
	Init()
	scraperPacingDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBlockedRequest counts a sub-request aborted by the page filter.
func ObserveBlockedRequest(reason string) {
	Init()
	scraperBlockedRequestsTotal.WithLabelValues(reason).Inc()
}

// ObservePublish counts a result message publish attempt.
func ObservePublish(action string, err error) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	scraperResultsPublishedTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveLaunch records a browser launch outcome.
func ObserveLaunch(mode string, duration time.Duration) {
	Init()
	browserLaunchesTotal.WithLabelValues(mode).Inc()
	browserLaunchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetBrowserUp flips the warm browser gauge.
func SetBrowserUp(up bool) {
	Init()
	if up {
		browserUp.Set(1)
		return
	}
	browserUp.Set(0)
}

// ObserveProbeFailure counts a failed liveness probe.
func ObserveProbeFailure() {
	Init()
	browserProbeFailuresTotal.Inc()
}

// ObserveKeepAliveFailure counts a failed keep-alive ping.
func ObserveKeepAliveFailure() {
	Init()
	browserKeepAliveFailuresTotal.Inc()
}

// ObserveProxyAttempts records the proxy attempts spent on one launch.
func ObserveProxyAttempts(attempts, leaseFailures int) {
	Init()
	proxyAttemptsPerLaunch.Observe(float64(attempts))
	if leaseFailures > 0 {
		proxyLeaseFailuresTotal.Add(float64(leaseFailures))
	}
}

// ObserveWait records how a streamed-response wait ended.
func ObserveWait(platform, state, signal string) {
	Init()
	if signal == "" {
		signal = "none"
	}
	waiterOutcomesTotal.WithLabelValues(platform, state, signal).Inc()
}
