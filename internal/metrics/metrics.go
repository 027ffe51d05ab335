// Package metrics provides Prometheus metrics for monitoring the crawler.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CrawlsTotal counts crawls by outcome.
	CrawlsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_crawls_total",
			Help: "Total number of crawls by outcome",
		},
		[]string{"outcome"},
	)

	// CrawlDuration tracks crawl duration.
	CrawlDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grubcrawl_crawl_duration_seconds",
			Help:    "Crawl duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2m
		},
	)

	// NavigationFailures counts failed navigations by kind.
	NavigationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_navigation_failures_total",
			Help: "Total failed navigations by kind (timeout, proxy, other)",
		},
		[]string{"kind"},
	)

	// NavigationSuccesses counts navigations that loaded without error.
	NavigationSuccesses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "grubcrawl_navigation_successes_total",
			Help: "Total navigations that loaded without error",
		},
	)

	// ConsecutiveFailures shows the current consecutive navigation failure count.
	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grubcrawl_consecutive_failures",
			Help: "Current consecutive navigation failures",
		},
	)

	// BrowserRestarts counts browser restarts by reason.
	BrowserRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_browser_restarts_total",
			Help: "Total browser restarts with a fresh proxy by reason",
		},
		[]string{"reason"},
	)

	// ChallengesDetected counts detected challenges by type.
	ChallengesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_challenges_detected_total",
			Help: "Total challenges detected by type",
		},
		[]string{"type"},
	)

	// ChallengesResolved counts resolution outcomes by method.
	ChallengesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_challenges_resolved_total",
			Help: "Total challenge resolutions by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// SolverTasks counts external solver tasks by task type and outcome.
	SolverTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_solver_tasks_total",
			Help: "Total external solver tasks by task type and outcome",
		},
		[]string{"task", "outcome"},
	)

	// SolverDuration tracks external solver task duration.
	SolverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grubcrawl_solver_duration_seconds",
			Help:    "External solver task duration in seconds",
			Buckets: prometheus.LinearBuckets(3, 6, 10), // 3s to 57s
		},
		[]string{"task"},
	)

	// ExitIPChecks counts exit IP verifications by outcome.
	ExitIPChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_exit_ip_checks_total",
			Help: "Total exit IP checks by outcome",
		},
		[]string{"outcome"},
	)

	// CookieStoreEntries shows the number of cached cookie buckets.
	CookieStoreEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grubcrawl_cookie_store_entries",
			Help: "Number of domain|proxy cookie buckets in the store",
		},
	)

	// ContentQuality counts classified crawl outcomes.
	ContentQuality = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grubcrawl_content_quality_total",
			Help: "Total crawls by content quality label",
		},
		[]string{"quality"},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "grubcrawl_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grubcrawl_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		CrawlsTotal,
		CrawlDuration,
		NavigationFailures,
		NavigationSuccesses,
		ConsecutiveFailures,
		BrowserRestarts,
		ChallengesDetected,
		ChallengesResolved,
		SolverTasks,
		SolverDuration,
		ExitIPChecks,
		CookieStoreEntries,
		ContentQuality,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartRuntimeCollector periodically updates the goroutine gauge until stopCh closes.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}

// RecordCrawl records a finished crawl.
func RecordCrawl(outcome string, duration time.Duration) {
	CrawlsTotal.WithLabelValues(outcome).Inc()
	CrawlDuration.Observe(duration.Seconds())
}

// RecordNavigationFailure records a failed navigation and the resulting counter value.
func RecordNavigationFailure(kind string, consecutive int) {
	NavigationFailures.WithLabelValues(kind).Inc()
	ConsecutiveFailures.Set(float64(consecutive))
}

// RecordNavigationSuccess counts a loaded navigation and resets the
// consecutive failure gauge.
func RecordNavigationSuccess() {
	NavigationSuccesses.Inc()
	ConsecutiveFailures.Set(0)
}

// RecordRestart records a browser restart.
func RecordRestart(reason string) {
	BrowserRestarts.WithLabelValues(reason).Inc()
	ConsecutiveFailures.Set(0)
}

// RecordChallenge records a detected challenge and how its resolution ended.
func RecordChallenge(challengeType, method string, resolved bool) {
	ChallengesDetected.WithLabelValues(challengeType).Inc()
	outcome := "failed"
	if resolved {
		outcome = "resolved"
	}
	ChallengesResolved.WithLabelValues(method, outcome).Inc()
}

// RecordSolverTask records an external solver task.
func RecordSolverTask(task string, success bool, duration time.Duration) {
	outcome := "failed"
	if success {
		outcome = "ready"
	}
	SolverTasks.WithLabelValues(task, outcome).Inc()
	SolverDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordExitIPCheck records an exit IP check outcome.
func RecordExitIPCheck(ok bool) {
	if ok {
		ExitIPChecks.WithLabelValues("ok").Inc()
		return
	}
	ExitIPChecks.WithLabelValues("failed").Inc()
}

// UpdateCookieStore sets the cookie bucket gauge.
func UpdateCookieStore(entries int) {
	CookieStoreEntries.Set(float64(entries))
}

// RecordQuality records a content quality label.
func RecordQuality(quality string) {
	ContentQuality.WithLabelValues(quality).Inc()
}
