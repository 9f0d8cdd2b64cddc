// Package metrics provides Prometheus metrics for monitoring the chat filter.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts control API requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatfilter_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks control API request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatfilter_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"command"},
	)

	// ActiveWatches shows the number of open watch pages.
	ActiveWatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatfilter_active_watches",
			Help: "Number of active watches",
		},
	)

	// ResponsesInspected counts chat responses seen by the interceptor.
	ResponsesInspected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatfilter_responses_inspected_total",
			Help: "Chat responses inspected by primitive and outcome",
		},
		[]string{"primitive", "outcome"},
	)

	// MessagesDropped counts chat records removed from responses.
	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatfilter_messages_dropped_total",
			Help: "Chat records removed from responses by primitive",
		},
		[]string{"primitive"},
	)

	// DOMScans counts marker scans.
	DOMScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatfilter_dom_scans_total",
			Help: "Total DOM scans",
		},
	)

	// DOMElementsHidden counts elements given the hidden class.
	DOMElementsHidden = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatfilter_dom_elements_hidden_total",
			Help: "Chat message elements hidden in the DOM",
		},
	)

	// DOMContainersMarked counts ancestors given the container class.
	DOMContainersMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatfilter_dom_containers_marked_total",
			Help: "Chat containers marked in the DOM",
		},
	)

	// RulesReloads counts successful rule reloads.
	RulesReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatfilter_rules_reloads_total",
			Help: "Successful rules reloads",
		},
	)

	// BlockedPatterns shows the size of the active pattern set.
	BlockedPatterns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatfilter_blocked_patterns",
			Help: "Number of blocked patterns in the active rules",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatfilter_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatfilter_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatfilter_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveWatches,
		ResponsesInspected,
		MessagesDropped,
		DOMScans,
		DOMElementsHidden,
		DOMContainersMarked,
		RulesReloads,
		BlockedPatterns,
		MemoryUsageBytes,
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

// StartMemoryCollector periodically updates memory metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordResponse records one inspected chat response.
func RecordResponse(primitive, outcome string, dropped int) {
	ResponsesInspected.WithLabelValues(primitive, outcome).Inc()
	if dropped > 0 {
		MessagesDropped.WithLabelValues(primitive).Add(float64(dropped))
	}
}

// RecordScan records one DOM scan.
func RecordScan(hidden, containers int) {
	DOMScans.Inc()
	DOMElementsHidden.Add(float64(hidden))
	DOMContainersMarked.Add(float64(containers))
}

// RecordRulesReload records a successful reload of a ruleset with n patterns.
func RecordRulesReload(n int) {
	RulesReloads.Inc()
	BlockedPatterns.Set(float64(n))
}

// UpdateWatchMetrics updates the active watch gauge.
func UpdateWatchMetrics(count int) {
	ActiveWatches.Set(float64(count))
}
