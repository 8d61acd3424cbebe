// Package metrics exposes the registry's Prometheus collectors (GET
// /metrics/prometheus). The plain-JSON summary (GET /metrics) is built by
// internal/httpapi from store statistics, not by this package.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this package registers, kept distinct
// from prometheus.DefaultRegisterer so GET /metrics/prometheus never
// leaks process-global collectors registered by an imported library.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled by the registry, by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of registry HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route"},
	)

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats received, by outcome.",
		},
		[]string{"outcome"},
	)

	agentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "agents",
			Help:      "Current number of registered agents, by status.",
		},
		[]string{"status"},
	)

	reaperTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "reaper_transitions_total",
			Help:      "Status transitions applied by the health reaper, by new status.",
		},
		[]string{"status"},
	)

	watchersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "watchers_connected",
			Help:      "Current number of open GET /watch connections.",
		},
	)

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Subsystem: "registry",
			Name:      "dependency_resolutions_total",
			Help:      "Total dependency resolutions performed, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		heartbeats,
		agentsByStatus,
		reaperTransitions,
		watchersConnected,
		resolutions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the Prometheus exposition format for GET /metrics/prometheus.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordHeartbeat records one processed heartbeat by outcome ("ok",
// "not_found", "rejected").
func RecordHeartbeat(outcome string) {
	heartbeats.WithLabelValues(outcome).Inc()
}

// SetAgentCounts replaces the agents-by-status gauge with a fresh snapshot.
func SetAgentCounts(counts map[string]int) {
	agentsByStatus.Reset()
	for status, n := range counts {
		agentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordReaperTransition records one status transition the reaper applied.
func RecordReaperTransition(status string, count int) {
	reaperTransitions.WithLabelValues(status).Add(float64(count))
}

// WatcherConnected/WatcherDisconnected track the open GET /watch count.
func WatcherConnected()    { watchersConnected.Inc() }
func WatcherDisconnected() { watchersConnected.Dec() }

// RecordResolution records one dependency resolution outcome
// ("available" or "unavailable").
func RecordResolution(outcome string) {
	resolutions.WithLabelValues(outcome).Inc()
}
