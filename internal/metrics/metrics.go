// Package metrics defines all Prometheus metrics for vulpini.
// All metrics use the "vulpini_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vulpini"

// --- Connection metrics ---

var (
	// ConnectionsAccepted counts accepted client connections by protocol
	// ("socks5" or "http").
	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_accepted_total",
		Help:      "Total client connections accepted, by protocol.",
	}, []string{"protocol"})

	// ConnectionsRejected counts connections dropped by the per-listener
	// semaphore because the concurrency limit was reached.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_rejected_total",
		Help:      "Total client connections rejected due to the concurrency limit, by protocol.",
	}, []string{"protocol"})

	// ConnectionDuration tracks how long a proxied connection stayed open.
	ConnectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connection_duration_seconds",
		Help:      "Proxied connection duration in seconds, by protocol.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})
)

// --- Node Pool metrics ---

var (
	// NodeSelections counts node selections by strategy.
	NodeSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_selections_total",
		Help:      "Total node selections, by strategy.",
	}, []string{"strategy"})

	// NodeHealthTransitions counts health reclassifications by resulting state.
	NodeHealthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_health_transitions_total",
		Help:      "Total node health reclassifications, by new state.",
	}, []string{"health"})

	// NodesAvailable is a gauge of currently available (enabled, non-unhealthy) nodes.
	NodesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes_available",
		Help:      "Number of currently available nodes in the pool.",
	})
)

// --- Traffic Analyzer metrics ---

var (
	// RequestsPerSecond mirrors TrafficStats.RequestsPerSecond.
	RequestsPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_per_second",
		Help:      "Current request rate over the rolling window.",
	})

	// LatencyPercentiles mirrors TrafficStats p50/p95/p99, in seconds.
	LatencyPercentiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "latency_seconds",
		Help:      "Latency percentile over the rolling window, in seconds.",
	}, []string{"quantile"})

	// ErrorRate mirrors TrafficStats.ErrorRate.
	ErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "error_rate",
		Help:      "Fraction of requests in the rolling window with latency over 10s.",
	})
)

// --- Anomaly Detector metrics ---

var (
	// AnomalyEvents counts emitted anomaly events by type and severity.
	AnomalyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anomaly_events_total",
		Help:      "Total anomaly events emitted, by type and severity.",
	}, []string{"type", "severity"})
)

// --- Behavior Monitor metrics ---

var (
	// ActiveSessions is a gauge of currently tracked (non-finalized) sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "behavior_active_sessions",
		Help:      "Number of currently tracked behavior sessions.",
	})

	// StoredPatterns is a gauge of finalized behavior patterns retained.
	StoredPatterns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "behavior_stored_patterns",
		Help:      "Number of finalized behavior patterns retained.",
	})
)
