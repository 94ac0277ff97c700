// Package metrics registers the Prometheus collectors exported by the
// build monitor and exposes small helper methods so callers never touch
// label strings directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the build monitor exports. A *Metrics is
// safe for concurrent use and is normally constructed once per process via
// New and shared across every component.
type Metrics struct {
	QueueDepth    prometheus.Gauge
	ActiveBuilds  prometheus.Gauge
	BuildsTotal   *prometheus.CounterVec
	LaunchesTotal prometheus.Counter

	FetchErrorsTotal  prometheus.Counter
	FetchDuration     prometheus.Histogram
	BuildDuration     prometheus.Histogram
	LeaderTransitions *prometheus.CounterVec
	LeaderStatus      prometheus.Gauge
}

// New registers every collector against reg and returns the bundle.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated from the
// default global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildmonitor_queue_depth",
			Help: "Number of pending builds waiting for a dispatcher slot.",
		}),
		ActiveBuilds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildmonitor_active_builds",
			Help: "Number of builds currently running.",
		}),
		BuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildmonitor_builds_total",
			Help: "Total builds reaching a terminal state, labelled by outcome.",
		}, []string{"outcome"}),
		LaunchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildmonitor_launches_total",
			Help: "Total builds launched by the dispatcher.",
		}),
		FetchErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildmonitor_fetch_errors_total",
			Help: "Total ref-fetch attempts that returned an error.",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildmonitor_fetch_duration_seconds",
			Help:    "Latency of ref-fetch calls against the ref source.",
			Buckets: prometheus.DefBuckets,
		}),
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildmonitor_build_duration_seconds",
			Help:    "Wall-clock duration of builds from launch to terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LeaderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buildmonitor_leader_transitions_total",
			Help: "Leader election transitions, labelled by event.",
		}, []string{"event"}),
		LeaderStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildmonitor_leader_status",
			Help: "1 if this instance currently holds leadership, 0 otherwise.",
		}),
	}
}

// OutcomeLabel values for BuildsTotal.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// LeaderEvent values for LeaderTransitions.
const (
	LeaderEventAcquired = "acquired"
	LeaderEventLost     = "lost"
	LeaderEventRenewed  = "renewed"
)
