// Package metrics exposes Prometheus instrumentation for the coordinator.
// Counters are fed by an Observer subscribed to the event streams, so the
// run actors never touch a metric directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wonder_runs_started_total",
			Help: "Total workflow runs started",
		},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wonder_runs_finished_total",
			Help: "Total workflow runs finished by terminal status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wonder_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wonder_active_runs",
			Help: "Number of runs currently in flight",
		},
	)

	nodesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wonder_nodes_finished_total",
			Help: "Total node executions finished by node and result",
		},
		[]string{"node", "result"},
	)

	fanInsFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wonder_fan_ins_fired_total",
			Help: "Total fan-in barriers fired",
		},
	)

	lateArrivals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wonder_fan_in_late_arrivals_total",
			Help: "Total branch arrivals after their barrier already fired",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wonder_events_published_total",
			Help: "Total events published by stream",
		},
		[]string{"stream"},
	)
)

// recordRunStarted tracks a new run entering the system.
func recordRunStarted() {
	runsStarted.Inc()
	activeRuns.Inc()
}

// recordRunFinished tracks a run reaching a terminal status.
func recordRunFinished(status string, seconds float64) {
	runsFinished.WithLabelValues(status).Inc()
	activeRuns.Dec()
	if seconds >= 0 {
		runDuration.Observe(seconds)
	}
}

// recordNodeFinished tracks one node execution result.
func recordNodeFinished(node, result string) {
	nodesFinished.WithLabelValues(node, result).Inc()
}
