// Package metrics declares the Prometheus instrumentation for the
// pipeline, ported and renamed from the teacher's pkg/metrics for the
// run-verification domain instead of job scheduling.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Run lifecycle metrics ---

	// RunsTransitioned counts the outcome transitions
	// store.ProcessReplayResult writes (Passed, NeedsReview, Failed,
	// Error); the transition to Processing is not counted.
	RunsTransitioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "runs",
			Name:      "transitioned_total",
			Help:      "Total number of run status transitions by new status",
		},
		[]string{"status"},
	)

	// RunsRetried counts scheduled retries, by error class.
	RunsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "runs",
			Name:      "retried_total",
			Help:      "Total number of runs rescheduled for retry, by error class",
		},
		[]string{"class"},
	)

	// --- Poller metrics ---

	// PollCycles counts poller cycles run.
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Total number of poll cycles completed",
		},
	)

	// RunsDiscovered counts newly inserted Discovered rows.
	RunsDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "poller",
			Name:      "runs_discovered_total",
			Help:      "Total number of novel runs inserted by the poller",
		},
	)

	// --- Dispatch metrics ---

	// DispatchBytes tracks the size of downloaded save files.
	DispatchBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "replayrunner",
			Subsystem: "dispatch",
			Name:      "bytes_downloaded",
			Help:      "Size in bytes of downloaded save files",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
		},
	)

	// DispatchFailures counts download failures by provider and class.
	DispatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Total number of dispatch failures by provider and error class",
		},
		[]string{"provider", "class"},
	)

	// --- Replay metrics ---

	// ReplayDuration tracks replay subprocess wall-clock time.
	ReplayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "replayrunner",
			Subsystem: "replay",
			Name:      "duration_seconds",
			Help:      "Duration of replay subprocess execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// ReplayTimeouts counts idle-output timeouts.
	ReplayTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "replay",
			Name:      "timeouts_total",
			Help:      "Total number of replays killed for an idle-output timeout",
		},
	)

	// --- Notifier metrics ---

	// NotifyDeliveryLatency tracks per-run notify round-trip latency.
	NotifyDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "replayrunner",
			Subsystem: "notifier",
			Name:      "delivery_latency_seconds",
			Help:      "Latency of a successful per-run status delivery",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// HeartbeatsSent counts heartbeat ticks successfully delivered.
	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replayrunner",
			Subsystem: "notifier",
			Name:      "heartbeats_total",
			Help:      "Total heartbeats successfully delivered",
		},
	)
)

// RecordReplay records a completed replay's duration.
func RecordReplay(durationSeconds float64) {
	ReplayDuration.Observe(durationSeconds)
}
