// Package metrics defines the Prometheus instrumentation for the actor
// runtime. Metrics register on the default registry via promauto; use
// Default() to share the singleton bundle across hosts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the actor runtime.
type Metrics struct {
	// Event pipeline
	EventsProcessed *prometheus.CounterVec // actor_type, caller_type
	EventsDropped   *prometheus.CounterVec // actor_type, reason
	StepDuration    *prometheus.HistogramVec

	// Fan-out
	PatchesSent         *prometheus.CounterVec
	ActiveSubscriptions *prometheus.GaugeVec
	ResyncsForced       *prometheus.CounterVec // reason: buffer_overflow, unknown_baseline

	// Lifecycle
	SpawnsTotal *prometheus.CounterVec

	// Persistence
	PersistWrites  *prometheus.CounterVec // status: ok, error
	PersistRetries *prometheus.CounterVec

	// Waits
	WaitTimeouts *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics bundle, creating and
// registering it on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics()
	})
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_events_processed_total",
				Help: "Events applied to actor machines",
			},
			[]string{"actor_type", "caller_type"},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_events_dropped_total",
				Help: "Events rejected or dropped before or during a machine step",
			},
			[]string{"actor_type", "reason"}, // reason: bad_event, machine_error, queue_full
		),
		StepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "actor_step_duration_seconds",
				Help:    "Time from dequeue to end of post-step routine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"actor_type"},
		),
		PatchesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_patches_sent_total",
				Help: "Per-subscriber state deltas written to WebSockets",
			},
			[]string{"actor_type"},
		),
		ActiveSubscriptions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "actor_active_subscriptions",
				Help: "Live WebSocket subscriptions per actor type",
			},
			[]string{"actor_type"},
		),
		ResyncsForced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_resyncs_forced_total",
				Help: "Subscriptions closed or rebased due to resync conditions",
			},
			[]string{"actor_type", "reason"},
		),
		SpawnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_spawns_total",
				Help: "First-time actor host initializations",
			},
			[]string{"actor_type"},
		),
		PersistWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_persist_writes_total",
				Help: "Snapshot persistence attempts",
			},
			[]string{"actor_type", "status"},
		),
		PersistRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_persist_retries_total",
				Help: "Persistence attempts deferred by backoff after a failure",
			},
			[]string{"actor_type"},
		),
		WaitTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actor_wait_timeouts_total",
				Help: "Snapshot waits that elapsed before their condition held",
			},
			[]string{"actor_type"},
		),
	}
}
