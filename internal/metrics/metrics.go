// Package metrics declares every Prometheus collector the cloud and gate
// services export. Collectors register through promauto at init; binaries
// expose them via promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CLOUD COLLECTORS
// =============================================================================

var (
	// WSSessions tracks gates currently connected to the event hub.
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "park_ws_sessions",
		Help: "WebSocket sessions currently registered on the event hub.",
	})

	// Broadcasts counts frames fanned out on the bus, by frame type.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_ws_broadcasts_total",
		Help: "Frames broadcast to connected gates.",
	}, []string{"type"})

	// Mutations counts engine mutations by type and outcome
	// (ok, dedup, conflict, not_found, error).
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_mutations_total",
		Help: "Mutation attempts processed by the engine.",
	}, []string{"type", "outcome"})

	// MutationSeconds times committed mutations end to end.
	MutationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "park_mutation_seconds",
		Help:    "Engine mutation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// Payments counts payment rows by method and status transition.
	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_payments_total",
		Help: "Payment records created or confirmed.",
	}, []string{"method", "status"})

	// Reservations counts registry operations by outcome (ok, conflict, error).
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_reservations_total",
		Help: "Slot reservation attempts.",
	}, []string{"outcome"})
)

// ObserveMutation records one engine mutation.
func ObserveMutation(typ, outcome string, d time.Duration) {
	Mutations.WithLabelValues(typ, outcome).Inc()
	if outcome == "ok" {
		MutationSeconds.WithLabelValues(typ).Observe(d.Seconds())
	}
}

// =============================================================================
// GATE COLLECTORS
// =============================================================================

var (
	// QueueDepth is the number of pending rows in the gate offline queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "park_gate_queue_depth",
		Help: "Pending events in the gate offline queue.",
	})

	// Drained counts queue drain attempts by outcome (done, rejected, retry).
	Drained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_gate_drained_total",
		Help: "Offline-queue drain attempts.",
	}, []string{"outcome"})

	// SnapshotPulls counts snapshot cycles by outcome (ok, error, skipped).
	SnapshotPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_gate_snapshot_total",
		Help: "Cloud snapshot pull cycles.",
	}, []string{"outcome"})

	// SnapshotAge is the seconds since the last successful snapshot.
	SnapshotAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "park_gate_snapshot_age_seconds",
		Help: "Age of the gate's last successful cloud snapshot.",
	})

	// WSRoundTrip is the latest bus ping round-trip time.
	WSRoundTrip = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "park_gate_ws_rtt_seconds",
		Help: "Round-trip time of the latest bus ping.",
	})

	// BreakerState mirrors the cloud-client circuit breaker
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "park_gate_breaker_state",
		Help: "Cloud client circuit breaker state (0 closed, 1 half-open, 2 open).",
	})

	// LocalWrites counts optimistic local mirror writes by event type.
	LocalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "park_gate_local_writes_total",
		Help: "Optimistic writes applied to the local mirror.",
	}, []string{"type"})
)
