package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics tracks assignment and tracking throughput.
type DispatchMetrics struct {
	assignments   *prometheus.CounterVec
	assignLatency prometheus.Histogram
	transitions   *prometheus.CounterVec
	heartbeats    prometheus.Counter
	mirrorResults *prometheus.CounterVec
}

// NewDispatchMetrics registers the dispatch metrics on the provided registerer.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_assignments_total",
		Help: "Delivery assignments, split by outcome.",
	}, []string{"outcome"})
	assignLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_assign_latency_seconds",
		Help:    "Time spent picking and locking an agent.",
		Buckets: prometheus.DefBuckets,
	})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_status_transitions_total",
		Help: "Delivery status transitions, split by target status.",
	}, []string{"to"})
	heartbeats := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_heartbeats_total",
		Help: "Accepted agent location heartbeats.",
	})
	mirrorResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "order_mirror_results_total",
		Help: "Order-service mirror calls, split by result.",
	}, []string{"result"})
	reg.MustRegister(assignments, assignLatency, transitions, heartbeats, mirrorResults)
	return &DispatchMetrics{
		assignments:   assignments,
		assignLatency: assignLatency,
		transitions:   transitions,
		heartbeats:    heartbeats,
		mirrorResults: mirrorResults,
	}
}

// IncAssignment records one assignment attempt outcome.
func (d *DispatchMetrics) IncAssignment(outcome string) {
	if d == nil || d.assignments == nil {
		return
	}
	d.assignments.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveAssignLatency records how long an assignment attempt took.
func (d *DispatchMetrics) ObserveAssignLatency(duration time.Duration) {
	if d == nil || d.assignLatency == nil {
		return
	}
	d.assignLatency.Observe(duration.Seconds())
}

// IncTransition records one successful status transition.
func (d *DispatchMetrics) IncTransition(to string) {
	if d == nil || d.transitions == nil {
		return
	}
	d.transitions.WithLabelValues(normalizeLabel(to)).Inc()
}

// IncHeartbeat records one accepted heartbeat.
func (d *DispatchMetrics) IncHeartbeat() {
	if d == nil || d.heartbeats == nil {
		return
	}
	d.heartbeats.Inc()
}

// IncMirrorResult records one order mirror attempt result.
func (d *DispatchMetrics) IncMirrorResult(result string) {
	if d == nil || d.mirrorResults == nil {
		return
	}
	d.mirrorResults.WithLabelValues(normalizeLabel(result)).Inc()
}
