// Package obs wires the registry's operational signals to Prometheus:
// ignored/dropped event counters, mailbox depth, transition latency, and
// SlowHandler warnings for transitions that run past a configured soft
// deadline. Kept under internal/ because it is wiring detail, not part
// of the registry's public construction surface.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the registry's Prometheus collectors. The zero value
// is not usable; use NewMetrics.
type Metrics struct {
	IgnoredEvents      *prometheus.CounterVec
	DroppedEvents      *prometheus.CounterVec
	TransitionFaults   prometheus.Counter
	MailboxDepth       prometheus.Gauge
	TransitionDuration prometheus.Histogram
	SlowHandlers       prometheus.Counter
	LiveMachines       prometheus.Gauge
}

// NewMetrics constructs and registers collectors against reg. Passing a
// fresh prometheus.NewRegistry() in tests avoids collisions with the
// global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IgnoredEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fsmgrid_ignored_events_total",
			Help: "Events that matched no transition in the machine's current state.",
		}, []string{"event"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fsmgrid_dropped_events_total",
			Help: "Events that could not be delivered (unknown machine, draining, mailbox full).",
		}, []string{"reason"}),
		TransitionFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsmgrid_transition_faults_total",
			Help: "Handler panics caught and rolled back during a transition.",
		}),
		MailboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fsmgrid_mailbox_depth",
			Help: "Sum of pending events across all machine mailboxes.",
		}),
		TransitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fsmgrid_transition_duration_seconds",
			Help:    "Wall time spent executing one Fire call, including handler and persist time.",
			Buckets: prometheus.DefBuckets,
		}),
		SlowHandlers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fsmgrid_slow_handler_total",
			Help: "Transitions whose handler exceeded the configured slow-handler threshold.",
		}),
		LiveMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fsmgrid_live_machines",
			Help: "Machines currently present in the registry's live index.",
		}),
	}
	reg.MustRegister(
		m.IgnoredEvents,
		m.DroppedEvents,
		m.TransitionFaults,
		m.MailboxDepth,
		m.TransitionDuration,
		m.SlowHandlers,
		m.LiveMachines,
	)
	return m
}

// ObserveTransition records a completed Fire call's duration and, if it
// exceeded threshold, bumps SlowHandlers. threshold <= 0 disables the
// slow-handler check.
func (m *Metrics) ObserveTransition(d time.Duration, threshold time.Duration) {
	m.TransitionDuration.Observe(d.Seconds())
	if threshold > 0 && d > threshold {
		m.SlowHandlers.Inc()
	}
}
