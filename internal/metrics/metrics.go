// Package metrics exposes queue and delivery statistics
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/busybox42/maildispatch/internal/dispatch"
	"github.com/busybox42/maildispatch/internal/queue"
)

// Metrics holds all Prometheus metrics of the dispatcher
type Metrics struct {
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	// Delivery metrics
	Delivered prometheus.Counter
	Failed    prometheus.Counter
	Deferred  prometheus.Counter

	// Receiver metrics
	Commands *prometheus.CounterVec

	// Storage metrics
	SnapshotSaves    *prometheus.CounterVec
	SnapshotFailures *prometheus.CounterVec
	SnapshotDuration *prometheus.HistogramVec

	// Garbage collector metrics
	Collected prometheus.Counter
}

// New creates and registers all metrics with reg
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		gatherer: gatherer,

		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildispatch_entries_delivered_total",
			Help: "Total number of entries delivered",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildispatch_entries_failed_total",
			Help: "Total number of entries that failed without retries left",
		}),
		Deferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildispatch_entries_requeued_total",
			Help: "Total number of entries put back into the queue",
		}),

		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildispatch_receiver_commands_total",
			Help: "Receiver commands by command and result",
		}, []string{"command", "result"}),

		SnapshotSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildispatch_snapshot_saves_total",
			Help: "Successful snapshot writes by collection",
		}, []string{"collection"}),
		SnapshotFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildispatch_snapshot_failures_total",
			Help: "Failed snapshot writes by collection",
		}, []string{"collection"}),
		SnapshotDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maildispatch_snapshot_duration_seconds",
			Help:    "Duration of snapshot writes",
			Buckets: prometheus.DefBuckets,
		}, []string{"collection"}),

		Collected: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildispatch_messages_collected_total",
			Help: "Messages removed by the garbage collector",
		}),
	}
}

// Gatherer returns the registry metrics are gathered from
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// IncrDelivered implements dispatch.MetricsRecorder
func (m *Metrics) IncrDelivered(context.Context) error {
	m.Delivered.Inc()
	return nil
}

// IncrFailed implements dispatch.MetricsRecorder
func (m *Metrics) IncrFailed(context.Context) error {
	m.Failed.Inc()
	return nil
}

// IncrDeferred implements dispatch.MetricsRecorder
func (m *Metrics) IncrDeferred(context.Context) error {
	m.Deferred.Inc()
	return nil
}

// CommandHandled implements receiver.CommandObserver
func (m *Metrics) CommandHandled(command string, ok bool) {
	if command == "" {
		command = "unknown"
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Commands.WithLabelValues(command, result).Inc()
}

// SnapshotSaved implements storage.SyncObserver
func (m *Metrics) SnapshotSaved(collection string, d time.Duration) {
	m.SnapshotSaves.WithLabelValues(collection).Inc()
	m.SnapshotDuration.WithLabelValues(collection).Observe(d.Seconds())
}

// SnapshotFailed implements storage.SyncObserver
func (m *Metrics) SnapshotFailed(collection string) {
	m.SnapshotFailures.WithLabelValues(collection).Inc()
}

// MessagesCollected implements garbage.Observer
func (m *Metrics) MessagesCollected(n int) {
	m.Collected.Add(float64(n))
}

// StatsSource reports scheduler statistics
type StatsSource interface {
	Stats() dispatch.Stats
}

// RegisterQueue adds gauges sampled from the store and the scheduler at
// scrape time. sched may be nil.
func (m *Metrics) RegisterQueue(store *queue.Store, sched StatsSource) {
	factory := promauto.With(m.registry)

	tiers := map[string]func(queue.TierStats) int{
		"fifo":     func(s queue.TierStats) int { return s.FIFO },
		"priority": func(s queue.TierStats) int { return s.Priority },
		"paused":   func(s queue.TierStats) int { return s.Paused },
		"delayed":  func(s queue.TierStats) int { return s.Delayed },
	}
	for tier, get := range tiers {
		tier, get := tier, get
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "maildispatch_queue_entries",
			Help:        "Entries waiting in each queue tier",
			ConstLabels: prometheus.Labels{"tier": tier},
		}, func() float64 { return float64(get(store.Entries.Stats())) })
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maildispatch_messages",
		Help: "Messages held in the message store",
	}, func() float64 { return float64(store.Messages.Len()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maildispatch_groups",
		Help: "Groups known to the registry",
	}, func() float64 { return float64(len(store.Groups.All())) })

	if sched == nil {
		return
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maildispatch_workers",
		Help: "Running delivery workers",
	}, func() float64 { return float64(sched.Stats().Workers) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maildispatch_deliveries_in_flight",
		Help: "Deliveries currently in progress",
	}, func() float64 { return float64(sched.Stats().Process) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "maildispatch_handoff_pending",
		Help: "Entries handed off but not yet picked up by a worker",
	}, func() float64 { return float64(sched.Stats().Pending) })
}
