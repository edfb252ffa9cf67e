// Package telemetry collects the Prometheus instrumentation shared by the
// model process. A nil *Metrics is valid everywhere and records nothing,
// so tests and the device daemon can skip registration.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reg prometheus.Registerer

	snapshotsPublished prometheus.Counter
	engineInvocations  prometheus.Counter
	engineFailures     prometheus.Counter
	engineLatency      prometheus.Histogram
	commandsAccepted   prometheus.Counter
	commandsRejected   *prometheus.CounterVec
	broadcastDrops     prometheus.Counter
	subscribers        prometheus.Gauge
}

// NewMetrics builds and registers the model-process metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		snapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulacrum_snapshots_published_total",
			Help: "Snapshots handed to the publisher.",
		}),
		engineInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulacrum_engine_invocations_total",
			Help: "Physics engine invocations.",
		}),
		engineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulacrum_engine_failures_total",
			Help: "Engine invocations that rejected their batch.",
		}),
		engineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simulacrum_engine_latency_seconds",
			Help:    "Wall time of one engine invocation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		commandsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulacrum_commands_accepted_total",
			Help: "Commands acknowledged as accepted.",
		}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simulacrum_commands_rejected_total",
			Help: "Commands rejected, by reason.",
		}, []string{"reason"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simulacrum_broadcast_drops_total",
			Help: "Snapshot deliveries dropped because a session queue was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simulacrum_subscribers",
			Help: "Currently connected device subscriptions.",
		}),
	}
	reg.MustRegister(
		m.snapshotsPublished,
		m.engineInvocations,
		m.engineFailures,
		m.engineLatency,
		m.commandsAccepted,
		m.commandsRejected,
		m.broadcastDrops,
		m.subscribers,
	)
	return m
}

func (m *Metrics) SnapshotPublished() {
	if m != nil {
		m.snapshotsPublished.Inc()
	}
}

func (m *Metrics) EngineInvoked() {
	if m != nil {
		m.engineInvocations.Inc()
	}
}

func (m *Metrics) EngineFailed() {
	if m != nil {
		m.engineFailures.Inc()
	}
}

func (m *Metrics) ObserveEngineLatency(seconds float64) {
	if m != nil {
		m.engineLatency.Observe(seconds)
	}
}

func (m *Metrics) CommandAccepted() {
	if m != nil {
		m.commandsAccepted.Inc()
	}
}

func (m *Metrics) CommandRejected(reason string) {
	if m != nil {
		m.commandsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.broadcastDrops.Inc()
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

// WatchPendingCommands exports the staged-command count as a gauge sampled
// at scrape time, so the reading never goes stale between submissions.
func (m *Metrics) WatchPendingCommands(fn func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "simulacrum_pending_commands",
		Help: "Commands staged for the next recompute batch.",
	}, func() float64 {
		return float64(fn())
	}))
}
