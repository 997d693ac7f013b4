package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the runtime's operational counters and gauges
type Metrics struct {
	EventsDispatched *prometheus.CounterVec
	EventsUnrouted   prometheus.Counter
	RunsCompleted    *prometheus.CounterVec
	RunAttempts      *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	InFlight         prometheus.Gauge
	CronFires        *prometheus.CounterVec
}

// NewMetrics registers the runtime collectors with the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Name:      "events_dispatched_total",
			Help:      "Events handed to function runs, by event name",
		}, []string{"event"}),

		EventsUnrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Name:      "events_unrouted_total",
			Help:      "Events acknowledged with no subscribed function",
		}),

		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Name:      "runs_completed_total",
			Help:      "Terminal runs, by function and final status",
		}, []string{"function", "status"}),

		RunAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Name:      "run_attempts_total",
			Help:      "Handler executions, by function",
		}, []string{"function"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgerflow",
			Name:      "queue_depth",
			Help:      "Events awaiting dispatch, leased included",
		}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgerflow",
			Name:      "runs_in_flight",
			Help:      "Handler executions currently holding a slot",
		}),

		CronFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerflow",
			Name:      "cron_fires_total",
			Help:      "Cron trigger fires, by function",
		}, []string{"function"}),
	}

	reg.MustRegister(
		m.EventsDispatched, m.EventsUnrouted, m.RunsCompleted,
		m.RunAttempts, m.QueueDepth, m.InFlight, m.CronFires,
	)
	return m
}
