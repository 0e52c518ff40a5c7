package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ticksTotal       prometheus.Counter
	tickFailures     prometheus.Counter
	tickDuration     prometheus.Gauge
	rulesAdded       prometheus.Counter
	rulesRemoved     prometheus.Counter
	peersOverLimit   prometheus.Gauge
	trackedSessions  prometheus.Gauge
	admittedSessions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wglimit_ticks_total",
			Help: "Polling ticks run since start.",
		}),
		tickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wglimit_tick_failures_total",
			Help: "Ticks where the status query or firewall apply failed.",
		}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wglimit_tick_duration_seconds",
			Help: "Duration of the last tick.",
		}),
		rulesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wglimit_rules_added_total",
			Help: "Endpoint allowances added to the kernel.",
		}),
		rulesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wglimit_rules_removed_total",
			Help: "Endpoint allowances removed from the kernel.",
		}),
		peersOverLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wglimit_peers_over_limit",
			Help: "Peers currently exceeding their configured limit.",
		}),
		trackedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wglimit_sessions_tracked",
			Help: "Sessions currently tracked, any state.",
		}),
		admittedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wglimit_sessions_admitted",
			Help: "Sessions currently in the allowed set.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ticksTotal, m.tickFailures, m.tickDuration,
			m.rulesAdded, m.rulesRemoved,
			m.peersOverLimit, m.trackedSessions, m.admittedSessions,
		)
	}
	return m
}
