package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter metrics
	callsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_calls_started_total",
			Help: "Total number of calls initiated locally",
		},
		[]string{"kind"},
	)

	callsIncoming = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_calls_incoming_total",
			Help: "Total number of incoming call invitations received",
		},
		[]string{"kind"},
	)

	callsAnswered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callbridge_calls_answered_total",
			Help: "Total number of calls that reached the active state",
		},
	)

	callsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_calls_ended_total",
			Help: "Total number of calls ended, by hangup reason",
		},
		[]string{"reason"},
	)

	signalsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_signals_dropped_total",
			Help: "Total number of inbound signaling events dropped",
		},
		[]string{"cause"},
	)

	candidatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callbridge_candidates_dropped_total",
			Help: "Total number of ICE candidate batches dropped for unknown calls",
		},
	)

	// Gauge metrics. Maintained by the store so replacing a room's call
	// record or clearing it cannot drift the count.
	activeCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_active_calls",
			Help: "Number of rooms with a call record present",
		},
	)
)

func init() {
	prometheus.MustRegister(
		callsStarted,
		callsIncoming,
		callsAnswered,
		callsEnded,
		signalsDropped,
		candidatesDropped,
		activeCalls,
	)
}
