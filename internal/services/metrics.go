package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// sessionEvents counts lifecycle events: created, reused, create_conflict,
	// rate_limited, activated, deleted.
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_session_events_total",
			Help: "Conversation lifecycle events.",
		},
		[]string{"event"},
	)

	// turnsTotal counts finished turns by transport mode and outcome.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_turns_total",
			Help: "Turns by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// turnDuration observes wall time from validation to completion.
	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_turn_duration_seconds",
			Help:    "Duration of turns in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	// fragmentsTotal counts fragments relayed to clients.
	fragmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_fragments_total",
			Help: "Answer fragments relayed to clients.",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(sessionEvents, turnsTotal, turnDuration, fragmentsTotal)
}
