// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coachbot_state_transitions_total",
		Help: "State transitions committed, by source and target state.",
	}, []string{"from", "to"})

	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coachbot_invalid_transitions_total",
		Help: "Dispatches that fell back to onboarding due to an illegal transition or unknown state.",
	})

	DeliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coachbot_deliveries_sent_total",
		Help: "Scheduled deliveries dispatched, by kind.",
	}, []string{"kind"})

	DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coachbot_deliveries_failed_total",
		Help: "Scheduled deliveries that exhausted their retry budget.",
	})

	DuplicatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coachbot_duplicate_statements_total",
		Help: "Setup statements rejected as near-duplicates.",
	})
)
