package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payments processed, labelled by final status",
		},
		[]string{"status"},
	)

	ProcessorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_calls_total",
			Help: "Card processor calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeadLetteredEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_lettered_events_total",
			Help: "Events that exhausted webhook delivery retries",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Requests answered from a stored idempotency record",
		},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "processor_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(
		PaymentsTotal,
		ProcessorCallsTotal,
		WebhookDeliveriesTotal,
		DeadLetteredEventsTotal,
		IdempotentReplaysTotal,
		BreakerState,
	)
}
