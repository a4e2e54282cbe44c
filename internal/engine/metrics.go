package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "settlements_total",
			Help:      "Offers settled successfully, by operation.",
		},
		[]string{"op"},
	)

	executionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "execution_failures_total",
			Help:      "Failed release/refund executions, by operation.",
		},
		[]string{"op"},
	)

	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "escalations_total",
			Help:      "Offers frozen in the error status after exhausting retries.",
		},
		[]string{"op"},
	)

	staleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "stale_executions_total",
			Help:      "Executions skipped because the offer was no longer funded.",
		},
		[]string{"op"},
	)

	transferLegs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "engine",
			Name:      "transfer_legs_total",
			Help:      "Confirmed ledger transfers, by leg.",
		},
		[]string{"leg"},
	)

	autoFulfillments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "engine",
		Name:      "auto_fulfillments_total",
		Help:      "Shipped offers auto-fulfilled by delivery or window expiry.",
	})

	invalidOffers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "engine",
		Name:      "invalid_offers_total",
		Help:      "Offers skipped because required fields were missing.",
	})
)

func init() {
	prometheus.MustRegister(
		settlements,
		executionFailures,
		escalations,
		staleExecutions,
		transferLegs,
		autoFulfillments,
		invalidOffers,
	)
}
