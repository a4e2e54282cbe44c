package reconciler

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "ticks_total",
		Help:      "Completed reconciliation passes.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of reconciliation passes in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	tickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "tick_errors_total",
		Help:      "Passes aborted before processing any offer.",
	})

	tickPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "tick_panics_total",
		Help:      "Panics recovered during reconciliation passes.",
	})

	offerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "offer_errors_total",
		Help:      "Per-offer processing failures isolated within a pass.",
	})

	fundedOffers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settler",
		Subsystem: "reconciler",
		Name:      "funded_offers",
		Help:      "Funded offers seen in the last reconciliation pass.",
	})
)

func init() {
	prometheus.MustRegister(
		ticksTotal,
		tickDuration,
		tickErrors,
		tickPanics,
		offerErrors,
		fundedOffers,
	)
}
