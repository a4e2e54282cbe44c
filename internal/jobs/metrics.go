package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "jobs",
			Name:      "published_total",
			Help:      "Jobs published, by kind.",
		},
		[]string{"kind"},
	)

	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Jobs acknowledged after a successful handler run, by kind.",
		},
		[]string{"kind"},
	)

	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Handler failures released back for redelivery, by kind.",
		},
		[]string{"kind"},
	)

	jobsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settler",
			Subsystem: "jobs",
			Name:      "dropped_total",
			Help:      "Jobs dropped after exhausting redelivery attempts, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		jobsPublished,
		jobsCompleted,
		jobsFailed,
		jobsDropped,
	)
}
