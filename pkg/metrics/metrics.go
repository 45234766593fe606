package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_dispatch_outcomes_total",
			Help: "Dispatch attempt outcomes",
		},
		[]string{"outcome"}, // outcome: sent, failed, rate_limited, abandoned
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_dispatch_duration_seconds",
			Help:    "Time spent processing one ticket, pacing included",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	TicketsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delay_queue_tickets_scheduled_total",
			Help: "Tickets handed to the delay queue",
		},
	)

	JobsHydrated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recovery_jobs_hydrated_total",
			Help: "Jobs re-enqueued by the recovery hydrator",
		},
	)
)

// IncOutcome counts one dispatch attempt outcome.
func IncOutcome(outcome string) {
	EmailOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveDispatch records the wall time of one ticket.
func ObserveDispatch(d time.Duration) {
	DispatchDuration.Observe(d.Seconds())
}
