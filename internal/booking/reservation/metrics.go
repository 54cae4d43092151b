package reservation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservation_duration_seconds",
		Help:    "Time spent running a reservation attempt end to end.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	reservationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_outcomes_total",
		Help: "Reservation and cancellation results grouped by outcome.",
	}, []string{"outcome"})

	claimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slot_claim_attempts_total",
		Help: "Slot claim transactions grouped by result.",
	}, []string{"result"})

	lockInconsistencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_inconsistencies_total",
		Help: "Slot locks left behind by failed compensation or release.",
	}, []string{"kind"})
)

const (
	inconsistencyOrphanedPending = "orphaned_pending"
	inconsistencyStaleBound      = "stale_bound"
)
