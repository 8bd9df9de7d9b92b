package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	bookingMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "therapia",
			Name:      "booking_mutations_total",
			Help:      "Count of successful booking mutations by operation.",
		},
		[]string{"operation"},
	)

	bookingConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "therapia",
			Name:      "booking_conflicts_total",
			Help:      "Count of booking writes rejected because the slot was taken.",
		},
		[]string{"operation", "reason"},
	)

	storeReadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "therapia",
			Name:      "store_read_retries_total",
			Help:      "Count of availability reads retried after a transient store failure.",
		},
	)

	feedbackSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "therapia",
			Name:      "feedback_submitted_total",
			Help:      "Count of feedback entries by rating.",
		},
		[]string{"rating"},
	)

	eventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "therapia",
			Name:      "event_publish_failures_total",
			Help:      "Count of booking events that could not be published.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(bookingMutations, bookingConflicts, storeReadRetries, feedbackSubmitted, eventPublishFailures)
	})
}

func IncBookingMutation(operation string) {
	bookingMutations.WithLabelValues(operation).Inc()
}

func IncBookingConflict(operation, reason string) {
	bookingConflicts.WithLabelValues(operation, reason).Inc()
}

func IncStoreReadRetry() {
	storeReadRetries.Inc()
}

func IncFeedbackSubmitted(rating string) {
	feedbackSubmitted.WithLabelValues(rating).Inc()
}

func IncEventPublishFailure() {
	eventPublishFailures.Inc()
}
