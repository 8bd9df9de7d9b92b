package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
)

// ScheduleReader is the read side the availability engine needs.
// GetBusyIntervals and GetBookings return every record overlapping [windowStart, windowEnd), in any status.
type ScheduleReader interface {
	GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error)
	GetBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error)
	GetBookings(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.Booking, error)
}

// TherapistTx is a unit of work holding the therapist's write lock.
// Reads through it observe every write committed before the lock was taken.
type TherapistTx interface {
	ScheduleReader

	GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.BookingStatus) error
	UpdatePaymentStatus(ctx context.Context, bookingID uuid.UUID, status domain.PaymentStatus) error
	UpdateBookingTime(ctx context.Context, bookingID uuid.UUID, sessionTime time.Time) error
	SetRatingSubmitted(ctx context.Context, bookingID uuid.UUID, submitted bool) error

	PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule) error
	AddBusyInterval(ctx context.Context, interval domain.BusyInterval) (domain.BusyInterval, error)
	RemoveBusyInterval(ctx context.Context, therapistID string, intervalID uuid.UUID) error

	InsertFeedback(ctx context.Context, f domain.Feedback) (domain.Feedback, error)
	// DeleteFeedback returns the removed row.
	DeleteFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error)
}

type BookingRepository interface {
	ScheduleReader

	GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	ListClientBookings(ctx context.Context, clientID string, windowStart, windowEnd time.Time) ([]domain.Booking, error)

	// InTherapistTransaction runs fn serialized against every other writer for therapistID.
	// When fn returns an error none of its writes are kept.
	InTherapistTransaction(ctx context.Context, therapistID string, fn func(ctx context.Context, tx TherapistTx) error) error
}

type FeedbackRepository interface {
	GetFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error)
	ListFeedback(ctx context.Context, therapistID string, includeHidden bool) ([]domain.Feedback, error)
	SetFeedbackVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool) error
}
