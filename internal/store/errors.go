package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
)

var (
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

type ConflictReason string

const (
	ConflictOutsideHours ConflictReason = "outside_working_hours"
	ConflictInPast       ConflictReason = "in_past"
	ConflictBusy         ConflictReason = "busy"
	ConflictBooked       ConflictReason = "booked"
	ConflictDuplicate    ConflictReason = "duplicate"
)

// ConflictError carries the slot that could not be taken. errors.Is(err, ErrConflict) holds for it.
type ConflictError struct {
	TherapistID string
	SlotTime    time.Time
	Reason      ConflictReason
	// BookingID is the occupying booking when Reason is ConflictBooked.
	BookingID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.SlotTime.IsZero() {
		return fmt.Sprintf("conflict: %s", e.Reason)
	}
	return fmt.Sprintf("slot %s is not available: %s", e.SlotTime.Format(time.RFC3339), e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InvalidStateError reports an operation that the booking's current status does not allow.
type InvalidStateError struct {
	BookingID uuid.UUID
	Status    domain.BookingStatus
	Op        string
	// Reason is set when the status alone allows Op.
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s booking %s: %s", e.Op, e.BookingID, e.Reason)
	}
	return fmt.Sprintf("cannot %s booking %s in status %s", e.Op, e.BookingID, e.Status)
}

// IsDomainError reports whether err is a business-rule outcome that retrying cannot change.
func IsDomainError(err error) bool {
	var (
		vErr *domain.ValidationError
		sErr *InvalidStateError
	)
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.As(err, &vErr) ||
		errors.As(err, &sErr)
}
