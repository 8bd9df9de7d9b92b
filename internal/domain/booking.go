package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DefaultSessionMinutes = 60

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCompleted, BookingStatusCancelled:
		return true
	}
	return false
}

// Occupying reports whether a booking in this status holds its time window.
func (s BookingStatus) Occupying() bool {
	return s == BookingStatusPending || s == BookingStatusConfirmed || s == BookingStatusCompleted
}

func (s BookingStatus) Terminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// CanTransition encodes pending|confirmed -> completed|cancelled and pending -> confirmed.
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	switch s {
	case BookingStatusPending:
		return to == BookingStatusConfirmed || to == BookingStatusCompleted || to == BookingStatusCancelled
	case BookingStatusConfirmed:
		return to == BookingStatusCompleted || to == BookingStatusCancelled
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID              uuid.UUID     `bun:"id,pk,type:uuid"`
	ClientID        string        `bun:"client_id,notnull"`
	ClientName      string        `bun:"client_name,notnull"`
	ClientEmail     string        `bun:"client_email,notnull"`
	TherapistID     string        `bun:"therapist_id,notnull"`
	TherapistName   string        `bun:"therapist_name,notnull"`
	SessionTime     time.Time     `bun:"session_time,notnull"`
	SessionEnd      time.Time     `bun:"session_end,notnull"`
	DurationMinutes int           `bun:"duration_minutes,notnull"`
	Status          BookingStatus `bun:"status,notnull"`
	PaymentStatus   PaymentStatus `bun:"payment_status,notnull"`
	AmountCents     int64         `bun:"amount_cents,notnull"`
	RatingSubmitted bool          `bun:"rating_submitted,notnull"`
	CreatedAt       time.Time     `bun:"created_at,notnull"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull"`
}

func (b Booking) Duration() time.Duration {
	minutes := b.DurationMinutes
	if minutes <= 0 {
		minutes = DefaultSessionMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (b Booking) End() time.Time {
	return b.SessionTime.Add(b.Duration())
}

// OverlapsWindow reports whether the booking occupies any instant of [start, end).
func (b Booking) OverlapsWindow(start, end time.Time) bool {
	return b.Status.Occupying() && Overlaps(b.SessionTime, b.End(), start, end)
}

// SameRequest reports whether o asks for the same session as b. Idempotent replays must match.
func (b Booking) SameRequest(o Booking) bool {
	return b.ClientID == o.ClientID &&
		b.TherapistID == o.TherapistID &&
		b.SessionTime.Equal(o.SessionTime) &&
		b.Duration() == o.Duration() &&
		b.AmountCents == o.AmountCents
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
		b.SessionEnd = b.End()
	case *bun.UpdateQuery:
		b.UpdatedAt = now
		b.SessionEnd = b.End()
	}
	return nil
}
