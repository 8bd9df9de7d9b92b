// Package events fans booking changes out to live subscribers over Redis Pub/Sub.
// Delivery is best effort; nothing in the booking path waits on a subscriber.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"therapia/backend/internal/domain"
)

type Type string

const (
	TypeCreated     Type = "booking.created"
	TypeRescheduled Type = "booking.rescheduled"
	TypeCancelled   Type = "booking.cancelled"
	TypeConfirmed   Type = "booking.confirmed"
	TypeCompleted   Type = "booking.completed"
	TypeBlocked     Type = "schedule.blocked"
	TypeUnblocked   Type = "schedule.unblocked"
	TypeRulesPut    Type = "schedule.rules_updated"
)

// BookingEvent tells subscribers that a therapist's availability may have changed.
type BookingEvent struct {
	Type        Type                 `json:"type"`
	BookingID   uuid.UUID            `json:"booking_id,omitempty"`
	TherapistID string               `json:"therapist_id"`
	ClientID    string               `json:"client_id,omitempty"`
	SessionTime time.Time            `json:"session_time,omitempty"`
	Status      domain.BookingStatus `json:"status,omitempty"`
	At          time.Time            `json:"at"`
}

func ForBooking(t Type, b domain.Booking) BookingEvent {
	return BookingEvent{
		Type:        t,
		BookingID:   b.ID,
		TherapistID: b.TherapistID,
		ClientID:    b.ClientID,
		SessionTime: b.SessionTime,
		Status:      b.Status,
		At:          time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev BookingEvent) error
}

// Nop drops every event. It is used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, ev BookingEvent) error { return nil }

func Channel(therapistID string) string {
	return "therapia:bookings:" + therapistID
}

type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, ev BookingEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel(ev.TherapistID), data).Err()
}

// Subscribe streams events for one therapist until ctx ends. The returned channel is closed
// after the subscription is torn down. Malformed payloads are skipped.
func (b *RedisBus) Subscribe(ctx context.Context, therapistID string) (<-chan BookingEvent, error) {
	sub := b.rdb.Subscribe(ctx, Channel(therapistID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan BookingEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev BookingEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
