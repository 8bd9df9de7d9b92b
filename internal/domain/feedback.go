package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Feedback struct {
	bun.BaseModel `bun:"table:feedback"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	BookingID   uuid.UUID `bun:"booking_id,notnull,type:uuid"`
	ClientID    string    `bun:"client_id,notnull"`
	ClientName  string    `bun:"client_name,notnull"`
	TherapistID string    `bun:"therapist_id,notnull"`
	Rating      int       `bun:"rating,notnull"`
	Comment     string    `bun:"comment"`
	Visible     bool      `bun:"visible,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func (f *Feedback) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if f.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		f.ID = id
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return nil
}

type RatingSummary struct {
	TherapistID string
	Count       int
	Average     float64
}
