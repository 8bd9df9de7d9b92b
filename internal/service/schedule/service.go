package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/availability"
	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/store"
)

const (
	maxBlockMinutes = 24 * 60
	maxListWindow   = 366 * 24 * time.Hour
)

func validationError(msg string) error {
	return domain.NewValidationError(msg)
}

// Service manages a therapist's weekly template and blocked intervals.
type Service struct {
	repo      store.BookingRepository
	engine    *availability.Engine
	publisher events.Publisher
	log       *slog.Logger
}

func NewService(repo store.BookingRepository, engine *availability.Engine, publisher events.Publisher, log *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, engine: engine, publisher: publisher, log: log}
}

// PutWeeklyAvailability validates the whole set and replaces the stored one atomically.
func (s *Service) PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule, actor domain.Actor) ([]domain.WeeklyAvailabilityRule, error) {
	if therapistID == "" {
		return nil, validationError("therapist_id is required")
	}
	if !actor.Is(domain.RoleTherapist, therapistID) {
		return nil, store.ErrForbidden
	}

	normalized := make([]domain.WeeklyAvailabilityRule, len(rules))
	for i, r := range rules {
		r.ID = uuid.Nil
		r.CreatedAt = time.Time{}
		if r.TherapistID == "" {
			r.TherapistID = therapistID
		}
		normalized[i] = r
	}
	if err := domain.ValidateRuleSet(therapistID, normalized); err != nil {
		return nil, err
	}
	domain.SortRules(normalized)

	var out []domain.WeeklyAvailabilityRule
	err := s.repo.InTherapistTransaction(ctx, therapistID, func(ctx context.Context, tx store.TherapistTx) error {
		if err := tx.PutWeeklyAvailability(ctx, therapistID, normalized); err != nil {
			return err
		}
		var err error
		out, err = tx.GetWeeklyAvailability(ctx, therapistID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeRulesPut, TherapistID: therapistID})
	return out, nil
}

func (s *Service) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	if therapistID == "" {
		return nil, validationError("therapist_id is required")
	}
	rules, err := s.repo.GetWeeklyAvailability(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	domain.SortRules(rules)
	return rules, nil
}

// BlockSlot marks [start, start+minutes) busy. A live booking in that window must be cancelled first.
func (s *Service) BlockSlot(ctx context.Context, therapistID string, start time.Time, minutes int, actor domain.Actor) (domain.BusyInterval, error) {
	if therapistID == "" {
		return domain.BusyInterval{}, validationError("therapist_id is required")
	}
	if start.IsZero() {
		return domain.BusyInterval{}, validationError("start_time is required")
	}
	if minutes <= 0 {
		return domain.BusyInterval{}, validationError("minutes must be positive")
	}
	if minutes > maxBlockMinutes {
		return domain.BusyInterval{}, validationError("block too long")
	}
	start = start.UTC()
	return s.block(ctx, therapistID, start, start.Add(time.Duration(minutes)*time.Minute), domain.BusyReasonSlot, actor)
}

// BlockDay marks the whole local day busy in the therapist's time zone.
func (s *Service) BlockDay(ctx context.Context, therapistID string, date domain.Date, actor domain.Actor) (domain.BusyInterval, error) {
	if therapistID == "" {
		return domain.BusyInterval{}, validationError("therapist_id is required")
	}
	if date.IsZero() {
		return domain.BusyInterval{}, validationError("date is required")
	}
	loc, err := s.engine.Location(ctx, s.repo, therapistID)
	if err != nil {
		return domain.BusyInterval{}, err
	}
	return s.block(ctx, therapistID, date.Start(loc).UTC(), date.End(loc).UTC(), domain.BusyReasonDay, actor)
}

func (s *Service) block(ctx context.Context, therapistID string, start, end time.Time, reason domain.BusyReason, actor domain.Actor) (domain.BusyInterval, error) {
	if !actor.Is(domain.RoleTherapist, therapistID) {
		return domain.BusyInterval{}, store.ErrForbidden
	}

	var out domain.BusyInterval
	err := s.repo.InTherapistTransaction(ctx, therapistID, func(ctx context.Context, tx store.TherapistTx) error {
		bookings, err := tx.GetBookings(ctx, therapistID, start, end)
		if err != nil {
			return err
		}
		for _, b := range bookings {
			if b.OverlapsWindow(start, end) {
				return &store.ConflictError{
					TherapistID: therapistID,
					SlotTime:    b.SessionTime,
					Reason:      store.ConflictBooked,
					BookingID:   b.ID,
				}
			}
		}

		out, err = tx.AddBusyInterval(ctx, domain.BusyInterval{
			TherapistID: therapistID,
			StartTime:   start,
			EndTime:     end,
			Reason:      reason,
		})
		return err
	})
	if err != nil {
		return domain.BusyInterval{}, err
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeBlocked, TherapistID: therapistID, SessionTime: start})
	return out, nil
}

func (s *Service) Unblock(ctx context.Context, therapistID string, intervalID uuid.UUID, actor domain.Actor) error {
	if therapistID == "" {
		return validationError("therapist_id is required")
	}
	if intervalID == uuid.Nil {
		return validationError("interval_id is required")
	}
	if !actor.Is(domain.RoleTherapist, therapistID) {
		return store.ErrForbidden
	}
	err := s.repo.InTherapistTransaction(ctx, therapistID, func(ctx context.Context, tx store.TherapistTx) error {
		return tx.RemoveBusyInterval(ctx, therapistID, intervalID)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.BookingEvent{Type: events.TypeUnblocked, TherapistID: therapistID})
	return nil
}

func (s *Service) ListBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	if therapistID == "" {
		return nil, validationError("therapist_id is required")
	}
	start := windowStart.UTC()
	end := windowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return nil, validationError("window_end must be after window_start")
	}
	if end.Sub(start) > maxListWindow {
		return nil, validationError("window too long")
	}
	return s.repo.GetBusyIntervals(ctx, therapistID, start, end)
}

func (s *Service) publish(ctx context.Context, ev events.BookingEvent) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "publish schedule event failed",
			slog.String("event", string(ev.Type)),
			slog.String("therapist_id", ev.TherapistID),
			slog.String("err", err.Error()),
		)
	}
}
