package bookings

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/availability"
	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/metrics"
	"therapia/backend/internal/store"
)

const (
	maxSessionMinutes = 8 * 60
	maxListWindow     = 366 * 24 * time.Hour
)

func validationError(msg string) error {
	return domain.NewValidationError(msg)
}

type Manager struct {
	repo      store.BookingRepository
	engine    *availability.Engine
	publisher events.Publisher
	log       *slog.Logger
}

type Option func(*Manager)

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func NewManager(repo store.BookingRepository, engine *availability.Engine, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		engine:    engine,
		publisher: events.Nop{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateInput struct {
	Actor           domain.Actor
	ClientID        string
	ClientName      string
	ClientEmail     string
	TherapistID     string
	TherapistName   string
	SessionTime     time.Time
	DurationMinutes int
	AmountCents     int64
	// DeferPayment leaves the booking pending until Confirm.
	DeferPayment   bool
	IdempotencyKey string
}

// Create places a booking after re-checking the slot under the therapist's write lock.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.Booking, error) {
	if in.ClientID == "" {
		return domain.Booking{}, validationError("client_id is required")
	}
	if in.TherapistID == "" {
		return domain.Booking{}, validationError("therapist_id is required")
	}
	if in.SessionTime.IsZero() {
		return domain.Booking{}, validationError("session_time is required")
	}
	duration := in.DurationMinutes
	if duration == 0 {
		duration = domain.DefaultSessionMinutes
	}
	if duration < 0 {
		return domain.Booking{}, validationError("duration_minutes must be positive")
	}
	if duration > maxSessionMinutes {
		return domain.Booking{}, validationError("duration too long")
	}
	if in.AmountCents < 0 {
		return domain.Booking{}, validationError("amount must not be negative")
	}

	b := domain.Booking{
		ClientID:        in.ClientID,
		ClientName:      strings.TrimSpace(in.ClientName),
		ClientEmail:     strings.TrimSpace(in.ClientEmail),
		TherapistID:     in.TherapistID,
		TherapistName:   strings.TrimSpace(in.TherapistName),
		SessionTime:     in.SessionTime.UTC(),
		DurationMinutes: duration,
		Status:          domain.BookingStatusConfirmed,
		PaymentStatus:   domain.PaymentStatusPaid,
		AmountCents:     in.AmountCents,
	}
	if in.DeferPayment {
		b.Status = domain.BookingStatusPending
		b.PaymentStatus = domain.PaymentStatusPending
	}
	if !in.Actor.Is(domain.RoleClient, b.ClientID) {
		return domain.Booking{}, store.ErrForbidden
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Booking{}, validationError("idempotency_key too long")
		}
		b.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("therapia:create_booking:"+in.ClientID+":"+key))
	}

	var (
		out    domain.Booking
		replay bool
	)
	err := m.repo.InTherapistTransaction(ctx, b.TherapistID, func(ctx context.Context, tx store.TherapistTx) error {
		if key != "" {
			existing, err := tx.GetBooking(ctx, b.ID)
			switch {
			case err == nil:
				if !existing.SameRequest(b) {
					return store.ErrIdempotencyConflict
				}
				out, replay = existing, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		err := m.engine.CheckSlot(ctx, tx, availability.SlotRequest{
			TherapistID: b.TherapistID,
			Start:       b.SessionTime,
			Duration:    b.Duration(),
		})
		if err != nil {
			return err
		}

		created, err := tx.InsertBooking(ctx, b)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		observeConflict("create", err)
		return domain.Booking{}, err
	}
	if !replay {
		m.record(ctx, "create", events.TypeCreated, out)
	}
	return out, nil
}

type RescheduleInput struct {
	Actor          domain.Actor
	BookingID      uuid.UUID
	TherapistID    string
	NewSessionTime time.Time
}

// Reschedule moves a live booking to a new start. The booking keeps its id, duration and every other field.
func (m *Manager) Reschedule(ctx context.Context, in RescheduleInput) (domain.Booking, error) {
	if in.BookingID == uuid.Nil {
		return domain.Booking{}, validationError("booking_id is required")
	}
	if in.TherapistID == "" {
		return domain.Booking{}, validationError("therapist_id is required")
	}
	if in.NewSessionTime.IsZero() {
		return domain.Booking{}, validationError("new_session_time is required")
	}
	newStart := in.NewSessionTime.UTC()

	var out domain.Booking
	err := m.repo.InTherapistTransaction(ctx, in.TherapistID, func(ctx context.Context, tx store.TherapistTx) error {
		b, err := tx.GetBooking(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if !in.Actor.CanAccessBooking(b) {
			return store.ErrForbidden
		}
		if b.TherapistID != in.TherapistID || b.Status.Terminal() {
			return store.ErrNotFound
		}

		err = m.engine.CheckSlot(ctx, tx, availability.SlotRequest{
			TherapistID:      b.TherapistID,
			Start:            newStart,
			Duration:         b.Duration(),
			ExcludeBookingID: b.ID,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateBookingTime(ctx, b.ID, newStart); err != nil {
			return err
		}
		out, err = tx.GetBooking(ctx, b.ID)
		return err
	})
	if err != nil {
		observeConflict("reschedule", err)
		return domain.Booking{}, err
	}
	m.record(ctx, "reschedule", events.TypeRescheduled, out)
	return out, nil
}

// Cancel frees the booking's slot and refunds a paid booking. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	var changed bool
	out, err := m.withBooking(ctx, bookingID, actor, func(ctx context.Context, tx store.TherapistTx, b domain.Booking) error {
		switch b.Status {
		case domain.BookingStatusCancelled:
			return nil
		case domain.BookingStatusCompleted:
			return &store.InvalidStateError{BookingID: b.ID, Status: b.Status, Op: "cancel"}
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, domain.BookingStatusCancelled); err != nil {
			return err
		}
		if b.PaymentStatus == domain.PaymentStatusPaid {
			if err := tx.UpdatePaymentStatus(ctx, b.ID, domain.PaymentStatusRefunded); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	if changed {
		m.record(ctx, "cancel", events.TypeCancelled, out)
	}
	return out, nil
}

// MarkCompleted is a therapist action after the session took place.
func (m *Manager) MarkCompleted(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	out, err := m.withBooking(ctx, bookingID, actor, func(ctx context.Context, tx store.TherapistTx, b domain.Booking) error {
		if !actor.Is(domain.RoleTherapist, b.TherapistID) {
			return store.ErrForbidden
		}
		if b.Status != domain.BookingStatusConfirmed {
			return &store.InvalidStateError{BookingID: b.ID, Status: b.Status, Op: "complete"}
		}
		if m.engine.Now().Before(b.End()) {
			return &store.InvalidStateError{BookingID: b.ID, Status: b.Status, Op: "complete", Reason: "session has not ended"}
		}
		return tx.UpdateBookingStatus(ctx, b.ID, domain.BookingStatusCompleted)
	})
	if err != nil {
		return domain.Booking{}, err
	}
	m.record(ctx, "complete", events.TypeCompleted, out)
	return out, nil
}

// Confirm settles a booking created with deferred payment.
func (m *Manager) Confirm(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	out, err := m.withBooking(ctx, bookingID, actor, func(ctx context.Context, tx store.TherapistTx, b domain.Booking) error {
		if b.Status != domain.BookingStatusPending {
			return &store.InvalidStateError{BookingID: b.ID, Status: b.Status, Op: "confirm"}
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, domain.BookingStatusConfirmed); err != nil {
			return err
		}
		return tx.UpdatePaymentStatus(ctx, b.ID, domain.PaymentStatusPaid)
	})
	if err != nil {
		return domain.Booking{}, err
	}
	m.record(ctx, "confirm", events.TypeConfirmed, out)
	return out, nil
}

func (m *Manager) Get(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if bookingID == uuid.Nil {
		return domain.Booking{}, validationError("booking_id is required")
	}
	b, err := m.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !actor.CanAccessBooking(b) {
		return domain.Booking{}, store.ErrForbidden
	}
	return b, nil
}

func (m *Manager) ListForTherapist(ctx context.Context, therapistID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error) {
	if therapistID == "" {
		return nil, validationError("therapist_id is required")
	}
	start, end, err := listWindow(windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if !actor.Is(domain.RoleTherapist, therapistID) {
		return nil, store.ErrForbidden
	}
	return m.repo.GetBookings(ctx, therapistID, start, end)
}

func (m *Manager) ListForClient(ctx context.Context, clientID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error) {
	if clientID == "" {
		return nil, validationError("client_id is required")
	}
	start, end, err := listWindow(windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if !actor.Is(domain.RoleClient, clientID) {
		return nil, store.ErrForbidden
	}
	return m.repo.ListClientBookings(ctx, clientID, start, end)
}

func listWindow(windowStart, windowEnd time.Time) (time.Time, time.Time, error) {
	start := windowStart.UTC()
	end := windowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return time.Time{}, time.Time{}, validationError("window_end must be after window_start")
	}
	if end.Sub(start) > maxListWindow {
		return time.Time{}, time.Time{}, validationError("window too long")
	}
	return start, end, nil
}

// withBooking locks the booking's therapist, re-reads the booking, checks the actor and runs fn.
// It returns the booking as stored after fn.
func (m *Manager) withBooking(ctx context.Context, bookingID uuid.UUID, actor domain.Actor, fn func(ctx context.Context, tx store.TherapistTx, b domain.Booking) error) (domain.Booking, error) {
	if bookingID == uuid.Nil {
		return domain.Booking{}, validationError("booking_id is required")
	}
	current, err := m.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}

	var out domain.Booking
	err = m.repo.InTherapistTransaction(ctx, current.TherapistID, func(ctx context.Context, tx store.TherapistTx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !actor.CanAccessBooking(b) {
			return store.ErrForbidden
		}
		if err := fn(ctx, tx, b); err != nil {
			return err
		}
		out, err = tx.GetBooking(ctx, bookingID)
		return err
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return out, nil
}

func (m *Manager) record(ctx context.Context, op string, t events.Type, b domain.Booking) {
	metrics.IncBookingMutation(op)
	if err := m.publisher.Publish(ctx, events.ForBooking(t, b)); err != nil {
		metrics.IncEventPublishFailure()
		m.log.WarnContext(ctx, "publish booking event failed",
			slog.String("event", string(t)),
			slog.String("booking_id", b.ID.String()),
			slog.String("err", err.Error()),
		)
	}
}

func observeConflict(op string, err error) {
	var cErr *store.ConflictError
	if errors.As(err, &cErr) {
		metrics.IncBookingConflict(op, string(cErr.Reason))
	}
}
