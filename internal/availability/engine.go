package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/metrics"
	"therapia/backend/internal/store"
)

const MaxHorizonDays = 180

// DefaultHours applies to any weekday the therapist has no rule for.
type DefaultHours struct {
	Start        domain.TimeOfDay
	End          domain.TimeOfDay
	BreakStart   *domain.TimeOfDay
	BreakMinutes int
}

type Config struct {
	SlotLength   time.Duration
	Default      DefaultHours
	Location     *time.Location
	ReadAttempts int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	breakStart := domain.NewTimeOfDay(13, 0)
	return Config{
		SlotLength: DefaultSlotLength,
		Default: DefaultHours{
			Start:        domain.NewTimeOfDay(10, 0),
			End:          domain.NewTimeOfDay(19, 0),
			BreakStart:   &breakStart,
			BreakMinutes: 60,
		},
		Location:     time.UTC,
		ReadAttempts: 3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

type Engine struct {
	reader store.ScheduleReader
	cfg    Config
	now    func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, which decides which slots are already in the past.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(reader store.ScheduleReader, cfg Config, opts ...Option) *Engine {
	if cfg.SlotLength <= 0 {
		cfg.SlotLength = DefaultSlotLength
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReadAttempts < 1 {
		cfg.ReadAttempts = 1
	}
	e := &Engine{reader: reader, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) SlotLength() time.Duration {
	return e.cfg.SlotLength
}

// SlotsForDate returns every tick of the therapist's working window on date, flagged available or not.
func (e *Engine) SlotsForDate(ctx context.Context, therapistID string, date domain.Date) ([]domain.TimeSlot, error) {
	if therapistID == "" {
		return nil, domain.NewValidationError("therapist_id is required")
	}
	if date.IsZero() {
		return nil, domain.NewValidationError("date is required")
	}

	rules, err := retryRead(ctx, e.cfg, func(ctx context.Context) ([]domain.WeeklyAvailabilityRule, error) {
		return e.reader.GetWeeklyAvailability(ctx, therapistID)
	})
	if err != nil {
		return nil, err
	}
	loc, err := e.therapistLocation(rules)
	if err != nil {
		return nil, err
	}

	busy, bookings, err := e.readWindow(ctx, therapistID, date.Start(loc), date.End(loc))
	if err != nil {
		return nil, err
	}

	return GenerateSlots(DayInput{
		Date:       date,
		Rule:       e.ruleFor(therapistID, rules, date.Weekday()),
		Location:   loc,
		SlotLength: e.cfg.SlotLength,
		Busy:       busy,
		Bookings:   bookings,
		Now:        e.now(),
	}), nil
}

// DatesWithAvailability returns the dates among the next horizonDays, starting today in the
// therapist's time zone, that have at least one available slot.
func (e *Engine) DatesWithAvailability(ctx context.Context, therapistID string, horizonDays int) ([]domain.Date, error) {
	if therapistID == "" {
		return nil, domain.NewValidationError("therapist_id is required")
	}
	if horizonDays < 1 || horizonDays > MaxHorizonDays {
		return nil, domain.NewValidationError(fmt.Sprintf("horizon_days must be between 1 and %d", MaxHorizonDays))
	}

	rules, err := retryRead(ctx, e.cfg, func(ctx context.Context) ([]domain.WeeklyAvailabilityRule, error) {
		return e.reader.GetWeeklyAvailability(ctx, therapistID)
	})
	if err != nil {
		return nil, err
	}
	loc, err := e.therapistLocation(rules)
	if err != nil {
		return nil, err
	}

	now := e.now()
	today := domain.DateOf(now.In(loc))
	days := domain.DateRange(today, horizonDays)

	busy, bookings, err := e.readWindow(ctx, therapistID, today.Start(loc), days[len(days)-1].End(loc))
	if err != nil {
		return nil, err
	}

	out := make([]domain.Date, 0, len(days))
	for _, d := range days {
		slots := GenerateSlots(DayInput{
			Date:       d,
			Rule:       e.ruleFor(therapistID, rules, d.Weekday()),
			Location:   loc,
			SlotLength: e.cfg.SlotLength,
			Busy:       busy,
			Bookings:   bookings,
			Now:        now,
		})
		if HasAvailable(slots) {
			out = append(out, d)
		}
	}
	return out, nil
}

// SlotRequest describes a session someone wants to place.
type SlotRequest struct {
	TherapistID      string
	Start            time.Time
	Duration         time.Duration
	ExcludeBookingID uuid.UUID
}

// CheckSlot is the write-time gate. It reads through r (normally a locked TherapistTx) and
// returns a *store.ConflictError when the session cannot be placed. Reads are not retried
// here because a failed statement aborts the surrounding transaction.
func (e *Engine) CheckSlot(ctx context.Context, r store.ScheduleReader, req SlotRequest) error {
	if req.Duration <= 0 {
		return domain.NewValidationError("duration must be positive")
	}

	conflict := func(reason store.ConflictReason, bookingID uuid.UUID) error {
		return &store.ConflictError{
			TherapistID: req.TherapistID,
			SlotTime:    req.Start,
			Reason:      reason,
			BookingID:   bookingID,
		}
	}

	now := e.now()
	if req.Start.Before(now) {
		return conflict(store.ConflictInPast, uuid.Nil)
	}

	rules, err := r.GetWeeklyAvailability(ctx, req.TherapistID)
	if err != nil {
		return err
	}
	loc, err := e.therapistLocation(rules)
	if err != nil {
		return err
	}

	start := req.Start.In(loc)
	end := start.Add(req.Duration)
	date := domain.DateOf(start)

	windowEnd := date.End(loc)
	if end.After(windowEnd) {
		windowEnd = end
	}
	busy, err := r.GetBusyIntervals(ctx, req.TherapistID, date.Start(loc), windowEnd)
	if err != nil {
		return err
	}
	bookings, err := r.GetBookings(ctx, req.TherapistID, date.Start(loc), windowEnd)
	if err != nil {
		return err
	}

	slots := GenerateSlots(DayInput{
		Date:             date,
		Rule:             e.ruleFor(req.TherapistID, rules, date.Weekday()),
		Location:         loc,
		SlotLength:       e.cfg.SlotLength,
		Busy:             busy,
		Bookings:         bookings,
		Now:              now,
		ExcludeBookingID: req.ExcludeBookingID,
	})
	if !coversWorkingTicks(slots, start, end) {
		return conflict(store.ConflictOutsideHours, uuid.Nil)
	}

	if firstBusy(busy, start, end) != nil {
		return conflict(store.ConflictBusy, uuid.Nil)
	}
	if b := overlappingBooking(bookings, start, end, req.ExcludeBookingID); b != nil {
		return conflict(store.ConflictBooked, b.ID)
	}
	return nil
}

// Location returns the therapist's time zone as configured in their rules.
func (e *Engine) Location(ctx context.Context, r store.ScheduleReader, therapistID string) (*time.Location, error) {
	rules, err := r.GetWeeklyAvailability(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return e.therapistLocation(rules)
}

// coversWorkingTicks reports whether [start, end) begins on a tick and is tiled by consecutive ticks.
func coversWorkingTicks(slots []domain.TimeSlot, start, end time.Time) bool {
	idx := -1
	for i, s := range slots {
		if s.Start.Equal(start) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	cursor := start
	for i := idx; cursor.Before(end); i++ {
		if i >= len(slots) || !slots[i].Start.Equal(cursor) {
			return false
		}
		cursor = slots[i].End
	}
	return true
}

func (e *Engine) ruleFor(therapistID string, rules []domain.WeeklyAvailabilityRule, wd time.Weekday) domain.WeeklyAvailabilityRule {
	for _, r := range rules {
		if r.Weekday() == wd {
			return r
		}
	}
	def := e.cfg.Default
	return domain.WeeklyAvailabilityRule{
		TherapistID:  therapistID,
		DayOfWeek:    int16(wd),
		StartTime:    def.Start,
		EndTime:      def.End,
		BreakStart:   def.BreakStart,
		BreakMinutes: def.BreakMinutes,
	}
}

func (e *Engine) therapistLocation(rules []domain.WeeklyAvailabilityRule) (*time.Location, error) {
	for _, r := range rules {
		if r.Timezone != "" {
			return r.Location(e.cfg.Location)
		}
	}
	return e.cfg.Location, nil
}

func (e *Engine) readWindow(ctx context.Context, therapistID string, from, to time.Time) ([]domain.BusyInterval, []domain.Booking, error) {
	busy, err := retryRead(ctx, e.cfg, func(ctx context.Context) ([]domain.BusyInterval, error) {
		return e.reader.GetBusyIntervals(ctx, therapistID, from, to)
	})
	if err != nil {
		return nil, nil, err
	}
	bookings, err := retryRead(ctx, e.cfg, func(ctx context.Context) ([]domain.Booking, error) {
		return e.reader.GetBookings(ctx, therapistID, from, to)
	})
	if err != nil {
		return nil, nil, err
	}
	return busy, bookings, nil
}

// retryRead retries transient store failures with linear backoff. Domain errors and
// cancellation are returned immediately.
func retryRead[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.ReadAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if store.IsDomainError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		metrics.IncStoreReadRetry()
		timer := time.NewTimer(cfg.RetryBackoff * time.Duration(i+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("store read failed after %d attempts: %w", attempts, lastErr)
}
