// Package memory is an in-process implementation of the store interfaces,
// used by tests and by the server when no database URL is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	locks    map[string]*sync.Mutex
	rules    map[string][]domain.WeeklyAvailabilityRule
	busy     map[uuid.UUID]domain.BusyInterval
	bookings map[uuid.UUID]domain.Booking
	feedback map[uuid.UUID]domain.Feedback
}

func New() *Store {
	return &Store{
		locks:    make(map[string]*sync.Mutex),
		rules:    make(map[string][]domain.WeeklyAvailabilityRule),
		busy:     make(map[uuid.UUID]domain.BusyInterval),
		bookings: make(map[uuid.UUID]domain.Booking),
		feedback: make(map[uuid.UUID]domain.Feedback),
	}
}

var (
	_ store.BookingRepository  = (*Store)(nil)
	_ store.FeedbackRepository = (*Store)(nil)
)

func (s *Store) therapistLock(therapistID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[therapistID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[therapistID] = l
	}
	return l
}

// InTherapistTransaction serializes fn against other writers for the same therapist.
// Writes land immediately and are undone in reverse order when fn fails or panics.
// Readers outside the transaction may observe them before fn returns.
func (s *Store) InTherapistTransaction(ctx context.Context, therapistID string, fn func(ctx context.Context, tx store.TherapistTx) error) error {
	l := s.therapistLock(therapistID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &therapistTx{s: s, therapistID: therapistID}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := s.rules[therapistID]
	out := make([]domain.WeeklyAvailabilityRule, len(rules))
	copy(out, rules)
	return out, nil
}

func (s *Store) GetBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BusyInterval
	for _, b := range s.busy {
		if b.TherapistID == therapistID && b.Overlaps(windowStart, windowEnd) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) GetBookings(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return s.listBookings(func(b domain.Booking) bool {
		return b.TherapistID == therapistID && domain.Overlaps(b.SessionTime, b.End(), windowStart, windowEnd)
	}), nil
}

func (s *Store) ListClientBookings(ctx context.Context, clientID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return s.listBookings(func(b domain.Booking) bool {
		return b.ClientID == clientID && domain.Overlaps(b.SessionTime, b.End(), windowStart, windowEnd)
	}), nil
}

func (s *Store) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) listBookings(match func(domain.Booking) bool) []domain.Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Booking
	for _, b := range s.bookings {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionTime.Before(out[j].SessionTime) })
	return out
}

func (s *Store) GetFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feedback[feedbackID]
	if !ok {
		return domain.Feedback{}, store.ErrNotFound
	}
	return f, nil
}

func (s *Store) ListFeedback(ctx context.Context, therapistID string, includeHidden bool) ([]domain.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Feedback
	for _, f := range s.feedback {
		if f.TherapistID != therapistID {
			continue
		}
		if !f.Visible && !includeHidden {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetFeedbackVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feedback[feedbackID]
	if !ok {
		return store.ErrNotFound
	}
	f.Visible = visible
	s.feedback[feedbackID] = f
	return nil
}

type therapistTx struct {
	s           *Store
	therapistID string
	// undo restores the state before each write. Entries run with s.mu held.
	undo []func()
}

func (t *therapistTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *therapistTx) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	return t.s.GetWeeklyAvailability(ctx, therapistID)
}

func (t *therapistTx) GetBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	return t.s.GetBusyIntervals(ctx, therapistID, windowStart, windowEnd)
}

func (t *therapistTx) GetBookings(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return t.s.GetBookings(ctx, therapistID, windowStart, windowEnd)
}

func (t *therapistTx) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return t.s.GetBooking(ctx, bookingID)
}

func (t *therapistTx) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Booking{}, err
		}
		b.ID = id
	} else if existing, ok := t.s.bookings[b.ID]; ok {
		if !existing.SameRequest(b) {
			return domain.Booking{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}

	for _, other := range t.s.bookings {
		if other.TherapistID == b.TherapistID && other.OverlapsWindow(b.SessionTime, b.End()) {
			return domain.Booking{}, &store.ConflictError{
				TherapistID: b.TherapistID,
				SlotTime:    b.SessionTime,
				Reason:      store.ConflictBooked,
				BookingID:   other.ID,
			}
		}
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.SessionEnd = b.End()
	t.s.bookings[b.ID] = b
	id := b.ID
	t.undo = append(t.undo, func() { delete(t.s.bookings, id) })
	return b, nil
}

func (t *therapistTx) updateBooking(bookingID uuid.UUID, fn func(b *domain.Booking)) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	b, ok := t.s.bookings[bookingID]
	if !ok || b.TherapistID != t.therapistID {
		return store.ErrNotFound
	}
	prev := b
	fn(&b)
	b.UpdatedAt = time.Now().UTC()
	b.SessionEnd = b.End()
	t.s.bookings[bookingID] = b
	t.undo = append(t.undo, func() { t.s.bookings[bookingID] = prev })
	return nil
}

func (t *therapistTx) UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.BookingStatus) error {
	return t.updateBooking(bookingID, func(b *domain.Booking) { b.Status = status })
}

func (t *therapistTx) UpdatePaymentStatus(ctx context.Context, bookingID uuid.UUID, status domain.PaymentStatus) error {
	return t.updateBooking(bookingID, func(b *domain.Booking) { b.PaymentStatus = status })
}

func (t *therapistTx) UpdateBookingTime(ctx context.Context, bookingID uuid.UUID, sessionTime time.Time) error {
	return t.updateBooking(bookingID, func(b *domain.Booking) { b.SessionTime = sessionTime })
}

func (t *therapistTx) SetRatingSubmitted(ctx context.Context, bookingID uuid.UUID, submitted bool) error {
	return t.updateBooking(bookingID, func(b *domain.Booking) { b.RatingSubmitted = submitted })
}

func (t *therapistTx) PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule) error {
	out := make([]domain.WeeklyAvailabilityRule, len(rules))
	now := time.Now().UTC()
	for i, r := range rules {
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}
	domain.SortRules(out)

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, had := t.s.rules[therapistID]
	t.undo = append(t.undo, func() {
		if had {
			t.s.rules[therapistID] = prev
		} else {
			delete(t.s.rules, therapistID)
		}
	})
	if len(out) == 0 {
		delete(t.s.rules, therapistID)
		return nil
	}
	t.s.rules[therapistID] = out
	return nil
}

func (t *therapistTx) AddBusyInterval(ctx context.Context, interval domain.BusyInterval) (domain.BusyInterval, error) {
	if interval.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.BusyInterval{}, err
		}
		interval.ID = id
	}
	if interval.CreatedAt.IsZero() {
		interval.CreatedAt = time.Now().UTC()
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.busy[interval.ID] = interval
	id := interval.ID
	t.undo = append(t.undo, func() { delete(t.s.busy, id) })
	return interval, nil
}

func (t *therapistTx) RemoveBusyInterval(ctx context.Context, therapistID string, intervalID uuid.UUID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	b, ok := t.s.busy[intervalID]
	if !ok || b.TherapistID != therapistID {
		return store.ErrNotFound
	}
	delete(t.s.busy, intervalID)
	t.undo = append(t.undo, func() { t.s.busy[intervalID] = b })
	return nil
}

func (t *therapistTx) InsertFeedback(ctx context.Context, f domain.Feedback) (domain.Feedback, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, existing := range t.s.feedback {
		if existing.BookingID == f.BookingID {
			return domain.Feedback{}, &store.ConflictError{TherapistID: f.TherapistID, Reason: store.ConflictDuplicate}
		}
	}
	if f.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Feedback{}, err
		}
		f.ID = id
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	t.s.feedback[f.ID] = f
	id := f.ID
	t.undo = append(t.undo, func() { delete(t.s.feedback, id) })
	return f, nil
}

func (t *therapistTx) DeleteFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	f, ok := t.s.feedback[feedbackID]
	if !ok || f.TherapistID != t.therapistID {
		return domain.Feedback{}, store.ErrNotFound
	}
	delete(t.s.feedback, feedbackID)
	t.undo = append(t.undo, func() { t.s.feedback[feedbackID] = f })
	return f, nil
}
