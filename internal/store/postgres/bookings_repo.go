package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/store"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"

	bookingsOverlapConstraint = "bookings_no_overlap"
	feedbackBookingConstraint = "feedback_booking_key"
)

type Repo struct {
	db *bun.DB
}

func NewRepo(db *bun.DB) *Repo {
	return &Repo{db: db}
}

var (
	_ store.BookingRepository  = (*Repo)(nil)
	_ store.FeedbackRepository = (*Repo)(nil)
)

// Ping is used by the readiness probe.
func (r *Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type therapistTx struct {
	tx bun.Tx
}

func (r *Repo) InTherapistTransaction(ctx context.Context, therapistID string, fn func(ctx context.Context, tx store.TherapistTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockTherapistSchedule(ctx, tx, therapistID); err != nil {
			return err
		}
		return fn(ctx, therapistTx{tx: tx})
	})
}

func lockTherapistSchedule(ctx context.Context, tx bun.Tx, therapistID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", therapistID).Exec(ctx)
	return err
}

func (r *Repo) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	return selectWeeklyAvailability(ctx, r.db, therapistID)
}

func (r *Repo) GetBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	return selectBusyIntervals(ctx, r.db, therapistID, windowStart, windowEnd)
}

func (r *Repo) GetBookings(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return selectBookings(ctx, r.db, "therapist_id", therapistID, windowStart, windowEnd)
}

func (r *Repo) ListClientBookings(ctx context.Context, clientID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return selectBookings(ctx, r.db, "client_id", clientID, windowStart, windowEnd)
}

func (r *Repo) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return selectBooking(ctx, r.db, bookingID)
}

func (r *Repo) GetFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error) {
	return selectFeedback(ctx, r.db, feedbackID)
}

func (r *Repo) ListFeedback(ctx context.Context, therapistID string, includeHidden bool) ([]domain.Feedback, error) {
	var rows []domain.Feedback
	q := r.db.NewSelect().
		Model(&rows).
		Where("therapist_id = ?", therapistID)
	if !includeHidden {
		q = q.Where("visible = TRUE")
	}
	if err := q.OrderExpr("created_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) SetFeedbackVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool) error {
	res, err := r.db.NewUpdate().
		Model((*domain.Feedback)(nil)).
		Set("visible = ?", visible).
		Where("id = ?", feedbackID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r therapistTx) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	return selectWeeklyAvailability(ctx, r.tx, therapistID)
}

func (r therapistTx) GetBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	return selectBusyIntervals(ctx, r.tx, therapistID, windowStart, windowEnd)
}

func (r therapistTx) GetBookings(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	return selectBookings(ctx, r.tx, "therapist_id", therapistID, windowStart, windowEnd)
}

func (r therapistTx) GetBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error) {
	return selectBooking(ctx, r.tx, bookingID)
}

// InsertBooking stores b. A replay with an existing id returns the stored row when it
// describes the same session and ErrIdempotencyConflict otherwise. ON CONFLICT keeps the
// transaction usable for that lookup.
func (r therapistTx) InsertBooking(ctx context.Context, b domain.Booking) (domain.Booking, error) {
	m := b
	res, err := r.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if isConstraintViolation(err, pgExclusionViolation, bookingsOverlapConstraint) {
			return domain.Booking{}, &store.ConflictError{
				TherapistID: b.TherapistID,
				SlotTime:    b.SessionTime,
				Reason:      store.ConflictBooked,
			}
		}
		return domain.Booking{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, err
	}
	if affected == 0 {
		existing, err := selectBooking(ctx, r.tx, m.ID)
		if err != nil {
			return domain.Booking{}, err
		}
		if !existing.SameRequest(b) {
			return domain.Booking{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}
	return m, nil
}

func (r therapistTx) UpdateBookingStatus(ctx context.Context, bookingID uuid.UUID, status domain.BookingStatus) error {
	return r.updateBooking(ctx, bookingID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", status)
	})
}

func (r therapistTx) UpdatePaymentStatus(ctx context.Context, bookingID uuid.UUID, status domain.PaymentStatus) error {
	return r.updateBooking(ctx, bookingID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("payment_status = ?", status)
	})
}

func (r therapistTx) UpdateBookingTime(ctx context.Context, bookingID uuid.UUID, sessionTime time.Time) error {
	err := r.updateBooking(ctx, bookingID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("session_time = ?", sessionTime).
			Set("session_end = ?::timestamptz + make_interval(mins => duration_minutes)", sessionTime)
	})
	if isConstraintViolation(err, pgExclusionViolation, bookingsOverlapConstraint) {
		return &store.ConflictError{SlotTime: sessionTime, Reason: store.ConflictBooked}
	}
	return err
}

func (r therapistTx) SetRatingSubmitted(ctx context.Context, bookingID uuid.UUID, submitted bool) error {
	return r.updateBooking(ctx, bookingID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("rating_submitted = ?", submitted)
	})
}

func (r therapistTx) updateBooking(ctx context.Context, bookingID uuid.UUID, set func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	q := r.tx.NewUpdate().
		Model((*domain.Booking)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", bookingID)
	res, err := set(q).Exec(ctx)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// PutWeeklyAvailability replaces the therapist's whole template.
func (r therapistTx) PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule) error {
	_, err := r.tx.NewDelete().
		Model((*domain.WeeklyAvailabilityRule)(nil)).
		Where("therapist_id = ?", therapistID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	rows := make([]domain.WeeklyAvailabilityRule, len(rules))
	copy(rows, rules)
	_, err = r.tx.NewInsert().Model(&rows).Exec(ctx)
	return err
}

func (r therapistTx) AddBusyInterval(ctx context.Context, interval domain.BusyInterval) (domain.BusyInterval, error) {
	m := interval
	if _, err := r.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.BusyInterval{}, err
	}
	return m, nil
}

func (r therapistTx) RemoveBusyInterval(ctx context.Context, therapistID string, intervalID uuid.UUID) error {
	res, err := r.tx.NewDelete().
		Model((*domain.BusyInterval)(nil)).
		Where("therapist_id = ?", therapistID).
		Where("id = ?", intervalID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r therapistTx) InsertFeedback(ctx context.Context, f domain.Feedback) (domain.Feedback, error) {
	m := f
	_, err := r.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		if isConstraintViolation(err, pgUniqueViolation, feedbackBookingConstraint) {
			return domain.Feedback{}, &store.ConflictError{TherapistID: f.TherapistID, Reason: store.ConflictDuplicate}
		}
		return domain.Feedback{}, err
	}
	return m, nil
}

func (r therapistTx) DeleteFeedback(ctx context.Context, feedbackID uuid.UUID) (domain.Feedback, error) {
	f, err := selectFeedback(ctx, r.tx, feedbackID)
	if err != nil {
		return domain.Feedback{}, err
	}
	res, err := r.tx.NewDelete().
		Model((*domain.Feedback)(nil)).
		Where("id = ?", feedbackID).
		Exec(ctx)
	if err != nil {
		return domain.Feedback{}, err
	}
	if err := expectAffected(res); err != nil {
		return domain.Feedback{}, err
	}
	return f, nil
}

func selectWeeklyAvailability(ctx context.Context, db bun.IDB, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	var rows []domain.WeeklyAvailabilityRule
	err := db.NewSelect().
		Model(&rows).
		Where("therapist_id = ?", therapistID).
		OrderExpr("day_of_week ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func selectBusyIntervals(ctx context.Context, db bun.IDB, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	var rows []domain.BusyInterval
	err := db.NewSelect().
		Model(&rows).
		Where("therapist_id = ?", therapistID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func selectBookings(ctx context.Context, db bun.IDB, ownerColumn, ownerID string, windowStart, windowEnd time.Time) ([]domain.Booking, error) {
	var rows []domain.Booking
	err := db.NewSelect().
		Model(&rows).
		Where("? = ?", bun.Ident(ownerColumn), ownerID).
		Where("session_time < ?", windowEnd).
		Where("session_end > ?", windowStart).
		OrderExpr("session_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func selectBooking(ctx context.Context, db bun.IDB, bookingID uuid.UUID) (domain.Booking, error) {
	var b domain.Booking
	err := db.NewSelect().
		Model(&b).
		Where("id = ?", bookingID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Booking{}, store.ErrNotFound
		}
		return domain.Booking{}, err
	}
	return b, nil
}

func isConstraintViolation(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code && pgErr.ConstraintName == constraint
}

func selectFeedback(ctx context.Context, db bun.IDB, feedbackID uuid.UUID) (domain.Feedback, error) {
	var f domain.Feedback
	err := db.NewSelect().
		Model(&f).
		Where("id = ?", feedbackID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Feedback{}, store.ErrNotFound
		}
		return domain.Feedback{}, err
	}
	return f, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
