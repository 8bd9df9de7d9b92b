package feedback

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/metrics"
	"therapia/backend/internal/store"
)

const maxCommentLength = 2000

func validationError(msg string) error {
	return domain.NewValidationError(msg)
}

type Service struct {
	bookings store.BookingRepository
	feedback store.FeedbackRepository
}

func NewService(bookings store.BookingRepository, feedback store.FeedbackRepository) *Service {
	return &Service{bookings: bookings, feedback: feedback}
}

type SubmitInput struct {
	Actor     domain.Actor
	BookingID uuid.UUID
	Rating    int
	Comment   string
}

// Submit records the client's rating of a completed session. Each booking takes one submission.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.Feedback, error) {
	if in.BookingID == uuid.Nil {
		return domain.Feedback{}, validationError("booking_id is required")
	}
	if in.Rating < 1 || in.Rating > 5 {
		return domain.Feedback{}, validationError("rating must be between 1 and 5")
	}
	comment := strings.TrimSpace(in.Comment)
	if len(comment) > maxCommentLength {
		return domain.Feedback{}, validationError("comment too long")
	}

	current, err := s.bookings.GetBooking(ctx, in.BookingID)
	if err != nil {
		return domain.Feedback{}, err
	}

	var out domain.Feedback
	err = s.bookings.InTherapistTransaction(ctx, current.TherapistID, func(ctx context.Context, tx store.TherapistTx) error {
		b, err := tx.GetBooking(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if in.Actor.ID == "" || in.Actor.Role != domain.RoleClient || in.Actor.ID != b.ClientID {
			return store.ErrForbidden
		}
		if b.Status != domain.BookingStatusCompleted {
			return &store.InvalidStateError{BookingID: b.ID, Status: b.Status, Op: "rate"}
		}
		if b.RatingSubmitted {
			return &store.ConflictError{TherapistID: b.TherapistID, SlotTime: b.SessionTime, Reason: store.ConflictDuplicate, BookingID: b.ID}
		}

		out, err = tx.InsertFeedback(ctx, domain.Feedback{
			BookingID:   b.ID,
			ClientID:    b.ClientID,
			ClientName:  b.ClientName,
			TherapistID: b.TherapistID,
			Rating:      in.Rating,
			Comment:     comment,
			Visible:     true,
		})
		if err != nil {
			return err
		}
		return tx.SetRatingSubmitted(ctx, b.ID, true)
	})
	if err != nil {
		return domain.Feedback{}, err
	}
	metrics.IncFeedbackSubmitted(strconv.Itoa(out.Rating))
	return out, nil
}

// ListForTherapist returns newest first. Hidden entries are only returned to admins.
func (s *Service) ListForTherapist(ctx context.Context, therapistID string, includeHidden bool, actor domain.Actor) ([]domain.Feedback, error) {
	if therapistID == "" {
		return nil, validationError("therapist_id is required")
	}
	if includeHidden && !actor.IsAdmin() {
		return nil, store.ErrForbidden
	}
	return s.feedback.ListFeedback(ctx, therapistID, includeHidden)
}

func (s *Service) SetVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool, actor domain.Actor) (domain.Feedback, error) {
	if feedbackID == uuid.Nil {
		return domain.Feedback{}, validationError("feedback_id is required")
	}
	if !actor.IsAdmin() {
		return domain.Feedback{}, store.ErrForbidden
	}
	if err := s.feedback.SetFeedbackVisibility(ctx, feedbackID, visible); err != nil {
		return domain.Feedback{}, err
	}
	return s.feedback.GetFeedback(ctx, feedbackID)
}

// Delete removes the feedback and reopens the booking for a new rating.
func (s *Service) Delete(ctx context.Context, feedbackID uuid.UUID, actor domain.Actor) error {
	if feedbackID == uuid.Nil {
		return validationError("feedback_id is required")
	}
	if !actor.IsAdmin() {
		return store.ErrForbidden
	}
	current, err := s.feedback.GetFeedback(ctx, feedbackID)
	if err != nil {
		return err
	}
	return s.bookings.InTherapistTransaction(ctx, current.TherapistID, func(ctx context.Context, tx store.TherapistTx) error {
		deleted, err := tx.DeleteFeedback(ctx, feedbackID)
		if err != nil {
			return err
		}
		return tx.SetRatingSubmitted(ctx, deleted.BookingID, false)
	})
}

// Summary averages the visible ratings, rounded to two decimals.
func (s *Service) Summary(ctx context.Context, therapistID string) (domain.RatingSummary, error) {
	if therapistID == "" {
		return domain.RatingSummary{}, validationError("therapist_id is required")
	}
	rows, err := s.feedback.ListFeedback(ctx, therapistID, false)
	if err != nil {
		return domain.RatingSummary{}, err
	}
	return Summarize(therapistID, rows), nil
}

func Summarize(therapistID string, rows []domain.Feedback) domain.RatingSummary {
	out := domain.RatingSummary{TherapistID: therapistID}
	total := 0
	for _, f := range rows {
		if !f.Visible {
			continue
		}
		out.Count++
		total += f.Rating
	}
	if out.Count > 0 {
		out.Average = math.Round(float64(total)/float64(out.Count)*100) / 100
	}
	return out
}
