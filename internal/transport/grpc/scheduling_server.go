package grpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/presence"
	"therapia/backend/internal/report"
	"therapia/backend/internal/service/bookings"
	"therapia/backend/internal/service/feedback"
	"therapia/backend/internal/store"
)

type availabilityService interface {
	SlotsForDate(ctx context.Context, therapistID string, date domain.Date) ([]domain.TimeSlot, error)
	DatesWithAvailability(ctx context.Context, therapistID string, horizonDays int) ([]domain.Date, error)
}

type bookingService interface {
	Create(ctx context.Context, in bookings.CreateInput) (domain.Booking, error)
	Reschedule(ctx context.Context, in bookings.RescheduleInput) (domain.Booking, error)
	Cancel(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error)
	MarkCompleted(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error)
	Confirm(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error)
	Get(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error)
	ListForTherapist(ctx context.Context, therapistID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error)
	ListForClient(ctx context.Context, clientID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error)
}

type scheduleService interface {
	PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule, actor domain.Actor) ([]domain.WeeklyAvailabilityRule, error)
	GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error)
	BlockSlot(ctx context.Context, therapistID string, start time.Time, minutes int, actor domain.Actor) (domain.BusyInterval, error)
	BlockDay(ctx context.Context, therapistID string, date domain.Date, actor domain.Actor) (domain.BusyInterval, error)
	Unblock(ctx context.Context, therapistID string, intervalID uuid.UUID, actor domain.Actor) error
	ListBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error)
}

type feedbackService interface {
	Submit(ctx context.Context, in feedback.SubmitInput) (domain.Feedback, error)
	ListForTherapist(ctx context.Context, therapistID string, includeHidden bool, actor domain.Actor) ([]domain.Feedback, error)
	SetVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool, actor domain.Actor) (domain.Feedback, error)
	Delete(ctx context.Context, feedbackID uuid.UUID, actor domain.Actor) error
	Summary(ctx context.Context, therapistID string) (domain.RatingSummary, error)
}

type presenceService interface {
	Heartbeat(ctx context.Context, userID string) error
	Online(ctx context.Context, userIDs ...string) ([]presence.Status, error)
}

type eventSubscriber interface {
	Subscribe(ctx context.Context, therapistID string) (<-chan events.BookingEvent, error)
}

// Services groups the backends of the Scheduling API. Presence and Events are optional.
type Services struct {
	Availability availabilityService
	Bookings     bookingService
	Schedule     scheduleService
	Feedback     feedbackService
	Presence     presenceService
	Events       eventSubscriber
}

type SchedulingServer struct {
	svc Services
	log *slog.Logger
}

var _ SchedulingService = (*SchedulingServer)(nil)

const maxPresenceIDs = 200

func NewSchedulingServer(svc Services, log *slog.Logger) *SchedulingServer {
	if log == nil {
		log = slog.Default()
	}
	return &SchedulingServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.scheduling")),
	}
}

func actorFromContext(ctx context.Context) (domain.Actor, error) {
	id := firstMetadata(ctx, "x-user-id")
	if id == "" {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "x-user-id is required")
	}
	role := domain.Role(strings.ToLower(firstMetadata(ctx, "x-user-role")))
	if !role.Valid() {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "x-user-role is invalid")
	}
	return domain.Actor{ID: id, Role: role}, nil
}

func idempotencyKey(ctx context.Context) string {
	if v := firstMetadata(ctx, "idempotency-key"); v != "" {
		return v
	}
	return firstMetadata(ctx, "x-idempotency-key")
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, field+" must be a UUID")
	}
	return id, nil
}

// statusError maps service errors to gRPC codes. Unknown errors are logged and hidden behind Internal.
func statusError(log *slog.Logger, op string, err error, attrs ...any) error {
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	var (
		vErr *domain.ValidationError
		cErr *store.ConflictError
		sErr *store.InvalidStateError
	)
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", append(attrs, slog.Any("err", err))...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.As(err, &cErr):
		log.Info(op+" conflict", append(attrs, slog.String("reason", string(cErr.Reason)), slog.Time("slot_time", cErr.SlotTime))...)
		return status.Error(codes.FailedPrecondition, conflictMessage(cErr))
	case errors.Is(err, store.ErrConflict):
		log.Info(op+" conflict", attrs...)
		return status.Error(codes.FailedPrecondition, "That time is no longer available. Pick a different slot.")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info(op+" idempotency conflict", attrs...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different booking. Try again.")
	case errors.As(err, &sErr):
		log.Info(op+" rejected", append(attrs, slog.String("status", string(sErr.Status)))...)
		return status.Error(codes.FailedPrecondition, sErr.Error())
	case errors.Is(err, store.ErrNotFound):
		log.Info(op+" not found", attrs...)
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, store.ErrForbidden):
		log.Warn(op+" forbidden", attrs...)
		return status.Error(codes.PermissionDenied, "not allowed")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	}
	log.Error(op+" failed", append(attrs, slog.Any("err", err))...)
	return status.Error(codes.Internal, "internal error")
}

func conflictMessage(err *store.ConflictError) string {
	at := ""
	if !err.SlotTime.IsZero() {
		at = " at " + err.SlotTime.UTC().Format(time.RFC3339)
	}
	switch err.Reason {
	case store.ConflictBooked:
		return fmt.Sprintf("The slot%s was just booked by someone else. Pick a different time.", at)
	case store.ConflictBusy:
		return fmt.Sprintf("The therapist is unavailable%s. Pick a different time.", at)
	case store.ConflictOutsideHours:
		return fmt.Sprintf("The slot%s is outside the therapist's working hours.", at)
	case store.ConflictInPast:
		return fmt.Sprintf("The slot%s has already started.", at)
	case store.ConflictDuplicate:
		return "Feedback was already submitted for this booking."
	}
	return fmt.Sprintf("The slot%s is not available.", at)
}

func (s *SchedulingServer) GetSlots(ctx context.Context, req *GetSlotsRequest) (*GetSlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "GetSlots"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	slots, err := s.svc.Availability.SlotsForDate(ctx, req.TherapistID, req.Date)
	if err != nil {
		return nil, statusError(log, "slots", err, slog.String("therapist_id", req.TherapistID), slog.String("date", req.Date.String()))
	}
	out := make([]Slot, 0, len(slots))
	for _, sl := range slots {
		if req.OnlyAvailable && !sl.Available {
			continue
		}
		out = append(out, toSlot(sl))
	}

	log.Debug("slots listed", slog.String("therapist_id", req.TherapistID), slog.String("date", req.Date.String()), slog.Int("count", len(out)))
	return &GetSlotsResponse{Slots: out}, nil
}

func (s *SchedulingServer) ListAvailableDates(ctx context.Context, req *ListAvailableDatesRequest) (*ListAvailableDatesResponse, error) {
	log := s.log.With(slog.String("rpc", "ListAvailableDates"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	dates, err := s.svc.Availability.DatesWithAvailability(ctx, req.TherapistID, req.HorizonDays)
	if err != nil {
		return nil, statusError(log, "dates", err, slog.String("therapist_id", req.TherapistID))
	}
	if dates == nil {
		dates = []domain.Date{}
	}
	return &ListAvailableDatesResponse{Dates: dates}, nil
}

func (s *SchedulingServer) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", "CreateBooking"))
	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionTime.IsZero() {
		log.Warn("invalid request", slog.String("reason", "missing_session_time"), slog.String("client_id", req.ClientID))
		return nil, status.Error(codes.InvalidArgument, "session_time is required")
	}

	b, err := s.svc.Bookings.Create(ctx, bookings.CreateInput{
		Actor:           actor,
		ClientID:        req.ClientID,
		ClientName:      req.ClientName,
		ClientEmail:     req.ClientEmail,
		TherapistID:     req.TherapistID,
		TherapistName:   req.TherapistName,
		SessionTime:     req.SessionTime,
		DurationMinutes: req.DurationMinutes,
		AmountCents:     req.AmountCents,
		DeferPayment:    req.DeferPayment,
		IdempotencyKey:  idempotencyKey(ctx),
	})
	if err != nil {
		return nil, statusError(log, "booking create", err,
			slog.String("client_id", req.ClientID),
			slog.String("therapist_id", req.TherapistID),
			slog.Time("session_time", req.SessionTime),
		)
	}

	log.Info(
		"booking created",
		slog.String("booking_id", b.ID.String()),
		slog.String("client_id", b.ClientID),
		slog.String("therapist_id", b.TherapistID),
		slog.Time("session_time", b.SessionTime),
	)
	return &BookingResponse{Booking: toBooking(b)}, nil
}

func (s *SchedulingServer) RescheduleBooking(ctx context.Context, req *RescheduleBookingRequest) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", "RescheduleBooking"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("booking_id", req.BookingID)
	if err != nil {
		return nil, err
	}

	b, err := s.svc.Bookings.Reschedule(ctx, bookings.RescheduleInput{
		Actor:          actor,
		BookingID:      id,
		TherapistID:    req.TherapistID,
		NewSessionTime: req.NewSessionTime,
	})
	if err != nil {
		return nil, statusError(log, "booking reschedule", err,
			slog.String("booking_id", id.String()),
			slog.Time("new_session_time", req.NewSessionTime),
		)
	}

	log.Info("booking rescheduled", slog.String("booking_id", b.ID.String()), slog.Time("session_time", b.SessionTime))
	return &BookingResponse{Booking: toBooking(b)}, nil
}

func (s *SchedulingServer) CancelBooking(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	return s.bookingOp(ctx, "CancelBooking", "booking cancel", req, s.svc.Bookings.Cancel)
}

func (s *SchedulingServer) CompleteBooking(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	return s.bookingOp(ctx, "CompleteBooking", "booking complete", req, s.svc.Bookings.MarkCompleted)
}

func (s *SchedulingServer) ConfirmBooking(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	return s.bookingOp(ctx, "ConfirmBooking", "booking confirm", req, s.svc.Bookings.Confirm)
}

func (s *SchedulingServer) GetBooking(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	return s.bookingOp(ctx, "GetBooking", "booking get", req, s.svc.Bookings.Get)
}

func (s *SchedulingServer) bookingOp(
	ctx context.Context,
	rpc, op string,
	req *BookingRequest,
	fn func(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error),
) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", rpc))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("booking_id", req.BookingID)
	if err != nil {
		return nil, err
	}

	b, err := fn(ctx, id, actor)
	if err != nil {
		return nil, statusError(log, op, err, slog.String("booking_id", id.String()), slog.String("user_id", actor.ID))
	}
	log.Debug(op+" done", slog.String("booking_id", b.ID.String()), slog.String("status", string(b.Status)))
	return &BookingResponse{Booking: toBooking(b)}, nil
}

func (s *SchedulingServer) ListTherapistBookings(ctx context.Context, req *ListTherapistBookingsRequest) (*ListBookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListTherapistBookings"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	bs, err := s.svc.Bookings.ListForTherapist(ctx, req.TherapistID, req.WindowStart, req.WindowEnd, actor)
	if err != nil {
		return nil, statusError(log, "bookings list", err, slog.String("therapist_id", req.TherapistID))
	}
	log.Debug("bookings listed", slog.String("therapist_id", req.TherapistID), slog.Int("count", len(bs)))
	return &ListBookingsResponse{Bookings: toBookings(bs)}, nil
}

func (s *SchedulingServer) ListClientBookings(ctx context.Context, req *ListClientBookingsRequest) (*ListBookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListClientBookings"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	bs, err := s.svc.Bookings.ListForClient(ctx, req.ClientID, req.WindowStart, req.WindowEnd, actor)
	if err != nil {
		return nil, statusError(log, "bookings list", err, slog.String("client_id", req.ClientID))
	}
	log.Debug("bookings listed", slog.String("client_id", req.ClientID), slog.Int("count", len(bs)))
	return &ListBookingsResponse{Bookings: toBookings(bs)}, nil
}

func (s *SchedulingServer) PutWeeklyAvailability(ctx context.Context, req *PutWeeklyAvailabilityRequest) (*WeeklyAvailabilityResponse, error) {
	log := s.log.With(slog.String("rpc", "PutWeeklyAvailability"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rules := make([]domain.WeeklyAvailabilityRule, 0, len(req.Rules))
	for _, r := range req.Rules {
		rules = append(rules, fromRule(req.TherapistID, r))
	}
	saved, err := s.svc.Schedule.PutWeeklyAvailability(ctx, req.TherapistID, rules, actor)
	if err != nil {
		return nil, statusError(log, "weekly availability put", err, slog.String("therapist_id", req.TherapistID))
	}

	log.Info("weekly availability replaced", slog.String("therapist_id", req.TherapistID), slog.Int("rules", len(saved)))
	return &WeeklyAvailabilityResponse{Rules: toRules(saved)}, nil
}

func (s *SchedulingServer) GetWeeklyAvailability(ctx context.Context, req *GetWeeklyAvailabilityRequest) (*WeeklyAvailabilityResponse, error) {
	log := s.log.With(slog.String("rpc", "GetWeeklyAvailability"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	rules, err := s.svc.Schedule.GetWeeklyAvailability(ctx, req.TherapistID)
	if err != nil {
		return nil, statusError(log, "weekly availability get", err, slog.String("therapist_id", req.TherapistID))
	}
	return &WeeklyAvailabilityResponse{Rules: toRules(rules)}, nil
}

func (s *SchedulingServer) BlockSlot(ctx context.Context, req *BlockSlotRequest) (*BusyIntervalResponse, error) {
	log := s.log.With(slog.String("rpc", "BlockSlot"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	iv, err := s.svc.Schedule.BlockSlot(ctx, req.TherapistID, req.StartTime, req.Minutes, actor)
	if err != nil {
		return nil, statusError(log, "block slot", err, slog.String("therapist_id", req.TherapistID), slog.Time("start_time", req.StartTime))
	}
	log.Info("slot blocked", slog.String("interval_id", iv.ID.String()), slog.String("therapist_id", iv.TherapistID))
	return &BusyIntervalResponse{Interval: toBusyInterval(iv)}, nil
}

func (s *SchedulingServer) BlockDay(ctx context.Context, req *BlockDayRequest) (*BusyIntervalResponse, error) {
	log := s.log.With(slog.String("rpc", "BlockDay"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	iv, err := s.svc.Schedule.BlockDay(ctx, req.TherapistID, req.Date, actor)
	if err != nil {
		return nil, statusError(log, "block day", err, slog.String("therapist_id", req.TherapistID), slog.String("date", req.Date.String()))
	}
	log.Info("day blocked", slog.String("interval_id", iv.ID.String()), slog.String("therapist_id", iv.TherapistID))
	return &BusyIntervalResponse{Interval: toBusyInterval(iv)}, nil
}

func (s *SchedulingServer) Unblock(ctx context.Context, req *UnblockRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", "Unblock"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("interval_id", req.IntervalID)
	if err != nil {
		return nil, err
	}

	if err := s.svc.Schedule.Unblock(ctx, req.TherapistID, id, actor); err != nil {
		return nil, statusError(log, "unblock", err, slog.String("therapist_id", req.TherapistID), slog.String("interval_id", id.String()))
	}
	log.Info("interval removed", slog.String("interval_id", id.String()), slog.String("therapist_id", req.TherapistID))
	return &Empty{}, nil
}

func (s *SchedulingServer) ListBusyIntervals(ctx context.Context, req *ListBusyIntervalsRequest) (*ListBusyIntervalsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListBusyIntervals"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	ivs, err := s.svc.Schedule.ListBusyIntervals(ctx, req.TherapistID, req.WindowStart, req.WindowEnd)
	if err != nil {
		return nil, statusError(log, "busy intervals list", err, slog.String("therapist_id", req.TherapistID))
	}
	out := make([]BusyInterval, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, toBusyInterval(iv))
	}
	return &ListBusyIntervalsResponse{Intervals: out}, nil
}

func (s *SchedulingServer) SubmitFeedback(ctx context.Context, req *SubmitFeedbackRequest) (*FeedbackResponse, error) {
	log := s.log.With(slog.String("rpc", "SubmitFeedback"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("booking_id", req.BookingID)
	if err != nil {
		return nil, err
	}

	f, err := s.svc.Feedback.Submit(ctx, feedback.SubmitInput{Actor: actor, BookingID: id, Rating: req.Rating, Comment: req.Comment})
	if err != nil {
		return nil, statusError(log, "feedback submit", err, slog.String("booking_id", id.String()), slog.String("user_id", actor.ID))
	}
	log.Info("feedback submitted", slog.String("feedback_id", f.ID.String()), slog.String("therapist_id", f.TherapistID), slog.Int("rating", f.Rating))
	return &FeedbackResponse{Feedback: toFeedback(f)}, nil
}

func (s *SchedulingServer) ListFeedback(ctx context.Context, req *ListFeedbackRequest) (*ListFeedbackResponse, error) {
	log := s.log.With(slog.String("rpc", "ListFeedback"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	var actor domain.Actor
	if req.IncludeHidden {
		a, err := actorFromContext(ctx)
		if err != nil {
			return nil, err
		}
		actor = a
	}

	rows, err := s.svc.Feedback.ListForTherapist(ctx, req.TherapistID, req.IncludeHidden, actor)
	if err != nil {
		return nil, statusError(log, "feedback list", err, slog.String("therapist_id", req.TherapistID))
	}
	summary, err := s.svc.Feedback.Summary(ctx, req.TherapistID)
	if err != nil {
		return nil, statusError(log, "feedback summary", err, slog.String("therapist_id", req.TherapistID))
	}

	out := make([]Feedback, 0, len(rows))
	for _, f := range rows {
		out = append(out, toFeedback(f))
	}
	return &ListFeedbackResponse{
		Feedback: out,
		Summary:  RatingSummary{Count: summary.Count, Average: summary.Average},
	}, nil
}

func (s *SchedulingServer) SetFeedbackVisibility(ctx context.Context, req *SetFeedbackVisibilityRequest) (*FeedbackResponse, error) {
	log := s.log.With(slog.String("rpc", "SetFeedbackVisibility"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("feedback_id", req.FeedbackID)
	if err != nil {
		return nil, err
	}

	f, err := s.svc.Feedback.SetVisibility(ctx, id, req.Visible, actor)
	if err != nil {
		return nil, statusError(log, "feedback visibility", err, slog.String("feedback_id", id.String()))
	}
	log.Info("feedback visibility changed", slog.String("feedback_id", id.String()), slog.Bool("visible", f.Visible))
	return &FeedbackResponse{Feedback: toFeedback(f)}, nil
}

func (s *SchedulingServer) DeleteFeedback(ctx context.Context, req *DeleteFeedbackRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", "DeleteFeedback"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID("feedback_id", req.FeedbackID)
	if err != nil {
		return nil, err
	}

	if err := s.svc.Feedback.Delete(ctx, id, actor); err != nil {
		return nil, statusError(log, "feedback delete", err, slog.String("feedback_id", id.String()))
	}
	log.Info("feedback deleted", slog.String("feedback_id", id.String()))
	return &Empty{}, nil
}

func (s *SchedulingServer) Heartbeat(ctx context.Context, _ *Empty) (*Empty, error) {
	log := s.log.With(slog.String("rpc", "Heartbeat"))
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if s.svc.Presence == nil {
		return nil, status.Error(codes.Unavailable, "presence is not configured")
	}
	if err := s.svc.Presence.Heartbeat(ctx, actor.ID); err != nil {
		return nil, statusError(log, "heartbeat", err, slog.String("user_id", actor.ID))
	}
	return &Empty{}, nil
}

func (s *SchedulingServer) GetPresence(ctx context.Context, req *GetPresenceRequest) (*GetPresenceResponse, error) {
	log := s.log.With(slog.String("rpc", "GetPresence"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if len(req.UserIDs) > maxPresenceIDs {
		return nil, status.Error(codes.InvalidArgument, "too many user_ids")
	}
	if s.svc.Presence == nil {
		return nil, status.Error(codes.Unavailable, "presence is not configured")
	}

	statuses, err := s.svc.Presence.Online(ctx, req.UserIDs...)
	if err != nil {
		return nil, statusError(log, "presence", err, slog.Int("count", len(req.UserIDs)))
	}
	return &GetPresenceResponse{Statuses: statuses}, nil
}

func (s *SchedulingServer) ExportBookings(ctx context.Context, req *ExportBookingsRequest) (*ExportBookingsResponse, error) {
	log := s.log.With(slog.String("rpc", "ExportBookings"))
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	bs, err := s.svc.Bookings.ListForTherapist(ctx, req.TherapistID, req.WindowStart, req.WindowEnd, actor)
	if err != nil {
		return nil, statusError(log, "bookings export", err, slog.String("therapist_id", req.TherapistID))
	}
	var buf bytes.Buffer
	if err := report.WriteBookingsXLSX(&buf, bs); err != nil {
		return nil, statusError(log, "bookings export", err, slog.String("therapist_id", req.TherapistID))
	}

	filename := fmt.Sprintf("bookings_%s_%s_%s.xlsx",
		req.TherapistID,
		req.WindowStart.UTC().Format("20060102"),
		req.WindowEnd.UTC().Format("20060102"),
	)
	log.Info("bookings exported", slog.String("therapist_id", req.TherapistID), slog.Int("count", len(bs)), slog.String("user_id", actor.ID))
	return &ExportBookingsResponse{Filename: filename, Content: buf.Bytes()}, nil
}

func (s *SchedulingServer) WatchBookings(req *WatchBookingsRequest, stream BookingEventStream) error {
	ctx := stream.Context()
	log := s.log.With(slog.String("rpc", "WatchBookings"))
	if req == nil || req.TherapistID == "" {
		return status.Error(codes.InvalidArgument, "therapist_id is required")
	}
	actor, err := actorFromContext(ctx)
	if err != nil {
		return err
	}
	if s.svc.Events == nil {
		return status.Error(codes.Unavailable, "live updates are not configured")
	}

	ch, err := s.svc.Events.Subscribe(ctx, req.TherapistID)
	if err != nil {
		return statusError(log, "subscribe", err, slog.String("therapist_id", req.TherapistID))
	}
	log.Debug("watch started", slog.String("therapist_id", req.TherapistID), slog.String("user_id", actor.ID))

	for ev := range ch {
		out := visibleEvent(actor, ev)
		if err := stream.Send(&out); err != nil {
			return err
		}
	}
	log.Debug("watch ended", slog.String("therapist_id", req.TherapistID), slog.String("user_id", actor.ID))
	return nil
}
