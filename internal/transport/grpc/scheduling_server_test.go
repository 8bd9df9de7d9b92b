package grpc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/service/bookings"
	"therapia/backend/internal/store"
)

var bookingID = uuid.MustParse("00000000-0000-0000-0000-000000000010")

func asUser(id string, role domain.Role, kv ...string) context.Context {
	pairs := append([]string{"x-user-id", id, "x-user-role", string(role)}, kv...)
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(pairs...))
}

func TestIdempotencyKey_ReadsHeadersAndTrims(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("idempotency-key", "  abc  "))
	if got := idempotencyKey(ctx); got != "abc" {
		t.Fatalf("idempotencyKey = %q, want %q", got, "abc")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-idempotency-key", "xyz"))
	if got := idempotencyKey(ctx); got != "xyz" {
		t.Fatalf("idempotencyKey = %q, want %q", got, "xyz")
	}
}

func TestActorFromContext(t *testing.T) {
	if _, err := actorFromContext(context.Background()); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unauthenticated)
	}
	if _, err := actorFromContext(asUser("u1", "owner")); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unauthenticated)
	}

	got, err := actorFromContext(asUser("u1", "Therapist"))
	if err != nil {
		t.Fatalf("actorFromContext error: %v", err)
	}
	if got.ID != "u1" || got.Role != domain.RoleTherapist {
		t.Fatalf("actor = %+v", got)
	}
}

func TestCreateBooking_RejectsMissingSessionTime(t *testing.T) {
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{}}, slog.Default())

	_, err := srv.CreateBooking(asUser("c1", domain.RoleClient), &CreateBookingRequest{ClientID: "c1", TherapistID: "t1"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.InvalidArgument)
	}
}

func TestCreateBooking_RequiresCaller(t *testing.T) {
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{}}, slog.Default())

	_, err := srv.CreateBooking(context.Background(), &CreateBookingRequest{ClientID: "c1", SessionTime: time.Now()})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unauthenticated)
	}
}

func TestCreateBooking_PassesActorAndIdempotencyKey(t *testing.T) {
	var got bookings.CreateInput
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{
		createFn: func(ctx context.Context, in bookings.CreateInput) (domain.Booking, error) {
			got = in
			return domain.Booking{ID: bookingID, ClientID: in.ClientID, TherapistID: in.TherapistID, SessionTime: in.SessionTime, DurationMinutes: 50, Status: domain.BookingStatusConfirmed}, nil
		},
	}}, slog.Default())

	start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	resp, err := srv.CreateBooking(asUser("c1", domain.RoleClient, "idempotency-key", "k1"), &CreateBookingRequest{
		ClientID:        "c1",
		TherapistID:     "t1",
		SessionTime:     start,
		DurationMinutes: 50,
	})
	if err != nil {
		t.Fatalf("CreateBooking error: %v", err)
	}
	if got.IdempotencyKey != "k1" {
		t.Fatalf("idempotency_key = %q, want %q", got.IdempotencyKey, "k1")
	}
	if got.Actor != (domain.Actor{ID: "c1", Role: domain.RoleClient}) {
		t.Fatalf("actor = %+v", got.Actor)
	}
	if resp.Booking.ID != bookingID.String() || !resp.Booking.SessionEnd.Equal(start.Add(50*time.Minute)) {
		t.Fatalf("booking = %+v", resp.Booking)
	}
}

func TestCreateBooking_MapsServiceErrors(t *testing.T) {
	slot := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantMsg  string
	}{
		{"validation", domain.NewValidationError("duration too long"), codes.InvalidArgument, "duration too long"},
		{"booked", &store.ConflictError{TherapistID: "t1", SlotTime: slot, Reason: store.ConflictBooked}, codes.FailedPrecondition, "2026-01-05T10:00:00Z"},
		{"outside hours", &store.ConflictError{SlotTime: slot, Reason: store.ConflictOutsideHours}, codes.FailedPrecondition, "working hours"},
		{"wrapped conflict", errors.Join(errors.New("tx"), store.ErrConflict), codes.FailedPrecondition, "no longer available"},
		{"idempotency", store.ErrIdempotencyConflict, codes.FailedPrecondition, "request key"},
		{"invalid state", &store.InvalidStateError{BookingID: bookingID, Status: domain.BookingStatusCompleted, Op: "cancel"}, codes.FailedPrecondition, "completed"},
		{"session not ended", &store.InvalidStateError{BookingID: bookingID, Status: domain.BookingStatusConfirmed, Op: "complete", Reason: "session has not ended"}, codes.FailedPrecondition, "has not ended"},
		{"not found", store.ErrNotFound, codes.NotFound, "not found"},
		{"forbidden", store.ErrForbidden, codes.PermissionDenied, "not allowed"},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, "timed out"},
		{"internal", errors.New("connection reset by peer"), codes.Internal, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewSchedulingServer(Services{Bookings: &fakeBookings{
				createFn: func(ctx context.Context, in bookings.CreateInput) (domain.Booking, error) {
					return domain.Booking{}, tt.err
				},
			}}, slog.Default())

			_, err := srv.CreateBooking(asUser("c1", domain.RoleClient), &CreateBookingRequest{ClientID: "c1", TherapistID: "t1", SessionTime: slot})
			if status.Code(err) != tt.wantCode {
				t.Fatalf("code = %s, want %s", status.Code(err), tt.wantCode)
			}
			if msg := status.Convert(err).Message(); !strings.Contains(msg, tt.wantMsg) {
				t.Fatalf("message = %q, want it to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestCancelBooking_RejectsInvalidUUID(t *testing.T) {
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{}}, slog.Default())

	_, err := srv.CancelBooking(asUser("c1", domain.RoleClient), &BookingRequest{BookingID: "nope"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.InvalidArgument)
	}
}

func TestCancelBooking_PassesActor(t *testing.T) {
	var gotActor domain.Actor
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{
		cancelFn: func(ctx context.Context, id uuid.UUID, actor domain.Actor) (domain.Booking, error) {
			gotActor = actor
			return domain.Booking{ID: id, Status: domain.BookingStatusCancelled, PaymentStatus: domain.PaymentStatusRefunded}, nil
		},
	}}, slog.Default())

	resp, err := srv.CancelBooking(asUser("root", domain.RoleAdmin), &BookingRequest{BookingID: bookingID.String()})
	if err != nil {
		t.Fatalf("CancelBooking error: %v", err)
	}
	if !gotActor.IsAdmin() {
		t.Fatalf("actor = %+v, want admin", gotActor)
	}
	if resp.Booking.Status != "cancelled" || resp.Booking.PaymentStatus != "refunded" {
		t.Fatalf("booking = %+v", resp.Booking)
	}
}

func TestGetSlots_FiltersUnavailable(t *testing.T) {
	date := domain.MustDate("2026-01-05")
	srv := NewSchedulingServer(Services{Availability: &fakeAvailability{
		slotsFn: func(ctx context.Context, therapistID string, d domain.Date) ([]domain.TimeSlot, error) {
			return []domain.TimeSlot{
				{Date: d, Time: domain.MustTimeOfDay("10:00"), Available: false},
				{Date: d, Time: domain.MustTimeOfDay("10:30"), Available: true},
				{Date: d, Time: domain.MustTimeOfDay("14:00"), Available: true},
			}, nil
		},
	}}, slog.Default())

	all, err := srv.GetSlots(context.Background(), &GetSlotsRequest{TherapistID: "t1", Date: date})
	if err != nil {
		t.Fatalf("GetSlots error: %v", err)
	}
	if len(all.Slots) != 3 {
		t.Fatalf("len = %d, want 3", len(all.Slots))
	}

	free, err := srv.GetSlots(context.Background(), &GetSlotsRequest{TherapistID: "t1", Date: date, OnlyAvailable: true})
	if err != nil {
		t.Fatalf("GetSlots error: %v", err)
	}
	if len(free.Slots) != 2 || free.Slots[1].Label != "2:00 PM" {
		t.Fatalf("slots = %+v", free.Slots)
	}
}

func TestListAvailableDates_MapsValidation(t *testing.T) {
	srv := NewSchedulingServer(Services{Availability: &fakeAvailability{
		datesFn: func(ctx context.Context, therapistID string, horizonDays int) ([]domain.Date, error) {
			return nil, domain.NewValidationError("horizon_days must be between 1 and 180")
		},
	}}, slog.Default())

	_, err := srv.ListAvailableDates(context.Background(), &ListAvailableDatesRequest{TherapistID: "t1", HorizonDays: 500})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.InvalidArgument)
	}
}

func TestPutWeeklyAvailability_AssignsTherapist(t *testing.T) {
	var got []domain.WeeklyAvailabilityRule
	srv := NewSchedulingServer(Services{Schedule: &fakeSchedule{
		putFn: func(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule, actor domain.Actor) ([]domain.WeeklyAvailabilityRule, error) {
			got = rules
			return rules, nil
		},
	}}, slog.Default())

	brk := domain.MustTimeOfDay("13:00")
	resp, err := srv.PutWeeklyAvailability(asUser("t1", domain.RoleTherapist), &PutWeeklyAvailabilityRequest{
		TherapistID: "t1",
		Rules: []Rule{
			{DayOfWeek: 1, StartTime: domain.MustTimeOfDay("10:00"), EndTime: domain.MustTimeOfDay("19:00"), BreakStart: &brk, BreakMinutes: 60, Timezone: "UTC"},
			{DayOfWeek: 0, DayOff: true, Timezone: "UTC"},
		},
	})
	if err != nil {
		t.Fatalf("PutWeeklyAvailability error: %v", err)
	}
	if len(got) != 2 || got[0].TherapistID != "t1" || got[1].TherapistID != "t1" {
		t.Fatalf("rules = %+v", got)
	}
	if len(resp.Rules) != 2 || resp.Rules[0].BreakStart == nil || *resp.Rules[0].BreakStart != brk {
		t.Fatalf("response rules = %+v", resp.Rules)
	}
}

func TestUnblock_RejectsInvalidUUID(t *testing.T) {
	srv := NewSchedulingServer(Services{Schedule: &fakeSchedule{}}, slog.Default())

	_, err := srv.Unblock(asUser("t1", domain.RoleTherapist), &UnblockRequest{TherapistID: "t1", IntervalID: uuid.Nil.String()})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.InvalidArgument)
	}
}

func TestListFeedback_HiddenRequiresCaller(t *testing.T) {
	srv := NewSchedulingServer(Services{Feedback: &fakeFeedback{}}, slog.Default())

	_, err := srv.ListFeedback(context.Background(), &ListFeedbackRequest{TherapistID: "t1", IncludeHidden: true})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unauthenticated)
	}
}

func TestListFeedback_IncludesSummary(t *testing.T) {
	srv := NewSchedulingServer(Services{Feedback: &fakeFeedback{
		listFn: func(ctx context.Context, therapistID string, includeHidden bool, actor domain.Actor) ([]domain.Feedback, error) {
			return []domain.Feedback{{ID: uuid.New(), TherapistID: therapistID, Rating: 5, Visible: true}}, nil
		},
		summaryFn: func(ctx context.Context, therapistID string) (domain.RatingSummary, error) {
			return domain.RatingSummary{TherapistID: therapistID, Count: 1, Average: 5}, nil
		},
	}}, slog.Default())

	resp, err := srv.ListFeedback(context.Background(), &ListFeedbackRequest{TherapistID: "t1"})
	if err != nil {
		t.Fatalf("ListFeedback error: %v", err)
	}
	if len(resp.Feedback) != 1 || resp.Summary.Count != 1 || resp.Summary.Average != 5 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHeartbeat_UnavailableWithoutPresence(t *testing.T) {
	srv := NewSchedulingServer(Services{}, slog.Default())

	_, err := srv.Heartbeat(asUser("c1", domain.RoleClient), &Empty{})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unavailable)
	}
}

func TestHeartbeat_UsesCaller(t *testing.T) {
	var got string
	srv := NewSchedulingServer(Services{Presence: &fakePresence{
		heartbeatFn: func(ctx context.Context, userID string) error {
			got = userID
			return nil
		},
	}}, slog.Default())

	if _, err := srv.Heartbeat(asUser("c1", domain.RoleClient), &Empty{}); err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}
	if got != "c1" {
		t.Fatalf("user = %q, want %q", got, "c1")
	}
}

func TestExportBookings_ReturnsWorkbook(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := NewSchedulingServer(Services{Bookings: &fakeBookings{
		listForTherapistFn: func(ctx context.Context, therapistID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error) {
			return []domain.Booking{{ID: bookingID, TherapistID: therapistID, ClientID: "c1", SessionTime: start.Add(34 * time.Hour), Status: domain.BookingStatusConfirmed}}, nil
		},
	}}, slog.Default())

	resp, err := srv.ExportBookings(asUser("root", domain.RoleAdmin), &ExportBookingsRequest{TherapistID: "t1", WindowStart: start, WindowEnd: start.AddDate(0, 1, 0)})
	if err != nil {
		t.Fatalf("ExportBookings error: %v", err)
	}
	if resp.Filename != "bookings_t1_20260101_20260201.xlsx" {
		t.Fatalf("filename = %q", resp.Filename)
	}

	f, err := excelize.OpenReader(bytes.NewReader(resp.Content))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Bookings")
	if err != nil {
		t.Fatalf("GetRows error: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != bookingID.String() {
		t.Fatalf("rows = %v", rows)
	}
}

func TestWatchBookings_HidesOtherClients(t *testing.T) {
	ch := make(chan events.BookingEvent, 2)
	ch <- events.BookingEvent{Type: events.TypeCreated, BookingID: bookingID, TherapistID: "t1", ClientID: "c1"}
	ch <- events.BookingEvent{Type: events.TypeCancelled, BookingID: bookingID, TherapistID: "t1", ClientID: "c2"}
	close(ch)

	srv := NewSchedulingServer(Services{Events: &fakeSubscriber{
		subscribeFn: func(ctx context.Context, therapistID string) (<-chan events.BookingEvent, error) {
			return ch, nil
		},
	}}, slog.Default())

	stream := &recordingStream{ctx: asUser("c1", domain.RoleClient)}
	if err := srv.WatchBookings(&WatchBookingsRequest{TherapistID: "t1"}, stream); err != nil {
		t.Fatalf("WatchBookings error: %v", err)
	}
	if len(stream.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(stream.sent))
	}
	if stream.sent[0].ClientID != "c1" || stream.sent[0].BookingID != bookingID {
		t.Fatalf("own event redacted: %+v", stream.sent[0])
	}
	if stream.sent[1].ClientID != "" || stream.sent[1].BookingID != uuid.Nil {
		t.Fatalf("other client's event leaked: %+v", stream.sent[1])
	}
}

func TestWatchBookings_UnavailableWithoutEvents(t *testing.T) {
	srv := NewSchedulingServer(Services{}, slog.Default())

	err := srv.WatchBookings(&WatchBookingsRequest{TherapistID: "t1"}, &recordingStream{ctx: asUser("c1", domain.RoleClient)})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.Unavailable)
	}
}
