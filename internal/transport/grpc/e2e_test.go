package grpc

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"therapia/backend/internal/availability"
	"therapia/backend/internal/domain"
	"therapia/backend/internal/service/bookings"
	"therapia/backend/internal/service/feedback"
	"therapia/backend/internal/service/schedule"
	"therapia/backend/internal/store/memory"
)

// dialScheduling serves the real services over an in-memory listener with the JSON codec.
func dialScheduling(t *testing.T, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()

	repo := memory.New()
	engine := availability.NewEngine(repo, availability.DefaultConfig(), availability.WithClock(func() time.Time {
		return time.Date(2026, 1, 4, 8, 0, 0, 0, time.UTC)
	}))
	srv := NewSchedulingServer(Services{
		Availability: engine,
		Bookings:     bookings.NewManager(repo, engine),
		Schedule:     schedule.NewService(repo, engine, nil, slog.Default()),
		Feedback:     feedback.NewService(repo, repo),
	}, slog.Default())

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(opts...)
	RegisterSchedulingService(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func outgoing(id string, role domain.Role) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-user-id", id, "x-user-role", string(role))
}

func TestScheduling_EndToEnd(t *testing.T) {
	conn := dialScheduling(t)
	monday := domain.MustDate("2026-01-05")
	start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	var slots GetSlotsResponse
	if err := conn.Invoke(context.Background(), FullMethod("GetSlots"), &GetSlotsRequest{TherapistID: "t1", Date: monday}, &slots); err != nil {
		t.Fatalf("GetSlots error: %v", err)
	}
	if len(slots.Slots) != 16 || !slots.Slots[0].Available || slots.Slots[0].Time.String() != "10:00" {
		t.Fatalf("slots = %+v", slots.Slots)
	}

	var created BookingResponse
	req := &CreateBookingRequest{ClientID: "c1", TherapistID: "t1", SessionTime: start, DurationMinutes: 60, AmountCents: 5000}
	if err := conn.Invoke(outgoing("c1", domain.RoleClient), FullMethod("CreateBooking"), req, &created); err != nil {
		t.Fatalf("CreateBooking error: %v", err)
	}
	if created.Booking.Status != "confirmed" || created.Booking.PaymentStatus != "paid" {
		t.Fatalf("booking = %+v", created.Booking)
	}

	other := &CreateBookingRequest{ClientID: "c2", TherapistID: "t1", SessionTime: start.Add(30 * time.Minute)}
	err := conn.Invoke(outgoing("c2", domain.RoleClient), FullMethod("CreateBooking"), other, &BookingResponse{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.FailedPrecondition)
	}

	if err := conn.Invoke(context.Background(), FullMethod("GetSlots"), &GetSlotsRequest{TherapistID: "t1", Date: monday, OnlyAvailable: true}, &slots); err != nil {
		t.Fatalf("GetSlots error: %v", err)
	}
	for _, s := range slots.Slots {
		if s.Time.String() == "10:00" || s.Time.String() == "10:30" {
			t.Fatalf("booked slot %s still offered", s.Time)
		}
	}

	err = conn.Invoke(outgoing("c2", domain.RoleClient), FullMethod("CancelBooking"), &BookingRequest{BookingID: created.Booking.ID}, &BookingResponse{})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.PermissionDenied)
	}

	var cancelled BookingResponse
	if err := conn.Invoke(outgoing("c1", domain.RoleClient), FullMethod("CancelBooking"), &BookingRequest{BookingID: created.Booking.ID}, &cancelled); err != nil {
		t.Fatalf("CancelBooking error: %v", err)
	}
	if cancelled.Booking.Status != "cancelled" || cancelled.Booking.PaymentStatus != "refunded" {
		t.Fatalf("booking = %+v", cancelled.Booking)
	}
}

func TestScheduling_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2, slog.Default())
	conn := dialScheduling(t, grpc.ChainUnaryInterceptor(limiter.UnaryInterceptor()))
	req := &ListAvailableDatesRequest{TherapistID: "t1", HorizonDays: 7}

	for i := 0; i < 2; i++ {
		if err := conn.Invoke(outgoing("c1", domain.RoleClient), FullMethod("ListAvailableDates"), req, &ListAvailableDatesResponse{}); err != nil {
			t.Fatalf("call %d error: %v", i, err)
		}
	}
	err := conn.Invoke(outgoing("c1", domain.RoleClient), FullMethod("ListAvailableDates"), req, &ListAvailableDatesResponse{})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("code = %s, want %s", status.Code(err), codes.ResourceExhausted)
	}

	if err := conn.Invoke(outgoing("c2", domain.RoleClient), FullMethod("ListAvailableDates"), req, &ListAvailableDatesResponse{}); err != nil {
		t.Fatalf("other caller error: %v", err)
	}
}
