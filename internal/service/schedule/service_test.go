package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/availability"
	"therapia/backend/internal/domain"
	"therapia/backend/internal/store"
	"therapia/backend/internal/store/memory"
)

var (
	monday    = domain.MustDate("2026-01-05")
	therapist = domain.Actor{ID: "t1", Role: domain.RoleTherapist}
)

func ptr[T any](v T) *T { return &v }

func newService(t *testing.T) (*Service, *memory.Store, *availability.Engine) {
	t.Helper()
	repo := memory.New()
	engine := availability.NewEngine(repo, availability.DefaultConfig(), availability.WithClock(func() time.Time {
		return time.Date(2026, 1, 4, 8, 0, 0, 0, time.UTC)
	}))
	return NewService(repo, engine, nil, nil), repo, engine
}

func weekRules() []domain.WeeklyAvailabilityRule {
	return []domain.WeeklyAvailabilityRule{
		{DayOfWeek: 3, StartTime: domain.MustTimeOfDay("09:00"), EndTime: domain.MustTimeOfDay("13:00"), Timezone: "Europe/Berlin"},
		{DayOfWeek: 1, StartTime: domain.MustTimeOfDay("10:00"), EndTime: domain.MustTimeOfDay("19:00"), BreakStart: ptr(domain.MustTimeOfDay("13:00")), BreakMinutes: 60, Timezone: "Europe/Berlin"},
		{DayOfWeek: 0, DayOff: true, Timezone: "Europe/Berlin"},
	}
}

func TestServicePutWeeklyAvailability_RoundTrip(t *testing.T) {
	svc, _, _ := newService(t)
	in := weekRules()

	if _, err := svc.PutWeeklyAvailability(context.Background(), "t1", in, therapist); err != nil {
		t.Fatalf("PutWeeklyAvailability error: %v", err)
	}
	got, err := svc.GetWeeklyAvailability(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetWeeklyAvailability error: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}

	byDay := map[int16]domain.WeeklyAvailabilityRule{}
	for _, r := range got {
		byDay[r.DayOfWeek] = r
	}
	for _, want := range in {
		r, ok := byDay[want.DayOfWeek]
		if !ok {
			t.Fatalf("missing rule for day %d", want.DayOfWeek)
		}
		if r.StartTime != want.StartTime || r.EndTime != want.EndTime || r.DayOff != want.DayOff ||
			r.BreakMinutes != want.BreakMinutes || r.Timezone != want.Timezone || r.TherapistID != "t1" {
			t.Fatalf("rule for day %d = %+v, want %+v", want.DayOfWeek, r, want)
		}
		if (r.BreakStart == nil) != (want.BreakStart == nil) || (r.BreakStart != nil && *r.BreakStart != *want.BreakStart) {
			t.Fatalf("break for day %d = %v, want %v", want.DayOfWeek, r.BreakStart, want.BreakStart)
		}
	}
	if got[0].DayOfWeek != 0 || got[len(got)-1].DayOfWeek != 3 {
		t.Fatalf("rules should be sorted by weekday: %+v", got)
	}
}

func TestServicePutWeeklyAvailability_InvalidSetKeepsOldRules(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.PutWeeklyAvailability(context.Background(), "t1", weekRules(), therapist); err != nil {
		t.Fatalf("PutWeeklyAvailability error: %v", err)
	}

	bad := weekRules()
	bad[1].BreakStart = ptr(domain.MustTimeOfDay("18:30"))
	_, err := svc.PutWeeklyAvailability(context.Background(), "t1", bad, therapist)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *domain.ValidationError", err)
	}

	got, err := svc.GetWeeklyAvailability(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetWeeklyAvailability error: %v", err)
	}
	if len(got) != 3 || got[1].BreakStart == nil || got[1].BreakStart.String() != "13:00" {
		t.Fatalf("rules were partially replaced: %+v", got)
	}
}

func TestServicePutWeeklyAvailability_Forbidden(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.PutWeeklyAvailability(context.Background(), "t1", weekRules(), domain.Actor{ID: "t2", Role: domain.RoleTherapist})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("error = %v, want %v", err, store.ErrForbidden)
	}
}

func TestServiceBlockDay_UsesTherapistZone(t *testing.T) {
	svc, _, engine := newService(t)
	if _, err := svc.PutWeeklyAvailability(context.Background(), "t1", weekRules(), therapist); err != nil {
		t.Fatalf("PutWeeklyAvailability error: %v", err)
	}

	iv, err := svc.BlockDay(context.Background(), "t1", monday, therapist)
	if err != nil {
		t.Fatalf("BlockDay error: %v", err)
	}
	if iv.Reason != domain.BusyReasonDay {
		t.Fatalf("reason = %s, want day", iv.Reason)
	}
	if want := time.Date(2026, 1, 4, 23, 0, 0, 0, time.UTC); !iv.StartTime.Equal(want) {
		t.Fatalf("start = %v, want %v (Berlin midnight)", iv.StartTime, want)
	}

	slots, err := engine.SlotsForDate(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("SlotsForDate error: %v", err)
	}
	if availability.HasAvailable(slots) {
		t.Fatalf("blocked day should have no available slots")
	}
	dates, err := engine.DatesWithAvailability(context.Background(), "t1", 7)
	if err != nil {
		t.Fatalf("DatesWithAvailability error: %v", err)
	}
	for _, d := range dates {
		if d == monday {
			t.Fatalf("blocked day listed as available")
		}
	}

	if err := svc.Unblock(context.Background(), "t1", iv.ID, therapist); err != nil {
		t.Fatalf("Unblock error: %v", err)
	}
	slots, err = engine.SlotsForDate(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("SlotsForDate error: %v", err)
	}
	if !availability.HasAvailable(slots) {
		t.Fatalf("unblocked day should have available slots")
	}
	if err := svc.Unblock(context.Background(), "t1", iv.ID, therapist); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, store.ErrNotFound)
	}
}

func TestServiceBlockSlot_Boundaries(t *testing.T) {
	svc, _, engine := newService(t)
	start := domain.MustTimeOfDay("11:00").On(monday, time.UTC)

	if _, err := svc.BlockSlot(context.Background(), "t1", start, 60, therapist); err != nil {
		t.Fatalf("BlockSlot error: %v", err)
	}

	slots, err := engine.SlotsForDate(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("SlotsForDate error: %v", err)
	}
	avail := map[string]bool{}
	for _, s := range slots {
		avail[s.Time.String()] = s.Available
	}
	if avail["11:00"] {
		t.Fatalf("slot starting at the interval start must be blocked")
	}
	if !avail["12:00"] {
		t.Fatalf("slot starting at the interval end must be available")
	}
	if !avail["10:30"] {
		t.Fatalf("slot ending at the interval start must be available")
	}
}

func TestServiceBlockSlot_RejectsOverBooking(t *testing.T) {
	svc, repo, _ := newService(t)
	start := domain.MustTimeOfDay("11:00").On(monday, time.UTC)

	var booked domain.Booking
	err := repo.InTherapistTransaction(context.Background(), "t1", func(ctx context.Context, tx store.TherapistTx) error {
		var err error
		booked, err = tx.InsertBooking(ctx, domain.Booking{ClientID: "c1", TherapistID: "t1", SessionTime: start, Status: domain.BookingStatusConfirmed})
		return err
	})
	if err != nil {
		t.Fatalf("InsertBooking error: %v", err)
	}

	_, err = svc.BlockSlot(context.Background(), "t1", start.Add(30*time.Minute), 30, therapist)
	var cErr *store.ConflictError
	if !errors.As(err, &cErr) || cErr.BookingID != booked.ID {
		t.Fatalf("error = %v, want conflict with %s", err, booked.ID)
	}
}

func TestServiceBlockSlot_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	start := domain.MustTimeOfDay("11:00").On(monday, time.UTC)
	tests := []struct {
		minutes int
		wantErr string
	}{
		{0, "minutes must be positive"},
		{25 * 60, "block too long"},
	}
	for _, tt := range tests {
		_, err := svc.BlockSlot(context.Background(), "t1", start, tt.minutes, therapist)
		if err == nil || err.Error() != tt.wantErr {
			t.Fatalf("BlockSlot(%d) error = %v, want %q", tt.minutes, err, tt.wantErr)
		}
	}
	if err := svc.Unblock(context.Background(), "t1", uuid.Nil, therapist); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestServiceListBusyIntervals(t *testing.T) {
	svc, _, _ := newService(t)
	start := domain.MustTimeOfDay("11:00").On(monday, time.UTC)
	if _, err := svc.BlockSlot(context.Background(), "t1", start, 30, therapist); err != nil {
		t.Fatalf("BlockSlot error: %v", err)
	}

	got, err := svc.ListBusyIntervals(context.Background(), "t1", monday.Start(time.UTC), monday.End(time.UTC))
	if err != nil {
		t.Fatalf("ListBusyIntervals error: %v", err)
	}
	if len(got) != 1 || !got[0].StartTime.Equal(start) {
		t.Fatalf("intervals = %+v", got)
	}
	if _, err := svc.ListBusyIntervals(context.Background(), "t1", monday.End(time.UTC), monday.Start(time.UTC)); err == nil {
		t.Fatalf("expected window error")
	}
}
