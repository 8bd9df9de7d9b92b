package grpc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/presence"
	"therapia/backend/internal/service/bookings"
	"therapia/backend/internal/service/feedback"
)

type fakeAvailability struct {
	slotsFn func(ctx context.Context, therapistID string, date domain.Date) ([]domain.TimeSlot, error)
	datesFn func(ctx context.Context, therapistID string, horizonDays int) ([]domain.Date, error)
}

func (f *fakeAvailability) SlotsForDate(ctx context.Context, therapistID string, date domain.Date) ([]domain.TimeSlot, error) {
	if f.slotsFn == nil {
		panic("SlotsForDate not configured")
	}
	return f.slotsFn(ctx, therapistID, date)
}

func (f *fakeAvailability) DatesWithAvailability(ctx context.Context, therapistID string, horizonDays int) ([]domain.Date, error) {
	if f.datesFn == nil {
		panic("DatesWithAvailability not configured")
	}
	return f.datesFn(ctx, therapistID, horizonDays)
}

type bookingFn func(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error)

type listFn func(ctx context.Context, ownerID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error)

type fakeBookings struct {
	createFn           func(ctx context.Context, in bookings.CreateInput) (domain.Booking, error)
	rescheduleFn       func(ctx context.Context, in bookings.RescheduleInput) (domain.Booking, error)
	cancelFn           bookingFn
	completeFn         bookingFn
	confirmFn          bookingFn
	getFn              bookingFn
	listForTherapistFn listFn
	listForClientFn    listFn
}

func (f *fakeBookings) Create(ctx context.Context, in bookings.CreateInput) (domain.Booking, error) {
	if f.createFn == nil {
		panic("Create not configured")
	}
	return f.createFn(ctx, in)
}

func (f *fakeBookings) Reschedule(ctx context.Context, in bookings.RescheduleInput) (domain.Booking, error) {
	if f.rescheduleFn == nil {
		panic("Reschedule not configured")
	}
	return f.rescheduleFn(ctx, in)
}

func (f *fakeBookings) Cancel(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if f.cancelFn == nil {
		panic("Cancel not configured")
	}
	return f.cancelFn(ctx, bookingID, actor)
}

func (f *fakeBookings) MarkCompleted(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if f.completeFn == nil {
		panic("MarkCompleted not configured")
	}
	return f.completeFn(ctx, bookingID, actor)
}

func (f *fakeBookings) Confirm(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if f.confirmFn == nil {
		panic("Confirm not configured")
	}
	return f.confirmFn(ctx, bookingID, actor)
}

func (f *fakeBookings) Get(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if f.getFn == nil {
		panic("Get not configured")
	}
	return f.getFn(ctx, bookingID, actor)
}

func (f *fakeBookings) ListForTherapist(ctx context.Context, therapistID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error) {
	if f.listForTherapistFn == nil {
		panic("ListForTherapist not configured")
	}
	return f.listForTherapistFn(ctx, therapistID, windowStart, windowEnd, actor)
}

func (f *fakeBookings) ListForClient(ctx context.Context, clientID string, windowStart, windowEnd time.Time, actor domain.Actor) ([]domain.Booking, error) {
	if f.listForClientFn == nil {
		panic("ListForClient not configured")
	}
	return f.listForClientFn(ctx, clientID, windowStart, windowEnd, actor)
}

type fakeSchedule struct {
	putFn     func(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule, actor domain.Actor) ([]domain.WeeklyAvailabilityRule, error)
	getFn     func(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error)
	blockFn   func(ctx context.Context, therapistID string, start time.Time, minutes int, actor domain.Actor) (domain.BusyInterval, error)
	dayFn     func(ctx context.Context, therapistID string, date domain.Date, actor domain.Actor) (domain.BusyInterval, error)
	unblockFn func(ctx context.Context, therapistID string, intervalID uuid.UUID, actor domain.Actor) error
	listFn    func(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error)
}

func (f *fakeSchedule) PutWeeklyAvailability(ctx context.Context, therapistID string, rules []domain.WeeklyAvailabilityRule, actor domain.Actor) ([]domain.WeeklyAvailabilityRule, error) {
	if f.putFn == nil {
		panic("PutWeeklyAvailability not configured")
	}
	return f.putFn(ctx, therapistID, rules, actor)
}

func (f *fakeSchedule) GetWeeklyAvailability(ctx context.Context, therapistID string) ([]domain.WeeklyAvailabilityRule, error) {
	if f.getFn == nil {
		panic("GetWeeklyAvailability not configured")
	}
	return f.getFn(ctx, therapistID)
}

func (f *fakeSchedule) BlockSlot(ctx context.Context, therapistID string, start time.Time, minutes int, actor domain.Actor) (domain.BusyInterval, error) {
	if f.blockFn == nil {
		panic("BlockSlot not configured")
	}
	return f.blockFn(ctx, therapistID, start, minutes, actor)
}

func (f *fakeSchedule) BlockDay(ctx context.Context, therapistID string, date domain.Date, actor domain.Actor) (domain.BusyInterval, error) {
	if f.dayFn == nil {
		panic("BlockDay not configured")
	}
	return f.dayFn(ctx, therapistID, date, actor)
}

func (f *fakeSchedule) Unblock(ctx context.Context, therapistID string, intervalID uuid.UUID, actor domain.Actor) error {
	if f.unblockFn == nil {
		panic("Unblock not configured")
	}
	return f.unblockFn(ctx, therapistID, intervalID, actor)
}

func (f *fakeSchedule) ListBusyIntervals(ctx context.Context, therapistID string, windowStart, windowEnd time.Time) ([]domain.BusyInterval, error) {
	if f.listFn == nil {
		panic("ListBusyIntervals not configured")
	}
	return f.listFn(ctx, therapistID, windowStart, windowEnd)
}

type fakeFeedback struct {
	submitFn     func(ctx context.Context, in feedback.SubmitInput) (domain.Feedback, error)
	listFn       func(ctx context.Context, therapistID string, includeHidden bool, actor domain.Actor) ([]domain.Feedback, error)
	visibilityFn func(ctx context.Context, feedbackID uuid.UUID, visible bool, actor domain.Actor) (domain.Feedback, error)
	deleteFn     func(ctx context.Context, feedbackID uuid.UUID, actor domain.Actor) error
	summaryFn    func(ctx context.Context, therapistID string) (domain.RatingSummary, error)
}

func (f *fakeFeedback) Submit(ctx context.Context, in feedback.SubmitInput) (domain.Feedback, error) {
	if f.submitFn == nil {
		panic("Submit not configured")
	}
	return f.submitFn(ctx, in)
}

func (f *fakeFeedback) ListForTherapist(ctx context.Context, therapistID string, includeHidden bool, actor domain.Actor) ([]domain.Feedback, error) {
	if f.listFn == nil {
		panic("ListForTherapist not configured")
	}
	return f.listFn(ctx, therapistID, includeHidden, actor)
}

func (f *fakeFeedback) SetVisibility(ctx context.Context, feedbackID uuid.UUID, visible bool, actor domain.Actor) (domain.Feedback, error) {
	if f.visibilityFn == nil {
		panic("SetVisibility not configured")
	}
	return f.visibilityFn(ctx, feedbackID, visible, actor)
}

func (f *fakeFeedback) Delete(ctx context.Context, feedbackID uuid.UUID, actor domain.Actor) error {
	if f.deleteFn == nil {
		panic("Delete not configured")
	}
	return f.deleteFn(ctx, feedbackID, actor)
}

func (f *fakeFeedback) Summary(ctx context.Context, therapistID string) (domain.RatingSummary, error) {
	if f.summaryFn == nil {
		panic("Summary not configured")
	}
	return f.summaryFn(ctx, therapistID)
}

type fakePresence struct {
	heartbeatFn func(ctx context.Context, userID string) error
	onlineFn    func(ctx context.Context, userIDs ...string) ([]presence.Status, error)
}

func (f *fakePresence) Heartbeat(ctx context.Context, userID string) error {
	if f.heartbeatFn == nil {
		panic("Heartbeat not configured")
	}
	return f.heartbeatFn(ctx, userID)
}

func (f *fakePresence) Online(ctx context.Context, userIDs ...string) ([]presence.Status, error) {
	if f.onlineFn == nil {
		panic("Online not configured")
	}
	return f.onlineFn(ctx, userIDs...)
}

type fakeSubscriber struct {
	subscribeFn func(ctx context.Context, therapistID string) (<-chan events.BookingEvent, error)
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, therapistID string) (<-chan events.BookingEvent, error) {
	if f.subscribeFn == nil {
		panic("Subscribe not configured")
	}
	return f.subscribeFn(ctx, therapistID)
}

type recordingStream struct {
	ctx  context.Context
	sent []events.BookingEvent
}

func (r *recordingStream) Send(ev *events.BookingEvent) error {
	r.sent = append(r.sent, *ev)
	return nil
}

func (r *recordingStream) Context() context.Context {
	return r.ctx
}
