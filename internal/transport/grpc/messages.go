package grpc

import (
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
	"therapia/backend/internal/events"
	"therapia/backend/internal/presence"
)

type Empty struct{}

type Slot struct {
	Date      domain.Date      `json:"date"`
	Time      domain.TimeOfDay `json:"time"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Available bool             `json:"available"`
}

type GetSlotsRequest struct {
	TherapistID   string      `json:"therapist_id"`
	Date          domain.Date `json:"date"`
	OnlyAvailable bool        `json:"only_available,omitempty"`
}

type GetSlotsResponse struct {
	Slots []Slot `json:"slots"`
}

type ListAvailableDatesRequest struct {
	TherapistID string `json:"therapist_id"`
	HorizonDays int    `json:"horizon_days"`
}

type ListAvailableDatesResponse struct {
	Dates []domain.Date `json:"dates"`
}

type Booking struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	ClientName      string    `json:"client_name,omitempty"`
	ClientEmail     string    `json:"client_email,omitempty"`
	TherapistID     string    `json:"therapist_id"`
	TherapistName   string    `json:"therapist_name,omitempty"`
	SessionTime     time.Time `json:"session_time"`
	SessionEnd      time.Time `json:"session_end"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	PaymentStatus   string    `json:"payment_status"`
	AmountCents     int64     `json:"amount_cents"`
	RatingSubmitted bool      `json:"rating_submitted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CreateBookingRequest struct {
	ClientID        string    `json:"client_id"`
	ClientName      string    `json:"client_name"`
	ClientEmail     string    `json:"client_email"`
	TherapistID     string    `json:"therapist_id"`
	TherapistName   string    `json:"therapist_name"`
	SessionTime     time.Time `json:"session_time"`
	DurationMinutes int       `json:"duration_minutes"`
	AmountCents     int64     `json:"amount_cents"`
	DeferPayment    bool      `json:"defer_payment,omitempty"`
}

type RescheduleBookingRequest struct {
	BookingID      string    `json:"booking_id"`
	TherapistID    string    `json:"therapist_id"`
	NewSessionTime time.Time `json:"new_session_time"`
}

// BookingRequest addresses a single booking for Get, Cancel, Complete and Confirm.
type BookingRequest struct {
	BookingID string `json:"booking_id"`
}

type BookingResponse struct {
	Booking Booking `json:"booking"`
}

type ListTherapistBookingsRequest struct {
	TherapistID string    `json:"therapist_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type ListClientBookingsRequest struct {
	ClientID    string    `json:"client_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type ListBookingsResponse struct {
	Bookings []Booking `json:"bookings"`
}

type Rule struct {
	ID           string            `json:"id,omitempty"`
	DayOfWeek    int16             `json:"day_of_week"`
	StartTime    domain.TimeOfDay  `json:"start_time"`
	EndTime      domain.TimeOfDay  `json:"end_time"`
	BreakStart   *domain.TimeOfDay `json:"break_start,omitempty"`
	BreakMinutes int               `json:"break_minutes,omitempty"`
	DayOff       bool              `json:"day_off,omitempty"`
	Timezone     string            `json:"time_zone"`
}

type PutWeeklyAvailabilityRequest struct {
	TherapistID string `json:"therapist_id"`
	Rules       []Rule `json:"rules"`
}

type GetWeeklyAvailabilityRequest struct {
	TherapistID string `json:"therapist_id"`
}

type WeeklyAvailabilityResponse struct {
	Rules []Rule `json:"rules"`
}

type BusyInterval struct {
	ID          string    `json:"id"`
	TherapistID string    `json:"therapist_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Reason      string    `json:"reason"`
}

type BlockSlotRequest struct {
	TherapistID string    `json:"therapist_id"`
	StartTime   time.Time `json:"start_time"`
	Minutes     int       `json:"minutes"`
}

type BlockDayRequest struct {
	TherapistID string      `json:"therapist_id"`
	Date        domain.Date `json:"date"`
}

type BusyIntervalResponse struct {
	Interval BusyInterval `json:"interval"`
}

type UnblockRequest struct {
	TherapistID string `json:"therapist_id"`
	IntervalID  string `json:"interval_id"`
}

type ListBusyIntervalsRequest struct {
	TherapistID string    `json:"therapist_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type ListBusyIntervalsResponse struct {
	Intervals []BusyInterval `json:"intervals"`
}

type Feedback struct {
	ID          string    `json:"id"`
	BookingID   string    `json:"booking_id"`
	ClientName  string    `json:"client_name,omitempty"`
	TherapistID string    `json:"therapist_id"`
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	Visible     bool      `json:"visible"`
	CreatedAt   time.Time `json:"created_at"`
}

type SubmitFeedbackRequest struct {
	BookingID string `json:"booking_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type FeedbackResponse struct {
	Feedback Feedback `json:"feedback"`
}

type ListFeedbackRequest struct {
	TherapistID   string `json:"therapist_id"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
}

type RatingSummary struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type ListFeedbackResponse struct {
	Feedback []Feedback    `json:"feedback"`
	Summary  RatingSummary `json:"summary"`
}

type SetFeedbackVisibilityRequest struct {
	FeedbackID string `json:"feedback_id"`
	Visible    bool   `json:"visible"`
}

type DeleteFeedbackRequest struct {
	FeedbackID string `json:"feedback_id"`
}

type GetPresenceRequest struct {
	UserIDs []string `json:"user_ids"`
}

type GetPresenceResponse struct {
	Statuses []presence.Status `json:"statuses"`
}

type ExportBookingsRequest struct {
	TherapistID string    `json:"therapist_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type ExportBookingsResponse struct {
	Filename string `json:"filename"`
	// Content is the XLSX workbook, base64 encoded on the wire.
	Content []byte `json:"content"`
}

type WatchBookingsRequest struct {
	TherapistID string `json:"therapist_id"`
}

func toSlot(s domain.TimeSlot) Slot {
	return Slot{
		Date:      s.Date,
		Time:      s.Time,
		Label:     s.Time.Format12h(),
		Start:     s.Start,
		End:       s.End,
		Available: s.Available,
	}
}

func toBooking(b domain.Booking) Booking {
	return Booking{
		ID:              b.ID.String(),
		ClientID:        b.ClientID,
		ClientName:      b.ClientName,
		ClientEmail:     b.ClientEmail,
		TherapistID:     b.TherapistID,
		TherapistName:   b.TherapistName,
		SessionTime:     b.SessionTime,
		SessionEnd:      b.End(),
		DurationMinutes: int(b.Duration() / time.Minute),
		Status:          string(b.Status),
		PaymentStatus:   string(b.PaymentStatus),
		AmountCents:     b.AmountCents,
		RatingSubmitted: b.RatingSubmitted,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func toBookings(bs []domain.Booking) []Booking {
	out := make([]Booking, 0, len(bs))
	for _, b := range bs {
		out = append(out, toBooking(b))
	}
	return out
}

func toRule(r domain.WeeklyAvailabilityRule) Rule {
	out := Rule{
		DayOfWeek:    r.DayOfWeek,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		BreakStart:   r.BreakStart,
		BreakMinutes: r.BreakMinutes,
		DayOff:       r.DayOff,
		Timezone:     r.Timezone,
	}
	if r.ID != uuid.Nil {
		out.ID = r.ID.String()
	}
	return out
}

func toRules(rs []domain.WeeklyAvailabilityRule) []Rule {
	out := make([]Rule, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRule(r))
	}
	return out
}

func fromRule(therapistID string, r Rule) domain.WeeklyAvailabilityRule {
	return domain.WeeklyAvailabilityRule{
		TherapistID:  therapistID,
		DayOfWeek:    r.DayOfWeek,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		BreakStart:   r.BreakStart,
		BreakMinutes: r.BreakMinutes,
		DayOff:       r.DayOff,
		Timezone:     r.Timezone,
	}
}

func toBusyInterval(b domain.BusyInterval) BusyInterval {
	return BusyInterval{
		ID:          b.ID.String(),
		TherapistID: b.TherapistID,
		StartTime:   b.StartTime,
		EndTime:     b.EndTime,
		Reason:      string(b.Reason),
	}
}

func toFeedback(f domain.Feedback) Feedback {
	return Feedback{
		ID:          f.ID.String(),
		BookingID:   f.BookingID.String(),
		ClientName:  f.ClientName,
		TherapistID: f.TherapistID,
		Rating:      f.Rating,
		Comment:     f.Comment,
		Visible:     f.Visible,
		CreatedAt:   f.CreatedAt,
	}
}

// visibleEvent drops the client's identity for watchers who may not see it.
func visibleEvent(actor domain.Actor, ev events.BookingEvent) events.BookingEvent {
	if actor.Is(domain.RoleTherapist, ev.TherapistID) || (ev.ClientID != "" && actor.Is(domain.RoleClient, ev.ClientID)) {
		return ev
	}
	ev.ClientID = ""
	ev.BookingID = uuid.Nil
	return ev
}
