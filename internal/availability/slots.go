// Package availability derives bookable time slots from a therapist's weekly
// template, blocked intervals and existing bookings.
package availability

import (
	"time"

	"github.com/google/uuid"

	"therapia/backend/internal/domain"
)

const DefaultSlotLength = 30 * time.Minute

// DayInput is everything GenerateSlots needs to lay out one date.
type DayInput struct {
	Date       domain.Date
	Rule       domain.WeeklyAvailabilityRule
	Location   *time.Location
	SlotLength time.Duration
	Busy       []domain.BusyInterval
	Bookings   []domain.Booking
	Now        time.Time

	// ExcludeBookingID is ignored when checking booking overlap (a booking being rescheduled).
	ExcludeBookingID uuid.UUID
}

// GenerateSlots lays out fixed-length ticks from the rule's start while the tick
// still ends by the rule's end, skipping ticks that touch the break.
//
// A tick is unavailable when it starts before Now, or when [tick, tick+SlotLength)
// overlaps a busy interval or the full window of an occupying booking.
// All intervals are half-open.
func GenerateSlots(in DayInput) []domain.TimeSlot {
	if in.Rule.DayOff {
		return nil
	}

	step := in.SlotLength
	if step <= 0 {
		step = DefaultSlotLength
	}
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	start := in.Rule.StartTime.On(in.Date, loc)
	end := in.Rule.EndTime.On(in.Date, loc)

	var breakStart, breakEnd time.Time
	hasBreak := in.Rule.HasBreak()
	if hasBreak {
		breakStart = in.Rule.BreakStart.On(in.Date, loc)
		breakEnd = breakStart.Add(time.Duration(in.Rule.BreakMinutes) * time.Minute)
	}

	slots := make([]domain.TimeSlot, 0, int(end.Sub(start)/step))
	for tick := start; !tick.Add(step).After(end); tick = tick.Add(step) {
		slotEnd := tick.Add(step)

		if hasBreak && domain.Overlaps(tick, slotEnd, breakStart, breakEnd) {
			continue
		}

		available := !tick.Before(in.Now) &&
			!busyOverlaps(in.Busy, tick, slotEnd) &&
			overlappingBooking(in.Bookings, tick, slotEnd, in.ExcludeBookingID) == nil

		slots = append(slots, domain.TimeSlot{
			Date:      in.Date,
			Time:      domain.TimeOfDayOf(tick.In(loc)),
			Start:     tick,
			End:       slotEnd,
			Available: available,
		})
	}

	return slots
}

// AvailableOnly filters slots down to the ones that can be booked.
func AvailableOnly(slots []domain.TimeSlot) []domain.TimeSlot {
	var out []domain.TimeSlot
	for _, s := range slots {
		if s.Available {
			out = append(out, s)
		}
	}
	return out
}

func HasAvailable(slots []domain.TimeSlot) bool {
	for _, s := range slots {
		if s.Available {
			return true
		}
	}
	return false
}

func busyOverlaps(busy []domain.BusyInterval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func firstBusy(busy []domain.BusyInterval, start, end time.Time) *domain.BusyInterval {
	for i := range busy {
		if busy[i].Overlaps(start, end) {
			return &busy[i]
		}
	}
	return nil
}

func overlappingBooking(bookings []domain.Booking, start, end time.Time, exclude uuid.UUID) *domain.Booking {
	for i := range bookings {
		b := &bookings[i]
		if exclude != uuid.Nil && b.ID == exclude {
			continue
		}
		if b.OverlapsWindow(start, end) {
			return b
		}
	}
	return nil
}
