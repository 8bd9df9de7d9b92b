package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WeeklyAvailabilityRule is a therapist's working window for one weekday.
type WeeklyAvailabilityRule struct {
	bun.BaseModel `bun:"table:weekly_availability"`

	ID           uuid.UUID  `bun:"id,pk,type:uuid"`
	TherapistID  string     `bun:"therapist_id,notnull"`
	DayOfWeek    int16      `bun:"day_of_week,notnull"`
	StartTime    TimeOfDay  `bun:"start_time,notnull,type:varchar(5)"`
	EndTime      TimeOfDay  `bun:"end_time,notnull,type:varchar(5)"`
	BreakStart   *TimeOfDay `bun:"break_start,type:varchar(5)"`
	BreakMinutes int        `bun:"break_minutes,notnull"`
	DayOff       bool       `bun:"day_off,notnull"`
	Timezone     string     `bun:"timezone,notnull"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
}

func (r *WeeklyAvailabilityRule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if r.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		r.ID = id
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (r WeeklyAvailabilityRule) Weekday() time.Weekday {
	return time.Weekday(r.DayOfWeek)
}

func (r WeeklyAvailabilityRule) HasBreak() bool {
	return r.BreakStart != nil && r.BreakMinutes > 0
}

func (r WeeklyAvailabilityRule) BreakEnd() TimeOfDay {
	if !r.HasBreak() {
		return 0
	}
	return *r.BreakStart + TimeOfDay(r.BreakMinutes)
}

// Location resolves the rule's time zone, falling back to def when unset.
func (r WeeklyAvailabilityRule) Location(def *time.Location) (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return def, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, NewValidationError("invalid time_zone")
	}
	return loc, nil
}

func (r WeeklyAvailabilityRule) Validate() error {
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return NewValidationError("invalid weekday")
	}
	if r.DayOff {
		return nil
	}
	if !r.StartTime.Valid() || !r.EndTime.Valid() {
		return NewValidationError("invalid working hours")
	}
	if r.EndTime <= r.StartTime {
		return NewValidationError(fmt.Sprintf("end_time must be after start_time on %s", r.Weekday()))
	}
	if r.BreakStart == nil {
		if r.BreakMinutes != 0 {
			return NewValidationError("break_minutes requires break_start")
		}
		return nil
	}
	if r.BreakMinutes <= 0 {
		return NewValidationError("break_minutes must be positive")
	}
	if *r.BreakStart < r.StartTime || *r.BreakStart >= r.EndTime {
		return NewValidationError(fmt.Sprintf("break must start within working hours on %s", r.Weekday()))
	}
	if r.BreakEnd() > r.EndTime {
		return NewValidationError(fmt.Sprintf("break must end within working hours on %s", r.Weekday()))
	}
	return nil
}

// ValidateRuleSet checks a full replacement set for one therapist.
func ValidateRuleSet(therapistID string, rules []WeeklyAvailabilityRule) error {
	seen := make(map[int16]struct{}, len(rules))
	tz := ""
	for i, r := range rules {
		if r.TherapistID != therapistID {
			return NewValidationError("rule therapist_id does not match")
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := seen[r.DayOfWeek]; ok {
			return NewValidationError(fmt.Sprintf("duplicate rule for %s", r.Weekday()))
		}
		seen[r.DayOfWeek] = struct{}{}
		if i == 0 {
			tz = r.Timezone
		} else if r.Timezone != tz {
			return NewValidationError("all rules must share one time_zone")
		}
		if _, err := r.Location(time.UTC); err != nil {
			return err
		}
	}
	return nil
}

func SortRules(rules []WeeklyAvailabilityRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].DayOfWeek < rules[j].DayOfWeek })
}

type BusyReason string

const (
	BusyReasonSlot BusyReason = "slot"
	BusyReasonDay  BusyReason = "day"
)

// BusyInterval is a therapist-initiated block over [StartTime, EndTime).
type BusyInterval struct {
	bun.BaseModel `bun:"table:busy_intervals"`

	ID          uuid.UUID  `bun:"id,pk,type:uuid"`
	TherapistID string     `bun:"therapist_id,notnull"`
	StartTime   time.Time  `bun:"start_time,notnull"`
	EndTime     time.Time  `bun:"end_time,notnull"`
	Reason      BusyReason `bun:"reason,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
}

func (b *BusyInterval) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return Overlaps(b.StartTime, b.EndTime, start, end)
}

// TimeSlot is derived on every query and never stored.
type TimeSlot struct {
	Date      Date
	Time      TimeOfDay
	Start     time.Time
	End       time.Time
	Available bool
}
