// Package schedule evaluates and validates channel quiet-hour schedules.
package schedule

import (
	"strings"
	"time"

	"notifyrouter/internal/model"
)

// Weekdays lists the accepted day abbreviations, Monday first.
var Weekdays = []string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}

// DayName returns the abbreviation used in schedules for d.
func DayName(d time.Weekday) string {
	// time.Weekday starts at Sunday.
	return Weekdays[(int(d)+6)%7]
}

// Evaluator decides whether a schedule-gated channel may receive a message
// now. All evaluations use Location so callers never mix clocks.
type Evaluator struct {
	Location *time.Location
	Now      func() time.Time
}

// NewEvaluator returns an evaluator pinned to loc (UTC when nil).
func NewEvaluator(loc *time.Location) Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return Evaluator{Location: loc, Now: time.Now}
}

func (e Evaluator) now() time.Time {
	loc := e.Location
	if loc == nil {
		loc = time.UTC
	}
	n := time.Now
	if e.Now != nil {
		n = e.Now
	}
	return n().In(loc)
}

// Allows evaluates the channel's schedule against the current time.
func (e Evaluator) Allows(isScheduled bool, s *model.Schedule) bool {
	return Allows(e.now(), isScheduled, s)
}

// Allows reports whether dispatch is permitted at now. An ungated channel
// always passes; a gated channel without a schedule never does.
func Allows(now time.Time, isScheduled bool, s *model.Schedule) bool {
	if !isScheduled {
		return true
	}
	if s == nil {
		return false
	}
	if !hasDay(s.Days, DayName(now.Weekday())) {
		return false
	}
	return InWindow(now.Hour(), s.StartHour, s.EndHour)
}

// InWindow tests hour against [start, end). When start >= end the window
// wraps past midnight.
func InWindow(hour, start, end int) bool {
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func hasDay(days []string, day string) bool {
	for _, d := range days {
		if strings.EqualFold(strings.TrimSpace(d), day) {
			return true
		}
	}
	return false
}

// Validate checks a schedule at the configuration boundary. allowOvernight
// permits start > end windows; equal start and end are always rejected.
func Validate(s model.Schedule, allowOvernight bool) error {
	if len(s.Days) == 0 {
		return model.Invalid("schedule.day_of_week", "at least one day is required")
	}
	seen := make(map[string]struct{}, len(s.Days))
	for _, d := range s.Days {
		name := strings.ToUpper(strings.TrimSpace(d))
		if !hasDay(Weekdays, name) {
			return model.Invalid("schedule.day_of_week", "unknown day %q", d)
		}
		if _, dup := seen[name]; dup {
			return model.Invalid("schedule.day_of_week", "duplicate day %q", d)
		}
		seen[name] = struct{}{}
	}
	if s.StartHour < 0 || s.StartHour > 24 {
		return model.Invalid("schedule.start_hour", "must be within 0..24, got %d", s.StartHour)
	}
	if s.EndHour < 1 || s.EndHour > 25 {
		return model.Invalid("schedule.end_hour", "must be within 1..25, got %d", s.EndHour)
	}
	if s.StartHour == s.EndHour {
		return model.Invalid("schedule", "start_hour and end_hour must differ")
	}
	if s.StartHour > s.EndHour && !allowOvernight {
		return model.Invalid("schedule", "end_hour must be greater than start_hour")
	}
	return nil
}

// Normalize upper-cases day names and orders them Monday first.
func Normalize(s model.Schedule) model.Schedule {
	out := model.Schedule{StartHour: s.StartHour, EndHour: s.EndHour}
	for _, w := range Weekdays {
		if hasDay(s.Days, w) {
			out.Days = append(out.Days, w)
		}
	}
	return out
}
