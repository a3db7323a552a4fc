package schedule

import (
	"errors"
	"testing"
	"time"

	"notifyrouter/internal/model"
)

// 2024-01-01 is a Monday.
func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 30, 0, 0, time.UTC)
}

func TestDayName(t *testing.T) {
	t.Parallel()
	if got := DayName(time.Sunday); got != "SUN" {
		t.Fatalf("DayName(Sunday) = %s", got)
	}
	if got := DayName(time.Monday); got != "MON" {
		t.Fatalf("DayName(Monday) = %s", got)
	}
	if got := DayName(at(1, 0).Weekday()); got != "MON" {
		t.Fatalf("2024-01-01 = %s, want MON", got)
	}
}

func TestInWindowExhaustive(t *testing.T) {
	t.Parallel()
	for start := 0; start <= 24; start++ {
		for end := 1; end <= 25; end++ {
			for h := 0; h < 24; h++ {
				var want bool
				if start < end {
					want = start <= h && h < end
				} else {
					want = h >= start || h < end
				}
				if got := InWindow(h, start, end); got != want {
					t.Fatalf("InWindow(%d, %d, %d) = %v, want %v", h, start, end, got, want)
				}
			}
		}
	}
}

func TestAllows(t *testing.T) {
	t.Parallel()
	workdays := &model.Schedule{Days: []string{"MON", "TUE", "WED", "THU", "FRI"}, StartHour: 9, EndHour: 18}
	overnight := &model.Schedule{Days: []string{"MON"}, StartHour: 22, EndHour: 6}

	tests := []struct {
		name      string
		now       time.Time
		scheduled bool
		sched     *model.Schedule
		want      bool
	}{
		{name: "not gated", now: at(6, 3), scheduled: false, sched: workdays, want: true},
		{name: "gated without schedule", now: at(1, 10), scheduled: true, sched: nil, want: false},
		{name: "inside window", now: at(1, 10), scheduled: true, sched: workdays, want: true},
		{name: "end is exclusive", now: at(1, 18), scheduled: true, sched: workdays, want: false},
		{name: "weekend", now: at(6, 10), scheduled: true, sched: workdays, want: false},
		{name: "overnight late", now: at(1, 23), scheduled: true, sched: overnight, want: true},
		{name: "overnight early", now: at(1, 2), scheduled: true, sched: overnight, want: true},
		{name: "overnight midday", now: at(1, 12), scheduled: true, sched: overnight, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Allows(tt.now, tt.scheduled, tt.sched); got != tt.want {
				t.Fatalf("Allows = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluatorUsesReferenceLocation(t *testing.T) {
	t.Parallel()
	// 23:30 UTC Monday is 08:30 Tuesday in UTC+9.
	loc := time.FixedZone("UTC+9", 9*3600)
	e := Evaluator{Location: loc, Now: func() time.Time { return at(1, 23) }}
	s := &model.Schedule{Days: []string{"TUE"}, StartHour: 8, EndHour: 9}
	if !e.Allows(true, s) {
		t.Fatalf("expected schedule to be evaluated in the reference location")
	}
	utc := Evaluator{Now: func() time.Time { return at(1, 23) }}
	if utc.Allows(true, s) {
		t.Fatalf("expected UTC evaluation to reject")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		s         model.Schedule
		overnight bool
		ok        bool
	}{
		{name: "valid", s: model.Schedule{Days: []string{"MON"}, StartHour: 0, EndHour: 24}, ok: true},
		{name: "end 25", s: model.Schedule{Days: []string{"sun"}, StartHour: 24, EndHour: 25}, ok: true},
		{name: "no days", s: model.Schedule{StartHour: 1, EndHour: 2}},
		{name: "bad day", s: model.Schedule{Days: []string{"FUN"}, StartHour: 1, EndHour: 2}},
		{name: "duplicate day", s: model.Schedule{Days: []string{"MON", "mon"}, StartHour: 1, EndHour: 2}},
		{name: "start too big", s: model.Schedule{Days: []string{"MON"}, StartHour: 25, EndHour: 25}},
		{name: "end zero", s: model.Schedule{Days: []string{"MON"}, StartHour: 0, EndHour: 0}},
		{name: "equal", s: model.Schedule{Days: []string{"MON"}, StartHour: 5, EndHour: 5}, overnight: true},
		{name: "overnight rejected", s: model.Schedule{Days: []string{"MON"}, StartHour: 22, EndHour: 6}},
		{name: "overnight allowed", s: model.Schedule{Days: []string{"MON"}, StartHour: 22, EndHour: 6}, overnight: true, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.s, tt.overnight)
			if tt.ok && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, model.ErrInvalidArgument) {
					t.Fatalf("error %v does not match ErrInvalidArgument", err)
				}
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	got := Normalize(model.Schedule{Days: []string{"fri", "MON"}, StartHour: 1, EndHour: 2})
	if len(got.Days) != 2 || got.Days[0] != "MON" || got.Days[1] != "FRI" {
		t.Fatalf("Normalize days = %v", got.Days)
	}
}
