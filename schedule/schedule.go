// Package schedule computes occurrence times for recurring digest schedules.
// All computation is done in the schedule's own timezone and the results are
// returned in UTC, so storage and comparison never depend on server locale.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every validation failure reported by Validate.
var ErrInvalid = errors.New("invalid schedule")

type (
	// Kind enumerates the supported recurrence patterns.
	Kind string

	// Config carries the kind-specific recurrence parameters. Only the fields
	// relevant to the spec's Type are consulted.
	Config struct {
		Weekdays     []time.Weekday `bson:"weekdays,omitempty" json:"weekdays,omitempty"`
		IntervalDays int            `bson:"interval_days,omitempty" json:"intervalDays,omitempty"`
		DayOfMonth   int            `bson:"day_of_month,omitempty" json:"dayOfMonth,omitempty"`
		Month        time.Month     `bson:"month,omitempty" json:"month,omitempty"`
		Day          int            `bson:"day,omitempty" json:"day,omitempty"`
		Date         *time.Time     `bson:"date,omitempty" json:"date,omitempty"`
	}

	// Spec is a complete recurrence description. TimeOfDay is a 24h "HH:MM"
	// wall-clock time interpreted in Timezone; it is ignored by one_time
	// specs, which carry an absolute instant in Config.Date.
	Spec struct {
		Type      Kind   `bson:"type" json:"type"`
		Config    Config `bson:"config" json:"config"`
		TimeOfDay string `bson:"time" json:"time"`
		Timezone  string `bson:"timezone" json:"timezone"`
		IsActive  bool   `bson:"is_active" json:"isActive"`
	}
)

const (
	KindDaily    Kind = "daily"
	KindWeekdays Kind = "specific_weekdays"
	KindInterval Kind = "fixed_interval"
	KindMonthly  Kind = "monthly_date"
	KindYearly   Kind = "yearly"
	KindOneTime  Kind = "one_time"
)

// Next computes the first instant strictly after now at which the spec fires
// and returns it in UTC. A nil result means the schedule has nothing left to
// fire: exhausted one_time specs, malformed wall-clock times, or recurrence
// parameters that cannot produce an occurrence.
func Next(spec Spec, now time.Time) *time.Time {
	var next time.Time
	if spec.Type == KindOneTime {
		if d := spec.Config.Date; d != nil && d.After(now) {
			next = *d
		}
	} else {
		hour, minute, ok := parseTimeOfDay(spec.TimeOfDay)
		if !ok {
			return nil
		}
		loc := loadLocation(spec.Timezone)
		local := now.In(loc)
		switch spec.Type {
		case KindDaily:
			next = nextDaily(local, hour, minute, loc)
		case KindWeekdays:
			next = nextWeekdays(local, spec.Config.Weekdays, hour, minute, loc)
		case KindInterval:
			next = nextInterval(local, spec.Config.IntervalDays, hour, minute, loc)
		case KindMonthly:
			next = nextMonthly(local, spec.Config.DayOfMonth, hour, minute, loc)
		case KindYearly:
			next = nextYearly(local, spec.Config.Month, spec.Config.Day, hour, minute, loc)
		default:
			return nil
		}
	}
	if next.IsZero() {
		return nil
	}
	utc := next.UTC()
	return &utc
}

// Validate reports whether the spec is well formed enough to store. It does
// not prove a future occurrence exists; Next decides that.
func (s Spec) Validate() error {
	if s.Type == KindOneTime {
		if s.Config.Date == nil {
			return fmt.Errorf("%w: one_time requires a date", ErrInvalid)
		}
		return nil
	}
	if _, _, ok := parseTimeOfDay(s.TimeOfDay); !ok {
		return fmt.Errorf("%w: time of day %q is not HH:MM", ErrInvalid, s.TimeOfDay)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalid, s.Timezone)
	}
	switch s.Type {
	case KindDaily:
	case KindWeekdays:
		if len(s.Config.Weekdays) == 0 {
			return fmt.Errorf("%w: specific_weekdays requires at least one weekday", ErrInvalid)
		}
		for _, d := range s.Config.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalid, d)
			}
		}
	case KindInterval:
		if s.Config.IntervalDays < 1 {
			return fmt.Errorf("%w: interval days must be at least 1", ErrInvalid)
		}
	case KindMonthly:
		if s.Config.DayOfMonth < 1 || s.Config.DayOfMonth > 31 {
			return fmt.Errorf("%w: day of month %d out of range", ErrInvalid, s.Config.DayOfMonth)
		}
	case KindYearly:
		if s.Config.Month < time.January || s.Config.Month > time.December {
			return fmt.Errorf("%w: month %d out of range", ErrInvalid, s.Config.Month)
		}
		if s.Config.Day < 1 || s.Config.Day > 31 {
			return fmt.Errorf("%w: day %d out of range", ErrInvalid, s.Config.Day)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, s.Type)
	}
	return nil
}

func nextDaily(local time.Time, hour, minute int, loc *time.Location) time.Time {
	candidate := resolveWallClock(local.Year(), local.Month(), local.Day(), hour, minute, loc)
	if candidate.After(local) {
		return candidate
	}
	day := local.AddDate(0, 0, 1)
	return resolveWallClock(day.Year(), day.Month(), day.Day(), hour, minute, loc)
}

func nextWeekdays(local time.Time, days []time.Weekday, hour, minute int, loc *time.Location) time.Time {
	if len(days) == 0 {
		return time.Time{}
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if !set[day.Weekday()] {
			continue
		}
		candidate := resolveWallClock(day.Year(), day.Month(), day.Day(), hour, minute, loc)
		if candidate.After(local) {
			return candidate
		}
	}
	return time.Time{}
}

func nextInterval(local time.Time, days, hour, minute int, loc *time.Location) time.Time {
	if days < 1 {
		return time.Time{}
	}
	day := local.AddDate(0, 0, days)
	return resolveWallClock(day.Year(), day.Month(), day.Day(), hour, minute, loc)
}

func nextMonthly(local time.Time, dayOfMonth, hour, minute int, loc *time.Location) time.Time {
	if dayOfMonth < 1 || dayOfMonth > 31 {
		return time.Time{}
	}
	year, month := local.Year(), local.Month()
	for i := 0; i < 14; i++ {
		day := dayOfMonth
		if last := daysIn(year, month); day > last {
			day = last
		}
		candidate := resolveWallClock(year, month, day, hour, minute, loc)
		if candidate.After(local) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	return time.Time{}
}

func nextYearly(local time.Time, month time.Month, dayOfMonth, hour, minute int, loc *time.Location) time.Time {
	if month < time.January || month > time.December || dayOfMonth < 1 || dayOfMonth > 31 {
		return time.Time{}
	}
	for i := 0; i < 3; i++ {
		year := local.Year() + i
		day := dayOfMonth
		if last := daysIn(year, month); day > last {
			day = last
		}
		candidate := resolveWallClock(year, month, day, hour, minute, loc)
		if candidate.After(local) {
			return candidate
		}
	}
	return time.Time{}
}

// resolveWallClock maps a wall-clock date and time in loc to an instant. A
// wall time skipped by a forward zone jump resolves to the first instant
// after the jump; an ambiguous wall time resolves to its first occurrence.
func resolveWallClock(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == minute && t.Day() == day {
		if earlier := t.Add(-time.Hour); earlier.Hour() == hour && earlier.Minute() == minute && earlier.Day() == day {
			return earlier
		}
		return t
	}
	// Skipped wall time. t lands within the jump's width of the transition,
	// so search the surrounding window for the first instant on the new
	// offset.
	lo, hi := t.Add(-24*time.Hour), t.Add(24*time.Hour)
	_, before := lo.In(loc).Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, off := mid.In(loc).Zone(); off == before {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi.Truncate(time.Second)
}

func parseTimeOfDay(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
