package schedule

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestNextWeekdaysAcrossWeekend(t *testing.T) {
	spec := Spec{
		Type:      KindWeekdays,
		Config:    Config{Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
		TimeOfDay: "09:00",
		Timezone:  "America/New_York",
		IsActive:  true,
	}
	now := mustParse(t, "2024-06-01T00:00:00Z")

	next := Next(spec, now)
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-06-03T13:00:00Z"), *next)
}

func TestNextDailySpringForwardGap(t *testing.T) {
	// 02:30 does not exist on 2024-03-10 in New York; the schedule fires at
	// the first instant after the jump, 03:00 EDT.
	spec := Spec{Type: KindDaily, TimeOfDay: "02:30", Timezone: "America/New_York"}
	now := mustParse(t, "2024-03-10T06:00:00Z")

	next := Next(spec, now)
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-03-10T07:00:00Z"), *next)
}

func TestNextDailyFallBackFirstOccurrence(t *testing.T) {
	// 02:30 occurs twice on 2024-10-27 in Berlin; the first occurrence wins.
	spec := Spec{Type: KindDaily, TimeOfDay: "02:30", Timezone: "Europe/Berlin"}
	now := mustParse(t, "2024-10-26T22:00:00Z")

	next := Next(spec, now)
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-10-27T00:30:00Z"), *next)
}

func TestNextDaily(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		now  string
		want string
	}{
		{
			name: "before today's time",
			spec: Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "UTC"},
			now:  "2024-06-01T08:00:00Z",
			want: "2024-06-01T09:00:00Z",
		},
		{
			name: "after today's time",
			spec: Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "UTC"},
			now:  "2024-06-01T10:00:00Z",
			want: "2024-06-02T09:00:00Z",
		},
		{
			name: "exactly at today's time rolls over",
			spec: Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "UTC"},
			now:  "2024-06-01T09:00:00Z",
			want: "2024-06-02T09:00:00Z",
		},
		{
			name: "unknown timezone falls back to UTC",
			spec: Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "Mars/Olympus"},
			now:  "2024-06-01T08:00:00Z",
			want: "2024-06-01T09:00:00Z",
		},
		{
			name: "half hour offset zone",
			spec: Spec{Type: KindDaily, TimeOfDay: "08:00", Timezone: "Asia/Kolkata"},
			now:  "2024-06-01T12:00:00Z",
			want: "2024-06-02T02:30:00Z",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := Next(tc.spec, mustParse(t, tc.now))
			require.NotNil(t, next)
			assert.Equal(t, mustParse(t, tc.want), *next)
		})
	}
}

func TestNextInterval(t *testing.T) {
	spec := Spec{
		Type:      KindInterval,
		Config:    Config{IntervalDays: 3},
		TimeOfDay: "08:00",
		Timezone:  "Asia/Kolkata",
	}
	now := mustParse(t, "2024-06-01T12:00:00Z") // 17:30 IST

	next := Next(spec, now)
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-06-04T02:30:00Z"), *next)

	spec.Config.IntervalDays = 0
	assert.Nil(t, Next(spec, now))
}

func TestNextMonthlyClampsShortMonths(t *testing.T) {
	spec := Spec{
		Type:      KindMonthly,
		Config:    Config{DayOfMonth: 31},
		TimeOfDay: "10:00",
		Timezone:  "UTC",
	}

	next := Next(spec, mustParse(t, "2024-04-02T00:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-04-30T10:00:00Z"), *next)

	next = Next(spec, mustParse(t, "2024-04-30T11:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-05-31T10:00:00Z"), *next)
}

func TestNextMonthlySameMonth(t *testing.T) {
	spec := Spec{
		Type:      KindMonthly,
		Config:    Config{DayOfMonth: 15},
		TimeOfDay: "10:00",
		Timezone:  "UTC",
	}

	next := Next(spec, mustParse(t, "2024-06-20T00:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-07-15T10:00:00Z"), *next)
}

func TestNextYearlyLeapDay(t *testing.T) {
	spec := Spec{
		Type:      KindYearly,
		Config:    Config{Month: time.February, Day: 29},
		TimeOfDay: "12:00",
		Timezone:  "UTC",
	}

	next := Next(spec, mustParse(t, "2023-03-01T00:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2024-02-29T12:00:00Z"), *next)

	next = Next(spec, mustParse(t, "2024-03-01T00:00:00Z"))
	require.NotNil(t, next)
	assert.Equal(t, mustParse(t, "2025-02-28T12:00:00Z"), *next)
}

func TestNextOneTime(t *testing.T) {
	future := mustParse(t, "2024-12-01T18:00:00Z")
	now := mustParse(t, "2024-06-01T00:00:00Z")

	next := Next(Spec{Type: KindOneTime, Config: Config{Date: &future}}, now)
	require.NotNil(t, next)
	assert.Equal(t, future, *next)

	past := mustParse(t, "2023-01-01T00:00:00Z")
	assert.Nil(t, Next(Spec{Type: KindOneTime, Config: Config{Date: &past}}, now))
	assert.Nil(t, Next(Spec{Type: KindOneTime}, now))
}

func TestNextRejectsMalformedSpecs(t *testing.T) {
	now := mustParse(t, "2024-06-01T00:00:00Z")

	assert.Nil(t, Next(Spec{Type: KindDaily, TimeOfDay: "late", Timezone: "UTC"}, now))
	assert.Nil(t, Next(Spec{Type: KindDaily, Timezone: "UTC"}, now))
	assert.Nil(t, Next(Spec{Type: KindWeekdays, TimeOfDay: "09:00", Timezone: "UTC"}, now))
	assert.Nil(t, Next(Spec{Type: Kind("hourly"), TimeOfDay: "09:00", Timezone: "UTC"}, now))
}

func TestValidate(t *testing.T) {
	date := time.Now().Add(time.Hour)
	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"daily ok", Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "UTC"}, false},
		{"weekdays ok", Spec{Type: KindWeekdays, Config: Config{Weekdays: []time.Weekday{time.Monday}}, TimeOfDay: "09:00", Timezone: "America/New_York"}, false},
		{"one_time ok", Spec{Type: KindOneTime, Config: Config{Date: &date}}, false},
		{"bad time", Spec{Type: KindDaily, TimeOfDay: "24:99", Timezone: "UTC"}, true},
		{"bad timezone", Spec{Type: KindDaily, TimeOfDay: "09:00", Timezone: "Nowhere"}, true},
		{"empty weekdays", Spec{Type: KindWeekdays, TimeOfDay: "09:00", Timezone: "UTC"}, true},
		{"weekday out of range", Spec{Type: KindWeekdays, Config: Config{Weekdays: []time.Weekday{7}}, TimeOfDay: "09:00", Timezone: "UTC"}, true},
		{"zero interval", Spec{Type: KindInterval, TimeOfDay: "09:00", Timezone: "UTC"}, true},
		{"day of month out of range", Spec{Type: KindMonthly, Config: Config{DayOfMonth: 32}, TimeOfDay: "09:00", Timezone: "UTC"}, true},
		{"yearly month out of range", Spec{Type: KindYearly, Config: Config{Month: 13, Day: 1}, TimeOfDay: "09:00", Timezone: "UTC"}, true},
		{"one_time without date", Spec{Type: KindOneTime}, true},
		{"unknown type", Spec{Type: Kind("hourly"), TimeOfDay: "09:00", Timezone: "UTC"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNextProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	zones := gen.OneConstOf("UTC", "America/New_York", "Europe/Berlin", "Asia/Kolkata", "Australia/Sydney")
	instants := gen.Int64Range(
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	).Map(func(sec int64) time.Time { return time.Unix(sec, 0).UTC() })

	properties.Property("daily occurrences are strictly after now and in UTC", prop.ForAll(
		func(now time.Time, tz string, hour, minute int) bool {
			spec := Spec{
				Type:      KindDaily,
				TimeOfDay: formatTimeOfDay(hour, minute),
				Timezone:  tz,
			}
			next := Next(spec, now)
			return next != nil && next.After(now) && next.Location() == time.UTC
		},
		instants, zones, gen.IntRange(0, 23), gen.IntRange(0, 59),
	))

	properties.Property("daily occurrences advance under iteration", prop.ForAll(
		func(now time.Time, tz string, hour int) bool {
			spec := Spec{Type: KindDaily, TimeOfDay: formatTimeOfDay(hour, 0), Timezone: tz}
			first := Next(spec, now)
			if first == nil {
				return false
			}
			second := Next(spec, *first)
			return second != nil && second.After(*first)
		},
		instants, zones, gen.IntRange(0, 23),
	))

	properties.Property("weekday occurrences land on a configured weekday", prop.ForAll(
		func(now time.Time, tz string, raw []int) bool {
			days := make([]time.Weekday, 0, len(raw))
			for _, d := range raw {
				days = append(days, time.Weekday(d))
			}
			spec := Spec{
				Type:      KindWeekdays,
				Config:    Config{Weekdays: days},
				TimeOfDay: "09:00",
				Timezone:  tz,
			}
			next := Next(spec, now)
			if len(days) == 0 {
				return next == nil
			}
			if next == nil || !next.After(now) {
				return false
			}
			loc := loadLocation(tz)
			got := next.In(loc).Weekday()
			for _, d := range days {
				if d == got {
					return true
				}
			}
			return false
		},
		instants, zones, gen.SliceOf(gen.IntRange(0, 6)),
	))

	properties.Property("monthly occurrences never exceed the requested day", prop.ForAll(
		func(now time.Time, dayOfMonth int) bool {
			spec := Spec{
				Type:      KindMonthly,
				Config:    Config{DayOfMonth: dayOfMonth},
				TimeOfDay: "10:00",
				Timezone:  "UTC",
			}
			next := Next(spec, now)
			return next != nil && next.After(now) && next.Day() <= dayOfMonth
		},
		instants, gen.IntRange(1, 31),
	))

	properties.TestingRun(t)
}

func formatTimeOfDay(hour, minute int) string {
	return time.Date(0, 1, 1, hour, minute, 0, 0, time.UTC).Format("15:04")
}
