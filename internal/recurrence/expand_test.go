package recurrence

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

func d(s string) schema.Date { return schema.MustDate(s) }

func dates(ss ...string) []schema.Date {
	out := make([]schema.Date, len(ss))
	for i, s := range ss {
		out[i] = d(s)
	}
	return out
}

func rule(freq schema.Freq, start string, mutate ...func(*schema.Rule)) *schema.Rule {
	r := &schema.Rule{ID: "R", Title: "Routine", Freq: freq, Interval: 1, Start: d(start), Active: true}
	for _, m := range mutate {
		m(r)
	}
	r.Normalize()
	return r
}

func TestExpand_WeeklyMondayWednesday(t *testing.T) {
	r := rule(schema.FreqWeekly, "2024-01-01", func(r *schema.Rule) {
		r.ByDay = []time.Weekday{time.Monday, time.Wednesday}
	})

	got := Dates(r, d("2024-01-01"), d("2024-01-14"))

	assert.Equal(t, dates("2024-01-01", "2024-01-03", "2024-01-08", "2024-01-10"), got)
}

func TestExpand_MonthlySkipsMissingDays(t *testing.T) {
	r := rule(schema.FreqMonthly, "2024-01-01", func(r *schema.Rule) {
		r.ByMonthDay = []int{31}
	})

	got := Dates(r, d("2024-01-01"), d("2024-03-31"))

	assert.Equal(t, dates("2024-01-31", "2024-03-31"), got)
	assert.Empty(t, Dates(r, d("2024-02-01"), d("2024-02-29")))
}

func TestExpand_Daily(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		until    string
		from, to string
		want     []schema.Date
	}{
		{
			name: "every day", interval: 1,
			from: "2024-01-01", to: "2024-01-03",
			want: dates("2024-01-01", "2024-01-02", "2024-01-03"),
		},
		{
			name: "every third day aligned to start", interval: 3,
			from: "2024-01-05", to: "2024-01-14",
			want: dates("2024-01-07", "2024-01-10", "2024-01-13"),
		},
		{
			name: "window before start", interval: 1,
			from: "2023-12-30", to: "2024-01-01",
			want: dates("2024-01-01"),
		},
		{
			name: "clipped by until", interval: 2, until: "2024-01-06",
			from: "2024-01-01", to: "2024-01-31",
			want: dates("2024-01-01", "2024-01-03", "2024-01-05"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule(schema.FreqDaily, "2024-01-01", func(r *schema.Rule) {
				r.Interval = tt.interval
				if tt.until != "" {
					r.Until = schema.Ptr(d(tt.until))
				}
			})
			assert.Equal(t, tt.want, Dates(r, d(tt.from), d(tt.to)))
		})
	}
}

func TestExpand_WeeklyInterval(t *testing.T) {
	// Wednesday start; weeks counted from Monday 2024-01-01
	r := rule(schema.FreqWeekly, "2024-01-03", func(r *schema.Rule) {
		r.Interval = 2
		r.ByDay = []time.Weekday{time.Monday}
	})

	got := Dates(r, d("2024-01-01"), d("2024-01-31"))

	assert.Equal(t, dates("2024-01-03", "2024-01-15", "2024-01-17", "2024-01-29", "2024-01-31"), got)
}

func TestExpand_MonthlyInterval(t *testing.T) {
	r := rule(schema.FreqMonthly, "2024-01-15", func(r *schema.Rule) {
		r.Interval = 3
		r.ByMonthDay = []int{15, 1}
	})

	got := Dates(r, d("2024-01-01"), d("2024-07-31"))

	// the 1st of January precedes the start
	assert.Equal(t, dates("2024-01-15", "2024-04-01", "2024-04-15", "2024-07-01", "2024-07-15"), got)
}

func TestExpand_Yearly(t *testing.T) {
	r := rule(schema.FreqMonthly, "2024-02-29", func(r *schema.Rule) {
		r.Interval = schema.YearlyInterval
	})

	got := Dates(r, d("2024-01-01"), d("2032-12-31"))

	assert.Equal(t, dates("2024-02-29", "2028-02-29", "2032-02-29"), got)
}

func TestExpand_EmptyWindows(t *testing.T) {
	r := rule(schema.FreqDaily, "2024-01-10", func(r *schema.Rule) {
		r.Until = schema.Ptr(d("2024-01-20"))
	})

	assert.Empty(t, Dates(r, d("2024-01-01"), d("2024-01-09")), "window before start")
	assert.Empty(t, Dates(r, d("2024-01-21"), d("2024-02-01")), "window after until")
	assert.Empty(t, Dates(r, d("2024-01-15"), d("2024-01-14")), "inverted window")
	assert.Empty(t, Dates(&schema.Rule{Freq: schema.FreqDaily, Interval: 1}, d("2024-01-01"), d("2024-01-31")), "no start")
}

// Every emitted date lies in the window and the rule's bounds, satisfies the
// frequency predicate, and repeated expansion yields the same dates.
func TestExpand_Properties(t *testing.T) {
	rules := []*schema.Rule{
		rule(schema.FreqDaily, "2023-11-20", func(r *schema.Rule) { r.Interval = 4 }),
		rule(schema.FreqWeekly, "2023-12-06", func(r *schema.Rule) {
			r.ByDay = []time.Weekday{time.Sunday, time.Friday}
			r.Until = schema.Ptr(d("2024-05-01"))
		}),
		rule(schema.FreqWeekly, "2024-01-02", func(r *schema.Rule) { r.Interval = 3 }),
		rule(schema.FreqMonthly, "2023-10-30", func(r *schema.Rule) { r.ByMonthDay = []int{29, 30, 31} }),
		rule(schema.FreqMonthly, "2020-03-31", func(r *schema.Rule) { r.Interval = schema.YearlyInterval }),
	}
	windows := [][2]schema.Date{
		{d("2023-01-01"), d("2023-12-31")},
		{d("2024-01-01"), d("2024-03-31")},
		{d("2024-02-01"), d("2024-02-29")},
		{d("2024-06-15"), d("2025-06-15")},
	}

	for _, r := range rules {
		for _, w := range windows {
			first := Dates(r, w[0], w[1])
			second := Dates(r, w[0], w[1])
			require.Equal(t, first, second, "%s %v: expansion is not idempotent", r.Freq, w)

			require.True(t, slices.IsSortedFunc(first, schema.Date.Compare), "dates not ascending")
			for _, got := range first {
				assert.True(t, got.Within(w[0], w[1]), "%v outside window %v", got, w)
				assert.False(t, got.Before(r.Start), "%v before start %v", got, r.Start)
				if r.Until != nil {
					assert.False(t, got.After(*r.Until), "%v after until", got)
				}
				switch {
				case r.Freq == schema.FreqDaily:
					assert.Zero(t, got.DaysSince(r.Start)%r.Interval)
				case r.Freq == schema.FreqWeekly:
					assert.Contains(t, r.ByDay, got.Weekday())
				case r.IsYearly():
					assert.Equal(t, r.Start.Month, got.Month)
					assert.Equal(t, r.Start.Day, got.Day)
				default:
					assert.Contains(t, r.ByMonthDay, got.Day)
				}
				assert.True(t, IsOccurrence(r, got))
			}
		}
	}
}

func TestExpand_StopsEarly(t *testing.T) {
	r := rule(schema.FreqDaily, "2024-01-01")
	n := 0
	for range Expand(r, d("2024-01-01"), d("2030-01-01")) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestIsOccurrence(t *testing.T) {
	r := rule(schema.FreqWeekly, "2024-01-01", func(r *schema.Rule) {
		r.ByDay = []time.Weekday{time.Monday, time.Wednesday}
	})
	assert.True(t, IsOccurrence(r, d("2024-01-10")))
	assert.False(t, IsOccurrence(r, d("2024-01-09")))
	assert.False(t, IsOccurrence(r, d("2023-12-27")), "before start")
}
