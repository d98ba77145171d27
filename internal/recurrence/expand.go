// Package recurrence expands recurrence rules into occurrence dates and
// materializes them into effective occurrences.
//
// Expansion is a pure function of the rule and the window: nothing is cached
// between calls and the returned sequence can be ranged over any number of
// times.
package recurrence

import (
	"iter"
	"slices"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Expand returns the occurrence dates of rule that fall within
// [windowStart, windowEnd] and within [rule.Start, rule.Until].
//
// Days of month that do not exist in a given month are skipped, never
// clamped. A MONTHLY rule with interval 12 is expanded as yearly on the
// start's month and day.
func Expand(rule *schema.Rule, windowStart, windowEnd schema.Date) iter.Seq[schema.Date] {
	lo, hi, ok := bounds(rule, windowStart, windowEnd)
	if !ok {
		return func(func(schema.Date) bool) {}
	}
	interval := max(rule.Interval, 1)

	switch rule.Freq {
	case schema.FreqDaily:
		return daily(rule.Start, lo, hi, interval)
	case schema.FreqWeekly:
		return weekly(rule, lo, hi, interval)
	case schema.FreqMonthly:
		if rule.IsYearly() {
			return yearly(rule.Start, lo, hi)
		}
		return monthly(rule, lo, hi, interval)
	default:
		return func(func(schema.Date) bool) {}
	}
}

// IsOccurrence reports whether d is an occurrence date of rule.
func IsOccurrence(rule *schema.Rule, d schema.Date) bool {
	for range Expand(rule, d, d) {
		return true
	}
	return false
}

// Dates collects Expand into a slice.
func Dates(rule *schema.Rule, windowStart, windowEnd schema.Date) []schema.Date {
	return slices.Collect(Expand(rule, windowStart, windowEnd))
}

func bounds(rule *schema.Rule, windowStart, windowEnd schema.Date) (lo, hi schema.Date, ok bool) {
	if rule.Start.IsZero() {
		return lo, hi, false
	}
	lo, hi = windowStart, windowEnd
	if lo.Before(rule.Start) {
		lo = rule.Start
	}
	if rule.Until != nil && hi.After(*rule.Until) {
		hi = *rule.Until
	}
	return lo, hi, !lo.After(hi)
}

func daily(start, lo, hi schema.Date, interval int) iter.Seq[schema.Date] {
	return func(yield func(schema.Date) bool) {
		// first k with start + k*interval >= lo
		k := (lo.DaysSince(start) + interval - 1) / interval
		for d := start.AddDays(k * interval); !d.After(hi); d = d.AddDays(interval) {
			if !yield(d) {
				return
			}
		}
	}
}

func weekly(rule *schema.Rule, lo, hi schema.Date, interval int) iter.Seq[schema.Date] {
	anchor := mondayOf(rule.Start)
	return func(yield func(schema.Date) bool) {
		for d := lo; !d.After(hi); d = d.AddDays(1) {
			if !slices.Contains(rule.ByDay, d.Weekday()) {
				continue
			}
			if (d.DaysSince(anchor)/7)%interval != 0 {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

func monthly(rule *schema.Rule, lo, hi schema.Date, interval int) iter.Seq[schema.Date] {
	days := slices.Sorted(slices.Values(rule.ByMonthDay))
	days = slices.Compact(days)
	return func(yield func(schema.Date) bool) {
		for m := lo.AddMonths(0); !m.After(hi); m = m.AddMonths(1) {
			if monthsBetween(rule.Start, m)%interval != 0 {
				continue
			}
			last := schema.DaysIn(m.Year, m.Month)
			for _, day := range days {
				if day < 1 || day > last {
					continue
				}
				d := schema.Date{Year: m.Year, Month: m.Month, Day: day}
				if !d.Within(lo, hi) {
					continue
				}
				if !yield(d) {
					return
				}
			}
		}
	}
}

func yearly(start, lo, hi schema.Date) iter.Seq[schema.Date] {
	return func(yield func(schema.Date) bool) {
		for y := lo.Year; y <= hi.Year; y++ {
			if start.Day > schema.DaysIn(y, start.Month) {
				continue
			}
			d := schema.Date{Year: y, Month: start.Month, Day: start.Day}
			if !d.Within(lo, hi) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// mondayOf returns the Monday starting the week that contains d.
func mondayOf(d schema.Date) schema.Date {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

func monthsBetween(from, to schema.Date) int {
	return (to.Year-from.Year)*12 + int(to.Month) - int(from.Month)
}

