package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/dayplan/internal/config"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseDay reads a calendar date: YYYY-MM-DD, or a phrase such as
// "tomorrow" or "next friday" relative to now.
func parseDay(s string, now time.Time) (schema.Date, error) {
	s = strings.TrimSpace(s)
	if d, err := schema.ParseDate(s); err == nil {
		return d, nil
	}
	switch strings.ToLower(s) {
	case "today":
		return schema.DateOf(now), nil
	case "tomorrow":
		return schema.DateOf(now).AddDays(1), nil
	case "yesterday":
		return schema.DateOf(now).AddDays(-1), nil
	}
	r, err := parser.Parse(s, now)
	if err != nil {
		return schema.Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	if r == nil {
		return schema.Date{}, fmt.Errorf("%w: no date in %q", schema.ErrInvalid, s)
	}
	return schema.DateOf(r.Time.In(now.Location())), nil
}

// parseMoment reads a point in time: HH:MM on day, RFC 3339, or a phrase
// such as "tomorrow at 3pm".
func parseMoment(s string, day schema.Date, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if c, err := schema.ParseClock(s); err == nil {
		return day.At(c, now.Location()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := parser.Parse(s, day.At(schema.ClockOf(now), now.Location()))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: no time in %q", schema.ErrInvalid, s)
	}
	return r.Time, nil
}

// parseClock reads a time of day for a rule.
func parseClock(s string) (*schema.Clock, error) {
	if s == "" {
		return nil, nil
	}
	c, err := schema.ParseClock(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// parseWeekdays reads a comma separated weekday set such as "MO,WE" or
// "monday,friday".
func parseWeekdays(values []string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := config.ParseWeekday(part)
			if err != nil {
				return nil, err
			}
			days = append(days, d)
		}
	}
	return days, nil
}
