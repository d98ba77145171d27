package schema

import (
	"slices"
	"strings"
	"time"
)

// Freq is the base frequency of a recurrence rule.
type Freq string

const (
	FreqDaily   Freq = "DAILY"
	FreqWeekly  Freq = "WEEKLY"
	FreqMonthly Freq = "MONTHLY"
)

// YearlyInterval is the MONTHLY interval that encodes a yearly rule.
const YearlyInterval = 12

// Rule describes a recurring task. Its fields are the defaults every
// materialized occurrence starts from.
type Rule struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"owner_id"`
	TemplateTaskID *string `json:"template_task_id,omitempty"`

	Title           string  `json:"title"`
	Notes           string  `json:"notes,omitempty"`
	ListID          *string `json:"list_id"`
	PlannedStart    *Clock  `json:"planned_start,omitempty"`
	PlannedEnd      *Clock  `json:"planned_end,omitempty"`
	EstimateMinutes *int    `json:"estimate_minutes,omitempty"`
	Priority        int     `json:"priority"`

	Freq       Freq           `json:"freq"`
	Interval   int            `json:"interval"`
	ByDay      []time.Weekday `json:"byday,omitempty"`
	ByMonthDay []int          `json:"bymonthday,omitempty"`
	Start      Date           `json:"start"`
	Until      *Date          `json:"until,omitempty"`
	Active     bool           `json:"active"`

	UpdatedAt time.Time `json:"updated_at"`
}

// IsYearly reports whether the rule is the MONTHLY/12 encoding of YEARLY.
func (r *Rule) IsYearly() bool {
	return r.Freq == FreqMonthly && r.Interval == YearlyInterval
}

// Normalize applies the save-time invariants: WEEKLY rules always include the
// start weekday, YEARLY rules carry the start day-of-month, and day sets are
// sorted and deduplicated.
func (r *Rule) Normalize() {
	if r.Interval == 0 {
		r.Interval = 1
	}
	switch r.Freq {
	case FreqDaily:
		r.ByDay = nil
		r.ByMonthDay = nil
	case FreqWeekly:
		if !slices.Contains(r.ByDay, r.Start.Weekday()) {
			r.ByDay = append(r.ByDay, r.Start.Weekday())
		}
		slices.Sort(r.ByDay)
		r.ByDay = slices.Compact(r.ByDay)
		r.ByMonthDay = nil
	case FreqMonthly:
		if r.IsYearly() {
			r.ByMonthDay = []int{r.Start.Day}
		}
		slices.Sort(r.ByMonthDay)
		r.ByMonthDay = slices.Compact(r.ByMonthDay)
		r.ByDay = nil
	}
}

// Validate checks a rule before it is persisted.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return invalidf("rule id is required")
	}
	if strings.TrimSpace(r.Title) == "" {
		return invalidf("rule title is required")
	}
	if len(r.Title) > MaxTitleLength {
		return invalidf("rule title must be %d characters or less (got %d)", MaxTitleLength, len(r.Title))
	}
	if r.Interval < 1 {
		return invalidf("interval must be at least 1 (got %d)", r.Interval)
	}
	if r.Start.IsZero() {
		return invalidf("rule start date is required")
	}
	if r.Until != nil && r.Until.Before(r.Start) {
		return invalidf("until %s is before start %s", r.Until, r.Start)
	}
	switch r.Freq {
	case FreqDaily:
	case FreqWeekly:
		if len(r.ByDay) == 0 {
			return invalidf("weekly rule needs at least one weekday")
		}
		for _, d := range r.ByDay {
			if d < time.Sunday || d > time.Saturday {
				return invalidf("weekday %d out of range", d)
			}
		}
	case FreqMonthly:
		if len(r.ByMonthDay) == 0 {
			return invalidf("monthly rule needs at least one day of month")
		}
		for _, d := range r.ByMonthDay {
			if d < 1 || d > 31 {
				return invalidf("day of month %d out of range", d)
			}
		}
	default:
		return invalidf("unknown frequency %q", r.Freq)
	}
	if r.PlannedStart != nil && !r.PlannedStart.Valid() {
		return invalidf("planned start %d is not a time of day", *r.PlannedStart)
	}
	if r.PlannedEnd != nil && !r.PlannedEnd.Valid() {
		return invalidf("planned end %d is not a time of day", *r.PlannedEnd)
	}
	if r.PlannedStart != nil && r.PlannedEnd != nil && *r.PlannedEnd <= *r.PlannedStart {
		return invalidf("planned end %s must be after planned start %s", r.PlannedEnd, r.PlannedStart)
	}
	return validMinutes("estimate", r.EstimateMinutes)
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	c := *r
	c.TemplateTaskID = clonePtr(r.TemplateTaskID)
	c.ListID = clonePtr(r.ListID)
	c.PlannedStart = clonePtr(r.PlannedStart)
	c.PlannedEnd = clonePtr(r.PlannedEnd)
	c.EstimateMinutes = clonePtr(r.EstimateMinutes)
	c.Until = clonePtr(r.Until)
	c.ByDay = slices.Clone(r.ByDay)
	c.ByMonthDay = slices.Clone(r.ByMonthDay)
	return &c
}
