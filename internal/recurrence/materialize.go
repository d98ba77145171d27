package recurrence

import (
	"cmp"
	"slices"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Materialize combines a rule, a window and the rule's stored overrides into
// the effective occurrences displayed in [windowStart, windowEnd].
//
// Skipped occurrences are dropped. A moved occurrence is grouped under its
// moved-to date: it leaves the window when moved out and joins it when moved
// in from an original date outside the window. Paused rules materialize
// nothing. Planned times of day are resolved in loc.
func Materialize(rule *schema.Rule, windowStart, windowEnd schema.Date, overrides []schema.Override, loc *time.Location) []schema.Occurrence {
	if !rule.Active {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	byDate := make(map[schema.Date]*schema.Override, len(overrides))
	for i := range overrides {
		if overrides[i].RuleID == rule.ID {
			byDate[overrides[i].OccurrenceDate] = &overrides[i]
		}
	}

	var out []schema.Occurrence
	for d := range Expand(rule, windowStart, windowEnd) {
		ov := byDate[d]
		if ov != nil && ov.Skip {
			continue
		}
		occ := Effective(rule, d, ov, loc)
		if !occ.DisplayDate.Within(windowStart, windowEnd) {
			continue
		}
		out = append(out, occ)
	}

	// moved in from outside the window
	for d, ov := range byDate {
		if ov.Skip || ov.MovedTo == nil || d.Within(windowStart, windowEnd) {
			continue
		}
		if !ov.MovedTo.Within(windowStart, windowEnd) || !IsOccurrence(rule, d) {
			continue
		}
		out = append(out, Effective(rule, d, ov, loc))
	}

	SortOccurrences(out)
	return out
}

// Effective returns the occurrence of rule on date d, overlaid by ov when
// non-nil. The result does not consult ov.Skip.
func Effective(rule *schema.Rule, d schema.Date, ov *schema.Override, loc *time.Location) schema.Occurrence {
	if loc == nil {
		loc = time.Local
	}
	display := d
	if ov != nil && ov.MovedTo != nil {
		display = *ov.MovedTo
	}

	occ := schema.Occurrence{
		RuleID:          rule.ID,
		OccurrenceDate:  d,
		DisplayDate:     display,
		OwnerID:         rule.OwnerID,
		ListID:          copyPtr(rule.ListID),
		Title:           rule.Title,
		Notes:           rule.Notes,
		Status:          schema.StatusTodo,
		EstimateMinutes: copyPtr(rule.EstimateMinutes),
		Priority:        rule.Priority,
	}
	if rule.PlannedStart != nil {
		occ.PlannedStart = schema.Ptr(display.At(*rule.PlannedStart, loc))
	}
	if rule.PlannedEnd != nil {
		occ.PlannedEnd = schema.Ptr(display.At(*rule.PlannedEnd, loc))
	}

	if ov == nil {
		return occ
	}
	occ.Overridden = true
	if ov.Status != nil {
		occ.Status = *ov.Status
	}
	if ov.Title != nil {
		occ.Title = *ov.Title
	}
	if ov.Notes != nil {
		occ.Notes = *ov.Notes
	}
	if ov.ListID != nil {
		occ.ListID = copyPtr(ov.ListID)
	}
	if ov.PlannedStart != nil {
		occ.PlannedStart = copyPtr(ov.PlannedStart)
	}
	if ov.PlannedEnd != nil {
		occ.PlannedEnd = copyPtr(ov.PlannedEnd)
	}
	if ov.ActualMinutes != nil {
		occ.ActualMinutes = copyPtr(ov.ActualMinutes)
	}
	return occ
}

// SortOccurrences orders occurrences by display date, then planned start
// (unplanned last), then rule id.
func SortOccurrences(occs []schema.Occurrence) {
	slices.SortFunc(occs, func(a, b schema.Occurrence) int {
		if c := a.DisplayDate.Compare(b.DisplayDate); c != 0 {
			return c
		}
		switch {
		case a.PlannedStart != nil && b.PlannedStart != nil:
			if c := a.PlannedStart.Compare(*b.PlannedStart); c != 0 {
				return c
			}
		case a.PlannedStart != nil:
			return -1
		case b.PlannedStart != nil:
			return 1
		}
		return cmp.Compare(a.RuleID, b.RuleID)
	})
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
