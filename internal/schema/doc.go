// Package schema defines the planner's data model.
//
// # Overview
//
// Standalone work is stored as Task rows grouped into Lists. Recurring work
// is never stored per day: a Rule expands into occurrence dates and each date
// may carry an Override that patches, skips or moves that single occurrence.
//
// # Dates
//
// Calendar values use Date (no time of day, no location) and rule times of
// day use Clock. Both encode as text:
//
//	{"start": "2024-01-01", "planned_start": "09:30"}
//
// # Patches
//
// OverridePatch tracks presence per field with Field[T], so a patch can leave
// a stored value alone, replace it, or clear it:
//
//	p := &schema.OverridePatch{
//	    RuleID:         rule.ID,
//	    OccurrenceDate: schema.MustDate("2024-01-03"),
//	    Title:          schema.Set("Dentist"),
//	    Notes:          schema.Null[string](),
//	}
//
// encodes as {"rule_id":...,"occurrence_date":"2024-01-03","title":"Dentist","notes":null}.
//
// # Outbox
//
// OutboxEntry records a remote write that has not been confirmed yet. Override
// entries are keyed by OverrideKey (rule id and date joined by "@").
package schema
