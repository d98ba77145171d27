package schema

import (
	"strings"
	"time"
)

// Override is the stored patch for one (rule, occurrence date) pair. Nil
// fields fall back to the rule defaults.
type Override struct {
	RuleID         string `json:"rule_id"`
	OccurrenceDate Date   `json:"occurrence_date"`

	Status        *Status    `json:"status,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Notes         *string    `json:"notes,omitempty"`
	ListID        *string    `json:"list_id,omitempty"`
	PlannedStart  *time.Time `json:"planned_start,omitempty"`
	PlannedEnd    *time.Time `json:"planned_end,omitempty"`
	ActualMinutes *int       `json:"actual_minutes,omitempty"`

	Skip    bool  `json:"skip"`
	MovedTo *Date `json:"moved_to_date,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the outbox key of the override.
func (o *Override) Key() string {
	return OverrideKey(o.RuleID, o.OccurrenceDate)
}

// Apply merges a patch into the stored override; absent patch fields keep
// their stored values.
func (o *Override) Apply(p *OverridePatch) {
	p.Status.Apply(&o.Status)
	p.Title.Apply(&o.Title)
	p.Notes.Apply(&o.Notes)
	p.ListID.Apply(&o.ListID)
	p.PlannedStart.Apply(&o.PlannedStart)
	p.PlannedEnd.Apply(&o.PlannedEnd)
	p.ActualMinutes.Apply(&o.ActualMinutes)
	if p.Skip.Present() {
		skip, _ := p.Skip.Get()
		o.Skip = skip
	}
	p.MovedTo.Apply(&o.MovedTo)
}

// Patch returns a patch that writes every field of o.
func (o *Override) Patch() *OverridePatch {
	return &OverridePatch{
		RuleID:         o.RuleID,
		OccurrenceDate: o.OccurrenceDate,
		Status:         FromPtr(o.Status),
		Title:          FromPtr(o.Title),
		Notes:          FromPtr(o.Notes),
		ListID:         FromPtr(o.ListID),
		PlannedStart:   FromPtr(o.PlannedStart),
		PlannedEnd:     FromPtr(o.PlannedEnd),
		ActualMinutes:  FromPtr(o.ActualMinutes),
		Skip:           Set(o.Skip),
		MovedTo:        FromPtr(o.MovedTo),
	}
}

// OverrideKey is the entity id used for an override in the outbox.
func OverrideKey(ruleID string, date Date) string {
	return ruleID + "@" + date.String()
}

// ParseOverrideKey splits an override key into rule id and date.
func ParseOverrideKey(key string) (string, Date, error) {
	i := strings.LastIndex(key, "@")
	if i < 0 {
		return "", Date{}, invalidf("override key %q has no date", key)
	}
	d, err := ParseDate(key[i+1:])
	if err != nil {
		return "", Date{}, err
	}
	return key[:i], d, nil
}

// OverridePatch is a partial write to an override. Only present fields are
// written; an explicit null clears the stored value.
type OverridePatch struct {
	RuleID         string `json:"rule_id"`
	OccurrenceDate Date   `json:"occurrence_date"`

	Status        Field[Status]    `json:"status,omitzero"`
	Title         Field[string]    `json:"title,omitzero"`
	Notes         Field[string]    `json:"notes,omitzero"`
	ListID        Field[string]    `json:"list_id,omitzero"`
	PlannedStart  Field[time.Time] `json:"planned_start,omitzero"`
	PlannedEnd    Field[time.Time] `json:"planned_end,omitzero"`
	ActualMinutes Field[int]       `json:"actual_minutes,omitzero"`
	Skip          Field[bool]      `json:"skip,omitzero"`
	MovedTo       Field[Date]      `json:"moved_to_date,omitzero"`
}

// Key returns the outbox key of the patched override.
func (p *OverridePatch) Key() string {
	return OverrideKey(p.RuleID, p.OccurrenceDate)
}

// Empty reports whether the patch writes nothing.
func (p *OverridePatch) Empty() bool {
	return !p.Status.Present() && !p.Title.Present() && !p.Notes.Present() &&
		!p.ListID.Present() && !p.PlannedStart.Present() && !p.PlannedEnd.Present() &&
		!p.ActualMinutes.Present() && !p.Skip.Present() && !p.MovedTo.Present()
}

// Validate checks the fields the patch carries.
func (p *OverridePatch) Validate() error {
	if p.RuleID == "" {
		return invalidf("override rule id is required")
	}
	if p.OccurrenceDate.IsZero() {
		return invalidf("override occurrence date is required")
	}
	if p.Empty() {
		return invalidf("override patch for %s writes nothing", p.Key())
	}
	if title, ok := p.Title.Get(); ok && strings.TrimSpace(title) == "" {
		return invalidf("override title must not be empty")
	}
	if status, ok := p.Status.Get(); ok && !status.Valid() {
		return invalidf("unknown status %q", status)
	}
	if p.Skip.IsNull() {
		return invalidf("skip cannot be null")
	}
	if m, ok := p.ActualMinutes.Get(); ok && m < 0 {
		return invalidf("actual minutes must not be negative (got %d)", m)
	}
	return nil
}

// Occurrence is the effective, Task-shaped view of one materialized
// occurrence of a rule.
type Occurrence struct {
	RuleID         string `json:"recurrence_id"`
	OccurrenceDate Date   `json:"occurrence_date"`
	// DisplayDate is the date the occurrence is grouped under; it differs
	// from OccurrenceDate when the occurrence was moved.
	DisplayDate Date `json:"display_date"`

	OwnerID         string     `json:"owner_id"`
	ListID          *string    `json:"list_id"`
	Title           string     `json:"title"`
	Notes           string     `json:"notes,omitempty"`
	Status          Status     `json:"status"`
	PlannedStart    *time.Time `json:"planned_start,omitempty"`
	PlannedEnd      *time.Time `json:"planned_end,omitempty"`
	EstimateMinutes *int       `json:"estimate_minutes,omitempty"`
	ActualMinutes   *int       `json:"actual_minutes,omitempty"`
	Priority        int        `json:"priority"`

	Overridden bool `json:"overridden"`
}

// Key returns the (rule, date) key of the occurrence.
func (o *Occurrence) Key() string {
	return OverrideKey(o.RuleID, o.OccurrenceDate)
}

// ToTask copies the effective fields into a new standalone task due on the
// display date.
func (o *Occurrence) ToTask(id string, now time.Time) *Task {
	due := o.DisplayDate
	return &Task{
		ID:              id,
		OwnerID:         o.OwnerID,
		ListID:          clonePtr(o.ListID),
		Title:           o.Title,
		Notes:           o.Notes,
		Status:          o.Status,
		DueDate:         &due,
		PlannedStart:    clonePtr(o.PlannedStart),
		PlannedEnd:      clonePtr(o.PlannedEnd),
		EstimateMinutes: clonePtr(o.EstimateMinutes),
		ActualMinutes:   clonePtr(o.ActualMinutes),
		Priority:        o.Priority,
		UpdatedAt:       now,
	}
}
