package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/recurrence"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// SaveRule creates or replaces a recurrence rule. New rules start active.
// The remote creates the template task; its id is linked once the push is
// confirmed.
func (e *Engine) SaveRule(ctx context.Context, rule *schema.Rule) (*schema.Rule, error) {
	r := rule.Clone()
	if r.ID == "" {
		r.ID = identity.NewID()
		r.Active = true
	} else if existing, err := e.db.GetRule(ctx, r.ID); err == nil {
		if r.TemplateTaskID == nil {
			r.TemplateTaskID = existing.TemplateTaskID
		}
	} else if cache.IsNotFound(err) {
		r.Active = true
	} else {
		return nil, err
	}
	if r.OwnerID == "" {
		r.OwnerID = e.owner
	}
	r.UpdatedAt = e.now()
	r.Normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkList(ctx, r.ListID); err != nil {
		return nil, err
	}

	if err := e.db.UpsertRule(ctx, r); err != nil {
		return nil, err
	}
	id, err := e.reconcile(ctx, schema.EntityRule, r.ID)
	if err != nil {
		return nil, err
	}
	r.ID = id

	id, err = e.push(ctx, schema.EntityRule, r.ID, schema.OpUpsert, r)
	if stored, getErr := e.db.GetRule(ctx, id); getErr == nil {
		return stored, err
	}
	r.ID = id
	return r, err
}

// SetRuleActive pauses or resumes a rule. Paused rules materialize nothing.
func (e *Engine) SetRuleActive(ctx context.Context, id string, active bool) error {
	if err := e.db.SetRuleActive(ctx, id, active, e.now()); err != nil {
		return err
	}
	_, err := e.push(ctx, schema.EntityRuleActive, id, schema.OpUpsert, &schema.ActivePayload{ID: id, Active: active})
	return err
}

// Rules lists the cached rules.
func (e *Engine) Rules(ctx context.Context, activeOnly bool) ([]*schema.Rule, error) {
	return e.db.ListRules(ctx, activeOnly)
}

// ConvertToRecurring turns a standalone task into a rule: the task's fields
// become the rule defaults, and the task is deleted once the rule is saved.
// Recurrence fields (Freq, Interval, ByDay, ByMonthDay, Until) come from
// rule; an empty Start defaults to the task's day, or today.
func (e *Engine) ConvertToRecurring(ctx context.Context, taskID string, rule *schema.Rule) (*schema.Rule, error) {
	task, err := e.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if owner, err := e.db.RuleByTemplate(ctx, taskID); err == nil {
		return nil, fmt.Errorf("%w: task %s is the template of rule %s", schema.ErrInvalid, taskID, owner.ID)
	} else if !cache.IsNotFound(err) {
		return nil, err
	}

	r := rule.Clone()
	r.ID = ""
	r.TemplateTaskID = nil
	r.OwnerID = task.OwnerID
	r.Title = task.Title
	r.Notes = task.Notes
	r.ListID = task.ListID
	r.EstimateMinutes = task.EstimateMinutes
	r.Priority = task.Priority
	if task.PlannedStart != nil {
		r.PlannedStart = schema.Ptr(schema.ClockOf(task.PlannedStart.In(e.loc)))
	}
	if task.PlannedEnd != nil {
		r.PlannedEnd = schema.Ptr(schema.ClockOf(task.PlannedEnd.In(e.loc)))
	}
	if r.Start.IsZero() {
		if day, ok := task.Day(e.loc); ok {
			r.Start = day
		} else {
			r.Start = e.Today()
		}
	}

	saved, saveErr := e.SaveRule(ctx, r)
	if saved == nil {
		return nil, saveErr
	}
	return saved, firstErr(saveErr, e.DeleteTask(ctx, taskID))
}

// Scope says what an edit of a recurring task writes.
type Scope int

const (
	// ScopeOccurrence writes an override for one date only.
	ScopeOccurrence Scope = iota
	// ScopeSeries writes the rule, and with it every occurrence that has no
	// override for the edited fields.
	ScopeSeries
)

func (s Scope) String() string {
	if s == ScopeSeries {
		return "series"
	}
	return "occurrence"
}

// ParseScope parses "occurrence" or "series".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "occurrence", "this", "":
		return ScopeOccurrence, nil
	case "series", "all":
		return ScopeSeries, nil
	}
	return 0, fmt.Errorf("%w: unknown edit scope %q", schema.ErrInvalid, s)
}

// Edit is a partial change to a recurring task. Present fields are written;
// an explicit null clears.
type Edit struct {
	Title        schema.Field[string]
	Notes        schema.Field[string]
	ListID       schema.Field[string]
	PlannedStart schema.Field[time.Time]
	PlannedEnd   schema.Field[time.Time]

	// Occurrence scope only.
	Status        schema.Field[schema.Status]
	ActualMinutes schema.Field[int]
	MovedTo       schema.Field[schema.Date]
}

// Edit applies edit to the occurrence of rule ruleID on date with the given
// scope. Occurrence scope writes only an override; series scope writes the
// rule and then projects its displayed fields onto the template task.
func (e *Engine) Edit(ctx context.Context, ruleID string, date schema.Date, scope Scope, edit Edit) error {
	rule, err := e.db.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if !recurrence.IsOccurrence(rule, date) {
		return fmt.Errorf("%w: %s on %s", ErrNotOccurrence, ruleID, date)
	}
	if scope == ScopeSeries {
		return e.editSeries(ctx, rule, edit)
	}

	patch := &schema.OverridePatch{
		RuleID:         ruleID,
		OccurrenceDate: date,
		Status:         edit.Status,
		Title:          edit.Title,
		Notes:          edit.Notes,
		ListID:         edit.ListID,
		PlannedStart:   edit.PlannedStart,
		PlannedEnd:     edit.PlannedEnd,
		ActualMinutes:  edit.ActualMinutes,
		MovedTo:        edit.MovedTo,
	}
	return e.writeOverride(ctx, patch)
}

func (e *Engine) writeOverride(ctx context.Context, patch *schema.OverridePatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	if list, ok := patch.ListID.Get(); ok {
		if err := e.checkList(ctx, &list); err != nil {
			return err
		}
	}
	if err := e.db.UpsertOverride(ctx, patch, e.now()); err != nil {
		return err
	}
	_, err := e.push(ctx, schema.EntityOverride, patch.Key(), schema.OpUpsert, patch)
	return err
}

func (e *Engine) editSeries(ctx context.Context, rule *schema.Rule, edit Edit) error {
	if edit.Status.Present() || edit.ActualMinutes.Present() || edit.MovedTo.Present() {
		return fmt.Errorf("%w: status, actual minutes and moves apply to one occurrence only", schema.ErrInvalid)
	}
	if title, ok := edit.Title.Get(); ok {
		rule.Title = title
	} else if edit.Title.IsNull() {
		return fmt.Errorf("%w: rule title is required", schema.ErrInvalid)
	}
	if edit.Notes.Present() {
		notes, _ := edit.Notes.Get()
		rule.Notes = notes
	}
	edit.ListID.Apply(&rule.ListID)
	if edit.PlannedStart.Present() {
		rule.PlannedStart = clockOf(edit.PlannedStart.Ptr(), e.loc)
	}
	if edit.PlannedEnd.Present() {
		rule.PlannedEnd = clockOf(edit.PlannedEnd.Ptr(), e.loc)
	}

	saved, saveErr := e.SaveRule(ctx, rule)
	if saved == nil {
		return saveErr
	}
	return firstErr(saveErr, e.projectSeries(ctx, saved))
}

// projectSeries writes the rule's displayed fields onto its template task.
// The projection is one-way: the template is never read back into the rule.
func (e *Engine) projectSeries(ctx context.Context, rule *schema.Rule) error {
	if rule.TemplateTaskID == nil {
		return nil
	}
	template, err := e.db.GetTask(ctx, *rule.TemplateTaskID)
	if cache.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.SaveTask(ctx, projectTemplate(rule, template, e.now(), e.loc))
	return err
}

func clockOf(t *time.Time, loc *time.Location) *schema.Clock {
	if t == nil {
		return nil
	}
	return schema.Ptr(schema.ClockOf(t.In(loc)))
}

// Detach turns one occurrence into a standalone task. The occurrence is
// first skipped; only once that skip is committed locally is the task
// created, with a fresh id, the occurrence's effective fields and no link to
// the rule. Detaching cannot be undone.
func (e *Engine) Detach(ctx context.Context, ruleID string, date schema.Date) (*schema.Task, error) {
	rule, err := e.db.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !recurrence.IsOccurrence(rule, date) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotOccurrence, ruleID, date)
	}
	ov, err := e.db.GetOverride(ctx, ruleID, date)
	if cache.IsNotFound(err) {
		ov = nil
	} else if err != nil {
		return nil, err
	}
	if ov != nil && ov.Skip {
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyDetached, ruleID, date)
	}
	occ := recurrence.Effective(rule, date, ov, e.loc)

	skipErr := e.writeOverride(ctx, &schema.OverridePatch{
		RuleID:         ruleID,
		OccurrenceDate: date,
		Skip:           schema.Set(true),
	})
	if skipErr != nil && !IsQueued(skipErr) {
		return nil, fmt.Errorf("failed to skip occurrence: %w", skipErr)
	}

	task, err := e.SaveTask(ctx, occ.ToTask(identity.NewID(), e.now()))
	if task == nil {
		return nil, fmt.Errorf("occurrence skipped but task not created: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"rule_id": ruleID,
		"date":    date.String(),
		"task_id": task.ID,
	}).Info("detached occurrence")
	return task, firstErr(skipErr, err)
}
