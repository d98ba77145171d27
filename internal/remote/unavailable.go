package remote

import (
	"context"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Unavailable is a Client for a remote that could not be opened. Every call
// fails with a transient error wrapping the cause, so writes land in the
// outbox and replay once a real client is configured.
type Unavailable struct {
	Cause error
}

var _ Client = (*Unavailable)(nil)

func (u *Unavailable) fail(op string) error {
	cause := u.Cause
	if cause == nil {
		cause = ErrUnavailable
	}
	return &Error{Op: op, Transient: true, Err: cause}
}

func (u *Unavailable) FetchWindow(context.Context, schema.Date, schema.Date) ([]WindowRow, error) {
	return nil, u.fail("fetch window")
}

func (u *Unavailable) FetchLists(context.Context) ([]*schema.List, error) {
	return nil, u.fail("fetch lists")
}

func (u *Unavailable) FetchRules(context.Context) ([]*schema.Rule, error) {
	return nil, u.fail("fetch rules")
}

func (u *Unavailable) FetchOverrides(context.Context, string, schema.Date, schema.Date) ([]*schema.Override, error) {
	return nil, u.fail("fetch overrides")
}

func (u *Unavailable) UpsertTask(context.Context, *schema.Task) (string, error) {
	return "", u.fail("upsert task")
}

func (u *Unavailable) DeleteTask(context.Context, string) error { return u.fail("delete task") }

func (u *Unavailable) CountTasksInList(context.Context, string) (int, error) {
	return 0, u.fail("count tasks")
}

func (u *Unavailable) DeleteTasksInList(context.Context, string) (int, error) {
	return 0, u.fail("delete tasks in list")
}

func (u *Unavailable) MoveTasksToList(context.Context, string, *string) (int, error) {
	return 0, u.fail("move tasks")
}

func (u *Unavailable) UpsertList(context.Context, *schema.List) (string, error) {
	return "", u.fail("upsert list")
}

func (u *Unavailable) DeleteList(context.Context, string) error { return u.fail("delete list") }

func (u *Unavailable) UpsertSubtask(context.Context, *schema.Subtask) (string, error) {
	return "", u.fail("upsert subtask")
}

func (u *Unavailable) DeleteSubtask(context.Context, string) error { return u.fail("delete subtask") }

func (u *Unavailable) UpsertRecurrenceRule(context.Context, *schema.Rule) (RuleResult, error) {
	return RuleResult{}, u.fail("upsert rule")
}

func (u *Unavailable) SetRuleActive(context.Context, string, bool) error {
	return u.fail("set rule active")
}

func (u *Unavailable) UpsertOverride(context.Context, *schema.OverridePatch) error {
	return u.fail("upsert override")
}

func (u *Unavailable) SubscribeChanges(context.Context, func(ChangeEvent)) (func(), error) {
	return nil, u.fail("subscribe")
}
