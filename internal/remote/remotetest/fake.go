// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/dayplan/internal/recurrence"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Call records one remote call.
type Call struct {
	Method string
	ID     string
}

// Fake is an in-memory remote store. The zero value is not usable; call New.
type Fake struct {
	// IDFunc maps submitted ids to stored ids. The default keeps them.
	IDFunc func(kind schema.Entity, id string) string
	// DuplicateOccurrences makes FetchWindow return every recurring row twice.
	DuplicateOccurrences bool
	// Location places planned times on calendar days (default UTC).
	Location *time.Location

	mu        sync.Mutex
	offline   bool
	failures  map[string]error
	calls     []Call
	tasks     map[string]*schema.Task
	lists     map[string]*schema.List
	subtasks  map[string]*schema.Subtask
	rules     map[string]*schema.Rule
	overrides map[string]*schema.Override
	nextID    int
	pending   []remote.ChangeEvent
	hub       *remote.Hub
}

var _ remote.Client = (*Fake)(nil)

// New returns an empty, online fake.
func New() *Fake {
	return &Fake{
		failures:  make(map[string]error),
		tasks:     make(map[string]*schema.Task),
		lists:     make(map[string]*schema.List),
		subtasks:  make(map[string]*schema.Subtask),
		rules:     make(map[string]*schema.Rule),
		overrides: make(map[string]*schema.Override),
		hub:       remote.NewHub(),
		Location:  time.UTC,
	}
}

// SetOffline makes every call fail with a transient error while true.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.unlock()
	f.offline = offline
}

// FailNext makes the next call of method fail with err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.unlock()
	f.failures[method] = err
}

// Calls returns the calls made so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many times method was called.
func (f *Fake) CallCount(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Task returns the stored task.
func (f *Fake) Task(id string) (*schema.Task, bool) {
	f.mu.Lock()
	defer f.unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns the number of stored tasks.
func (f *Fake) Tasks() int {
	f.mu.Lock()
	defer f.unlock()
	return len(f.tasks)
}

// Rule returns the stored rule.
func (f *Fake) Rule(id string) (*schema.Rule, bool) {
	f.mu.Lock()
	defer f.unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Override returns the stored override.
func (f *Fake) Override(ruleID string, date schema.Date) (*schema.Override, bool) {
	f.mu.Lock()
	defer f.unlock()
	o, ok := f.overrides[schema.OverrideKey(ruleID, date)]
	if !ok {
		return nil, false
	}
	c := *o
	return &c, true
}

// List returns the stored list.
func (f *Fake) List(id string) (*schema.List, bool) {
	f.mu.Lock()
	defer f.unlock()
	l, ok := f.lists[id]
	if !ok {
		return nil, false
	}
	c := *l
	return &c, true
}

// Subtask returns the stored subtask.
func (f *Fake) Subtask(id string) (*schema.Subtask, bool) {
	f.mu.Lock()
	defer f.unlock()
	s, ok := f.subtasks[id]
	if !ok {
		return nil, false
	}
	c := *s
	return &c, true
}

// Publish announces a change as if another session made it.
func (f *Fake) Publish(ctx context.Context, ev remote.ChangeEvent) error {
	return f.hub.Publish(ctx, ev)
}

// Subscribers returns the number of live change subscriptions.
func (f *Fake) Subscribers() int {
	return f.hub.Subscribers()
}

// begin records the call and reports the failure it should return. The
// caller must hold f.mu.
func (f *Fake) begin(method, id string) error {
	f.calls = append(f.calls, Call{Method: method, ID: id})
	if f.offline {
		return &remote.Error{Op: method, Transient: true, Err: remote.ErrUnavailable}
	}
	if err, ok := f.failures[method]; ok {
		delete(f.failures, method)
		return err
	}
	return nil
}

func (f *Fake) id(kind schema.Entity, id string) string {
	if f.IDFunc == nil {
		return id
	}
	return f.IDFunc(kind, id)
}

// changed queues an event for delivery once f.mu is released. The caller
// must hold f.mu.
func (f *Fake) changed(table string, op schema.Op, id string) {
	f.pending = append(f.pending, remote.ChangeEvent{Table: table, Op: op, ID: id, At: time.Now()})
}

// unlock releases f.mu and then delivers queued events, so subscribers may
// call back into the fake.
func (f *Fake) unlock() {
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, ev := range pending {
		_ = f.hub.Publish(context.Background(), ev)
	}
}

// SubscribeChanges implements remote.Subscriber.
func (f *Fake) SubscribeChanges(ctx context.Context, onChange func(remote.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	err := f.begin("SubscribeChanges", "")
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.hub.SubscribeChanges(ctx, onChange)
}

// FetchWindow implements remote.Store.
func (f *Fake) FetchWindow(_ context.Context, start, end schema.Date) ([]remote.WindowRow, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("FetchWindow", ""); err != nil {
		return nil, err
	}

	templates := make(map[string]bool)
	for _, r := range f.rules {
		if r.TemplateTaskID != nil {
			templates[*r.TemplateTaskID] = true
		}
	}
	var rows []remote.WindowRow
	for _, t := range f.tasks {
		if templates[t.ID] {
			continue
		}
		if day, ok := t.Day(f.Location); ok && day.Within(start, end) {
			rows = append(rows, remote.WindowRow{Task: *t.Clone()})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Task.ID < rows[j].Task.ID })

	for _, id := range sortedKeys(f.rules) {
		r := f.rules[id]
		var overrides []schema.Override
		for _, o := range f.overrides {
			if o.RuleID == r.ID {
				overrides = append(overrides, *o)
			}
		}
		for _, occ := range recurrence.Materialize(r, start, end, overrides, f.Location) {
			date := occ.OccurrenceDate
			row := remote.WindowRow{
				Task:           *occ.ToTask(occ.Key(), r.UpdatedAt),
				IsRecurring:    true,
				RecurrenceID:   r.ID,
				OccurrenceDate: &date,
			}
			rows = append(rows, row)
			if f.DuplicateOccurrences {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// FetchLists implements remote.Store.
func (f *Fake) FetchLists(context.Context) ([]*schema.List, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("FetchLists", ""); err != nil {
		return nil, err
	}
	var out []*schema.List
	for _, id := range sortedKeys(f.lists) {
		c := *f.lists[id]
		out = append(out, &c)
	}
	return out, nil
}

// FetchRules implements remote.Store.
func (f *Fake) FetchRules(context.Context) ([]*schema.Rule, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("FetchRules", ""); err != nil {
		return nil, err
	}
	var out []*schema.Rule
	for _, id := range sortedKeys(f.rules) {
		out = append(out, f.rules[id].Clone())
	}
	return out, nil
}

// FetchOverrides implements remote.Store.
func (f *Fake) FetchOverrides(_ context.Context, ruleID string, start, end schema.Date) ([]*schema.Override, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("FetchOverrides", ruleID); err != nil {
		return nil, err
	}
	var out []*schema.Override
	for _, key := range sortedKeys(f.overrides) {
		o := f.overrides[key]
		if ruleID != "" && o.RuleID != ruleID {
			continue
		}
		if o.OccurrenceDate.Within(start, end) || (o.MovedTo != nil && o.MovedTo.Within(start, end)) {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

// UpsertTask implements remote.Store.
func (f *Fake) UpsertTask(_ context.Context, task *schema.Task) (string, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("UpsertTask", task.ID); err != nil {
		return "", err
	}
	if err := task.Validate(); err != nil {
		return "", &remote.Error{Op: "UpsertTask", Err: err}
	}
	t := task.Clone()
	t.ID = f.id(schema.EntityTask, t.ID)
	f.tasks[t.ID] = t
	f.changed(remote.TableTasks, schema.OpUpsert, t.ID)
	return t.ID, nil
}

// DeleteTask implements remote.Store.
func (f *Fake) DeleteTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("DeleteTask", id); err != nil {
		return err
	}
	delete(f.tasks, id)
	for sid, s := range f.subtasks {
		if s.TaskID == id {
			delete(f.subtasks, sid)
		}
	}
	f.changed(remote.TableTasks, schema.OpDelete, id)
	return nil
}

// CountTasksInList implements remote.Store.
func (f *Fake) CountTasksInList(_ context.Context, listID string) (int, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("CountTasksInList", listID); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range f.tasks {
		if t.ListID != nil && *t.ListID == listID {
			n++
		}
	}
	return n, nil
}

// DeleteTasksInList implements remote.Store.
func (f *Fake) DeleteTasksInList(_ context.Context, listID string) (int, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("DeleteTasksInList", listID); err != nil {
		return 0, err
	}
	n := 0
	for id, t := range f.tasks {
		if t.ListID != nil && *t.ListID == listID {
			delete(f.tasks, id)
			n++
		}
	}
	return n, nil
}

// MoveTasksToList implements remote.Store.
func (f *Fake) MoveTasksToList(_ context.Context, from string, to *string) (int, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("MoveTasksToList", from); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range f.tasks {
		if t.ListID != nil && *t.ListID == from {
			if to == nil {
				t.ListID = nil
			} else {
				t.ListID = schema.Ptr(*to)
			}
			n++
		}
	}
	return n, nil
}

// UpsertList implements remote.Store.
func (f *Fake) UpsertList(_ context.Context, list *schema.List) (string, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("UpsertList", list.ID); err != nil {
		return "", err
	}
	l := *list
	l.ID = f.id(schema.EntityList, l.ID)
	f.lists[l.ID] = &l
	return l.ID, nil
}

// DeleteList implements remote.Store.
func (f *Fake) DeleteList(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("DeleteList", id); err != nil {
		return err
	}
	delete(f.lists, id)
	return nil
}

// UpsertSubtask implements remote.Store.
func (f *Fake) UpsertSubtask(_ context.Context, sub *schema.Subtask) (string, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("UpsertSubtask", sub.ID); err != nil {
		return "", err
	}
	s := *sub
	s.ID = f.id(schema.EntitySubtask, s.ID)
	f.subtasks[s.ID] = &s
	return s.ID, nil
}

// DeleteSubtask implements remote.Store.
func (f *Fake) DeleteSubtask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("DeleteSubtask", id); err != nil {
		return err
	}
	delete(f.subtasks, id)
	return nil
}

// UpsertRecurrenceRule implements remote.Store. New rules get a template
// task with a generated id.
func (f *Fake) UpsertRecurrenceRule(_ context.Context, rule *schema.Rule) (remote.RuleResult, error) {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("UpsertRecurrenceRule", rule.ID); err != nil {
		return remote.RuleResult{}, err
	}
	r := rule.Clone()
	r.ID = f.id(schema.EntityRule, r.ID)
	r.Normalize()
	if err := r.Validate(); err != nil {
		return remote.RuleResult{}, &remote.Error{Op: "UpsertRecurrenceRule", Err: err}
	}
	if r.TemplateTaskID == nil {
		if stored, ok := f.rules[r.ID]; ok && stored.TemplateTaskID != nil {
			r.TemplateTaskID = schema.Ptr(*stored.TemplateTaskID)
		} else {
			f.nextID++
			id := fmt.Sprintf("00000000-0000-4000-8000-%012d", f.nextID)
			f.tasks[id] = &schema.Task{
				ID: id, OwnerID: r.OwnerID, ListID: r.ListID, Title: r.Title, Notes: r.Notes,
				Status: schema.StatusTodo, Priority: r.Priority, UpdatedAt: r.UpdatedAt,
			}
			r.TemplateTaskID = &id
		}
	}
	f.rules[r.ID] = r
	f.changed(remote.TableRules, schema.OpUpsert, r.ID)
	return remote.RuleResult{ID: r.ID, TemplateTaskID: schema.Ptr(*r.TemplateTaskID)}, nil
}

// SetRuleActive implements remote.Store.
func (f *Fake) SetRuleActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("SetRuleActive", id); err != nil {
		return err
	}
	r, ok := f.rules[id]
	if !ok {
		return &remote.Error{Op: "SetRuleActive", Err: remote.ErrNotFound}
	}
	r.Active = active
	f.changed(remote.TableRules, schema.OpUpsert, id)
	return nil
}

// UpsertOverride implements remote.Store.
func (f *Fake) UpsertOverride(_ context.Context, patch *schema.OverridePatch) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.begin("UpsertOverride", patch.Key()); err != nil {
		return err
	}
	if err := patch.Validate(); err != nil {
		return &remote.Error{Op: "UpsertOverride", Err: err}
	}
	o, ok := f.overrides[patch.Key()]
	if !ok {
		o = &schema.Override{RuleID: patch.RuleID, OccurrenceDate: patch.OccurrenceDate}
		f.overrides[patch.Key()] = o
	}
	o.Apply(patch)
	f.changed(remote.TableOverrides, schema.OpUpsert, patch.Key())
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
