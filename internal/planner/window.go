package planner

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/recurrence"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Item is one row of a window read: either a standalone task or a
// materialized occurrence, grouped under Date.
type Item struct {
	Date       schema.Date        `json:"date"`
	Task       *schema.Task       `json:"task,omitempty"`
	Occurrence *schema.Occurrence `json:"occurrence,omitempty"`
}

// Title returns the displayed title.
func (it *Item) Title() string {
	if it.Occurrence != nil {
		return it.Occurrence.Title
	}
	return it.Task.Title
}

// Status returns the displayed status.
func (it *Item) Status() schema.Status {
	if it.Occurrence != nil {
		return it.Occurrence.Status
	}
	return it.Task.Status
}

// Start returns the planned start, if any.
func (it *Item) Start() *time.Time {
	if it.Occurrence != nil {
		return it.Occurrence.PlannedStart
	}
	return it.Task.PlannedStart
}

// Key returns the task id, or the (rule, date) key of an occurrence.
func (it *Item) Key() string {
	if it.Occurrence != nil {
		return it.Occurrence.Key()
	}
	return it.Task.ID
}

type windowKey struct {
	start, end schema.Date
}

// WindowCache memoizes window reads until the next invalidation. A read
// computed across an invalidation is not stored.
type WindowCache struct {
	mu    sync.Mutex
	gen   uint64
	items map[windowKey][]Item
}

// NewWindowCache returns an empty cache.
func NewWindowCache() *WindowCache {
	return &WindowCache{items: make(map[windowKey][]Item)}
}

// Get returns the cached read of [start, end] and the current generation.
func (c *WindowCache) Get(start, end schema.Date) ([]Item, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.items[windowKey{start, end}]
	return items, c.gen, ok
}

// Put stores a read taken at generation gen. It is dropped when the cache was
// invalidated since.
func (c *WindowCache) Put(gen uint64, start, end schema.Date, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.items[windowKey{start, end}] = items
}

// Invalidate drops every cached read.
func (c *WindowCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.items)
}

// Len returns the number of cached windows.
func (c *WindowCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Window returns what is displayed in [start, end]: cached standalone tasks
// merged with the occurrences of every active rule, ordered by date, then
// planned start, then title. Reads only the local cache.
func (e *Engine) Window(ctx context.Context, start, end schema.Date) ([]Item, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: window end %s is before start %s", schema.ErrInvalid, end, start)
	}
	cached, gen, ok := e.window.Get(start, end)
	if ok {
		return slices.Clone(cached), nil
	}

	tasks, err := e.db.TasksInWindow(ctx, start, end, e.loc)
	if err != nil {
		return nil, err
	}
	rules, err := e.db.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	stored, err := e.db.ListOverrides(ctx, "", start, end)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string][]schema.Override)
	for _, o := range stored {
		overrides[o.RuleID] = append(overrides[o.RuleID], *o)
	}

	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		day, _ := t.Day(e.loc)
		items = append(items, Item{Date: day, Task: t})
	}
	for _, rule := range rules {
		for _, occ := range recurrence.Materialize(rule, start, end, overrides[rule.ID], e.loc) {
			items = append(items, Item{Date: occ.DisplayDate, Occurrence: &occ})
		}
	}
	slices.SortStableFunc(items, compareItems)

	e.window.Put(gen, start, end, items)
	return slices.Clone(items), nil
}

func compareItems(a, b Item) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	as, bs := a.Start(), b.Start()
	switch {
	case as != nil && bs != nil:
		if c := as.Compare(*bs); c != 0 {
			return c
		}
	case as != nil:
		return -1
	case bs != nil:
		return 1
	}
	return cmp.Compare(a.Title(), b.Title())
}

// PullResult counts what a pull wrote to the cache.
type PullResult struct {
	Lists       int
	Rules       int
	Overrides   int
	Tasks       int
	Occurrences int
	Deleted     int
	// Skipped counts remote rows not applied because local writes of the
	// same entity are still queued.
	Skipped int
}

// Pull refreshes the cache from the remote for [start, end]: lists, rules,
// the window's overrides and its standalone tasks. Rows with queued local
// writes keep their local version. Cached tasks of the window the remote no
// longer returns are removed. Recurring rows are not cached; occurrences are
// materialized from the pulled rules and overrides.
func (e *Engine) Pull(ctx context.Context, start, end schema.Date) (PullResult, error) {
	var res PullResult
	defer e.window.Invalidate()

	pending, err := e.db.PendingKeys(ctx)
	if err != nil {
		return res, err
	}
	isPending := func(entity schema.Entity, id string) bool {
		return pending[entity][id]
	}

	lists, err := e.remote.FetchLists(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch lists: %w", err)
	}
	if err := confirm(ctx, e.db, schema.EntityList, lists, func(l *schema.List) string { return l.ID }); err != nil {
		return res, err
	}
	for _, l := range lists {
		if isPending(schema.EntityList, l.ID) {
			res.Skipped++
			continue
		}
		if err := e.db.UpsertList(ctx, l); err != nil {
			return res, err
		}
		res.Lists++
	}

	rules, err := e.remote.FetchRules(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch rules: %w", err)
	}
	if err := confirm(ctx, e.db, schema.EntityRule, rules, func(r *schema.Rule) string { return r.ID }); err != nil {
		return res, err
	}
	if err := confirm(ctx, e.db, schema.EntityTask, rules, func(r *schema.Rule) string {
		if r.TemplateTaskID == nil {
			return ""
		}
		return *r.TemplateTaskID
	}); err != nil {
		return res, err
	}
	for _, r := range rules {
		if isPending(schema.EntityRule, r.ID) || isPending(schema.EntityRuleActive, r.ID) {
			res.Skipped++
			continue
		}
		if err := e.db.UpsertRule(ctx, r); err != nil {
			return res, err
		}
		res.Rules++
	}

	overrides, err := e.remote.FetchOverrides(ctx, "", start, end)
	if err != nil {
		return res, fmt.Errorf("failed to fetch overrides: %w", err)
	}
	for _, o := range overrides {
		if isPending(schema.EntityOverride, o.Key()) || isPending(schema.EntityRule, o.RuleID) {
			res.Skipped++
			continue
		}
		if err := e.db.PutOverride(ctx, o); err != nil {
			return res, err
		}
		res.Overrides++
	}

	rows, err := e.remote.FetchWindow(ctx, start, end)
	if err != nil {
		return res, fmt.Errorf("failed to fetch window %s..%s: %w", start, end, err)
	}
	seen := make(map[string]bool)
	for _, row := range remote.DedupeWindowRows(rows) {
		if row.IsRecurring {
			res.Occurrences++
			continue
		}
		t := row.Task
		seen[t.ID] = true
		if err := e.db.ConfirmID(ctx, schema.EntityTask, t.ID); err != nil {
			return res, err
		}
		if isPending(schema.EntityTask, t.ID) {
			res.Skipped++
			continue
		}
		if err := e.db.UpsertTask(ctx, &t); err != nil {
			return res, err
		}
		res.Tasks++
	}

	local, err := e.db.TasksInWindow(ctx, start, end, e.loc)
	if err != nil {
		return res, err
	}
	for _, t := range local {
		if seen[t.ID] || isPending(schema.EntityTask, t.ID) {
			continue
		}
		if err := e.db.DeleteTask(ctx, t.ID); err != nil {
			return res, err
		}
		res.Deleted++
	}

	e.logger.WithFields(logrus.Fields{
		"start":       start.String(),
		"end":         end.String(),
		"lists":       res.Lists,
		"rules":       res.Rules,
		"overrides":   res.Overrides,
		"tasks":       res.Tasks,
		"occurrences": res.Occurrences,
		"deleted":     res.Deleted,
		"skipped":     res.Skipped,
	}).Debug("pulled window")
	return res, nil
}

// confirm records the ids of pulled rows as held by the remote, so later
// edits push under them instead of minting new ones.
func confirm[T any](ctx context.Context, db *cache.DB, kind schema.Entity, rows []T, id func(T) string) error {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, id(row))
	}
	return db.ConfirmID(ctx, kind, ids...)
}

// onChange is the change-notification handler of a session.
func (e *Engine) onChange(ev remote.ChangeEvent) {
	e.window.Invalidate()
	e.logger.WithFields(logrus.Fields{
		"table": ev.Table,
		"id":    ev.ID,
	}).Debug("window cache invalidated by change")
}
