// Package remote is the contract of the remote relational store the engine
// reconciles against, together with a row-based implementation over
// database/sql.
//
// The engine only ever talks to the remote through Client: keyed upserts,
// deletes, bulk list operations, window reads and a change-notification
// channel. Upserts are keyed, so replaying the same write twice never creates
// a second remote row. An upsert may answer with a different id than the one
// it was sent; the caller adopts the echoed id.
package remote

import (
	"context"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Table names carried by change events.
const (
	TableTasks     = "tasks"
	TableLists     = "lists"
	TableSubtasks  = "subtasks"
	TableRules     = "recurrence_rules"
	TableOverrides = "recurrence_overrides"
)

// Store is the row API of the remote store.
type Store interface {
	// FetchWindow returns the standalone tasks of [start, end] plus the
	// materialized recurring occurrences of the same range. The same
	// occurrence may be returned more than once; see DedupeWindowRows.
	FetchWindow(ctx context.Context, start, end schema.Date) ([]WindowRow, error)
	FetchLists(ctx context.Context) ([]*schema.List, error)
	FetchRules(ctx context.Context) ([]*schema.Rule, error)
	// FetchOverrides returns the overrides of ruleID ("" for every rule)
	// stored for, or moved into, [start, end].
	FetchOverrides(ctx context.Context, ruleID string, start, end schema.Date) ([]*schema.Override, error)

	// UpsertTask is a keyed upsert returning the id the row is stored under.
	UpsertTask(ctx context.Context, task *schema.Task) (string, error)
	DeleteTask(ctx context.Context, id string) error

	CountTasksInList(ctx context.Context, listID string) (int, error)
	DeleteTasksInList(ctx context.Context, listID string) (int, error)
	// MoveTasksToList moves every task of from into to (nil = backlog).
	MoveTasksToList(ctx context.Context, from string, to *string) (int, error)

	UpsertList(ctx context.Context, list *schema.List) (string, error)
	DeleteList(ctx context.Context, id string) error

	UpsertSubtask(ctx context.Context, sub *schema.Subtask) (string, error)
	DeleteSubtask(ctx context.Context, id string) error

	// UpsertRecurrenceRule stores the rule and creates its template task
	// when the rule has none.
	UpsertRecurrenceRule(ctx context.Context, rule *schema.Rule) (RuleResult, error)
	SetRuleActive(ctx context.Context, id string, active bool) error

	// UpsertOverride writes only the fields present in the patch.
	UpsertOverride(ctx context.Context, patch *schema.OverridePatch) error
}

// Subscriber delivers change notifications. onChange fires for every row
// change of the task, rule and override tables regardless of origin. The
// returned function cancels the subscription.
type Subscriber interface {
	SubscribeChanges(ctx context.Context, onChange func(ChangeEvent)) (func(), error)
}

// Publisher announces a row change to every subscriber.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Client is the full remote surface the engine needs.
type Client interface {
	Store
	Subscriber
}

// RuleResult is the answer to UpsertRecurrenceRule.
type RuleResult struct {
	ID             string  `json:"id"`
	TemplateTaskID *string `json:"template_task_id,omitempty"`
}

// ChangeEvent describes one row change.
type ChangeEvent struct {
	Table string    `json:"table"`
	Op    schema.Op `json:"op"`
	ID    string    `json:"id"`
	At    time.Time `json:"at"`
}

// WindowRow is one row of a window read. Recurring rows carry the rule id
// and the occurrence date they were materialized for.
type WindowRow struct {
	Task           schema.Task  `json:"task"`
	IsRecurring    bool         `json:"is_recurring"`
	RecurrenceID   string       `json:"recurrence_id,omitempty"`
	OccurrenceDate *schema.Date `json:"occurrence_date,omitempty"`
}

// Key identifies the logical row: the occurrence key for recurring rows and
// the task id otherwise.
func (r *WindowRow) Key() string {
	if r.IsRecurring && r.OccurrenceDate != nil {
		return schema.OverrideKey(r.RecurrenceID, *r.OccurrenceDate)
	}
	return r.Task.ID
}

// DedupeWindowRows drops repeated rows, keeping the first of each
// (recurrence_id, occurrence_date) pair and of each standalone task id.
// The input order is kept.
func DedupeWindowRows(rows []WindowRow) []WindowRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		key := r.Key()
		if r.IsRecurring {
			key = "occ:" + key
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
