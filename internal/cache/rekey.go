package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// listColumns and subtaskColumns exclude id, like taskColumns.
const (
	listColumns    = `name, sort_index, system, updated_at`
	listUpdates    = `name = excluded.name, sort_index = excluded.sort_index, system = excluded.system, updated_at = excluded.updated_at`
	subtaskColumns = `task_id, title, done, sort_index, updated_at`
	subtaskUpdates = `task_id = excluded.task_id, title = excluded.title, done = excluded.done,
	sort_index = excluded.sort_index, updated_at = excluded.updated_at`
)

// Rekey moves an entity from oldID to newID in one transaction: the row is
// re-inserted under newID (replacing any row already there), every local
// reference is repointed, pending outbox entries and the ids inside their
// payloads are rewritten, and the old row is deleted. Afterwards no row
// exists under oldID.
func (db *DB) Rekey(ctx context.Context, kind schema.Entity, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		switch kind {
		case schema.EntityTask:
			return rekeyTask(ctx, tx, oldID, newID)
		case schema.EntityList:
			return rekeyList(ctx, tx, oldID, newID)
		case schema.EntitySubtask:
			return rekeySubtask(ctx, tx, oldID, newID)
		case schema.EntityRule, schema.EntityRuleActive:
			return rekeyRule(ctx, tx, oldID, newID)
		default:
			return fmt.Errorf("%w: cannot rekey %s", schema.ErrInvalid, kind)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to rekey %s %s -> %s: %w", kind, oldID, newID, err)
	}
	db.logger.WithField("entity", string(kind)).WithField("old_id", oldID).WithField("new_id", newID).Debug("rekeyed")
	return nil
}

func copyRow(ctx context.Context, tx *sql.Tx, table, columns, updates, oldID, newID string) error {
	query := `INSERT INTO ` + table + ` (id, ` + columns + `)
	SELECT ?, ` + columns + ` FROM ` + table + ` WHERE id = ?
	ON CONFLICT(id) DO UPDATE SET ` + updates
	if _, err := tx.ExecContext(ctx, query, newID, oldID); err != nil {
		return fmt.Errorf("failed to copy %s row: %w", table, err)
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []stmt) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("%s: %w", s.query, err)
		}
	}
	return nil
}

type stmt struct {
	query string
	args  []any
}

// rewriteOwnEntries repoints the outbox entries of the entity itself.
func rewriteOwnEntries(entity schema.Entity, oldID, newID string) stmt {
	return stmt{
		`UPDATE outbox SET entity_id = ?, payload = json_set(payload, '$.id', ?) WHERE entity = ? AND entity_id = ?`,
		[]any{newID, newID, string(entity), oldID},
	}
}

// rewritePayloadRef repoints a reference member inside other entities' payloads.
func rewritePayloadRef(entity schema.Entity, path, oldID, newID string) stmt {
	return stmt{
		`UPDATE outbox SET payload = json_set(payload, '` + path + `', ?) WHERE entity = ? AND json_extract(payload, '` + path + `') = ?`,
		[]any{newID, string(entity), oldID},
	}
}

func rekeyTask(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if err := copyRow(ctx, tx, "tasks", taskColumns, taskUpdates, oldID, newID); err != nil {
		return err
	}
	return execAll(ctx, tx, []stmt{
		{`UPDATE subtasks SET task_id = ? WHERE task_id = ?`, []any{newID, oldID}},
		{`UPDATE recurrence_rules SET template_task_id = ? WHERE template_task_id = ?`, []any{newID, oldID}},
		{`DELETE FROM tasks WHERE id = ?`, []any{oldID}},
		rewriteOwnEntries(schema.EntityTask, oldID, newID),
		rewritePayloadRef(schema.EntitySubtask, "$.task_id", oldID, newID),
		rewritePayloadRef(schema.EntityRule, "$.template_task_id", oldID, newID),
	})
}

func rekeyList(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if err := copyRow(ctx, tx, "lists", listColumns, listUpdates, oldID, newID); err != nil {
		return err
	}
	return execAll(ctx, tx, []stmt{
		{`UPDATE tasks SET list_id = ? WHERE list_id = ?`, []any{newID, oldID}},
		{`UPDATE recurrence_rules SET list_id = ? WHERE list_id = ?`, []any{newID, oldID}},
		{`UPDATE recurrence_overrides SET list_id = ? WHERE list_id = ?`, []any{newID, oldID}},
		{`DELETE FROM lists WHERE id = ?`, []any{oldID}},
		rewriteOwnEntries(schema.EntityList, oldID, newID),
		rewritePayloadRef(schema.EntityList, "$.move_to", oldID, newID),
		rewritePayloadRef(schema.EntityTask, "$.list_id", oldID, newID),
		rewritePayloadRef(schema.EntityRule, "$.list_id", oldID, newID),
		rewritePayloadRef(schema.EntityOverride, "$.list_id", oldID, newID),
	})
}

func rekeySubtask(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if err := copyRow(ctx, tx, "subtasks", subtaskColumns, subtaskUpdates, oldID, newID); err != nil {
		return err
	}
	return execAll(ctx, tx, []stmt{
		{`DELETE FROM subtasks WHERE id = ?`, []any{oldID}},
		rewriteOwnEntries(schema.EntitySubtask, oldID, newID),
	})
}

func rekeyRule(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if err := copyRow(ctx, tx, "recurrence_rules", ruleColumns, ruleUpdates, oldID, newID); err != nil {
		return err
	}
	return execAll(ctx, tx, []stmt{
		{`UPDATE OR REPLACE recurrence_overrides SET rule_id = ? WHERE rule_id = ?`, []any{newID, oldID}},
		{`DELETE FROM recurrence_rules WHERE id = ?`, []any{oldID}},
		rewriteOwnEntries(schema.EntityRule, oldID, newID),
		rewriteOwnEntries(schema.EntityRuleActive, oldID, newID),
		{
			`UPDATE outbox SET entity_id = ? || substr(entity_id, length(?) + 1),
				payload = json_set(payload, '$.rule_id', ?)
			WHERE entity = ? AND substr(entity_id, 1, length(?) + 1) = ? || '@'`,
			[]any{newID, oldID, newID, string(schema.EntityOverride), oldID, oldID},
		},
	})
}
