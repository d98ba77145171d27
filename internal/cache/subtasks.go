package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// UpsertSubtask writes the full row for a subtask. The parent task must
// exist.
func (db *DB) UpsertSubtask(ctx context.Context, sub *schema.Subtask) error {
	return upsertSubtask(ctx, db.conn, sub)
}

func upsertSubtask(ctx context.Context, q execer, sub *schema.Subtask) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid subtask: %w", err)
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO subtasks (id, task_id, title, done, sort_index, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		task_id = excluded.task_id,
		title = excluded.title,
		done = excluded.done,
		sort_index = excluded.sort_index,
		updated_at = excluded.updated_at`,
		sub.ID, sub.TaskID, sub.Title, sub.Done, sub.SortIndex, formatTime(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert subtask %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubtask returns the subtask with id, or ErrNotFound.
func (db *DB) GetSubtask(ctx context.Context, id string) (*schema.Subtask, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, task_id, title, done, sort_index, updated_at FROM subtasks WHERE id = ?`, id)
	sub, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// ListSubtasks returns a task's subtasks in sort order.
func (db *DB) ListSubtasks(ctx context.Context, taskID string) ([]*schema.Subtask, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, task_id, title, done, sort_index, updated_at FROM subtasks
		WHERE task_id = ? ORDER BY sort_index ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtasks of %s: %w", taskID, err)
	}
	defer rows.Close()

	var subs []*schema.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtasks: %w", err)
	}
	return subs, nil
}

// DeleteSubtask removes one subtask.
func (db *DB) DeleteSubtask(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM subtasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete subtask %s: %w", id, err)
	}
	return nil
}

func scanSubtask(s scanner) (*schema.Subtask, error) {
	var sub schema.Subtask
	var updatedAt string
	if err := s.Scan(&sub.ID, &sub.TaskID, &sub.Title, &sub.Done, &sub.SortIndex, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subtask: %w", err)
	}
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}
