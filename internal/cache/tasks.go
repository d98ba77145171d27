package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

const taskColumns = `owner_id, list_id, assignee_id, title, notes, status, due_date,
	planned_start, planned_end, estimate_minutes, actual_minutes, priority, sort_index, updated_at`

const taskUpdates = `owner_id = excluded.owner_id,
	list_id = excluded.list_id,
	assignee_id = excluded.assignee_id,
	title = excluded.title,
	notes = excluded.notes,
	status = excluded.status,
	due_date = excluded.due_date,
	planned_start = excluded.planned_start,
	planned_end = excluded.planned_end,
	estimate_minutes = excluded.estimate_minutes,
	actual_minutes = excluded.actual_minutes,
	priority = excluded.priority,
	sort_index = excluded.sort_index,
	updated_at = excluded.updated_at`

// UpsertTask writes the full row for task, replacing any row with the same id.
func (db *DB) UpsertTask(ctx context.Context, task *schema.Task) error {
	return upsertTask(ctx, db.conn, task)
}

func upsertTask(ctx context.Context, q execer, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	query := `INSERT INTO tasks (id, ` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET ` + taskUpdates

	_, err := q.ExecContext(ctx, query,
		task.ID,
		task.OwnerID,
		strToNullString(task.ListID),
		strToNullString(task.AssigneeID),
		task.Title,
		task.Notes,
		string(task.Status),
		dateToNullString(task.DueDate),
		timeToNullString(task.PlannedStart),
		timeToNullString(task.PlannedEnd),
		intToNullInt(task.EstimateMinutes),
		intToNullInt(task.ActualMinutes),
		task.Priority,
		task.SortIndex,
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns the task with id, or ErrNotFound.
func (db *DB) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// DeleteTask removes a task and its subtasks in one transaction.
// Deleting a missing task is not an error.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete subtasks of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
		return nil
	})
}

// TaskFilter selects tasks for ListTasks. Zero values match everything.
type TaskFilter struct {
	// ListID restricts to one list.
	ListID string
	// Backlog restricts to tasks with no list.
	Backlog bool
	// Status restricts to one status.
	Status schema.Status
	// ExcludeTemplates hides tasks that serve as a rule's template.
	ExcludeTemplates bool
	// Limit caps the number of rows (0 = no limit).
	Limit int
}

// ListTasks returns tasks matching filter ordered by sort index.
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if filter.ListID != "" {
		conditions = append(conditions, "list_id = ?")
		args = append(args, filter.ListID)
	}
	if filter.Backlog {
		conditions = append(conditions, "list_id IS NULL")
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExcludeTemplates {
		conditions = append(conditions, notTemplate)
	}

	query := `SELECT id, ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY sort_index ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

const notTemplate = `id NOT IN (SELECT template_task_id FROM recurrence_rules WHERE template_task_id IS NOT NULL)`

// TasksInWindow returns standalone tasks displayed in [start, end]: those due
// in the window, and undated tasks whose planned start falls in the window in
// loc. Rule template tasks are excluded.
func (db *DB) TasksInWindow(ctx context.Context, start, end schema.Date, loc *time.Location) ([]*schema.Task, error) {
	if loc == nil {
		loc = time.Local
	}
	query := `SELECT id, ` + taskColumns + ` FROM tasks
	WHERE ((due_date >= ? AND due_date <= ?)
	    OR (due_date IS NULL AND planned_start >= ? AND planned_start < ?))
	  AND ` + notTemplate + `
	ORDER BY COALESCE(due_date, substr(planned_start, 1, 10)), planned_start, sort_index, id`

	rows, err := db.conn.QueryContext(ctx, query,
		start.String(),
		end.String(),
		formatTime(start.In(loc)),
		formatTime(end.AddDays(1).In(loc)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query window %s..%s: %w", start, end, err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountTasksInList returns how many tasks reference the list.
func (db *DB) CountTasksInList(ctx context.Context, listID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE list_id = ?`, listID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks in list %s: %w", listID, err)
	}
	return n, nil
}

// MoveTasksToList re-parents every task of list from to list to. A nil to
// moves them to the backlog.
func (db *DB) MoveTasksToList(ctx context.Context, from string, to *string, now time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET list_id = ?, updated_at = ? WHERE list_id = ?`,
		strToNullString(to), formatTime(now), from)
	if err != nil {
		return 0, fmt.Errorf("failed to move tasks from list %s: %w", from, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteTasksInList deletes every task of the list together with their
// subtasks.
func (db *DB) DeleteTasksInList(ctx context.Context, listID string) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subtasks WHERE task_id IN (SELECT id FROM tasks WHERE list_id = ?)`, listID); err != nil {
			return fmt.Errorf("failed to delete subtasks in list %s: %w", listID, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE list_id = ?`, listID)
		if err != nil {
			return fmt.Errorf("failed to delete tasks in list %s: %w", listID, err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// scanTasks scans rows selected as "id, " + taskColumns.
func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	var tasks []*schema.Task

	for rows.Next() {
		var task schema.Task
		var status, updatedAt string
		var listID, assigneeID, dueDate, plannedStart, plannedEnd sql.NullString
		var estimate, actual sql.NullInt64

		err := rows.Scan(
			&task.ID,
			&task.OwnerID,
			&listID,
			&assigneeID,
			&task.Title,
			&task.Notes,
			&status,
			&dueDate,
			&plannedStart,
			&plannedEnd,
			&estimate,
			&actual,
			&task.Priority,
			&task.SortIndex,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task.Status = schema.Status(status)
		task.ListID = nullStringToStr(listID)
		task.AssigneeID = nullStringToStr(assigneeID)
		task.DueDate = nullStringToDate(dueDate)
		task.PlannedStart = nullStringToTime(plannedStart)
		task.PlannedEnd = nullStringToTime(plannedEnd)
		task.EstimateMinutes = nullIntToInt(estimate)
		task.ActualMinutes = nullIntToInt(actual)
		task.UpdatedAt = parseTime(updatedAt)

		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func dateToNullString(d *schema.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullStringToDate(ns sql.NullString) *schema.Date {
	if !ns.Valid {
		return nil
	}
	d, err := schema.ParseDate(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
