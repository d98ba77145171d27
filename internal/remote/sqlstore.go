package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/recurrence"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// ErrNotFound is returned when a write targets a row the remote does not have.
var ErrNotFound = errors.New("remote row not found")

// Rows keep the full entity as a JSON document in body; the other columns
// exist for filtering.
const sqlSchema = `
CREATE TABLE IF NOT EXISTS lists (
	id TEXT PRIMARY KEY,
	system INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	list_id TEXT,
	due_date TEXT,
	planned_start TEXT,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recurrence_rules (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	template_task_id TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recurrence_overrides (
	rule_id TEXT NOT NULL,
	occurrence_date TEXT NOT NULL,
	moved_to_date TEXT,
	updated_at TEXT NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (rule_id, occurrence_date)
);

CREATE INDEX IF NOT EXISTS idx_remote_tasks_list ON tasks(list_id);
CREATE INDEX IF NOT EXISTS idx_remote_tasks_due ON tasks(due_date);
CREATE INDEX IF NOT EXISTS idx_remote_subtasks_task ON subtasks(task_id);
`

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Feed is a change channel that can be both written and read.
type Feed interface {
	Publisher
	Subscriber
}

// SQLConfig configures an SQLStore.
type SQLConfig struct {
	// OwnerID scopes window and rule reads; empty reads every owner.
	OwnerID string
	// Location places planned times and rule clocks on calendar days.
	Location *time.Location
	// Changes receives an event after every write (default: a new Hub).
	Changes Feed
	// NormalizeID maps a submitted id to the id the row is stored under
	// (default: NormalizeID).
	NormalizeID func(string) string
	Logger      logrus.FieldLogger
}

// SQLStore implements Client on a SQL database reachable through
// database/sql: libSQL/Turso in production, a SQLite file in tests.
type SQLStore struct {
	db        *sql.DB
	owner     string
	loc       *time.Location
	changes   Feed
	normalize func(string) string
	logger    logrus.FieldLogger
	now       func() time.Time
}

var _ Client = (*SQLStore)(nil)

// idSpace derives stable ids for submitted ids that are not UUIDs.
var idSpace = uuid.MustParse("8f0b4f3e-6a52-4c1d-9a57-3f2f7d0c5b1e")

// NormalizeID returns the canonical form of a UUID, and a stable UUID
// derived from any other string, so replaying a write stores it under the
// same id every time.
func NormalizeID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(idSpace, []byte(id)).String()
}

// NewSQLStore returns a store over db. Migrate must run before use.
func NewSQLStore(db *sql.DB, cfg *SQLConfig) *SQLStore {
	if cfg == nil {
		cfg = &SQLConfig{}
	}
	s := &SQLStore{
		db:        db,
		owner:     cfg.OwnerID,
		loc:       cfg.Location,
		changes:   cfg.Changes,
		normalize: cfg.NormalizeID,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.changes == nil {
		s.changes = NewHub()
	}
	if s.normalize == nil {
		s.normalize = NormalizeID
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	s.logger = s.logger.WithField("component", "remote")
	return s
}

// Migrate creates the remote tables. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create remote schema: %w", err)
	}
	return nil
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// SubscribeChanges implements Subscriber.
func (s *SQLStore) SubscribeChanges(ctx context.Context, onChange func(ChangeEvent)) (func(), error) {
	return s.changes.SubscribeChanges(ctx, onChange)
}

func (s *SQLStore) publish(ctx context.Context, table string, op schema.Op, id string) {
	ev := ChangeEvent{Table: table, Op: op, ID: id, At: s.now()}
	if err := s.changes.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"table": table, "id": id}).Warn("failed to publish change")
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// FetchWindow implements Store.
func (s *SQLStore) FetchWindow(ctx context.Context, start, end schema.Date) ([]WindowRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks
	WHERE (? = '' OR owner_id = ?)
	  AND ((due_date >= ? AND due_date <= ?)
	    OR (due_date IS NULL AND planned_start >= ? AND planned_start < ?))
	  AND id NOT IN (SELECT template_task_id FROM recurrence_rules WHERE template_task_id IS NOT NULL)
	ORDER BY id`,
		s.owner, s.owner, start.String(), end.String(),
		formatTime(start.In(s.loc)), formatTime(end.AddDays(1).In(s.loc)))
	if err != nil {
		return nil, wrap("fetch window", err)
	}
	tasks, err := scanBodies[schema.Task](rows)
	if err != nil {
		return nil, wrap("fetch window", err)
	}

	out := make([]WindowRow, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, WindowRow{Task: *t})
	}

	rules, err := s.FetchRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		stored, err := s.FetchOverrides(ctx, rule.ID, start, end)
		if err != nil {
			return nil, err
		}
		overrides := make([]schema.Override, len(stored))
		for i, o := range stored {
			overrides[i] = *o
		}
		for _, occ := range recurrence.Materialize(rule, start, end, overrides, s.loc) {
			date := occ.OccurrenceDate
			task := occ.ToTask(occ.Key(), rule.UpdatedAt)
			out = append(out, WindowRow{
				Task:           *task,
				IsRecurring:    true,
				RecurrenceID:   rule.ID,
				OccurrenceDate: &date,
			})
		}
	}
	return out, nil
}

// FetchLists implements Store.
func (s *SQLStore) FetchLists(ctx context.Context) ([]*schema.List, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM lists ORDER BY system DESC, sort_index, id`)
	if err != nil {
		return nil, wrap("fetch lists", err)
	}
	lists, err := scanBodies[schema.List](rows)
	return lists, wrap("fetch lists", err)
}

// FetchRules implements Store.
func (s *SQLStore) FetchRules(ctx context.Context) ([]*schema.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM recurrence_rules WHERE (? = '' OR owner_id = ?) ORDER BY id`, s.owner, s.owner)
	if err != nil {
		return nil, wrap("fetch rules", err)
	}
	rules, err := scanBodies[schema.Rule](rows)
	return rules, wrap("fetch rules", err)
}

// FetchOverrides implements Store.
func (s *SQLStore) FetchOverrides(ctx context.Context, ruleID string, start, end schema.Date) ([]*schema.Override, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM recurrence_overrides
	WHERE (? = '' OR rule_id = ?)
	  AND ((occurrence_date >= ? AND occurrence_date <= ?)
	    OR (moved_to_date >= ? AND moved_to_date <= ?))
	ORDER BY rule_id, occurrence_date`,
		ruleID, ruleID, start.String(), end.String(), start.String(), end.String())
	if err != nil {
		return nil, wrap("fetch overrides", err)
	}
	overrides, err := scanBodies[schema.Override](rows)
	return overrides, wrap("fetch overrides", err)
}

// UpsertTask implements Store. An older write never replaces a newer one.
func (s *SQLStore) UpsertTask(ctx context.Context, task *schema.Task) (string, error) {
	t := task.Clone()
	t.ID = s.normalize(t.ID)
	if t.OwnerID == "" {
		t.OwnerID = s.owner
	}
	if err := t.Validate(); err != nil {
		return "", wrap("upsert task", err)
	}
	if err := s.putTask(ctx, s.db, t); err != nil {
		return "", wrap("upsert task", err)
	}
	s.publish(ctx, TableTasks, schema.OpUpsert, t.ID)
	return t.ID, nil
}

func (s *SQLStore) putTask(ctx context.Context, q execer, t *schema.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var planned any
	if t.PlannedStart != nil {
		planned = formatTime(*t.PlannedStart)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO tasks (id, owner_id, list_id, due_date, planned_start, updated_at, body)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		list_id = excluded.list_id,
		due_date = excluded.due_date,
		planned_start = excluded.planned_start,
		updated_at = excluded.updated_at,
		body = excluded.body
	WHERE excluded.updated_at >= tasks.updated_at`,
		t.ID, t.OwnerID, nullable(t.ListID), nullableDate(t.DueDate), planned, formatTime(t.UpdatedAt), string(body))
	return err
}

// DeleteTask implements Store. Subtasks go with the task.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	id = s.normalize(id)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return wrap("delete task", err)
	}
	s.publish(ctx, TableTasks, schema.OpDelete, id)
	return nil
}

// CountTasksInList implements Store.
func (s *SQLStore) CountTasksInList(ctx context.Context, listID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE list_id = ?`, listID).Scan(&n); err != nil {
		return 0, wrap("count tasks", err)
	}
	return n, nil
}

// DeleteTasksInList implements Store.
func (s *SQLStore) DeleteTasksInList(ctx context.Context, listID string) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subtasks WHERE task_id IN (SELECT id FROM tasks WHERE list_id = ?)`, listID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE list_id = ?`, listID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrap("delete tasks in list", err)
	}
	if n > 0 {
		s.publish(ctx, TableTasks, schema.OpDelete, "")
	}
	return int(n), nil
}

// MoveTasksToList implements Store.
func (s *SQLStore) MoveTasksToList(ctx context.Context, from string, to *string) (int, error) {
	ref, err := json.Marshal(to)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET list_id = ?, updated_at = ?, body = json_set(body, '$.list_id', json(?), '$.updated_at', ?)
		WHERE list_id = ?`,
		nullable(to), formatTime(s.now()), string(ref), s.now().UTC().Format(time.RFC3339Nano), from)
	if err != nil {
		return 0, wrap("move tasks", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.publish(ctx, TableTasks, schema.OpUpsert, "")
	}
	return int(n), nil
}

// UpsertList implements Store.
func (s *SQLStore) UpsertList(ctx context.Context, list *schema.List) (string, error) {
	l := *list
	l.ID = s.normalize(l.ID)
	if err := l.Validate(); err != nil {
		return "", wrap("upsert list", err)
	}
	body, err := json.Marshal(&l)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO lists (id, system, sort_index, updated_at, body) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		system = excluded.system,
		sort_index = excluded.sort_index,
		updated_at = excluded.updated_at,
		body = excluded.body
	WHERE excluded.updated_at >= lists.updated_at`,
		l.ID, l.System, l.SortIndex, formatTime(l.UpdatedAt), string(body))
	if err != nil {
		return "", wrap("upsert list", err)
	}
	s.publish(ctx, TableLists, schema.OpUpsert, l.ID)
	return l.ID, nil
}

// DeleteList implements Store.
func (s *SQLStore) DeleteList(ctx context.Context, id string) error {
	id = s.normalize(id)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id = ? AND system = 0`, id); err != nil {
		return wrap("delete list", err)
	}
	s.publish(ctx, TableLists, schema.OpDelete, id)
	return nil
}

// UpsertSubtask implements Store.
func (s *SQLStore) UpsertSubtask(ctx context.Context, sub *schema.Subtask) (string, error) {
	st := *sub
	st.ID = s.normalize(st.ID)
	st.TaskID = s.normalize(st.TaskID)
	if err := st.Validate(); err != nil {
		return "", wrap("upsert subtask", err)
	}
	body, err := json.Marshal(&st)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO subtasks (id, task_id, updated_at, body) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		task_id = excluded.task_id,
		updated_at = excluded.updated_at,
		body = excluded.body
	WHERE excluded.updated_at >= subtasks.updated_at`,
		st.ID, st.TaskID, formatTime(st.UpdatedAt), string(body))
	if err != nil {
		return "", wrap("upsert subtask", err)
	}
	s.publish(ctx, TableSubtasks, schema.OpUpsert, st.ID)
	return st.ID, nil
}

// DeleteSubtask implements Store.
func (s *SQLStore) DeleteSubtask(ctx context.Context, id string) error {
	id = s.normalize(id)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE id = ?`, id); err != nil {
		return wrap("delete subtask", err)
	}
	s.publish(ctx, TableSubtasks, schema.OpDelete, id)
	return nil
}

// UpsertRecurrenceRule implements Store. A rule without a template task gets
// one built from its defaults; replaying the write reuses the stored
// template rather than creating another.
func (s *SQLStore) UpsertRecurrenceRule(ctx context.Context, rule *schema.Rule) (RuleResult, error) {
	r := rule.Clone()
	r.ID = s.normalize(r.ID)
	if r.OwnerID == "" {
		r.OwnerID = s.owner
	}
	r.Normalize()
	if err := r.Validate(); err != nil {
		return RuleResult{}, wrap("upsert rule", err)
	}

	createdTemplate := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var stored sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT template_task_id FROM recurrence_rules WHERE id = ?`, r.ID).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		switch {
		case r.TemplateTaskID != nil:
			id := s.normalize(*r.TemplateTaskID)
			r.TemplateTaskID = &id
		case stored.Valid:
			r.TemplateTaskID = &stored.String
		default:
			id := uuid.NewString()
			updated := r.UpdatedAt
			if updated.IsZero() {
				updated = s.now()
			}
			template := &schema.Task{
				ID:              id,
				OwnerID:         r.OwnerID,
				ListID:          r.ListID,
				Title:           r.Title,
				Notes:           r.Notes,
				Status:          schema.StatusTodo,
				EstimateMinutes: r.EstimateMinutes,
				Priority:        r.Priority,
				UpdatedAt:       updated,
			}
			if err := s.putTask(ctx, tx, template); err != nil {
				return fmt.Errorf("failed to create template task: %w", err)
			}
			r.TemplateTaskID = &id
			createdTemplate = true
		}
		return s.putRule(ctx, tx, r)
	})
	if err != nil {
		return RuleResult{}, wrap("upsert rule", err)
	}
	if createdTemplate {
		s.publish(ctx, TableTasks, schema.OpUpsert, *r.TemplateTaskID)
	}
	s.publish(ctx, TableRules, schema.OpUpsert, r.ID)
	return RuleResult{ID: r.ID, TemplateTaskID: r.TemplateTaskID}, nil
}

func (s *SQLStore) putRule(ctx context.Context, q execer, r *schema.Rule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO recurrence_rules (id, owner_id, template_task_id, active, updated_at, body)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		owner_id = excluded.owner_id,
		template_task_id = excluded.template_task_id,
		active = excluded.active,
		updated_at = excluded.updated_at,
		body = excluded.body
	WHERE excluded.updated_at >= recurrence_rules.updated_at`,
		r.ID, r.OwnerID, nullable(r.TemplateTaskID), r.Active, formatTime(r.UpdatedAt), string(body))
	return err
}

// SetRuleActive implements Store.
func (s *SQLStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	id = s.normalize(id)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := loadBody[schema.Rule](ctx, tx, `SELECT body FROM recurrence_rules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		r.Active = active
		r.UpdatedAt = s.now()
		return s.putRule(ctx, tx, r)
	})
	if err != nil {
		return wrap("set rule active", err)
	}
	s.publish(ctx, TableRules, schema.OpUpsert, id)
	return nil
}

// UpsertOverride implements Store. Fields absent from the patch keep their
// stored value.
func (s *SQLStore) UpsertOverride(ctx context.Context, patch *schema.OverridePatch) error {
	if err := patch.Validate(); err != nil {
		return wrap("upsert override", err)
	}
	ruleID := s.normalize(patch.RuleID)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM recurrence_rules WHERE id = ?`, ruleID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
		}

		o, err := loadBody[schema.Override](ctx, tx,
			`SELECT body FROM recurrence_overrides WHERE rule_id = ? AND occurrence_date = ?`,
			ruleID, patch.OccurrenceDate.String())
		if errors.Is(err, ErrNotFound) {
			o = &schema.Override{RuleID: ruleID, OccurrenceDate: patch.OccurrenceDate}
		} else if err != nil {
			return err
		}
		o.Apply(patch)
		o.UpdatedAt = s.now()

		body, err := json.Marshal(o)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO recurrence_overrides (rule_id, occurrence_date, moved_to_date, updated_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, occurrence_date) DO UPDATE SET
			moved_to_date = excluded.moved_to_date,
			updated_at = excluded.updated_at,
			body = excluded.body`,
			ruleID, o.OccurrenceDate.String(), nullableDate(o.MovedTo), formatTime(o.UpdatedAt), string(body))
		return err
	})
	if err != nil {
		return wrap("upsert override", err)
	}
	s.publish(ctx, TableOverrides, schema.OpUpsert, schema.OverrideKey(ruleID, patch.OccurrenceDate))
	return nil
}

func loadBody[T any](ctx context.Context, q execer, query string, args ...any) (*T, error) {
	var body string
	err := q.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return &v, nil
}

func scanBodies[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableDate(d *schema.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}
