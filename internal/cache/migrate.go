package cache

import (
	"context"
	"database/sql"
	"fmt"
)

// baseSchema is the original layout. Later columns and constraint changes are
// applied by the migration steps so existing databases converge on the same
// schema as new ones.
const baseSchema = `
CREATE TABLE IF NOT EXISTS lists (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	sort_index INTEGER NOT NULL DEFAULT 0,
	system INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	list_id TEXT NOT NULL,
	assignee_id TEXT,
	title TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'todo',
	due_date TEXT,
	planned_start TEXT,
	planned_end TEXT,
	estimate_minutes INTEGER,
	actual_minutes INTEGER,
	priority INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	done INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recurrence_rules (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	list_id TEXT,
	estimate_minutes INTEGER,
	priority INTEGER NOT NULL DEFAULT 0,
	freq TEXT NOT NULL,
	interval INTEGER NOT NULL DEFAULT 1,
	byday TEXT NOT NULL DEFAULT '[]',       -- JSON array of weekdays, 0 = Sunday
	bymonthday TEXT NOT NULL DEFAULT '[]',  -- JSON array of days of month
	start_date TEXT NOT NULL,
	until_date TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recurrence_overrides (
	rule_id TEXT NOT NULL REFERENCES recurrence_rules(id) ON DELETE CASCADE,
	occurrence_date TEXT NOT NULL,
	status TEXT,
	title TEXT,
	notes TEXT,
	list_id TEXT,
	planned_start TEXT,
	planned_end TEXT,
	actual_minutes INTEGER,
	skip INTEGER NOT NULL DEFAULT 0,
	moved_to_date TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (rule_id, occurrence_date)
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id);
CREATE INDEX IF NOT EXISTS idx_overrides_moved ON recurrence_overrides(moved_to_date)
	WHERE moved_to_date IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_key ON outbox(entity, entity_id);
`

// taskIndexes are recreated after a tasks rebuild.
const taskIndexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_date);
CREATE INDEX IF NOT EXISTS idx_tasks_planned ON tasks(planned_start);
`

type migration struct {
	name  string
	apply func(ctx context.Context, db *DB) error
}

var migrations = []migration{
	{"base tables", func(ctx context.Context, db *DB) error {
		if _, err := db.conn.ExecContext(ctx, baseSchema+taskIndexes); err != nil {
			return err
		}
		return nil
	}},
	{"rule template and planned time columns", func(ctx context.Context, db *DB) error {
		for _, col := range []struct{ name, decl string }{
			{"template_task_id", "TEXT"},
			{"planned_start", "TEXT"},
			{"planned_end", "TEXT"},
		} {
			if err := db.addColumn(ctx, "recurrence_rules", col.name, col.decl); err != nil {
				return err
			}
		}
		return nil
	}},
	{"outbox retry columns", func(ctx context.Context, db *DB) error {
		for _, col := range []struct{ name, decl string }{
			{"attempts", "INTEGER NOT NULL DEFAULT 0"},
			{"next_attempt_at", "TEXT"},
			{"last_error", "TEXT"},
			{"dead", "INTEGER NOT NULL DEFAULT 0"},
		} {
			if err := db.addColumn(ctx, "outbox", col.name, col.decl); err != nil {
				return err
			}
		}
		return nil
	}},
	{"nullable task list", func(ctx context.Context, db *DB) error { return db.rebuildTasks(ctx) }},
	{"confirmed remote ids", func(ctx context.Context, db *DB) error {
		_, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS remote_ids (
			entity TEXT NOT NULL,
			id TEXT NOT NULL,
			PRIMARY KEY (entity, id)
		)`)
		return err
	}},
}

// Migrate brings the schema up to date. Every step checks the current schema
// before changing it, so Migrate is safe to run on every startup. A failed
// step leaves the schema as it was before that step.
func (db *DB) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if err := m.apply(ctx, db); err != nil {
			return fmt.Errorf("migration %q failed: %w", m.name, err)
		}
	}
	return nil
}

func (db *DB) hasColumn(ctx context.Context, q execer, table, column string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

func (db *DB) addColumn(ctx context.Context, table, column, decl string) error {
	ok, err := db.hasColumn(ctx, db.conn, table, column)
	if err != nil || ok {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	db.logger.WithField("table", table).WithField("column", column).Info("added column")
	return nil
}

// rebuildTasks drops the legacy NOT NULL on tasks.list_id. SQLite cannot alter
// a column constraint, so the table is recreated and its rows copied inside a
// single transaction on a dedicated connection with foreign keys off.
func (db *DB) rebuildTasks(ctx context.Context) error {
	var notNull int
	err := db.conn.QueryRowContext(ctx,
		`SELECT "notnull" FROM pragma_table_info('tasks') WHERE name = 'list_id'`).Scan(&notNull)
	if err != nil {
		return fmt.Errorf("failed to inspect tasks.list_id: %w", err)
	}
	if notNull == 0 {
		return nil
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	defer conn.Close()

	// foreign_keys cannot change inside a transaction
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys=ON")

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	copySteps := []string{
		`CREATE TABLE tasks_new (
			id TEXT PRIMARY KEY NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			list_id TEXT,
			assignee_id TEXT,
			title TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			due_date TEXT,
			planned_start TEXT,
			planned_end TEXT,
			estimate_minutes INTEGER,
			actual_minutes INTEGER,
			priority INTEGER NOT NULL DEFAULT 0,
			sort_index INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`INSERT INTO tasks_new (id, ` + taskColumns + `) SELECT id, ` + taskColumns + ` FROM tasks`,
	}
	swapSteps := []string{
		`DROP TABLE tasks`,
		`ALTER TABLE tasks_new RENAME TO tasks`,
		taskIndexes,
	}
	for _, stmt := range copySteps {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild tasks: %w", err)
		}
	}
	if err := verifyTaskCopy(ctx, tx); err != nil {
		return err
	}
	for _, stmt := range swapSteps {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild tasks: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	violations := 0
	for rows.Next() {
		violations++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check foreign keys: %w", err)
	}
	if violations > 0 {
		return fmt.Errorf("tasks rebuild left %d foreign key violations", violations)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tasks rebuild: %w", err)
	}
	db.logger.WithField("table", "tasks").Info("rebuilt table with nullable list_id")
	return nil
}

// verifyTaskCopy checks that tasks_new holds exactly the ids of tasks.
func verifyTaskCopy(ctx context.Context, tx *sql.Tx) error {
	var before, after, matched int
	err := tx.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM tasks),
		(SELECT COUNT(*) FROM tasks_new),
		(SELECT COUNT(*) FROM tasks t JOIN tasks_new n ON n.id = t.id)`).Scan(&before, &after, &matched)
	if err != nil {
		return fmt.Errorf("failed to verify tasks copy: %w", err)
	}
	if before != after || matched != before {
		return fmt.Errorf("tasks rebuild copied %d of %d rows (%d ids matched)", after, before, matched)
	}
	return nil
}
