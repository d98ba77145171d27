package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "cache.db")
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger, _ := test.NewNullLogger()
	db, err := Open(testDBPath(t), logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return db
}

func newTask(id, title string) *schema.Task {
	return &schema.Task{ID: id, Title: title, Status: schema.StatusTodo, UpdatedAt: now}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("Migrate() run %d failed: %v", i+2, err)
		}
	}

	for _, table := range []string{"lists", "tasks", "subtasks", "recurrence_rules", "recurrence_overrides", "outbox", "meta", "remote_ids"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	for _, col := range []string{"template_task_id", "planned_start", "planned_end"} {
		ok, err := db.hasColumn(ctx, db.conn, "recurrence_rules", col)
		if err != nil || !ok {
			t.Errorf("recurrence_rules.%s missing (err=%v)", col, err)
		}
	}
	for _, col := range []string{"attempts", "next_attempt_at", "last_error", "dead"} {
		ok, err := db.hasColumn(ctx, db.conn, "outbox", col)
		if err != nil || !ok {
			t.Errorf("outbox.%s missing (err=%v)", col, err)
		}
	}
}

// legacyDB writes the original schema with one task and returns its path.
func legacyDB(t *testing.T, extra ...string) string {
	t.Helper()
	path := testDBPath(t)
	raw, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer raw.Close()
	raw.SetMaxOpenConns(1)

	stmts := append([]string{
		"PRAGMA foreign_keys=OFF",
		baseSchema,
		`INSERT INTO lists (id, name, system, updated_at) VALUES ('inbox', 'Inbox', 1, '2024-01-01T00:00:00Z')`,
		`INSERT INTO tasks (id, list_id, title, updated_at) VALUES ('t1', 'inbox', 'Legacy task', '2024-01-01T00:00:00Z')`,
	}, extra...)
	for _, s := range stmts {
		if _, err := raw.Exec(s); err != nil {
			t.Fatalf("legacy setup failed: %v", err)
		}
	}
	return path
}

func listIDNotNull(t *testing.T, db *DB) bool {
	t.Helper()
	var notNull int
	err := db.conn.QueryRow(`SELECT "notnull" FROM pragma_table_info('tasks') WHERE name = 'list_id'`).Scan(&notNull)
	if err != nil {
		t.Fatalf("pragma_table_info failed: %v", err)
	}
	return notNull == 1
}

func TestMigrate_RebuildsLegacyTasks(t *testing.T) {
	path := legacyDB(t,
		`INSERT INTO tasks (id, list_id, title, updated_at) VALUES ('t3', 'inbox', 'Second legacy task', '2024-01-02T00:00:00Z')`)
	ctx := context.Background()

	db, err := Open(path, logrus.New())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if !listIDNotNull(t, db) {
		t.Fatal("legacy schema should start with NOT NULL list_id")
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if listIDNotNull(t, db) {
		t.Error("list_id still NOT NULL after Migrate()")
	}

	task, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() after rebuild failed: %v", err)
	}
	if task.Title != "Legacy task" || task.ListID == nil || *task.ListID != "inbox" {
		t.Errorf("row not preserved: %+v", task)
	}

	var total, nullIDs int
	err = db.conn.QueryRow(`SELECT COUNT(*), COUNT(*) - COUNT(id) FROM tasks`).Scan(&total, &nullIDs)
	if err != nil {
		t.Fatalf("counting rebuilt rows failed: %v", err)
	}
	if total != 2 || nullIDs != 0 {
		t.Errorf("rebuilt tasks: %d rows, %d without id; want 2 rows, all with ids", total, nullIDs)
	}
	if _, err := db.GetTask(ctx, "t3"); err != nil {
		t.Errorf("second legacy row lost: %v", err)
	}

	backlog := newTask("t2", "No list")
	if err := db.UpsertTask(ctx, backlog); err != nil {
		t.Fatalf("UpsertTask() with nil list failed: %v", err)
	}
}

func TestMigrate_RebuildRollsBack(t *testing.T) {
	// an orphaned subtask makes the post-rebuild foreign key check fail
	path := legacyDB(t, `INSERT INTO subtasks (id, task_id, title, updated_at) VALUES ('s1', 'gone', 'orphan', '2024-01-01T00:00:00Z')`)
	ctx := context.Background()

	logger, _ := test.NewNullLogger()
	db, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on foreign key violations")
	}
	if !listIDNotNull(t, db) {
		t.Error("failed rebuild must leave the old schema in place")
	}
	if _, err := db.GetTask(ctx, "t1"); err != nil {
		t.Errorf("legacy row lost after rollback: %v", err)
	}
}

func TestTask_CRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	due := schema.MustDate("2024-01-05")
	start := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	task := newTask("t1", "Write report")
	task.DueDate = &due
	task.PlannedStart = &start
	task.PlannedEnd = schema.Ptr(start.Add(90 * time.Minute))
	task.EstimateMinutes = schema.Ptr(90)
	task.Notes = "quarterly"

	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != task.Title || got.Notes != "quarterly" || *got.DueDate != due ||
		!got.PlannedStart.Equal(start) || *got.EstimateMinutes != 90 || got.ListID != nil {
		t.Errorf("GetTask() = %+v", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}

	// full-row replace clears fields left nil
	task.Notes = ""
	task.EstimateMinutes = nil
	task.Status = schema.StatusDone
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() update failed: %v", err)
	}
	got, _ = db.GetTask(ctx, "t1")
	if got.Status != schema.StatusDone || got.EstimateMinutes != nil || got.Notes != "" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := db.UpsertTask(ctx, newTask("t3", "")); !errors.Is(err, schema.ErrInvalid) {
		t.Errorf("UpsertTask() with empty title error = %v, want ErrInvalid", err)
	}

	if err := db.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := db.GetTask(ctx, "t1"); !IsNotFound(err) {
		t.Errorf("GetTask() after delete error = %v, want ErrNotFound", err)
	}
	if err := db.DeleteTask(ctx, "t1"); err != nil {
		t.Errorf("DeleteTask() on missing task should be idempotent: %v", err)
	}
}

func TestDeleteTask_CascadesSubtasks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertTask(ctx, newTask("t1", "Parent")); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		sub := &schema.Subtask{ID: id, TaskID: "t1", Title: "step " + id, UpdatedAt: now}
		if err := db.UpsertSubtask(ctx, sub); err != nil {
			t.Fatalf("UpsertSubtask() failed: %v", err)
		}
	}
	subs, _ := db.ListSubtasks(ctx, "t1")
	if len(subs) != 2 {
		t.Fatalf("ListSubtasks() = %d, want 2", len(subs))
	}

	if err := db.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := db.GetSubtask(ctx, "s1"); !IsNotFound(err) {
		t.Errorf("subtask survived parent delete: %v", err)
	}
}

func TestTasksInWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	loc := time.UTC

	inWindow := newTask("due", "Due in window")
	inWindow.DueDate = schema.Ptr(schema.MustDate("2024-01-03"))
	outside := newTask("late", "Due later")
	outside.DueDate = schema.Ptr(schema.MustDate("2024-02-01"))
	planned := newTask("planned", "Planned only")
	planned.PlannedStart = schema.Ptr(time.Date(2024, 1, 7, 23, 30, 0, 0, time.UTC))
	undated := newTask("undated", "Someday")
	template := newTask("template", "Rule template")
	template.DueDate = schema.Ptr(schema.MustDate("2024-01-02"))

	for _, task := range []*schema.Task{inWindow, outside, planned, undated, template} {
		if err := db.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask(%s) failed: %v", task.ID, err)
		}
	}
	rule := &schema.Rule{
		ID: "r1", Title: "Routine", Freq: schema.FreqDaily, Interval: 1,
		Start: schema.MustDate("2024-01-01"), Active: true, TemplateTaskID: schema.Ptr("template"),
	}
	if err := db.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("UpsertRule() failed: %v", err)
	}

	tasks, err := db.TasksInWindow(ctx, schema.MustDate("2024-01-01"), schema.MustDate("2024-01-07"), loc)
	if err != nil {
		t.Fatalf("TasksInWindow() failed: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 2 || ids[0] != "due" || ids[1] != "planned" {
		t.Errorf("TasksInWindow() = %v, want [due planned]", ids)
	}
}

func TestListBulkOperations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, l := range []*schema.List{
		{ID: "inbox", Name: schema.InboxName, System: true, UpdatedAt: now},
		{ID: "work", Name: "Work", SortIndex: 1, UpdatedAt: now},
	} {
		if err := db.UpsertList(ctx, l); err != nil {
			t.Fatalf("UpsertList() failed: %v", err)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		task := newTask(id, "task "+id)
		task.ListID = schema.Ptr("work")
		if err := db.UpsertTask(ctx, task); err != nil {
			t.Fatalf("UpsertTask() failed: %v", err)
		}
	}
	if err := db.UpsertSubtask(ctx, &schema.Subtask{ID: "s", TaskID: "c", Title: "x", UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertSubtask() failed: %v", err)
	}

	n, err := db.CountTasksInList(ctx, "work")
	if err != nil || n != 3 {
		t.Fatalf("CountTasksInList() = %d, %v; want 3", n, err)
	}

	moved, err := db.MoveTasksToList(ctx, "work", schema.Ptr("inbox"), now)
	if err != nil || moved != 3 {
		t.Fatalf("MoveTasksToList() = %d, %v", moved, err)
	}
	if n, _ := db.CountTasksInList(ctx, "inbox"); n != 3 {
		t.Errorf("inbox count = %d after move", n)
	}

	deleted, err := db.DeleteTasksInList(ctx, "inbox")
	if err != nil || deleted != 3 {
		t.Fatalf("DeleteTasksInList() = %d, %v", deleted, err)
	}
	if _, err := db.GetSubtask(ctx, "s"); !IsNotFound(err) {
		t.Errorf("subtask survived list purge: %v", err)
	}

	inbox, err := db.SystemList(ctx)
	if err != nil || inbox.ID != "inbox" {
		t.Errorf("SystemList() = %v, %v", inbox, err)
	}
	lists, _ := db.ListLists(ctx)
	if len(lists) != 2 || !lists[0].System {
		t.Errorf("ListLists() should put the system list first: %v", lists)
	}
}

func TestRule_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rule := &schema.Rule{
		ID:           "r1",
		Title:        "Gym",
		ListID:       schema.Ptr("health"),
		PlannedStart: schema.Ptr(schema.NewClock(7, 0)),
		PlannedEnd:   schema.Ptr(schema.NewClock(8, 15)),
		Freq:         schema.FreqWeekly,
		ByDay:        []time.Weekday{time.Wednesday},
		Start:        schema.MustDate("2024-01-01"),
		Until:        schema.Ptr(schema.MustDate("2024-06-30")),
		Active:       true,
		UpdatedAt:    now,
	}
	if err := db.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("UpsertRule() failed: %v", err)
	}

	got, err := db.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	// normalized on save: the Monday start weekday joins byday
	if len(got.ByDay) != 2 || got.ByDay[0] != time.Monday || got.ByDay[1] != time.Wednesday {
		t.Errorf("ByDay = %v", got.ByDay)
	}
	if got.Interval != 1 || *got.PlannedEnd != schema.NewClock(8, 15) || *got.Until != schema.MustDate("2024-06-30") {
		t.Errorf("GetRule() = %+v", got)
	}

	if err := db.SetRuleActive(ctx, "r1", false, now); err != nil {
		t.Fatalf("SetRuleActive() failed: %v", err)
	}
	active, _ := db.ListRules(ctx, true)
	if len(active) != 0 {
		t.Errorf("paused rule listed as active")
	}
	if err := db.SetRuleActive(ctx, "missing", true, now); !IsNotFound(err) {
		t.Errorf("SetRuleActive() on missing rule error = %v", err)
	}
}

func seedRule(t *testing.T, db *DB, id string) {
	t.Helper()
	rule := &schema.Rule{
		ID: id, Title: "Routine", Freq: schema.FreqDaily, Interval: 1,
		Start: schema.MustDate("2024-01-01"), Active: true, UpdatedAt: now,
	}
	if err := db.UpsertRule(context.Background(), rule); err != nil {
		t.Fatalf("UpsertRule() failed: %v", err)
	}
}

func TestUpsertOverride_PartialPatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRule(t, db, "R")
	date := schema.MustDate("2024-01-03")

	if _, err := db.GetOverride(ctx, "R", date); !IsNotFound(err) {
		t.Fatalf("unedited occurrence should have no override: %v", err)
	}

	first := &schema.OverridePatch{RuleID: "R", OccurrenceDate: date, Title: schema.Set("Dentist"), Notes: schema.Set("9am")}
	if err := db.UpsertOverride(ctx, first, now); err != nil {
		t.Fatalf("UpsertOverride() failed: %v", err)
	}

	second := &schema.OverridePatch{RuleID: "R", OccurrenceDate: date, Status: schema.Set(schema.StatusDone), Notes: schema.Null[string]()}
	if err := db.UpsertOverride(ctx, second, now.Add(time.Hour)); err != nil {
		t.Fatalf("UpsertOverride() second patch failed: %v", err)
	}

	got, err := db.GetOverride(ctx, "R", date)
	if err != nil {
		t.Fatalf("GetOverride() failed: %v", err)
	}
	if got.Title == nil || *got.Title != "Dentist" {
		t.Errorf("absent title was overwritten: %v", got.Title)
	}
	if got.Notes != nil {
		t.Errorf("explicit null should clear notes, got %q", *got.Notes)
	}
	if got.Status == nil || *got.Status != schema.StatusDone {
		t.Errorf("Status = %v", got.Status)
	}
	if got.Skip || got.MovedTo != nil || got.ListID != nil {
		t.Errorf("unset fields should stay unset: %+v", got)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
}

func TestListOverrides_IncludesMovedIn(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRule(t, db, "R")
	seedRule(t, db, "S")

	patches := []*schema.OverridePatch{
		{RuleID: "R", OccurrenceDate: schema.MustDate("2024-01-02"), Skip: schema.Set(true)},
		{RuleID: "R", OccurrenceDate: schema.MustDate("2024-01-20"), MovedTo: schema.Set(schema.MustDate("2024-01-04"))},
		{RuleID: "R", OccurrenceDate: schema.MustDate("2024-01-25"), Title: schema.Set("later")},
		{RuleID: "S", OccurrenceDate: schema.MustDate("2024-01-03"), Title: schema.Set("other rule")},
	}
	for _, p := range patches {
		if err := db.UpsertOverride(ctx, p, now); err != nil {
			t.Fatalf("UpsertOverride() failed: %v", err)
		}
	}

	got, err := db.ListOverrides(ctx, "R", schema.MustDate("2024-01-01"), schema.MustDate("2024-01-07"))
	if err != nil {
		t.Fatalf("ListOverrides() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListOverrides() = %d overrides, want 2", len(got))
	}
	if !got[0].Skip || got[1].MovedTo == nil {
		t.Errorf("ListOverrides() = %+v, %+v", got[0], got[1])
	}

	all, _ := db.ListOverrides(ctx, "", schema.MustDate("2024-01-01"), schema.MustDate("2024-01-07"))
	if len(all) != 3 {
		t.Errorf("ListOverrides(all rules) = %d, want 3", len(all))
	}
}

func TestDeleteRule_CascadesOverrides(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRule(t, db, "R")

	p := &schema.OverridePatch{RuleID: "R", OccurrenceDate: schema.MustDate("2024-01-02"), Skip: schema.Set(true)}
	if err := db.UpsertOverride(ctx, p, now); err != nil {
		t.Fatalf("UpsertOverride() failed: %v", err)
	}
	if err := db.DeleteRule(ctx, "R"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := db.GetOverride(ctx, "R", schema.MustDate("2024-01-02")); !IsNotFound(err) {
		t.Errorf("override survived rule delete: %v", err)
	}
}

func TestOutbox_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var ids []int64
	for _, entityID := range []string{"a", "b", "a"} {
		e := &schema.OutboxEntry{
			Entity: schema.EntityTask, EntityID: entityID, Op: schema.OpUpsert,
			Payload: []byte(`{"id":"` + entityID + `"}`), CreatedAt: now,
		}
		id, err := db.InsertOutbox(ctx, e)
		if err != nil {
			t.Fatalf("InsertOutbox() failed: %v", err)
		}
		ids = append(ids, id)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Fatalf("outbox ids not increasing: %v", ids)
	}

	entries, err := db.ListOutbox(ctx, OutboxFilter{})
	if err != nil || len(entries) != 3 || entries[0].ID != ids[0] {
		t.Fatalf("ListOutbox() = %v, %v", entries, err)
	}

	next := now.Add(time.Minute)
	if err := db.RecordOutboxFailure(ctx, ids[0], 1, &next, "connection refused", false); err != nil {
		t.Fatalf("RecordOutboxFailure() failed: %v", err)
	}
	e, _ := db.GetOutbox(ctx, ids[0])
	if e.Attempts != 1 || e.LastError != "connection refused" || !e.NextAttemptAt.Equal(next) {
		t.Errorf("failure not recorded: %+v", e)
	}

	if err := db.RecordOutboxFailure(ctx, ids[1], 10, nil, "gave up", true); err != nil {
		t.Fatalf("RecordOutboxFailure() failed: %v", err)
	}
	stats, err := db.OutboxStats(ctx)
	if err != nil {
		t.Fatalf("OutboxStats() failed: %v", err)
	}
	if stats.Pending != 2 || stats.Dead != 1 || stats.Oldest == nil || !stats.Oldest.Equal(now) {
		t.Errorf("OutboxStats() = %+v", stats)
	}
	live, _ := db.ListOutbox(ctx, OutboxFilter{})
	if len(live) != 2 {
		t.Errorf("dead entries should be excluded by default, got %d", len(live))
	}

	if ok, _ := db.HasPendingOutbox(ctx, schema.EntityTask, "b"); !ok {
		t.Error("dead entry still blocks its key")
	}
	if err := db.ReviveOutbox(ctx, ids[1]); err != nil {
		t.Fatalf("ReviveOutbox() failed: %v", err)
	}
	e, _ = db.GetOutbox(ctx, ids[1])
	if e.Dead || e.Attempts != 0 || e.LastError != "" {
		t.Errorf("revived entry = %+v", e)
	}

	for _, id := range ids {
		if err := db.DeleteOutbox(ctx, id); err != nil {
			t.Fatalf("DeleteOutbox() failed: %v", err)
		}
	}
	if ok, _ := db.HasPendingOutbox(ctx, schema.EntityTask, "a"); ok {
		t.Error("HasPendingOutbox() true after deleting all entries")
	}

	if _, err := db.InsertOutbox(ctx, &schema.OutboxEntry{Entity: "widget", Op: schema.OpUpsert}); !errors.Is(err, schema.ErrInvalid) {
		t.Errorf("InsertOutbox() unknown entity error = %v", err)
	}
}

func TestRekey_Task(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	task := newTask("tmp-1", "Buy milk")
	task.Priority = 2
	if err := db.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask() failed: %v", err)
	}
	if err := db.UpsertSubtask(ctx, &schema.Subtask{ID: "s1", TaskID: "tmp-1", Title: "oat", UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertSubtask() failed: %v", err)
	}
	rule := &schema.Rule{
		ID: "r1", Title: "Routine", Freq: schema.FreqDaily, Interval: 1,
		Start: schema.MustDate("2024-01-01"), Active: true, TemplateTaskID: schema.Ptr("tmp-1"),
	}
	if err := db.UpsertRule(ctx, rule); err != nil {
		t.Fatalf("UpsertRule() failed: %v", err)
	}
	entries := []*schema.OutboxEntry{
		{Entity: schema.EntityTask, EntityID: "tmp-1", Op: schema.OpUpsert, Payload: []byte(`{"id":"tmp-1","title":"Buy milk"}`)},
		{Entity: schema.EntitySubtask, EntityID: "s1", Op: schema.OpUpsert, Payload: []byte(`{"id":"s1","task_id":"tmp-1"}`)},
	}
	for _, e := range entries {
		if _, err := db.InsertOutbox(ctx, e); err != nil {
			t.Fatalf("InsertOutbox() failed: %v", err)
		}
	}

	if err := db.Rekey(ctx, schema.EntityTask, "tmp-1", "abc-123"); err != nil {
		t.Fatalf("Rekey() failed: %v", err)
	}

	if _, err := db.GetTask(ctx, "tmp-1"); !IsNotFound(err) {
		t.Errorf("old row still present: %v", err)
	}
	got, err := db.GetTask(ctx, "abc-123")
	if err != nil {
		t.Fatalf("GetTask(new) failed: %v", err)
	}
	if got.Title != "Buy milk" || got.Priority != 2 {
		t.Errorf("rekeyed row = %+v", got)
	}
	sub, _ := db.GetSubtask(ctx, "s1")
	if sub.TaskID != "abc-123" {
		t.Errorf("subtask parent = %q", sub.TaskID)
	}
	r, _ := db.GetRule(ctx, "r1")
	if *r.TemplateTaskID != "abc-123" {
		t.Errorf("template link = %q", *r.TemplateTaskID)
	}

	queued, _ := db.ListOutbox(ctx, OutboxFilter{})
	if queued[0].EntityID != "abc-123" || string(queued[0].Payload) != `{"id":"abc-123","title":"Buy milk"}` {
		t.Errorf("task entry not rewritten: %s %s", queued[0].EntityID, queued[0].Payload)
	}
	if string(queued[1].Payload) != `{"id":"s1","task_id":"abc-123"}` {
		t.Errorf("subtask payload not rewritten: %s", queued[1].Payload)
	}
}

func TestRekey_Rule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedRule(t, db, "tmp-rule")

	p := &schema.OverridePatch{RuleID: "tmp-rule", OccurrenceDate: schema.MustDate("2024-01-02"), Title: schema.Set("moved")}
	if err := db.UpsertOverride(ctx, p, now); err != nil {
		t.Fatalf("UpsertOverride() failed: %v", err)
	}
	payload := []byte(`{"rule_id":"tmp-rule","occurrence_date":"2024-01-02","title":"moved"}`)
	if _, err := db.InsertOutbox(ctx, &schema.OutboxEntry{
		Entity: schema.EntityOverride, EntityID: p.Key(), Op: schema.OpUpsert, Payload: payload,
	}); err != nil {
		t.Fatalf("InsertOutbox() failed: %v", err)
	}

	if err := db.Rekey(ctx, schema.EntityRule, "tmp-rule", "rule-9"); err != nil {
		t.Fatalf("Rekey() failed: %v", err)
	}

	if _, err := db.GetRule(ctx, "tmp-rule"); !IsNotFound(err) {
		t.Errorf("old rule still present: %v", err)
	}
	o, err := db.GetOverride(ctx, "rule-9", schema.MustDate("2024-01-02"))
	if err != nil || *o.Title != "moved" {
		t.Errorf("override not carried over: %v %v", o, err)
	}
	queued, _ := db.ListOutbox(ctx, OutboxFilter{})
	if len(queued) != 1 || queued[0].EntityID != "rule-9@2024-01-02" {
		t.Fatalf("override entry key = %v", queued)
	}
	if string(queued[0].Payload) != `{"rule_id":"rule-9","occurrence_date":"2024-01-02","title":"moved"}` {
		t.Errorf("override payload = %s", queued[0].Payload)
	}
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if v, err := db.GetMeta(ctx, "last_pull"); err != nil || v != "" {
		t.Fatalf("GetMeta() unset = %q, %v", v, err)
	}
	if err := db.SetMeta(ctx, "last_pull", "2024-01-01"); err != nil {
		t.Fatalf("SetMeta() failed: %v", err)
	}
	if err := db.SetMeta(ctx, "last_pull", "2024-01-02"); err != nil {
		t.Fatalf("SetMeta() overwrite failed: %v", err)
	}
	if v, _ := db.GetMeta(ctx, "last_pull"); v != "2024-01-02" {
		t.Errorf("GetMeta() = %q", v)
	}
}

func TestConfirmID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.ConfirmID(ctx, schema.EntityRule, "r-legacy", ""); err != nil {
		t.Fatalf("ConfirmID() failed: %v", err)
	}
	if err := db.ConfirmID(ctx, schema.EntityRule, "r-legacy"); err != nil {
		t.Fatalf("ConfirmID() twice failed: %v", err)
	}

	tests := []struct {
		kind schema.Entity
		id   string
		want bool
	}{
		{schema.EntityRule, "r-legacy", true},
		{schema.EntityRuleActive, "r-legacy", true},
		{schema.EntityTask, "r-legacy", false},
		{schema.EntityRule, "other", false},
	}
	for _, tt := range tests {
		got, err := db.IsConfirmed(ctx, tt.kind, tt.id)
		if err != nil {
			t.Fatalf("IsConfirmed(%s, %s) failed: %v", tt.kind, tt.id, err)
		}
		if got != tt.want {
			t.Errorf("IsConfirmed(%s, %s) = %v, want %v", tt.kind, tt.id, got, tt.want)
		}
	}
}
