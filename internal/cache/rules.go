package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

const ruleColumns = `owner_id, template_task_id, title, notes, list_id, planned_start, planned_end,
	estimate_minutes, priority, freq, interval, byday, bymonthday, start_date, until_date, active, updated_at`

const ruleUpdates = `owner_id = excluded.owner_id,
	template_task_id = excluded.template_task_id,
	title = excluded.title,
	notes = excluded.notes,
	list_id = excluded.list_id,
	planned_start = excluded.planned_start,
	planned_end = excluded.planned_end,
	estimate_minutes = excluded.estimate_minutes,
	priority = excluded.priority,
	freq = excluded.freq,
	interval = excluded.interval,
	byday = excluded.byday,
	bymonthday = excluded.bymonthday,
	start_date = excluded.start_date,
	until_date = excluded.until_date,
	active = excluded.active,
	updated_at = excluded.updated_at`

// UpsertRule writes the full row for rule. The rule is normalized and
// validated first.
func (db *DB) UpsertRule(ctx context.Context, rule *schema.Rule) error {
	return upsertRule(ctx, db.conn, rule)
}

func upsertRule(ctx context.Context, q execer, rule *schema.Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	byday, err := json.Marshal(weekdayInts(rule.ByDay))
	if err != nil {
		return fmt.Errorf("failed to marshal byday: %w", err)
	}
	bymonthday, err := json.Marshal(nonNil(rule.ByMonthDay))
	if err != nil {
		return fmt.Errorf("failed to marshal bymonthday: %w", err)
	}

	query := `INSERT INTO recurrence_rules (id, ` + ruleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET ` + ruleUpdates

	_, err = q.ExecContext(ctx, query,
		rule.ID,
		rule.OwnerID,
		strToNullString(rule.TemplateTaskID),
		rule.Title,
		rule.Notes,
		strToNullString(rule.ListID),
		clockToNullString(rule.PlannedStart),
		clockToNullString(rule.PlannedEnd),
		intToNullInt(rule.EstimateMinutes),
		rule.Priority,
		string(rule.Freq),
		rule.Interval,
		string(byday),
		string(bymonthday),
		rule.Start.String(),
		dateToNullString(rule.Until),
		rule.Active,
		formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule returns the rule with id, or ErrNotFound.
func (db *DB) GetRule(ctx context.Context, id string) (*schema.Rule, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, `+ruleColumns+` FROM recurrence_rules WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule %s: %w", id, err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rules[0], nil
}

// RuleByTemplate returns the rule whose template task is taskID, or
// ErrNotFound.
func (db *DB) RuleByTemplate(ctx context.Context, taskID string) (*schema.Rule, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, `+ruleColumns+` FROM recurrence_rules WHERE template_task_id = ? LIMIT 1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule by template %s: %w", taskID, err)
	}
	defer rows.Close()

	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule with template %s: %w", taskID, ErrNotFound)
	}
	return rules[0], nil
}

// ListRules returns rules ordered by title. With activeOnly, paused rules are
// left out.
func (db *DB) ListRules(ctx context.Context, activeOnly bool) ([]*schema.Rule, error) {
	query := `SELECT id, ` + ruleColumns + ` FROM recurrence_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY title ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	return scanRules(rows)
}

// SetRuleActive pauses or resumes a rule.
func (db *DB) SetRuleActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE recurrence_rules SET active = ?, updated_at = ? WHERE id = ?`, active, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to set rule %s active=%v: %w", id, active, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRule removes a rule and all of its overrides in one transaction.
func (db *DB) DeleteRule(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recurrence_overrides WHERE rule_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete overrides of rule %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM recurrence_rules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete rule %s: %w", id, err)
		}
		return nil
	})
}

func scanRules(rows *sql.Rows) ([]*schema.Rule, error) {
	var rules []*schema.Rule

	for rows.Next() {
		var rule schema.Rule
		var freq, byday, bymonthday, start, updatedAt string
		var templateID, listID, plannedStart, plannedEnd, until sql.NullString
		var estimate sql.NullInt64

		err := rows.Scan(
			&rule.ID,
			&rule.OwnerID,
			&templateID,
			&rule.Title,
			&rule.Notes,
			&listID,
			&plannedStart,
			&plannedEnd,
			&estimate,
			&rule.Priority,
			&freq,
			&rule.Interval,
			&byday,
			&bymonthday,
			&start,
			&until,
			&rule.Active,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rule.Freq = schema.Freq(freq)
		rule.TemplateTaskID = nullStringToStr(templateID)
		rule.ListID = nullStringToStr(listID)
		rule.PlannedStart = nullStringToClock(plannedStart)
		rule.PlannedEnd = nullStringToClock(plannedEnd)
		rule.EstimateMinutes = nullIntToInt(estimate)
		rule.Until = nullStringToDate(until)
		rule.UpdatedAt = parseTime(updatedAt)
		if rule.Start, err = schema.ParseDate(start); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}

		var days []int
		if err := json.Unmarshal([]byte(byday), &days); err != nil {
			return nil, fmt.Errorf("failed to unmarshal byday of rule %s: %w", rule.ID, err)
		}
		for _, d := range days {
			rule.ByDay = append(rule.ByDay, time.Weekday(d))
		}
		if err := json.Unmarshal([]byte(bymonthday), &rule.ByMonthDay); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bymonthday of rule %s: %w", rule.ID, err)
		}
		if len(rule.ByMonthDay) == 0 {
			rule.ByMonthDay = nil
		}

		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

func weekdayInts(days []time.Weekday) []int {
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}

func clockToNullString(c *schema.Clock) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: c.String(), Valid: true}
}

func nullStringToClock(ns sql.NullString) *schema.Clock {
	if !ns.Valid {
		return nil
	}
	c, err := schema.ParseClock(ns.String)
	if err != nil {
		return nil
	}
	return &c
}

