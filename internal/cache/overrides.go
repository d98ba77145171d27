package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

const overrideColumns = `rule_id, occurrence_date, status, title, notes, list_id,
	planned_start, planned_end, actual_minutes, skip, moved_to_date, updated_at`

// GetOverride returns the override stored for (ruleID, date), or ErrNotFound
// when the occurrence has never been edited.
func (db *DB) GetOverride(ctx context.Context, ruleID string, date schema.Date) (*schema.Override, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+overrideColumns+` FROM recurrence_overrides WHERE rule_id = ? AND occurrence_date = ?`,
		ruleID, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query override %s: %w", schema.OverrideKey(ruleID, date), err)
	}
	defer rows.Close()

	overrides, err := scanOverrides(rows)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return nil, fmt.Errorf("override %s: %w", schema.OverrideKey(ruleID, date), ErrNotFound)
	}
	return overrides[0], nil
}

// UpsertOverride applies a partial patch. Only the fields present in patch
// are written; absent fields keep their stored value, or stay unset when the
// override is created by this call.
func (db *DB) UpsertOverride(ctx context.Context, patch *schema.OverridePatch, now time.Time) error {
	return upsertOverride(ctx, db.conn, patch, now)
}

func upsertOverride(ctx context.Context, q execer, patch *schema.OverridePatch, now time.Time) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}

	cols := []string{"rule_id", "occurrence_date", "updated_at"}
	args := []any{patch.RuleID, patch.OccurrenceDate.String(), formatTime(now)}

	add := func(col string, present bool, value any) {
		if present {
			cols = append(cols, col)
			args = append(args, value)
		}
	}
	add("status", patch.Status.Present(), fieldString(patch.Status))
	add("title", patch.Title.Present(), strToNullString(patch.Title.Ptr()))
	add("notes", patch.Notes.Present(), strToNullString(patch.Notes.Ptr()))
	add("list_id", patch.ListID.Present(), strToNullString(patch.ListID.Ptr()))
	add("planned_start", patch.PlannedStart.Present(), timeToNullString(patch.PlannedStart.Ptr()))
	add("planned_end", patch.PlannedEnd.Present(), timeToNullString(patch.PlannedEnd.Ptr()))
	add("actual_minutes", patch.ActualMinutes.Present(), intToNullInt(patch.ActualMinutes.Ptr()))
	if skip, ok := patch.Skip.Get(); ok {
		add("skip", true, skip)
	}
	add("moved_to_date", patch.MovedTo.Present(), dateToNullString(patch.MovedTo.Ptr()))

	updates := make([]string, 0, len(cols)-2)
	for _, col := range cols[2:] {
		updates = append(updates, col+" = excluded."+col)
	}

	query := `INSERT INTO recurrence_overrides (` + strings.Join(cols, ", ") + `)
	VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `)
	ON CONFLICT(rule_id, occurrence_date) DO UPDATE SET ` + strings.Join(updates, ", ")

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert override %s: %w", patch.Key(), err)
	}
	return nil
}

// PutOverride replaces the stored override with o as a whole.
func (db *DB) PutOverride(ctx context.Context, o *schema.Override) error {
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return upsertOverride(ctx, db.conn, o.Patch(), updated)
}

// ListOverrides returns the overrides relevant to displaying [start, end]:
// those whose occurrence date is in the window and those moved into it. An
// empty ruleID matches every rule.
func (db *DB) ListOverrides(ctx context.Context, ruleID string, start, end schema.Date) ([]*schema.Override, error) {
	query := `SELECT ` + overrideColumns + ` FROM recurrence_overrides
	WHERE ((occurrence_date >= ? AND occurrence_date <= ?)
	    OR (moved_to_date >= ? AND moved_to_date <= ?))`
	args := []any{start.String(), end.String(), start.String(), end.String()}
	if ruleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY rule_id, occurrence_date`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	return scanOverrides(rows)
}

func scanOverrides(rows *sql.Rows) ([]*schema.Override, error) {
	var overrides []*schema.Override

	for rows.Next() {
		var o schema.Override
		var date, updatedAt string
		var status, title, notes, listID, plannedStart, plannedEnd, movedTo sql.NullString
		var actual sql.NullInt64

		err := rows.Scan(
			&o.RuleID,
			&date,
			&status,
			&title,
			&notes,
			&listID,
			&plannedStart,
			&plannedEnd,
			&actual,
			&o.Skip,
			&movedTo,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}

		if o.OccurrenceDate, err = schema.ParseDate(date); err != nil {
			return nil, fmt.Errorf("override of rule %s: %w", o.RuleID, err)
		}
		if status.Valid {
			s := schema.Status(status.String)
			o.Status = &s
		}
		o.Title = nullStringToStr(title)
		o.Notes = nullStringToStr(notes)
		o.ListID = nullStringToStr(listID)
		o.PlannedStart = nullStringToTime(plannedStart)
		o.PlannedEnd = nullStringToTime(plannedEnd)
		o.ActualMinutes = nullIntToInt(actual)
		o.MovedTo = nullStringToDate(movedTo)
		o.UpdatedAt = parseTime(updatedAt)

		overrides = append(overrides, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overrides: %w", err)
	}
	return overrides, nil
}

func fieldString[T ~string](f schema.Field[T]) sql.NullString {
	v, ok := f.Get()
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}
