package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

const outboxColumns = `id, entity, entity_id, op, payload, created_at, attempts, next_attempt_at, last_error, dead`

// InsertOutbox appends an entry and returns its id. Ids increase in creation
// order.
func (db *DB) InsertOutbox(ctx context.Context, e *schema.OutboxEntry) (int64, error) {
	if !e.Entity.Valid() {
		return 0, fmt.Errorf("%w: unknown outbox entity %q", schema.ErrInvalid, e.Entity)
	}
	if e.Op != schema.OpUpsert && e.Op != schema.OpDelete {
		return 0, fmt.Errorf("%w: unknown outbox op %q", schema.ErrInvalid, e.Op)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO outbox (entity, entity_id, op, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(e.Entity), e.EntityID, string(e.Op), string(e.Payload), formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", e.Op, e.Key(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox id: %w", err)
	}
	e.ID = id
	e.CreatedAt = created
	return id, nil
}

// OutboxFilter selects entries for ListOutbox.
type OutboxFilter struct {
	// IncludeDead also returns dead-lettered entries.
	IncludeDead bool
	// OnlyDead returns only dead-lettered entries.
	OnlyDead bool
	// Limit caps the number of rows (0 = no limit).
	Limit int
}

// ListOutbox returns entries oldest first.
func (db *DB) ListOutbox(ctx context.Context, filter OutboxFilter) ([]*schema.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	switch {
	case filter.OnlyDead:
		query += ` WHERE dead = 1`
	case !filter.IncludeDead:
		query += ` WHERE dead = 0`
	}
	query += ` ORDER BY id ASC`
	var args []any
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*schema.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return entries, nil
}

// GetOutbox returns one entry, or ErrNotFound.
func (db *DB) GetOutbox(ctx context.Context, id int64) (*schema.OutboxEntry, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox entry %d: %w", id, ErrNotFound)
	}
	return e, err
}

// DeleteOutbox removes a confirmed entry.
func (db *DB) DeleteOutbox(ctx context.Context, id int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry %d: %w", id, err)
	}
	return nil
}

// RecordOutboxFailure stores the outcome of a failed replay.
func (db *DB) RecordOutboxFailure(ctx context.Context, id int64, attempts int, next *time.Time, lastErr string, dead bool) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE outbox SET attempts = ?, next_attempt_at = ?, last_error = ?, dead = ? WHERE id = ?`,
		attempts, timeToNullString(next), lastErr, dead, id)
	if err != nil {
		return fmt.Errorf("failed to record failure of outbox entry %d: %w", id, err)
	}
	return nil
}

// ReviveOutbox clears the dead flag and retry state of an entry so the next
// drain replays it.
func (db *DB) ReviveOutbox(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE outbox SET attempts = 0, next_attempt_at = NULL, last_error = NULL, dead = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revive outbox entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// HasPendingOutbox reports whether any entry, dead or alive, is queued for
// the (entity, entityID) key.
func (db *DB) HasPendingOutbox(ctx context.Context, entity schema.Entity, entityID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE entity = ? AND entity_id = ?`, string(entity), entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check outbox for %s:%s: %w", entity, entityID, err)
	}
	return n > 0, nil
}

// PendingKeys returns the set of entity ids with queued entries, per entity.
func (db *DB) PendingKeys(ctx context.Context) (map[schema.Entity]map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT entity, entity_id FROM outbox`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[schema.Entity]map[string]bool)
	for rows.Next() {
		var entity, id string
		if err := rows.Scan(&entity, &id); err != nil {
			return nil, fmt.Errorf("failed to scan pending key: %w", err)
		}
		e := schema.Entity(entity)
		if keys[e] == nil {
			keys[e] = make(map[string]bool)
		}
		keys[e][id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending keys: %w", err)
	}
	return keys, nil
}

// OutboxStats summarizes the queue.
type OutboxStats struct {
	Pending int
	Dead    int
	Oldest  *time.Time
}

// OutboxStats returns queue depth, dead-letter count and the creation time
// of the oldest live entry.
func (db *DB) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var stats OutboxStats
	var oldest sql.NullString
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN dead = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN dead = 1 THEN 1 ELSE 0 END), 0),
		MIN(CASE WHEN dead = 0 THEN created_at END)
	FROM outbox`).Scan(&stats.Pending, &stats.Dead, &oldest)
	if err != nil {
		return stats, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	stats.Oldest = nullStringToTime(oldest)
	return stats, nil
}

func scanOutbox(s scanner) (*schema.OutboxEntry, error) {
	var e schema.OutboxEntry
	var entity, op, payload, created string
	var next, lastErr sql.NullString

	err := s.Scan(&e.ID, &entity, &e.EntityID, &op, &payload, &created, &e.Attempts, &next, &lastErr, &e.Dead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
	}
	e.Entity = schema.Entity(entity)
	e.Op = schema.Op(op)
	e.Payload = []byte(payload)
	e.CreatedAt = parseTime(created)
	e.NextAttemptAt = nullStringToTime(next)
	e.LastError = lastErr.String
	return &e, nil
}

// SetMeta stores a key/value pair of local bookkeeping.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns a bookkeeping value, or "" when unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}
