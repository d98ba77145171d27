package cache

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// confirmedKind folds entities that share an id space onto one kind.
func confirmedKind(kind schema.Entity) schema.Entity {
	if kind == schema.EntityRuleActive {
		return schema.EntityRule
	}
	return kind
}

// ConfirmID records that the remote store holds rows under ids. A confirmed
// id is kept as is even when it is not a UUID.
func (db *DB) ConfirmID(ctx context.Context, kind schema.Entity, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO remote_ids (entity, id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			string(confirmedKind(kind)), id)
		if err != nil {
			return fmt.Errorf("failed to confirm %s %s: %w", kind, id, err)
		}
	}
	return nil
}

// IsConfirmed reports whether id was confirmed by the remote store.
func (db *DB) IsConfirmed(ctx context.Context, kind schema.Entity, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM remote_ids WHERE entity = ? AND id = ?`,
		string(confirmedKind(kind)), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s %s: %w", kind, id, err)
	}
	return n > 0, nil
}
