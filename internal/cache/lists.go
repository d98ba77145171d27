package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// UpsertList writes the full row for list.
func (db *DB) UpsertList(ctx context.Context, list *schema.List) error {
	return upsertList(ctx, db.conn, list)
}

func upsertList(ctx context.Context, q execer, list *schema.List) error {
	if err := list.Validate(); err != nil {
		return fmt.Errorf("invalid list: %w", err)
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO lists (id, name, sort_index, system, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		sort_index = excluded.sort_index,
		system = excluded.system,
		updated_at = excluded.updated_at`,
		list.ID, list.Name, list.SortIndex, list.System, formatTime(list.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert list %s: %w", list.ID, err)
	}
	return nil
}

// GetList returns the list with id, or ErrNotFound.
func (db *DB) GetList(ctx context.Context, id string) (*schema.List, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, sort_index, system, updated_at FROM lists WHERE id = ?`, id)
	list, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list %s: %w", id, ErrNotFound)
	}
	return list, err
}

// SystemList returns the system (Inbox) list, or ErrNotFound before one has
// been created or pulled.
func (db *DB) SystemList(ctx context.Context) (*schema.List, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, sort_index, system, updated_at FROM lists WHERE system = 1 ORDER BY id LIMIT 1`)
	list, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("system list: %w", ErrNotFound)
	}
	return list, err
}

// ListLists returns all lists, system list first, then by sort index.
func (db *DB) ListLists(ctx context.Context) ([]*schema.List, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, sort_index, system, updated_at FROM lists ORDER BY system DESC, sort_index ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var lists []*schema.List
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lists: %w", err)
	}
	return lists, nil
}

// DeleteList removes a list row. Tasks referencing it must have been moved
// or deleted first; the caller decides which.
func (db *DB) DeleteList(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanList(s scanner) (*schema.List, error) {
	var list schema.List
	var updatedAt string
	if err := s.Scan(&list.ID, &list.Name, &list.SortIndex, &list.System, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan list: %w", err)
	}
	list.UpdatedAt = parseTime(updatedAt)
	return &list, nil
}
