package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"feedmail/internal/storage"
)

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) CheckGroup(ctx context.Context, urlsHash []byte, now time.Time) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feed_groups WHERE urls_hash = ?`, urlsHash,
	).Scan(&exists)
	if err != nil {
		return false, &storage.Error{Op: "check group", Err: err}
	}

	if exists == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO feed_groups (urls_hash, last_check, last_update, last_seen)
			VALUES (?, ?, NULL, ?)
		`, urlsHash, now, now)
		if err != nil {
			return false, &storage.Error{Op: "create group", Err: err}
		}
		return true, nil
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE feed_groups SET last_check = ? WHERE urls_hash = ?`,
		now, urlsHash,
	)
	if err != nil {
		return false, &storage.Error{Op: "update group last_check", Err: err}
	}
	return false, nil
}

func (t *sqliteTx) HasItem(ctx context.Context, urlsHash, updateHash []byte) (bool, error) {
	var count int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feed_items WHERE urls_hash = ? AND update_hash = ?`,
		urlsHash, updateHash,
	).Scan(&count)
	if err != nil {
		return false, &storage.Error{Op: "lookup item", Err: err}
	}
	return count > 0, nil
}

func (t *sqliteTx) UpsertItem(ctx context.Context, urlsHash, updateHash []byte, now time.Time) (bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM feed_items WHERE urls_hash = ? AND update_hash = ?`,
		urlsHash, updateHash,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO feed_items (urls_hash, update_hash, last_seen)
			VALUES (?, ?, ?)
		`, urlsHash, updateHash, now)
		if err != nil {
			return false, &storage.Error{Op: "insert item", Err: err}
		}
		return true, nil
	case err != nil:
		return false, &storage.Error{Op: "lookup item", Err: err}
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE feed_items SET last_seen = ? WHERE id = ?`, now, id,
	)
	if err != nil {
		return false, &storage.Error{Op: "refresh item last_seen", Err: err}
	}
	return false, nil
}

func (t *sqliteTx) MarkUpdated(ctx context.Context, urlsHash []byte, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE feed_groups SET last_update = ? WHERE urls_hash = ?`,
		now, urlsHash,
	)
	if err != nil {
		return &storage.Error{Op: "mark group updated", Err: err}
	}
	return nil
}

func (t *sqliteTx) ClearFailure(ctx context.Context, urlsHash []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM failures WHERE urls_hash = ?`, urlsHash,
	)
	if err != nil {
		return &storage.Error{Op: "clear failure", Err: err}
	}
	return nil
}

func (t *sqliteTx) PruneItems(ctx context.Context, urlsHash []byte, cutoff time.Time) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM feed_items WHERE urls_hash = ? AND last_seen < ?`,
		urlsHash, cutoff,
	)
	if err != nil {
		return 0, &storage.Error{Op: "prune items", Err: err}
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &storage.Error{Op: "commit", Err: err}
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}
