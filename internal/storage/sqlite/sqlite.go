// Package sqlite implements the state store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"feedmail/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	conn *sql.DB
	log  *slog.Logger
}

func New(dbPath string, log *slog.Logger) (*SQLiteStore, error) {
	log.Info("initializing sqlite storage", "path", dbPath)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &SQLiteStore{conn: conn, log: log}, nil
}

func runMigrations(conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &storage.Error{Op: "begin", Err: err}
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) TouchGroupsLastSeen(ctx context.Context, hashes [][]byte, now time.Time) error {
	for _, hash := range hashes {
		_, err := s.conn.ExecContext(ctx,
			`UPDATE feed_groups SET last_seen = ? WHERE urls_hash = ?`,
			now, hash,
		)
		if err != nil {
			return &storage.Error{Op: "touch group last_seen", Err: err}
		}
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, urlsHash []byte, message string, now time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &storage.Error{Op: "record failure", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feed_groups (urls_hash, last_check, last_update, last_seen)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(urls_hash) DO UPDATE SET last_check = excluded.last_check
	`, urlsHash, now, now)
	if err != nil {
		return &storage.Error{Op: "record failure", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO failures (urls_hash, fail_count, error)
		VALUES (?, 1, ?)
		ON CONFLICT(urls_hash) DO UPDATE
			SET fail_count = failures.fail_count + 1, error = excluded.error
	`, urlsHash, message)
	if err != nil {
		return &storage.Error{Op: "record failure", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &storage.Error{Op: "record failure", Err: err}
	}
	return nil
}

func (s *SQLiteStore) FailingGroups(ctx context.Context, minFails int) ([]storage.Failure, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT urls_hash, fail_count, error FROM failures WHERE fail_count >= ? ORDER BY urls_hash`,
		minFails,
	)
	if err != nil {
		return nil, &storage.Error{Op: "list failing groups", Err: err}
	}
	defer rows.Close()

	var failures []storage.Failure
	for rows.Next() {
		var f storage.Failure
		if err := rows.Scan(&f.URLsHash, &f.FailCount, &f.Error); err != nil {
			return nil, &storage.Error{Op: "scan failure", Err: err}
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.Error{Op: "list failing groups", Err: err}
	}
	return failures, nil
}

func (s *SQLiteStore) PruneGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM feed_groups WHERE last_seen < ?`, cutoff,
	)
	if err != nil {
		return 0, &storage.Error{Op: "prune groups", Err: err}
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.log.Debug("pruned stale feed groups", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
