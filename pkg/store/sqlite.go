package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists entries in a local SQLite database file. The payload
// and the epoch-millisecond expiry live in separate columns of one table.
// Rows persist until lazily deleted by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens, and if needed initializes, the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS entries (
		key        TEXT PRIMARY KEY,
		expires_ms INTEGER NOT NULL,
		payload    BLOB
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT expires_ms, payload FROM entries WHERE key = ?", key)

	var millis int64
	var payload []byte
	if err := row.Scan(&millis, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("sqlite get %q: %w", key, err)
	}

	return payload, time.UnixMilli(millis), nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, expires_ms, payload) VALUES (?, ?, ?)",
		key, expiresAt.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("sqlite put %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete %q: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
