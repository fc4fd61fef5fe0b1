// Package store implements the persistence layer backing the blob
// abstraction (C1): a single-table key/value store with per-key TTL,
// content type, and prefix listing, on top of modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key has no live (unexpired) value.
var ErrNotFound = errors.New("store: key not found")

// Record is one stored key/value pair with its side-channel metadata.
type Record struct {
	Key         string
	Value       []byte
	ContentType string
	ExpiresAt   *time.Time // nil means no expiry
	CreatedAt   time.Time
}

// KV is the persistence interface the blob abstraction (C1) is built on.
// Every method is scoped to a single key or a bounded set of keys; there is
// no cross-key transaction beyond what SQLite gives a single statement.
type KV interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, value []byte, contentType string, ttl *time.Duration) error
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string, after string, limit int) (keys []string, hasMore bool, err error)
	Migrate(ctx context.Context) error
	Close() error
}

// SQLiteKV implements KV using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN, enabling
// WAL mode and a busy timeout so concurrent readers don't spuriously fail
// while a writer holds the single-writer lock.
func NewSQLite(dsn string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteKV{db: db}, nil
}

// DB returns the underlying sql.DB handle so a caller can share this
// connection pool instead of opening a second one; nothing in this module
// calls it.
func (s *SQLiteKV) DB() *sql.DB {
	return s.db
}

func (s *SQLiteKV) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blob_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		expires_at INTEGER,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate blob_store: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_blob_store_prefix ON blob_store(key)`)
	if err != nil {
		return fmt.Errorf("migrate blob_store index: %w", err)
	}
	return nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value, content_type, expires_at, created_at FROM blob_store WHERE key = ?`, key)

	var (
		value       []byte
		contentType string
		expiresAt   sql.NullInt64
		createdAt   int64
	)
	if err := row.Scan(&value, &contentType, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	rec := &Record{
		Key:         key,
		Value:       value,
		ContentType: contentType,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		if time.Now().After(t) {
			// Lazily reap expired rows on read; the watchdog does not sweep
			// the blob store itself (only project metadata via C4).
			_, _ = s.db.ExecContext(ctx, `DELETE FROM blob_store WHERE key = ?`, key)
			return nil, ErrNotFound
		}
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func (s *SQLiteKV) Put(ctx context.Context, key string, value []byte, contentType string, ttl *time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl != nil {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(*ttl).Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blob_store (key, value, content_type, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, content_type=excluded.content_type,
			expires_at=excluded.expires_at, created_at=excluded.created_at`,
		key, value, contentType, expiresAt, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blob_store WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix returns up to limit keys under prefix in lexicographic order,
// starting strictly after the `after` cursor key (empty for the first
// page). hasMore indicates there are additional keys beyond this page.
func (s *SQLiteKV) ListPrefix(ctx context.Context, prefix string, after string, limit int) ([]string, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	upper := prefixUpperBound(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blob_store WHERE key >= ? AND key < ? AND key > ? ORDER BY key ASC LIMIT ?`,
		prefix, upper, after, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, false, fmt.Errorf("list prefix %s: scan: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	hasMore := len(keys) > limit
	if hasMore {
		keys = keys[:limit]
	}
	return keys, hasMore, rows.Err()
}

// prefixUpperBound returns the lexicographic upper bound (exclusive) for
// keys starting with prefix, by incrementing the last byte.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xFF bytes (or empty prefix): no finite upper bound, use a
	// sentinel that sorts after any realistic key.
	return "￿"
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
