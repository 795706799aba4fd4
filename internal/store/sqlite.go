package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the durable indexed backend. It runs embedded SQLite
// with WAL mode so reads stay concurrent with the single writer.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite creates the store at path, creating parent directories and
// schema as needed. The caller must Close() when done.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
    store      TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (store, key)
);
CREATE INDEX IF NOT EXISTS idx_records_store ON records(store);
`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create records schema: %w", err)
	}
	return nil
}

// RawDB returns the underlying sql.DB connection. The outbox shares it
// so a pending item and the record it mirrors live in the same file.
func (s *SQLiteStore) RawDB() *sql.DB {
	return s.conn
}

// Close closes the connection after a WAL checkpoint so all changes
// are persisted in the main database file.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Set implements Adapter.
func (s *SQLiteStore) Set(ctx context.Context, store, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO records (store, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(store, key) DO UPDATE SET
    value = excluded.value,
    updated_at = excluded.updated_at`,
		store, key, string(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", store, key, err)
	}
	return nil
}

// Get implements Adapter. Returns (nil, nil) when the key is absent.
func (s *SQLiteStore) Get(ctx context.Context, store, key string) ([]byte, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM records WHERE store = ? AND key = ?`,
		store, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", store, key, err)
	}
	return []byte(value), nil
}

// GetAllForUser implements Adapter. It matches both the singleton key
// (bare username) and collection keys (username:subkey).
func (s *SQLiteStore) GetAllForUser(ctx context.Context, store, username string) (map[string][]byte, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT key, value FROM records
WHERE store = ? AND (key = ? OR key LIKE ? ESCAPE '\')
ORDER BY key`,
		store, username, likePrefix(username+":")+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for %s: %w", store, username, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[key] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// GetAll returns every record in a store, keyed as stored.
func (s *SQLiteStore) GetAll(ctx context.Context, store string) (map[string][]byte, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key, value FROM records WHERE store = ? ORDER BY key`, store)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", store, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[key] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// likePrefix escapes LIKE metacharacters in a literal prefix.
func likePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out)
}
