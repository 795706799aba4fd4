package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quizpulse/quizpulse/internal/protocol"
	"github.com/quizpulse/quizpulse/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// AnswerStore is the broker's durable record of who answered what,
// keyed (username, question_id). Upserts are idempotent and
// last-write-wins on the timestamp, which is what makes at-least-once
// outbox replay safe.
type AnswerStore struct {
	conn *sql.DB
}

// OpenAnswerStore opens (or creates) the broker database at path.
func OpenAnswerStore(path string) (*AnswerStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &AnswerStore{conn: conn}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *AnswerStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS answers (
    username     TEXT NOT NULL,
    question_id  TEXT NOT NULL,
    answer_value TEXT NOT NULL,
    timestamp    INTEGER NOT NULL,
    PRIMARY KEY (username, question_id)
);
CREATE INDEX IF NOT EXISTS idx_answers_timestamp ON answers(timestamp);

CREATE TABLE IF NOT EXISTS accounts (
    username   TEXT PRIMARY KEY,
    role       TEXT NOT NULL DEFAULT 'student',
    created_at INTEGER NOT NULL
);
`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create broker schema: %w", err)
	}
	return nil
}

// RawDB exposes the connection so the identity resolver can keep its
// claims tables in the same file.
func (s *AnswerStore) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database after a WAL checkpoint.
func (s *AnswerStore) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Upsert applies one answer with last-write-wins semantics: an existing
// row with an equal or newer timestamp is kept as-is. Reports whether
// the row changed.
func (s *AnswerStore) Upsert(ctx context.Context, a protocol.PeerAnswer) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
INSERT INTO answers (username, question_id, answer_value, timestamp)
VALUES (?, ?, ?, ?)
ON CONFLICT(username, question_id) DO UPDATE SET
    answer_value = excluded.answer_value,
    timestamp = excluded.timestamp
WHERE excluded.timestamp > answers.timestamp`,
		a.Username, a.QuestionID, a.AnswerValue, a.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to upsert answer %s/%s: %w", a.Username, a.QuestionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check upsert: %w", err)
	}
	return n > 0, nil
}

// Since returns all answers with timestamp strictly greater than since,
// oldest first. since=0 returns everything.
func (s *AnswerStore) Since(ctx context.Context, since int64) ([]protocol.PeerAnswer, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT username, question_id, answer_value, timestamp
FROM answers WHERE timestamp > ? ORDER BY timestamp, username, question_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers since %d: %w", since, err)
	}
	defer rows.Close()

	var out []protocol.PeerAnswer
	for rows.Next() {
		var a protocol.PeerAnswer
		if err := rows.Scan(&a.Username, &a.QuestionID, &a.AnswerValue, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("answer iteration failed: %w", err)
	}
	return out, nil
}

// Total counts all stored answers.
func (s *AnswerStore) Total(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count answers: %w", err)
	}
	return n, nil
}

// LastUpdate returns the newest answer timestamp, or 0 when empty.
func (s *AnswerStore) LastUpdate(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM answers`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to read last update: %w", err)
	}
	return ts.Int64, nil
}

// UpsertAccount registers or updates an account.
func (s *AnswerStore) UpsertAccount(ctx context.Context, username, role string) error {
	if role == "" {
		role = record.RoleStudent
	}
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO accounts (username, role, created_at) VALUES (?, ?, ?)
ON CONFLICT(username) DO UPDATE SET role = excluded.role`,
		username, role, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", username, err)
	}
	return nil
}

// HasAccount reports whether username has an account row.
func (s *AnswerStore) HasAccount(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up account %s: %w", username, err)
	}
	return n > 0, nil
}

// Role returns the account role, or "" for unknown usernames.
func (s *AnswerStore) Role(ctx context.Context, username string) (string, error) {
	var role string
	err := s.conn.QueryRowContext(ctx,
		`SELECT role FROM accounts WHERE username = ?`, username).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read role of %s: %w", username, err)
	}
	return role, nil
}

// AnswerOwners returns the distinct usernames that own answers.
func (s *AnswerStore) AnswerOwners(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT username FROM answers ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list answer owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("owner iteration failed: %w", err)
	}
	return owners, nil
}

// ReassignAnswers moves every answer owned by from to owner to,
// merging row-by-row with the same last-write-wins rule as Upsert.
// This is a merge, not a copy: the rows cease to exist under from.
// Returns the number of answers moved.
func (s *AnswerStore) ReassignAnswers(ctx context.Context, from, to string) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reassignment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT question_id, answer_value, timestamp FROM answers WHERE username = ?`, from)
	if err != nil {
		return 0, fmt.Errorf("failed to read answers of %s: %w", from, err)
	}

	type row struct {
		qid, value string
		ts         int64
	}
	var moved []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.qid, &r.value, &r.ts); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan answer: %w", err)
		}
		moved = append(moved, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("answer iteration failed: %w", err)
	}
	_ = rows.Close()

	for _, r := range moved {
		_, err := tx.ExecContext(ctx, `
INSERT INTO answers (username, question_id, answer_value, timestamp)
VALUES (?, ?, ?, ?)
ON CONFLICT(username, question_id) DO UPDATE SET
    answer_value = excluded.answer_value,
    timestamp = excluded.timestamp
WHERE excluded.timestamp > answers.timestamp`,
			to, r.qid, r.value, r.ts)
		if err != nil {
			return 0, fmt.Errorf("failed to move answer %s: %w", r.qid, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE username = ?`, from); err != nil {
		return 0, fmt.Errorf("failed to drop old owner %s: %w", from, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reassignment: %w", err)
	}
	return len(moved), nil
}
