// Package record defines the record kinds stored by the quizpulse engine
// and the store names they live under.
//
// Every mutable record kind except reasons and preferences carries a
// millisecond timestamp used for conflict resolution. Collection-typed
// stores (answers, reasons, attempts, badges) key records as
// "username:subkey"; singleton stores (progress, charts, preferences) key
// records by bare username.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Store names for the per-store layout. These replace the legacy flat
// keys (answers_<user>, reasons_<user>, ...) handled by the migrator.
const (
	StoreAnswers     = "answers"
	StoreReasons     = "reasons"
	StoreAttempts    = "attempts"
	StoreProgress    = "progress"
	StoreBadges      = "badges"
	StoreCharts      = "charts"
	StorePreferences = "preferences"
	StoreAccounts    = "accounts"
	StoreSettings    = "settings"

	// StorePeerAnswers caches the last pulled snapshot of classmates'
	// answers so the UI can render peer data while offline.
	StorePeerAnswers = "peer_answers"
)

// Settings keys migrated from the legacy flat layout.
const (
	SettingClassData         = "classData"
	SettingConsensusUsername = "consensusUsername"
	SettingSyncCursor        = "syncCursor"
)

// Answer is one student's answer to one question.
type Answer struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// Reason is the free-text justification attached to an answer.
// Reasons carry no timestamp; the last writer wins unconditionally.
type Reason struct {
	Text string `json:"text"`
}

// Attempt counts how many tries a student made on a question.
// The counter is monotonic: merges take the max, never regress.
type Attempt struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Progress counts completed questions for a student.
type Progress struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Badge marks an achievement. EarnedAt is fixed at first earn;
// merges keep the earliest value.
type Badge struct {
	EarnedAt int64 `json:"earnedAt"`
}

// Account is a registered user. Usernames that own answers but have no
// account row are orphans (see internal/identity).
type Account struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"createdAt"`
}

// Roles recognized by the claim endpoints.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Key builds a collection-store key from an owner and a subkey
// (question ID, badge ID, ...).
func Key(username, sub string) string {
	return username + ":" + sub
}

// SplitKey splits a collection-store key into owner and subkey.
// A key with no separator is a singleton key owned by the whole string.
func SplitKey(key string) (username, sub string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// OwnedBy reports whether a store key belongs to the given user.
func OwnedBy(key, username string) bool {
	return key == username || strings.HasPrefix(key, username+":")
}

// NormalizeAnswer decodes a stored answer value, accepting both the
// current {value, timestamp} shape and the legacy bare-string shape.
// Legacy scalars get defaultTS as their timestamp so any real write
// with a genuine timestamp wins the merge.
func NormalizeAnswer(raw []byte, defaultTS int64) (Answer, error) {
	var a Answer
	if err := json.Unmarshal(raw, &a); err == nil && (a.Value != "" || a.Timestamp != 0) {
		return a, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Answer{Value: s, Timestamp: defaultTS}, nil
	}

	return Answer{}, fmt.Errorf("answer value is neither object nor string: %s", truncate(raw, 64))
}

// NowMillis returns the current wall-clock time in milliseconds, the
// timestamp unit used on the wire and in every timestamped record.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
