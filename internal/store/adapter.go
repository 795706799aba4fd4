// Package store provides the layered local storage for quizpulse records.
//
// Two concrete backends sit behind one Adapter interface: a durable
// embedded SQLite store (the source of truth) and a flat JSON key-value
// file store kept for backward-compatible readers. DualWriter composes
// the two: every write goes to both, reads prefer the primary and fall
// back to the secondary when the primary is unavailable.
package store

import (
	"context"
	"errors"
)

// Adapter is the uniform storage contract consumed by the sync engine.
//
// Get returns (nil, nil) when the key is absent; callers distinguish
// "missing" from "backend failure" by the error value.
type Adapter interface {
	// Set persists value under (store, key).
	Set(ctx context.Context, store, key string, value []byte) error

	// Get returns the value for (store, key), or nil if absent.
	Get(ctx context.Context, store, key string) ([]byte, error)

	// GetAllForUser returns every record in store whose key belongs to
	// username, keyed by the full store key.
	GetAllForUser(ctx context.Context, store, username string) (map[string][]byte, error)
}

// Storage error taxonomy. Backends wrap these sentinels so callers can
// route on errors.Is without knowing which backend failed.
var (
	// ErrUnavailable means the backend could not be reached or opened.
	ErrUnavailable = errors.New("storage backend unavailable")

	// ErrQuotaExceeded means the backend refused the write for size.
	// Non-fatal on the secondary backend; the dual writer only logs it.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrCorrupt means a stored value could not be decoded.
	ErrCorrupt = errors.New("stored value is corrupt")
)
