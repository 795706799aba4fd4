package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/quizpulse/quizpulse/internal/record"
)

// Migrator copies legacy flat keys (answers_<user>, progress_<user>,
// classData, ...) from the KV file store into the per-store layout.
//
// The migration is idempotent: a destination key that already holds a
// value is never overwritten, so re-running after a partial failure
// only fills the gaps and never clobbers newer per-store data with
// older flat data. Failure on one key is logged and does not abort the
// others.
type Migrator struct {
	legacy *KVFileStore
	dst    Adapter
	logger *log.Logger

	// DefaultTimestamp is assigned to legacy scalar answers, which
	// carry no timestamp of their own. Zero means any real write wins.
	DefaultTimestamp int64
}

// MigrationStats summarizes one migration run.
type MigrationStats struct {
	Copied  int
	Skipped int
	Failed  int
}

// NewMigrator builds a Migrator from the legacy KV store into dst.
func NewMigrator(legacy *KVFileStore, dst Adapter, logger *log.Logger) *Migrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Migrator{legacy: legacy, dst: dst, logger: logger}
}

// legacyPrefixes maps flat key prefixes to their per-store destination
// and the shape of the flat value.
var legacyPrefixes = []struct {
	prefix     string
	store      string
	collection bool // value is a map of subkey -> entry
}{
	{"answers_", record.StoreAnswers, true},
	{"reasons_", record.StoreReasons, true},
	{"attempts_", record.StoreAttempts, true},
	{"badges_", record.StoreBadges, true},
	{"progress_", record.StoreProgress, false},
	{"charts_", record.StoreCharts, false},
}

// Run performs the migration. Safe to call at every startup.
func (m *Migrator) Run(ctx context.Context) (MigrationStats, error) {
	var stats MigrationStats

	keys, err := m.legacy.Keys(LegacyStore)
	if err != nil {
		return stats, fmt.Errorf("failed to list legacy keys: %w", err)
	}

	for _, key := range keys {
		if err := m.migrateKey(ctx, key, &stats); err != nil {
			stats.Failed++
			m.logger.Printf("WARNING: failed to migrate %s: %v", key, err)
		}
	}

	m.logger.Printf("migration complete: copied=%d skipped=%d failed=%d",
		stats.Copied, stats.Skipped, stats.Failed)
	return stats, nil
}

func (m *Migrator) migrateKey(ctx context.Context, key string, stats *MigrationStats) error {
	raw, err := m.legacy.Get(ctx, LegacyStore, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	// Singleton global blobs.
	switch key {
	case record.SettingClassData:
		return m.copyIfEmpty(ctx, record.StoreSettings, record.SettingClassData, raw, stats)
	case record.SettingConsensusUsername:
		return m.copyIfEmpty(ctx, record.StoreSettings, record.SettingConsensusUsername, raw, stats)
	}

	for _, lp := range legacyPrefixes {
		if !strings.HasPrefix(key, lp.prefix) {
			continue
		}
		user := strings.TrimPrefix(key, lp.prefix)
		if user == "" {
			return fmt.Errorf("legacy key %q has empty username", key)
		}
		if !lp.collection {
			value := raw
			if lp.store == record.StoreProgress {
				// Legacy progress is a bare count.
				var n int
				if err := json.Unmarshal(raw, &n); err == nil {
					value, _ = json.Marshal(record.Progress{Count: n})
				}
			}
			return m.copyIfEmpty(ctx, lp.store, user, value, stats)
		}
		return m.migrateCollection(ctx, lp.store, user, raw, stats)
	}

	// Unrecognized flat keys are left in place, not an error.
	return nil
}

// migrateCollection fans a flat map value out into per-store records,
// one destination key per map entry.
func (m *Migrator) migrateCollection(ctx context.Context, store, user string, raw []byte, stats *MigrationStats) error {
	entries := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%w: legacy %s for %s: %v", ErrCorrupt, store, user, err)
	}

	var firstErr error
	for sub, entry := range entries {
		value, err := m.normalizeEntry(store, entry)
		if err == nil {
			err = m.copyIfEmpty(ctx, store, record.Key(user, sub), value, stats)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			stats.Failed++
			m.logger.Printf("WARNING: failed to migrate %s/%s:%s: %v", store, user, sub, err)
		}
	}
	return firstErr
}

// normalizeEntry rewrites legacy entry shapes into the current record
// shapes. Most kinds pass through untouched.
func (m *Migrator) normalizeEntry(store string, entry json.RawMessage) ([]byte, error) {
	switch store {
	case record.StoreAnswers:
		a, err := record.NormalizeAnswer(entry, m.DefaultTimestamp)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)

	case record.StoreReasons:
		// Legacy reasons are bare strings; current shape is {text}.
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			return json.Marshal(record.Reason{Text: s})
		}
		return entry, nil

	case record.StoreAttempts:
		// Legacy attempts are bare counts.
		var n int
		if err := json.Unmarshal(entry, &n); err == nil {
			return json.Marshal(record.Attempt{Count: n})
		}
		return entry, nil

	case record.StoreBadges:
		// Legacy badges are bare earnedAt millis.
		var ts int64
		if err := json.Unmarshal(entry, &ts); err == nil {
			return json.Marshal(record.Badge{EarnedAt: ts})
		}
		return entry, nil
	}
	return entry, nil
}

// copyIfEmpty writes value to (store, key) only when the destination
// holds nothing. This is what makes re-runs idempotent.
func (m *Migrator) copyIfEmpty(ctx context.Context, store, key string, value []byte, stats *MigrationStats) error {
	existing, err := m.dst.Get(ctx, store, key)
	if err != nil {
		return err
	}
	if existing != nil {
		stats.Skipped++
		return nil
	}
	if err := m.dst.Set(ctx, store, key, value); err != nil {
		return err
	}
	stats.Copied++
	return nil
}
