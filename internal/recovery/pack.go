// Package recovery exports and imports student recovery packs: a
// single JSON file carrying one user's records plus an integrity
// checksum, used to move data between devices or restore after loss.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quizpulse/quizpulse/internal/merge"
	"github.com/quizpulse/quizpulse/internal/record"
	"github.com/quizpulse/quizpulse/internal/store"
)

const (
	// PackVersion identifies the file format.
	PackVersion = "student-recovery-pack"
	// SchemaVersion of the data section.
	SchemaVersion = "2.0.0"
)

// ErrInvalidPack marks packs that fail validation: wrong version,
// missing username, or a checksum mismatch. Nothing is applied when
// validation fails.
var ErrInvalidPack = errors.New("invalid recovery pack")

// Manifest describes the pack.
type Manifest struct {
	Version       string    `json:"version"`
	SchemaVersion string    `json:"schemaVersion"`
	Username      string    `json:"username"`
	CreatedAt     int64     `json:"createdAt"`
	Integrity     Integrity `json:"integrity"`
}

type Integrity struct {
	Checksum string `json:"checksum"` // sha256 over the data section
}

// Data holds one user's records, keyed by subkey for collection stores.
type Data struct {
	Answers     map[string]json.RawMessage `json:"answers,omitempty"`
	Reasons     map[string]json.RawMessage `json:"reasons,omitempty"`
	Attempts    map[string]json.RawMessage `json:"attempts,omitempty"`
	Badges      map[string]json.RawMessage `json:"badges,omitempty"`
	Progress    json.RawMessage            `json:"progress,omitempty"`
	Charts      json.RawMessage            `json:"charts,omitempty"`
	Preferences json.RawMessage            `json:"preferences,omitempty"`
}

// Pack is the full file: manifest plus data.
type Pack struct {
	Manifest Manifest `json:"manifest"`
	Data     Data     `json:"data"`
}

// Checksum computes the hex sha256 of the marshaled data section.
// encoding/json sorts map keys, so the digest is stable.
func Checksum(d Data) (string, error) {
	buf, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Export gathers the user's records from the adapter into a pack.
func Export(ctx context.Context, adapter store.Adapter, username string) (Pack, error) {
	if username == "" {
		return Pack{}, fmt.Errorf("%w: username is required", ErrInvalidPack)
	}

	d := Data{}
	collections := []struct {
		store string
		dst   *map[string]json.RawMessage
	}{
		{record.StoreAnswers, &d.Answers},
		{record.StoreReasons, &d.Reasons},
		{record.StoreAttempts, &d.Attempts},
		{record.StoreBadges, &d.Badges},
	}
	for _, c := range collections {
		rows, err := adapter.GetAllForUser(ctx, c.store, username)
		if err != nil {
			return Pack{}, fmt.Errorf("failed to read %s: %w", c.store, err)
		}
		for key, value := range rows {
			_, sub := record.SplitKey(key)
			if sub == "" {
				continue
			}
			if *c.dst == nil {
				*c.dst = make(map[string]json.RawMessage)
			}
			(*c.dst)[sub] = json.RawMessage(value)
		}
	}

	singletons := []struct {
		store string
		dst   *json.RawMessage
	}{
		{record.StoreProgress, &d.Progress},
		{record.StoreCharts, &d.Charts},
		{record.StorePreferences, &d.Preferences},
	}
	for _, s := range singletons {
		value, err := adapter.Get(ctx, s.store, username)
		if err != nil {
			return Pack{}, fmt.Errorf("failed to read %s: %w", s.store, err)
		}
		if value != nil {
			*s.dst = json.RawMessage(value)
		}
	}

	checksum, err := Checksum(d)
	if err != nil {
		return Pack{}, err
	}
	return Pack{
		Manifest: Manifest{
			Version:       PackVersion,
			SchemaVersion: SchemaVersion,
			Username:      username,
			CreatedAt:     record.NowMillis(),
			Integrity:     Integrity{Checksum: checksum},
		},
		Data: d,
	}, nil
}

// Filename returns the conventional pack filename for a user on a
// given day: <username>_backup_<YYYY-MM-DD>.json.
func Filename(username string, at time.Time) string {
	return fmt.Sprintf("%s_backup_%s.json", username, at.Format("2006-01-02"))
}

// WriteFile exports the user's pack into dir under the conventional
// name and returns the full path.
func WriteFile(ctx context.Context, adapter store.Adapter, username, dir string) (string, error) {
	pack, err := Export(ctx, adapter, username)
	if err != nil {
		return "", err
	}
	buf, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, Filename(username, time.Now()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to write pack: %w", err)
	}
	return path, nil
}

// Validate checks a pack's manifest and integrity without applying it.
func Validate(p Pack) error {
	if p.Manifest.Version != PackVersion {
		return fmt.Errorf("%w: version %q", ErrInvalidPack, p.Manifest.Version)
	}
	if p.Manifest.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %q", ErrInvalidPack, p.Manifest.SchemaVersion)
	}
	if p.Manifest.Username == "" {
		return fmt.Errorf("%w: username missing", ErrInvalidPack)
	}
	checksum, err := Checksum(p.Data)
	if err != nil {
		return err
	}
	if checksum != p.Manifest.Integrity.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidPack)
	}
	return nil
}

// ImportStats reports what an import applied.
type ImportStats struct {
	Merged int
	Failed int
}

// Import validates the pack and merges its records into the adapter
// under the pack's own username. Validation failures apply nothing.
func Import(ctx context.Context, adapter store.Adapter, p Pack) (ImportStats, error) {
	if err := Validate(p); err != nil {
		return ImportStats{}, err
	}

	im := &importer{ctx: ctx, adapter: adapter, username: p.Manifest.Username}

	for sub, raw := range p.Data.Answers {
		im.merge(record.StoreAnswers, sub, raw, mergeAnswerRaw)
	}
	for sub, raw := range p.Data.Reasons {
		im.merge(record.StoreReasons, sub, raw, mergeReasonRaw)
	}
	for sub, raw := range p.Data.Attempts {
		im.merge(record.StoreAttempts, sub, raw, mergeAttemptRaw)
	}
	for sub, raw := range p.Data.Badges {
		im.merge(record.StoreBadges, sub, raw, mergeBadgeRaw)
	}
	im.singleton(record.StoreProgress, p.Data.Progress, mergeProgressRaw)
	im.singleton(record.StoreCharts, p.Data.Charts, nil)
	im.singleton(record.StorePreferences, p.Data.Preferences, nil)

	return im.stats, im.firstErr
}

// ReadFile loads and decodes a pack file.
func ReadFile(path string) (Pack, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, fmt.Errorf("failed to read pack: %w", err)
	}
	var p Pack
	if err := json.Unmarshal(buf, &p); err != nil {
		return Pack{}, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidPack, err)
	}
	return p, nil
}

type importer struct {
	ctx      context.Context
	adapter  store.Adapter
	username string
	stats    ImportStats
	firstErr error
}

type mergeFunc func(existing, incoming []byte) ([]byte, error)

func (im *importer) merge(storeName, sub string, incoming json.RawMessage, fn mergeFunc) {
	im.apply(storeName, record.Key(im.username, sub), incoming, fn)
}

func (im *importer) singleton(storeName string, incoming json.RawMessage, fn mergeFunc) {
	if incoming == nil {
		return
	}
	im.apply(storeName, im.username, incoming, fn)
}

func (im *importer) apply(storeName, key string, incoming json.RawMessage, fn mergeFunc) {
	existing, err := im.adapter.Get(im.ctx, storeName, key)
	if err != nil {
		im.fail(err)
		return
	}

	value := []byte(incoming)
	if fn != nil {
		value, err = fn(existing, incoming)
		if err != nil {
			im.fail(fmt.Errorf("%s/%s: %w", storeName, key, err))
			return
		}
	}

	if err := im.adapter.Set(im.ctx, storeName, key, value); err != nil {
		im.fail(err)
		return
	}
	im.stats.Merged++
}

func (im *importer) fail(err error) {
	im.stats.Failed++
	if im.firstErr == nil {
		im.firstErr = err
	}
}

func mergeAnswerRaw(existing, incoming []byte) ([]byte, error) {
	in, err := record.NormalizeAnswer(incoming, 0)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return json.Marshal(in)
	}
	ex, err := record.NormalizeAnswer(existing, 0)
	if err != nil {
		return json.Marshal(in)
	}
	return json.Marshal(merge.Answers(ex, in))
}

func mergeReasonRaw(existing, incoming []byte) ([]byte, error) {
	var in record.Reason
	if err := json.Unmarshal(incoming, &in); err != nil {
		return nil, err
	}
	if existing == nil {
		return json.Marshal(in)
	}
	var ex record.Reason
	if err := json.Unmarshal(existing, &ex); err != nil {
		return json.Marshal(in)
	}
	return json.Marshal(merge.Reasons(ex, in))
}

func mergeAttemptRaw(existing, incoming []byte) ([]byte, error) {
	var in record.Attempt
	if err := json.Unmarshal(incoming, &in); err != nil {
		return nil, err
	}
	if existing == nil {
		return json.Marshal(in)
	}
	var ex record.Attempt
	if err := json.Unmarshal(existing, &ex); err != nil {
		return json.Marshal(in)
	}
	return json.Marshal(merge.Attempts(ex, in))
}

func mergeBadgeRaw(existing, incoming []byte) ([]byte, error) {
	var in record.Badge
	if err := json.Unmarshal(incoming, &in); err != nil {
		return nil, err
	}
	if existing == nil {
		return json.Marshal(in)
	}
	var ex record.Badge
	if err := json.Unmarshal(existing, &ex); err != nil {
		return json.Marshal(in)
	}
	return json.Marshal(merge.Badges(ex, in))
}

func mergeProgressRaw(existing, incoming []byte) ([]byte, error) {
	var in record.Progress
	if err := json.Unmarshal(incoming, &in); err != nil {
		return nil, err
	}
	if existing == nil {
		return json.Marshal(in)
	}
	var ex record.Progress
	if err := json.Unmarshal(existing, &ex); err != nil {
		return json.Marshal(in)
	}
	return json.Marshal(merge.Progress(ex, in))
}
