package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quizpulse/quizpulse/internal/record"
)

// KVFileStore is the simple key-value backend: one JSON file per store
// under a directory, each holding a flat key -> value map. It exists for
// backward-compatible readers of the old flat layout and as the
// dual-write secondary; the SQLite store is the durability source of
// truth.
type KVFileStore struct {
	dir string

	// MaxBytes, when > 0, caps the serialized size of any one store
	// file. Writes that would exceed it fail with ErrQuotaExceeded.
	MaxBytes int

	mu sync.Mutex
}

// LegacyStore is the pseudo-store holding pre-migration flat keys
// (answers_<user>, classData, consensusUsername, ...).
const LegacyStore = "legacy"

// OpenKVFile creates a KVFileStore rooted at dir.
func OpenKVFile(dir string) (*KVFileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &KVFileStore{dir: dir}, nil
}

func (s *KVFileStore) file(store string) string {
	return filepath.Join(s.dir, store+".json")
}

// load reads a store file into a map. A missing file is an empty store.
func (s *KVFileStore) load(store string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.file(store))
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, store, err)
	}
	return m, nil
}

func (s *KVFileStore) save(store string, m map[string]json.RawMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode store %s: %w", store, err)
	}
	if s.MaxBytes > 0 && len(data) > s.MaxBytes {
		return fmt.Errorf("%w: store %s would be %d bytes", ErrQuotaExceeded, store, len(data))
	}

	// Write-then-rename so readers never observe a torn file.
	tmp := s.file(store) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, s.file(store)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Set implements Adapter.
func (s *KVFileStore) Set(ctx context.Context, store, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(store)
	if err != nil {
		return err
	}
	m[key] = json.RawMessage(value)
	return s.save(store, m)
}

// Get implements Adapter.
func (s *KVFileStore) Get(ctx context.Context, store, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(store)
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

// GetAllForUser implements Adapter.
func (s *KVFileStore) GetAllForUser(ctx context.Context, store, username string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(store)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for k, v := range m {
		if record.OwnedBy(k, username) {
			out[k] = []byte(v)
		}
	}
	return out, nil
}

// Keys returns every key in a store. The migrator uses this to discover
// legacy flat keys.
func (s *KVFileStore) Keys(store string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load(store)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}
