package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quizpulse/quizpulse/internal/record"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "quizpulse.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSetGet(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.Set(ctx, record.StoreAnswers, "bob:q1", []byte(`{"value":"A","timestamp":100}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(ctx, record.StoreAnswers, "bob:q1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"value":"A","timestamp":100}` {
		t.Errorf("Get = %s", got)
	}

	// Absent key is (nil, nil).
	got, err = s.Get(ctx, record.StoreAnswers, "bob:q2")
	if err != nil {
		t.Fatalf("Get absent failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get absent = %s, want nil", got)
	}
}

func TestSQLiteSetOverwrites(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, v := range []string{`"one"`, `"two"`} {
		if err := s.Set(ctx, record.StoreSettings, "k", []byte(v)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	got, err := s.Get(ctx, record.StoreSettings, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `"two"` {
		t.Errorf("Get after overwrite = %s, want %q", got, `"two"`)
	}
}

func TestSQLiteGetAllForUser(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	seed := map[string]string{
		"bob:q1":   `{"value":"A","timestamp":1}`,
		"bob:q2":   `{"value":"B","timestamp":2}`,
		"bobby:q1": `{"value":"C","timestamp":3}`,
		"alice:q1": `{"value":"D","timestamp":4}`,
	}
	for k, v := range seed {
		if err := s.Set(ctx, record.StoreAnswers, k, []byte(v)); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	got, err := s.GetAllForUser(ctx, record.StoreAnswers, "bob")
	if err != nil {
		t.Fatalf("GetAllForUser failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetAllForUser returned %d records, want 2: %v", len(got), got)
	}
	for _, k := range []string{"bob:q1", "bob:q2"} {
		if _, ok := got[k]; !ok {
			t.Errorf("missing key %s", k)
		}
	}
}

func TestSQLiteGetAllForUserSingleton(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if err := s.Set(ctx, record.StoreProgress, "bob", []byte(`{"count":5}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.GetAllForUser(ctx, record.StoreProgress, "bob")
	if err != nil {
		t.Fatalf("GetAllForUser failed: %v", err)
	}
	if len(got) != 1 || string(got["bob"]) != `{"count":5}` {
		t.Errorf("GetAllForUser = %v", got)
	}
}
