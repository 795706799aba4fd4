package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quizpulse/quizpulse/internal/protocol"
)

func openTestAnswers(t *testing.T) *AnswerStore {
	t.Helper()
	s, err := OpenAnswerStore(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("OpenAnswerStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertLastWriteWins(t *testing.T) {
	s := openTestAnswers(t)
	ctx := context.Background()

	applied, err := s.Upsert(ctx, protocol.PeerAnswer{
		Username: "Mango_Panda", QuestionID: "q1", AnswerValue: "A", Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !applied {
		t.Fatal("first write should apply")
	}

	// Older write loses.
	applied, err = s.Upsert(ctx, protocol.PeerAnswer{
		Username: "Mango_Panda", QuestionID: "q1", AnswerValue: "B", Timestamp: 50,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if applied {
		t.Fatal("stale write should not apply")
	}

	// Equal timestamp also loses: strictly-greater wins only.
	applied, _ = s.Upsert(ctx, protocol.PeerAnswer{
		Username: "Mango_Panda", QuestionID: "q1", AnswerValue: "C", Timestamp: 100,
	})
	if applied {
		t.Fatal("equal-timestamp write should not apply")
	}

	rows, err := s.Since(ctx, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(rows) != 1 || rows[0].AnswerValue != "A" {
		t.Fatalf("got %+v, want single answer A", rows)
	}
}

func TestSinceIsStrictlyGreater(t *testing.T) {
	s := openTestAnswers(t)
	ctx := context.Background()

	for i, a := range []protocol.PeerAnswer{
		{Username: "u1", QuestionID: "q1", AnswerValue: "x", Timestamp: 100},
		{Username: "u2", QuestionID: "q1", AnswerValue: "y", Timestamp: 200},
		{Username: "u3", QuestionID: "q1", AnswerValue: "z", Timestamp: 300},
	} {
		if _, err := s.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	rows, err := s.Since(ctx, 200)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(rows) != 1 || rows[0].Username != "u3" {
		t.Fatalf("since=200 should return only u3, got %+v", rows)
	}

	total, _ := s.Total(ctx)
	if total != 3 {
		t.Fatalf("Total = %d, want 3", total)
	}
	last, _ := s.LastUpdate(ctx)
	if last != 300 {
		t.Fatalf("LastUpdate = %d, want 300", last)
	}
}

func TestAccountsAndReassign(t *testing.T) {
	s := openTestAnswers(t)
	ctx := context.Background()

	if err := s.UpsertAccount(ctx, "Mango_Panda", "student"); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	ok, err := s.HasAccount(ctx, "Mango_Panda")
	if err != nil || !ok {
		t.Fatalf("HasAccount = %v, %v", ok, err)
	}
	ok, _ = s.HasAccount(ctx, "Cherry_Lemon")
	if ok {
		t.Fatal("Cherry_Lemon should have no account")
	}

	// Orphan rows under Cherry_Lemon, plus Mango_Panda's own newer row
	// for the overlapping question.
	seed := []protocol.PeerAnswer{
		{Username: "Cherry_Lemon", QuestionID: "q1", AnswerValue: "old", Timestamp: 100},
		{Username: "Cherry_Lemon", QuestionID: "q2", AnswerValue: "only", Timestamp: 100},
		{Username: "Mango_Panda", QuestionID: "q1", AnswerValue: "new", Timestamp: 200},
	}
	for _, a := range seed {
		if _, err := s.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	owners, err := s.AnswerOwners(ctx)
	if err != nil {
		t.Fatalf("AnswerOwners: %v", err)
	}
	if len(owners) != 2 {
		t.Fatalf("owners = %v, want 2", owners)
	}

	moved, err := s.ReassignAnswers(ctx, "Cherry_Lemon", "Mango_Panda")
	if err != nil {
		t.Fatalf("ReassignAnswers: %v", err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}

	rows, _ := s.Since(ctx, 0)
	byQ := map[string]protocol.PeerAnswer{}
	for _, r := range rows {
		if r.Username != "Mango_Panda" {
			t.Fatalf("row still owned by %s", r.Username)
		}
		byQ[r.QuestionID] = r
	}
	if byQ["q1"].AnswerValue != "new" {
		t.Fatalf("q1 = %q, newer local answer should survive reassign", byQ["q1"].AnswerValue)
	}
	if byQ["q2"].AnswerValue != "only" {
		t.Fatalf("q2 = %q, orphan-only answer should move over", byQ["q2"].AnswerValue)
	}
}
