package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := New(openTestDB(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

type payload struct {
	QuestionID string `json:"question_id"`
}

func TestEnqueueAndList(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := o.Enqueue(ctx, OpSubmitAnswer, payload{QuestionID: q}); err != nil {
			t.Fatalf("Enqueue %s: %v", q, err)
		}
	}

	items, err := o.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("List returned %d items, want 3", len(items))
	}
	// FIFO: ids ascend in enqueue order.
	for i := 1; i < len(items); i++ {
		if items[i].ID <= items[i-1].ID {
			t.Errorf("items out of order: %v", items)
		}
	}
}

func TestDrainDeliversFIFO(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	for _, q := range []string{"q1", "q2"} {
		if _, err := o.Enqueue(ctx, OpSubmitAnswer, payload{QuestionID: q}); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	stats, err := o.Drain(ctx, SenderFunc(func(ctx context.Context, item Item) error {
		var p payload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		got = append(got, p.QuestionID)
		return nil
	}))
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if stats.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", stats.Delivered)
	}
	if len(got) != 2 || got[0] != "q1" || got[1] != "q2" {
		t.Errorf("delivery order = %v, want [q1 q2]", got)
	}

	if n, _ := o.Pending(ctx); n != 0 {
		t.Errorf("Pending = %d after full drain", n)
	}
}

// Given items [A(always fails), B(succeeds)], after three drains A is
// parked as failed and B has been delivered.
func TestExhaustionParksItemAndContinues(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	idA, err := o.Enqueue(ctx, OpSubmitAnswer, payload{QuestionID: "qA"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Enqueue(ctx, OpSubmitAnswer, payload{QuestionID: "qB"}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("network down for qA")
	sender := SenderFunc(func(ctx context.Context, item Item) error {
		var p payload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		if p.QuestionID == "qA" {
			return boom
		}
		return nil
	})

	// First drain: A fails once, B is delivered despite A.
	stats, err := o.Drain(ctx, sender)
	if err != nil {
		t.Fatalf("Drain 1 failed: %v", err)
	}
	if stats.Delivered != 1 || stats.Retried != 1 || stats.Parked != 0 {
		t.Errorf("Drain 1 stats = %+v", stats)
	}

	// Two more drains exhaust A's retries.
	for i := 2; i <= 3; i++ {
		if _, err := o.Drain(ctx, sender); err != nil {
			t.Fatalf("Drain %d failed: %v", i, err)
		}
	}

	items, err := o.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("List = %v, want only the parked item", items)
	}
	if items[0].ID != idA || items[0].Status != StatusFailed || items[0].Tries != 3 {
		t.Errorf("parked item = %+v", items[0])
	}

	// Parked items are excluded from further automatic drains.
	stats, err = o.Drain(ctx, sender)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 0 {
		t.Errorf("parked item was retried automatically: %+v", stats)
	}
}

func TestManualRetryResetsFailedItem(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t)

	id, err := o.Enqueue(ctx, OpSubmitAnswer, payload{QuestionID: "qA"})
	if err != nil {
		t.Fatal(err)
	}

	failing := SenderFunc(func(ctx context.Context, item Item) error {
		return errors.New("still down")
	})
	for i := 0; i < 3; i++ {
		if _, err := o.Drain(ctx, failing); err != nil {
			t.Fatal(err)
		}
	}

	// Retry on a non-failed item is rejected.
	if err := o.Retry(ctx, id+99); err == nil {
		t.Error("Retry of unknown item should fail")
	}

	if err := o.Retry(ctx, id); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	ok := SenderFunc(func(ctx context.Context, item Item) error { return nil })
	stats, err := o.Drain(ctx, ok)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Delivered != 1 {
		t.Errorf("retried item not delivered: %+v", stats)
	}
}
