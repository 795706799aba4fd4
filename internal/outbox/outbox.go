// Package outbox provides the durable queue of remote operations
// pending delivery to the broker.
//
// Items drain in FIFO order, one network round trip at a time. An item
// that fails MaxTries times is marked failed and excluded from
// automatic retries, but draining continues with later items. Failed
// items stay visible for manual retry; nothing is silently dropped
// before the bound.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Item statuses.
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Operation types carried by items.
const (
	OpSubmitAnswer = "submit_answer"
	OpBatchSubmit  = "batch_submit"
)

// DefaultMaxTries is the retry bound before an item is parked as failed.
const DefaultMaxTries = 3

// Item is one queued remote operation.
type Item struct {
	ID        int64           `json:"id"`
	OpType    string          `json:"opType"`
	Payload   json.RawMessage `json:"payload"`
	Tries     int             `json:"tries"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"createdAt"`
}

// Sender delivers one item to the broker. Implementations live in the
// sync coordinator; the outbox only cares about success or failure.
type Sender interface {
	Send(ctx context.Context, item Item) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, item Item) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, item Item) error { return f(ctx, item) }

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Delivered int
	Retried   int
	Parked    int // items that crossed the retry bound this pass
}

// Outbox is a durable FIFO queue backed by a SQLite table. It shares
// the record store's database so pending operations survive restarts
// alongside the data they mirror.
type Outbox struct {
	db       *sql.DB
	logger   *log.Logger
	maxTries int

	// drainMu serializes drain passes; a second trigger while one is
	// running is a no-op rather than a concurrent sender.
	drainMu  sync.Mutex
	draining bool
}

// New creates an Outbox on db and ensures its schema exists.
func New(db *sql.DB, logger *log.Logger) (*Outbox, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    op_type    TEXT NOT NULL,
    payload    TEXT NOT NULL,
    tries      INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}

	return &Outbox{db: db, logger: logger, maxTries: DefaultMaxTries}, nil
}

// Enqueue appends an item. payload must be JSON-serializable.
func (o *Outbox) Enqueue(ctx context.Context, opType string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := o.db.ExecContext(ctx, `
INSERT INTO outbox (op_type, payload, tries, status, created_at)
VALUES (?, ?, 0, ?, ?)`,
		opType, string(data), StatusPending, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", opType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read item id: %w", err)
	}
	o.logger.Printf("enqueued %s as item %d", opType, id)
	return id, nil
}

// Drain processes pending items oldest-first through sender. Item
// failures increment the try counter; crossing the bound parks the item
// as failed and draining moves on. A drain already in progress makes
// this call a no-op.
func (o *Outbox) Drain(ctx context.Context, sender Sender) (DrainStats, error) {
	o.drainMu.Lock()
	if o.draining {
		o.drainMu.Unlock()
		return DrainStats{}, nil
	}
	o.draining = true
	o.drainMu.Unlock()
	defer func() {
		o.drainMu.Lock()
		o.draining = false
		o.drainMu.Unlock()
	}()

	items, err := o.pendingItems(ctx)
	if err != nil {
		return DrainStats{}, err
	}

	var stats DrainStats
	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if err := sender.Send(ctx, item); err != nil {
			stats.Retried++
			parked, uerr := o.recordFailure(ctx, item)
			if uerr != nil {
				return stats, uerr
			}
			if parked {
				stats.Parked++
				o.logger.Printf("item %d (%s) failed %d times, parked as failed: %v",
					item.ID, item.OpType, item.Tries+1, err)
			} else {
				o.logger.Printf("item %d (%s) failed, will retry: %v", item.ID, item.OpType, err)
			}
			continue
		}

		if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, item.ID); err != nil {
			return stats, fmt.Errorf("failed to remove delivered item %d: %w", item.ID, err)
		}
		stats.Delivered++
	}

	if stats.Delivered > 0 || stats.Parked > 0 {
		o.logger.Printf("drain complete: delivered=%d retried=%d parked=%d",
			stats.Delivered, stats.Retried, stats.Parked)
	}
	return stats, nil
}

// recordFailure bumps the try counter and parks the item when it
// crosses the bound. Reports whether the item was parked.
func (o *Outbox) recordFailure(ctx context.Context, item Item) (bool, error) {
	tries := item.Tries + 1
	status := StatusPending
	if tries >= o.maxTries {
		status = StatusFailed
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET tries = ?, status = ? WHERE id = ?`,
		tries, status, item.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update item %d: %w", item.ID, err)
	}
	return status == StatusFailed, nil
}

func (o *Outbox) pendingItems(ctx context.Context) ([]Item, error) {
	rows, err := o.db.QueryContext(ctx, `
SELECT id, op_type, payload, tries, status, created_at
FROM outbox WHERE status = ? ORDER BY id`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// List returns every item, pending and failed, oldest first.
func (o *Outbox) List(ctx context.Context) ([]Item, error) {
	rows, err := o.db.QueryContext(ctx, `
SELECT id, op_type, payload, tries, status, created_at
FROM outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Pending reports how many items await delivery.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

// Retry resets a failed item so the next drain picks it up again.
// This is the manual-intervention path for parked items.
func (o *Outbox) Retry(ctx context.Context, id int64) error {
	res, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET tries = 0, status = ? WHERE id = ? AND status = ?`,
		StatusPending, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to retry item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check retry of item %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("item %d is not in failed state", id)
	}
	o.logger.Printf("item %d reset for retry", id)
	return nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var payload string
		if err := rows.Scan(&it.ID, &it.OpType, &payload, &it.Tries, &it.Status, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("item iteration failed: %w", err)
	}
	return items, nil
}
