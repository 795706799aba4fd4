package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// DualWriter writes every mutation to a primary and an optional
// secondary Adapter and reads through an ordered provider chain.
//
// The primary (indexed store) is the durability source of truth: a
// primary failure fails the write unless the secondary can absorb it
// as a degraded success. A secondary failure, quota included, is only
// logged.
type DualWriter struct {
	primary   Adapter
	secondary Adapter // may be nil
	logger    *log.Logger

	// lastReadProvider records which provider served the most recent
	// read. The sync read loop and the caller's goroutine both read
	// through one DualWriter, so access is guarded.
	mu               sync.Mutex
	lastReadProvider string
}

func (d *DualWriter) setLastRead(provider string) {
	d.mu.Lock()
	d.lastReadProvider = provider
	d.mu.Unlock()
}

// NewDualWriter composes primary and secondary. secondary may be nil,
// in which case DualWriter degenerates to a pass-through with the same
// error semantics as the primary.
func NewDualWriter(primary, secondary Adapter, logger *log.Logger) *DualWriter {
	if logger == nil {
		logger = log.Default()
	}
	return &DualWriter{primary: primary, secondary: secondary, logger: logger}
}

// Set writes primary first. On primary failure the write is retried on
// the secondary; secondary success is reported as success (logged as
// degraded). With the primary healthy, a secondary failure is non-fatal.
func (d *DualWriter) Set(ctx context.Context, store, key string, value []byte) error {
	perr := d.primary.Set(ctx, store, key, value)
	if perr == nil {
		if d.secondary != nil {
			if serr := d.secondary.Set(ctx, store, key, value); serr != nil {
				if errors.Is(serr, ErrQuotaExceeded) {
					d.logger.Printf("secondary quota exceeded for %s/%s (ignored): %v", store, key, serr)
				} else {
					d.logger.Printf("secondary write failed for %s/%s (ignored): %v", store, key, serr)
				}
			}
		}
		return nil
	}

	if d.secondary == nil {
		return perr
	}
	if serr := d.secondary.Set(ctx, store, key, value); serr != nil {
		return fmt.Errorf("primary write failed (%v); secondary also failed: %w", perr, serr)
	}
	d.logger.Printf("degraded write for %s/%s: primary failed (%v), secondary took it", store, key, perr)
	return nil
}

// Get reads through the provider chain: primary, then secondary.
func (d *DualWriter) Get(ctx context.Context, store, key string) ([]byte, error) {
	v, err := d.primary.Get(ctx, store, key)
	if err == nil {
		d.setLastRead("primary")
		return v, nil
	}
	if d.secondary == nil {
		return nil, err
	}

	d.logger.Printf("primary read failed for %s/%s, falling back: %v", store, key, err)
	v, serr := d.secondary.Get(ctx, store, key)
	if serr != nil {
		return nil, fmt.Errorf("primary read failed (%v); secondary also failed: %w", err, serr)
	}
	d.setLastRead("secondary")
	return v, nil
}

// GetAllForUser reads through the provider chain like Get.
func (d *DualWriter) GetAllForUser(ctx context.Context, store, username string) (map[string][]byte, error) {
	m, err := d.primary.GetAllForUser(ctx, store, username)
	if err == nil {
		d.setLastRead("primary")
		return m, nil
	}
	if d.secondary == nil {
		return nil, err
	}

	d.logger.Printf("primary scan failed for %s/%s, falling back: %v", store, username, err)
	m, serr := d.secondary.GetAllForUser(ctx, store, username)
	if serr != nil {
		return nil, fmt.Errorf("primary scan failed (%v); secondary also failed: %w", err, serr)
	}
	d.setLastRead("secondary")
	return m, nil
}

// LastReadProvider reports which backend served the most recent read.
func (d *DualWriter) LastReadProvider() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReadProvider
}
