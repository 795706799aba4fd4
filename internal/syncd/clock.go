package syncd

import (
	"sync"
	"time"
)

// Clock abstracts time for the coordinator so tests can drive
// heartbeats and reconnect timers without sleeping.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules fn after d and returns a cancel function.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realClock struct{}

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// ManualClock is a test clock advanced by hand.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at       time.Time
	fn       func()
	canceled bool
}

// NewManualClock starts at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) func() {
	c.mu.Lock()
	t := &manualTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		t.canceled = true
		c.mu.Unlock()
	}
}

// Advance moves the clock forward and fires every timer that came due,
// in schedule order. Timers scheduled by fired callbacks fire too if
// they fall within the window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		fn := c.popDue()
		if fn == nil {
			return
		}
		fn()
	}
}

func (c *ManualClock) popDue() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for i, t := range c.timers {
		if t.canceled || t.at.After(c.now) {
			continue
		}
		if best == -1 || t.at.Before(c.timers[best].at) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	t := c.timers[best]
	c.timers = append(c.timers[:best], c.timers[best+1:]...)
	return t.fn
}
