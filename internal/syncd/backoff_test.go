package syncd

import (
	"testing"
	"time"
)

func TestBackoffBaseDoublesAndCaps(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Base(attempt); got != w {
			t.Errorf("Base(%d) = %s, want %s", attempt, got, w)
		}
	}
}

func TestBackoffBaseNonDecreasing(t *testing.T) {
	b := DefaultBackoff()
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Base(attempt)
		if d < prev {
			t.Fatalf("Base(%d) = %s, below previous %s", attempt, d, prev)
		}
		if d > b.Max {
			t.Fatalf("Base(%d) = %s, above cap %s", attempt, d, b.Max)
		}
		prev = d
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		base := b.Base(3)
		if d < base || d > base+base/4 {
			t.Fatalf("Delay(3) = %s, outside [%s, %s]", d, base, base+base/4)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Minute, MaxAttempts: 3}
	for attempt, want := range []bool{false, false, false, true, true} {
		if got := b.Exhausted(attempt); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", attempt, got, want)
		}
	}

	unlimited := Backoff{Min: time.Second, Max: time.Minute}
	if unlimited.Exhausted(1000) {
		t.Error("MaxAttempts=0 should never exhaust")
	}
}
