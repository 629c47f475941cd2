package workroom

import (
	"sync"
	"testing"
	"time"
)

func TestTypingSignalsResetRatherThanStack(t *testing.T) {
	clock := newFakeClock()
	var (
		mu      sync.Mutex
		changes []bool
	)
	ind := NewTypingIndicator(clock, 2*time.Second, func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})

	ind.Signal()
	clock.Advance(1500 * time.Millisecond)
	ind.Signal()
	clock.Advance(1900 * time.Millisecond) // t=3.4
	if !ind.Typing() {
		t.Fatalf("indicator cleared before 3.5")
	}
	clock.Advance(100 * time.Millisecond) // t=3.5
	if ind.Typing() {
		t.Fatalf("indicator still set at 3.5")
	}
	clock.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("expected one set and one clear, got %v", changes)
	}
}

func TestTypingStopCancelsExpiry(t *testing.T) {
	clock := newFakeClock()
	cleared := 0
	ind := NewTypingIndicator(clock, time.Second, func(v bool) {
		if !v {
			cleared++
		}
	})
	ind.Signal()
	ind.Stop()
	clock.Advance(2 * time.Second)
	if ind.Typing() || cleared != 0 {
		t.Fatalf("typing=%v cleared=%d", ind.Typing(), cleared)
	}
}
