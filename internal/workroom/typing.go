package workroom

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a partner stays "typing" after the last signal.
const DefaultTypingTimeout = 2 * time.Second

// TypingIndicator tracks whether the partner is typing. Each signal re-arms a
// single expiry timer; signals never stack.
type TypingIndicator struct {
	mu       sync.Mutex
	clock    Clock
	timeout  time.Duration
	onChange func(bool)

	typing bool
	timer  Timer
	gen    uint64
}

// NewTypingIndicator returns an indicator. onChange, when set, is called on
// every transition of the typing flag.
func NewTypingIndicator(clock Clock, timeout time.Duration, onChange func(bool)) *TypingIndicator {
	if clock == nil {
		clock = SystemClock{}
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingIndicator{clock: clock, timeout: timeout, onChange: onChange}
}

// Signal marks the partner as typing and restarts the expiry window.
func (t *TypingIndicator) Signal() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(gen) })
	changed := !t.typing
	t.typing = true
	t.mu.Unlock()
	if changed && t.onChange != nil {
		t.onChange(true)
	}
}

// Typing reports the current flag.
func (t *TypingIndicator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop cancels any pending expiry and clears the flag without notifying.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.typing = false
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	// A stale timer that fired while being replaced must not clear a newer window.
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()
	if t.onChange != nil {
		t.onChange(false)
	}
}
