package workroom

import (
	"fmt"
	"sync"
)

// Reactions holds the viewer's local reactions, at most one per message.
// They are not sent to the server.
type Reactions struct {
	mu sync.RWMutex
	m  map[string]Reaction
}

func NewReactions() *Reactions {
	return &Reactions{m: make(map[string]Reaction)}
}

// Toggle sets r on the message, or clears it when r is already set. It
// returns the reaction now in place, empty when cleared.
func (rs *Reactions) Toggle(messageID string, r Reaction) (Reaction, error) {
	if !r.Valid() {
		return "", fmt.Errorf("unknown reaction %q", r)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.m[messageID] == r {
		delete(rs.m, messageID)
		return "", nil
	}
	rs.m[messageID] = r
	return r, nil
}

// Get returns the reaction on a message, if any.
func (rs *Reactions) Get(messageID string) (Reaction, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.m[messageID]
	return r, ok
}
