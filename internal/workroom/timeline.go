package workroom

import "sort"

// timeline is a deduplicated, totally ordered message list. It is owned by a
// single goroutine and has no locking of its own.
type timeline struct {
	byID  map[string]int
	items []Message
}

func newTimeline() *timeline {
	return &timeline{byID: make(map[string]int)}
}

// merge adds messages not already present and reports whether anything changed.
// Known ids are never replaced, so a confirmed message keeps its position.
func (t *timeline) merge(msgs ...Message) bool {
	added := false
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		t.byID[m.ID] = -1
		t.items = append(t.items, m)
		added = true
	}
	if !added {
		return false
	}
	sort.SliceStable(t.items, func(i, j int) bool { return t.items[i].Less(t.items[j]) })
	for i, m := range t.items {
		t.byID[m.ID] = i
	}
	return true
}

func (t *timeline) has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

func (t *timeline) len() int { return len(t.items) }

// snapshot returns a copy safe to hand to other goroutines.
func (t *timeline) snapshot() []Message {
	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}
