package workroom

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

type fakeTicker struct {
	clock   *fakeClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward, firing due timers in order and ticking tickers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	for _, t := range c.tickers {
		for !t.stopped && !t.next.After(now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

type fakeBackend struct {
	mu       sync.Mutex
	user     User
	room     RoomInfo
	records  []Record
	pageSize int
	nextID   int
	now      int64

	historyErr  error
	postErr     error
	subErr      error
	finaliseErr error

	historyCalls  int
	postCalls     int
	finaliseCalls int
	typingSent    int
	postBlock     chan struct{}
	subs          []*fakeSub
}

func newFakeBackend(userID string) *fakeBackend {
	return &fakeBackend{
		user:     User{ID: userID},
		room:     RoomInfo{ID: "room-1", TaskID: "task-1", ClientID: "client-1", WorkerID: "worker-1"},
		pageSize: 2,
		now:      1000,
	}
}

func (b *fakeBackend) CurrentUser(ctx context.Context) (User, error) {
	return b.user, nil
}

func (b *fakeBackend) Room(ctx context.Context, roomID string) (RoomInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if roomID != b.room.ID {
		return RoomInfo{}, errors.New("room not found")
	}
	return b.room, nil
}

func (b *fakeBackend) FetchMessages(ctx context.Context, roomID, cursor string) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historyCalls++
	if b.historyErr != nil {
		return Page{}, b.historyErr
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + b.pageSize
	if end > len(b.records) {
		end = len(b.records)
	}
	page := Page{Records: append([]Record(nil), b.records[start:end]...)}
	if end < len(b.records) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// addRecord stores a message as if another client had written it.
func (b *fakeBackend) addRecord(sender, text string) Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addRecordLocked(sender, text, nil)
}

func (b *fakeBackend) addRecordLocked(sender, text string, files []File) Record {
	b.nextID++
	b.now += 10
	rec := Record{
		"id":         "m" + strconv.Itoa(b.nextID),
		"sender_id":  sender,
		"senderId":   sender,
		"text":       text,
		"created_at": float64(b.now),
	}
	if len(files) > 0 {
		var atts []any
		for _, f := range files {
			atts = append(atts, map[string]any{"url": "/files/" + f.Name, "name": f.Name, "content_type": f.ContentType})
		}
		rec["attachments"] = atts
	}
	b.records = append(b.records, rec)
	return rec
}

func (b *fakeBackend) PostMessage(ctx context.Context, roomID string, d Draft) (Record, error) {
	b.mu.Lock()
	b.postCalls++
	block := b.postBlock
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.postErr != nil {
		return nil, b.postErr
	}
	return b.addRecordLocked(b.user.ID, d.Text, d.Files), nil
}

func (b *fakeBackend) Finalise(ctx context.Context, roomID string) (Flags, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finaliseCalls++
	if b.finaliseErr != nil {
		return Flags{}, b.finaliseErr
	}
	b.setFinalisedLocked(b.user.ID)
	return b.room.Flags, nil
}

func (b *fakeBackend) setFinalisedLocked(userID string) {
	switch userID {
	case b.room.ClientID:
		b.room.ClientFinalised = true
	case b.room.WorkerID:
		b.room.WorkerFinalised = true
	}
	if b.room.Locked() && b.room.FinalisedAt == "" {
		b.room.FinalisedAt = "2024-01-01T00:00:00Z"
	}
}

func (b *fakeBackend) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	s := &fakeSub{backend: b, ch: make(chan PushEvent, 16)}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *fakeBackend) push(ev PushEvent) {
	b.mu.Lock()
	subs := append([]*fakeSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s.send(ev)
	}
}

func (b *fakeBackend) counts() (history, post, finalise int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyCalls, b.postCalls, b.finaliseCalls
}

type fakeSub struct {
	backend *fakeBackend
	mu      sync.Mutex
	ch      chan PushEvent
	closed  bool
}

func (s *fakeSub) Events() <-chan PushEvent { return s.ch }

func (s *fakeSub) SendTyping(ctx context.Context) error {
	s.backend.mu.Lock()
	s.backend.typingSent++
	s.backend.mu.Unlock()
	return nil
}

func (s *fakeSub) send(ev PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- ev
	}
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitReady(t *testing.T, d *Delivery) {
	t.Helper()
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("initial fetch did not complete")
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
