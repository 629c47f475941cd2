package workroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconcileInterval is used when DeliveryConfig.Interval is zero.
const DefaultReconcileInterval = 5 * time.Second

// maxHistoryPages bounds a single full-history fetch.
const maxHistoryPages = 1000

// DeliveryConfig wires a Delivery to its collaborators. History is required;
// Push and Rooms are optional.
type DeliveryConfig struct {
	RoomID   string
	History  History
	Rooms    RoomSource
	Push     PushChannel
	Interval time.Duration
	Clock    Clock
	Logger   zerolog.Logger

	// Callbacks run on the delivery goroutine and must not block on it.
	OnChange func([]Message)
	OnEvent  func(PushEvent)
	OnFlags  func(Flags)
}

// Delivery keeps a room's message list converged from a push subscription and
// a fixed-interval reconciliation fetch. All timeline mutations happen on one
// goroutine fed by a single event queue.
type Delivery struct {
	cfg    DeliveryConfig
	log    zerolog.Logger
	events chan any

	snap  atomic.Pointer[[]Message]
	sub   atomic.Value // subscriptionBox
	ready chan struct{}

	initialErr error

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   chan struct{} // closed when the event loop exits
	wg        sync.WaitGroup
}

type subscriptionBox struct{ s Subscription }

type initialResult struct {
	msgs []Message
	err  error
}

type pushed struct{ ev PushEvent }

type pushEnded struct{ err error }

type subscribed struct{ sub Subscription }

type reconcileResult struct {
	msgs     []Message
	flags    *Flags
	err      error
	flagsErr error
}

type confirmation struct {
	msg  Message
	done chan struct{}
}

// NewDelivery validates cfg and returns an idle manager.
func NewDelivery(cfg DeliveryConfig) (*Delivery, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id required")
	}
	if cfg.History == nil {
		return nil, errors.New("history source required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	d := &Delivery{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "delivery").Str("room_id", cfg.RoomID).Logger(),
		events:  make(chan any, 64),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	empty := []Message{}
	d.snap.Store(&empty)
	return d, nil
}

// Start begins the initial fetch, the push subscription and the
// reconciliation ticker. It does not block on the network.
func (d *Delivery) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		ticker := d.cfg.Clock.NewTicker(d.cfg.Interval)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer close(d.stopped)
			defer ticker.Stop()
			d.run(ctx, ticker)
		}()
		d.spawn(func() {
			msgs, err := d.fetchAll(ctx)
			d.post(ctx, initialResult{msgs: msgs, err: err})
		})
		if d.cfg.Push != nil {
			d.spawn(func() { d.subscribe(ctx) })
		}
	})
}

// Ready is closed once the initial history fetch has completed or failed.
func (d *Delivery) Ready() <-chan struct{} {
	return d.ready
}

// InitialErr returns the initial fetch error, if any. Valid after Ready.
func (d *Delivery) InitialErr() error {
	select {
	case <-d.ready:
		return d.initialErr
	default:
		return nil
	}
}

// Messages returns the current ordered snapshot.
func (d *Delivery) Messages() []Message {
	return *d.snap.Load()
}

// Deliver merges a message confirmed by a write. It returns once the message
// is part of the snapshot, or ErrClosed when the event loop has stopped.
func (d *Delivery) Deliver(ctx context.Context, m Message) error {
	c := confirmation{msg: m, done: make(chan struct{})}
	select {
	case d.events <- c:
	case <-d.stopped:
		return ErrClosed
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-d.stopped:
		return ErrClosed
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTyping forwards a typing frame on the live subscription. It is a no-op
// when push is unavailable.
func (d *Delivery) SendTyping(ctx context.Context) error {
	box, _ := d.sub.Load().(subscriptionBox)
	if box.s == nil {
		return nil
	}
	return box.s.SendTyping(ctx)
}

// Close stops the ticker, releases the subscription and waits for every
// goroutine to exit. It is safe to call more than once and before Start.
func (d *Delivery) Close() error {
	d.closeOnce.Do(func() {
		d.startOnce.Do(func() {})
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		close(d.done)
	})
	return nil
}

func (d *Delivery) spawn(f func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		f()
	}()
}

func (d *Delivery) post(ctx context.Context, ev any) {
	select {
	case d.events <- ev:
	case <-d.stopped:
	case <-ctx.Done():
	}
}

func (d *Delivery) run(ctx context.Context, ticker Ticker) {
	tl := newTimeline()
	var (
		pending     []Message
		initialDone bool
		reconciling bool
		pushLive    = d.cfg.Push != nil
	)
	publish := func() {
		snap := tl.snapshot()
		d.snap.Store(&snap)
		if d.cfg.OnChange != nil {
			d.cfg.OnChange(snap)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if d.cfg.Push != nil && !pushLive {
				pushLive = true
				d.spawn(func() { d.subscribe(ctx) })
			}
			if reconciling {
				continue
			}
			reconciling = true
			d.spawn(func() { d.post(ctx, d.reconcile(ctx)) })
		case raw := <-d.events:
			switch ev := raw.(type) {
			case initialResult:
				initialDone = true
				d.initialErr = ev.err
				if ev.err != nil {
					d.log.Warn().Err(ev.err).Msg("initial history fetch failed")
				}
				tl.merge(ev.msgs...)
				tl.merge(pending...)
				pending = nil
				close(d.ready)
				publish()
			case subscribed:
				d.sub.Store(subscriptionBox{s: ev.sub})
			case pushEnded:
				pushLive = false
				d.sub.Store(subscriptionBox{})
				d.log.Warn().Err(ev.err).Msg("push unavailable; relying on reconciliation")
			case pushed:
				if ev.ev.Type != EventMessage {
					if d.cfg.OnEvent != nil {
						d.cfg.OnEvent(ev.ev)
					}
					continue
				}
				m, ok := Project(ev.ev.Message)
				if !ok {
					d.log.Debug().Msg("dropping push message without id")
					continue
				}
				if !initialDone {
					pending = append(pending, m)
					continue
				}
				if tl.merge(m) {
					publish()
				}
			case reconcileResult:
				reconciling = false
				if ev.err != nil {
					d.log.Warn().Err(ev.err).Msg("reconciliation fetch failed")
				}
				if !initialDone {
					pending = append(pending, ev.msgs...)
				} else if tl.merge(ev.msgs...) {
					publish()
				}
				if ev.flagsErr != nil {
					d.log.Warn().Err(ev.flagsErr).Msg("room refresh failed")
				}
				if ev.flags != nil && d.cfg.OnFlags != nil {
					d.cfg.OnFlags(*ev.flags)
				}
			case confirmation:
				if tl.merge(ev.msg) {
					publish()
				}
				close(ev.done)
			}
		}
	}
}

func (d *Delivery) subscribe(ctx context.Context) {
	sub, err := d.cfg.Push.Subscribe(ctx, d.cfg.RoomID)
	if err != nil {
		d.post(ctx, pushEnded{err: fmt.Errorf("subscribe: %w", err)})
		return
	}
	d.post(ctx, subscribed{sub: sub})
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = sub.Close()
				d.post(ctx, pushEnded{err: errors.New("push connection closed")})
				return
			}
			d.post(ctx, pushed{ev: ev})
		}
	}
}

func (d *Delivery) reconcile(ctx context.Context) reconcileResult {
	var res reconcileResult
	res.msgs, res.err = d.fetchAll(ctx)
	if d.cfg.Rooms != nil {
		info, err := d.cfg.Rooms.Room(ctx, d.cfg.RoomID)
		if err != nil {
			res.flagsErr = err
		} else {
			f := info.Flags
			res.flags = &f
		}
	}
	return res
}

func (d *Delivery) fetchAll(ctx context.Context) ([]Message, error) {
	var (
		out    []Message
		cursor string
		seen   = map[string]bool{}
	)
	for i := 0; i < maxHistoryPages; i++ {
		page, err := d.cfg.History.FetchMessages(ctx, d.cfg.RoomID, cursor)
		if err != nil {
			return out, &TransientError{Op: "fetch messages", Err: err}
		}
		out = append(out, ProjectAll(page.Records)...)
		if page.Next == "" || seen[page.Next] {
			return out, nil
		}
		seen[page.Next] = true
		cursor = page.Next
	}
	return out, nil
}
