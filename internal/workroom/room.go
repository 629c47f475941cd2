package workroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotParticipant is returned when the viewer is neither client nor worker.
var ErrNotParticipant = errors.New("viewer is not a participant of this room")

// ViewConfig configures a room view.
type ViewConfig struct {
	RoomID            string
	Backend           Backend
	ReconcileInterval time.Duration
	TypingTimeout     time.Duration
	// SettlementURL is the downstream settlement path; "{room_id}" is substituted.
	SettlementURL string
	Clock         Clock
	Logger        zerolog.Logger
	// OnChange may be called from several goroutines.
	OnChange func(State)
}

// State is a point-in-time view of a room for rendering.
type State struct {
	Messages      []Message
	Phase         Phase
	Flags         Flags
	PartnerTyping bool
	Sending       bool
}

// Locked reports whether the room accepts no more writes.
func (s State) Locked() bool { return s.Phase == PhaseLocked }

// View is a participant's live session inside one room.
type View struct {
	cfg     ViewConfig
	log     zerolog.Logger
	user    User
	role    Role
	info    RoomInfo
	backend Backend

	tracker   *Tracker
	delivery  *Delivery
	outbox    *Outbox
	typing    *TypingIndicator
	reactions *Reactions
}

// Enter resolves the viewer and room, then starts delivery. The returned view
// must be released with Leave. Cancelling ctx also stops delivery.
func Enter(ctx context.Context, cfg ViewConfig) (*View, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	user, err := cfg.Backend.CurrentUser(ctx)
	if err != nil {
		return nil, &TransientError{Op: "resolve current user", Err: err}
	}
	info, err := cfg.Backend.Room(ctx, cfg.RoomID)
	if err != nil {
		return nil, &TransientError{Op: "load room", Err: err}
	}
	role, ok := info.RoleOf(user.ID)
	if !ok {
		return nil, ErrNotParticipant
	}
	v := &View{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "room").Str("room_id", cfg.RoomID).Str("user_id", user.ID).Logger(),
		user:      user,
		role:      role,
		info:      info,
		backend:   cfg.Backend,
		tracker:   &Tracker{},
		reactions: NewReactions(),
	}
	_ = v.tracker.ApplySnapshot(info.Flags, cfg.Clock.Now())
	v.typing = NewTypingIndicator(cfg.Clock, cfg.TypingTimeout, func(bool) { v.notify() })
	v.delivery, err = NewDelivery(DeliveryConfig{
		RoomID:   cfg.RoomID,
		History:  cfg.Backend,
		Rooms:    cfg.Backend,
		Push:     cfg.Backend,
		Interval: cfg.ReconcileInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		OnChange: func([]Message) { v.notify() },
		OnEvent:  v.handleEvent,
		OnFlags:  v.applyFlags,
	})
	if err != nil {
		return nil, err
	}
	v.outbox = NewOutbox(cfg.RoomID, cfg.Backend, v.tracker, v.delivery)
	v.delivery.Start(ctx)
	return v, nil
}

// Leave stops delivery and timers. Safe to call more than once.
func (v *View) Leave() error {
	v.typing.Stop()
	return v.delivery.Close()
}

func (v *View) User() User { return v.user }
func (v *View) Role() Role { return v.role }
func (v *View) Room() RoomInfo { return v.info }
func (v *View) Tracker() *Tracker { return v.tracker }
func (v *View) Delivery() *Delivery { return v.delivery }
func (v *View) Outbox() *Outbox { return v.outbox }
func (v *View) Reactions() *Reactions { return v.reactions }

// PartnerID returns the other participant's user id.
func (v *View) PartnerID() string {
	if v.role == RoleClient {
		return v.info.WorkerID
	}
	return v.info.ClientID
}

// State returns the current render state.
func (v *View) State() State {
	return State{
		Messages:      v.delivery.Messages(),
		Phase:         v.tracker.Phase(),
		Flags:         v.tracker.Flags(),
		PartnerTyping: v.typing.Typing(),
		Sending:       v.outbox.Busy(),
	}
}

// Submit sends the current draft through the outbox.
func (v *View) Submit(ctx context.Context) (Result, error) {
	res, err := v.outbox.Submit(ctx)
	if err != nil {
		v.log.Debug().Err(err).Msg("submit rejected")
	}
	return res, err
}

// NotifyTyping emits a typing signal to the partner. Failures are dropped.
func (v *View) NotifyTyping(ctx context.Context) {
	if v.tracker.IsLocked() {
		return
	}
	if err := v.delivery.SendTyping(ctx); err != nil {
		v.log.Debug().Err(err).Msg("typing signal not sent")
	}
}

// Finalise marks the viewer's side finalised. When the viewer has already
// finalised no request is made.
func (v *View) Finalise(ctx context.Context) (Flags, error) {
	if v.tracker.Finalised(v.role) {
		return v.tracker.Flags(), nil
	}
	flags, err := v.backend.Finalise(ctx, v.cfg.RoomID)
	if err != nil {
		return v.tracker.Flags(), &TransientError{Op: "finalise room", Err: err}
	}
	v.applyFlags(flags)
	if err := v.tracker.ApplyFinalisationUpdate(v.role, v.cfg.Clock.Now()); err != nil {
		return v.tracker.Flags(), err
	}
	v.notify()
	return v.tracker.Flags(), nil
}

// React toggles a local reaction on a message.
func (v *View) React(messageID string, r Reaction) (Reaction, error) {
	got, err := v.reactions.Toggle(messageID, r)
	if err == nil {
		v.notify()
	}
	return got, err
}

// SettlementURL returns the downstream settlement path once the room is
// locked, and false before that.
func (v *View) SettlementURL() (string, bool) {
	if !v.tracker.IsLocked() || v.cfg.SettlementURL == "" {
		return "", false
	}
	return strings.ReplaceAll(v.cfg.SettlementURL, "{room_id}", v.cfg.RoomID), true
}

func (v *View) handleEvent(ev PushEvent) {
	switch ev.Type {
	case EventTyping:
		if ev.UserID == "" || ev.UserID == v.user.ID {
			return
		}
		v.typing.Signal()
	case EventFinalised:
		if ev.Flags != nil {
			v.applyFlags(*ev.Flags)
		}
	default:
		v.log.Debug().Str("type", ev.Type).Msg("ignoring push event")
	}
}

func (v *View) applyFlags(f Flags) {
	before := v.tracker.Phase()
	if err := v.tracker.ApplySnapshot(f, v.cfg.Clock.Now()); err != nil {
		v.log.Warn().Err(err).Msg("ignoring room state that would reopen a finalised room")
		return
	}
	if after := v.tracker.Phase(); after != before {
		v.log.Info().Str("phase", after.String()).Msg("room phase changed")
		if after == PhaseLocked {
			v.typing.Stop()
		}
		v.notify()
	}
}

func (v *View) notify() {
	if v.cfg.OnChange != nil {
		v.cfg.OnChange(v.State())
	}
}

func (v *View) String() string {
	return fmt.Sprintf("room %s as %s (%s)", v.cfg.RoomID, v.user.ID, v.role)
}
