package workroom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func enterRoom(t *testing.T, b *fakeBackend, clock *fakeClock) *View {
	t.Helper()
	v, err := Enter(context.Background(), ViewConfig{
		RoomID:            b.room.ID,
		Backend:           b,
		ReconcileInterval: 5 * time.Second,
		TypingTimeout:     2 * time.Second,
		SettlementURL:     "/settlement/{room_id}",
		Clock:             clock,
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	t.Cleanup(func() { _ = v.Leave() })
	waitReady(t, v.Delivery())
	return v
}

func TestFinalisationHandshake(t *testing.T) {
	b := newFakeBackend("client-1")
	clock := newFakeClock()
	v := enterRoom(t, b, clock)
	if v.Role() != RoleClient || v.PartnerID() != "worker-1" {
		t.Fatalf("role %s partner %s", v.Role(), v.PartnerID())
	}

	if _, err := v.Finalise(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v.State().Phase != PhaseOnePartyFinalised || v.State().Locked() {
		t.Fatalf("phase after client finalise: %s", v.State().Phase)
	}
	if _, err := v.Finalise(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, fin := b.counts(); fin != 1 {
		t.Fatalf("repeat finalise hit network: %d calls", fin)
	}
	if _, ok := v.SettlementURL(); ok {
		t.Fatalf("settlement exposed before lock")
	}

	// The worker finalises from their own session; the server pushes the new flags.
	b.mu.Lock()
	b.setFinalisedLocked("worker-1")
	flags := b.room.Flags
	b.mu.Unlock()
	b.push(PushEvent{Type: EventFinalised, RoomID: b.room.ID, Flags: &flags})
	eventually(t, "lock", func() bool { return v.State().Locked() })

	if url, ok := v.SettlementURL(); !ok || url != "/settlement/room-1" {
		t.Fatalf("settlement url %q %v", url, ok)
	}
	v.Outbox().SetText("after lock")
	if _, err := v.Submit(context.Background()); !errors.Is(err, ErrRoomLocked) {
		t.Fatalf("expected ErrRoomLocked, got %v", err)
	}
	if _, posts, _ := b.counts(); posts != 0 {
		t.Fatalf("locked submit reached network")
	}
}

func TestLockObservedThroughReconciliation(t *testing.T) {
	b := newFakeBackend("worker-1")
	b.subErr = errors.New("no push")
	clock := newFakeClock()
	v := enterRoom(t, b, clock)

	b.mu.Lock()
	b.setFinalisedLocked("client-1")
	b.setFinalisedLocked("worker-1")
	b.mu.Unlock()
	eventually(t, "lock via room refresh", func() bool {
		clock.Advance(5 * time.Second)
		return v.State().Locked()
	})
	if v.Tracker().FinalisedAt().IsZero() {
		t.Fatalf("finalisedAt not set")
	}
}

func TestPartnerTypingIgnoresOwnSignals(t *testing.T) {
	b := newFakeBackend("client-1")
	clock := newFakeClock()
	v := enterRoom(t, b, clock)
	eventually(t, "subscription", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 1
	})

	b.push(PushEvent{Type: EventTyping, UserID: "client-1"})
	time.Sleep(20 * time.Millisecond)
	if v.State().PartnerTyping {
		t.Fatalf("own typing frame shown")
	}
	b.push(PushEvent{Type: EventTyping, UserID: "worker-1"})
	eventually(t, "partner typing", func() bool { return v.State().PartnerTyping })
	clock.Advance(2 * time.Second)
	if v.State().PartnerTyping {
		t.Fatalf("typing not cleared after timeout")
	}

	v.NotifyTyping(context.Background())
	b.mu.Lock()
	sent := b.typingSent
	b.mu.Unlock()
	if sent != 1 {
		t.Fatalf("typing frames sent: %d", sent)
	}
}

func TestEnterRejectsOutsider(t *testing.T) {
	b := newFakeBackend("stranger")
	_, err := Enter(context.Background(), ViewConfig{RoomID: b.room.ID, Backend: b, Clock: newFakeClock(), Logger: zerolog.Nop()})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestReactionsAreLocal(t *testing.T) {
	b := newFakeBackend("client-1")
	v := enterRoom(t, b, newFakeClock())
	if got, err := v.React("m1", ReactionFire); err != nil || got != ReactionFire {
		t.Fatalf("react: %v %v", got, err)
	}
	if got, _ := v.React("m1", ReactionHeart); got != ReactionHeart {
		t.Fatalf("replace: %v", got)
	}
	if got, _ := v.React("m1", ReactionHeart); got != "" {
		t.Fatalf("toggle off: %v", got)
	}
	if _, err := v.React("m1", Reaction("clap")); err == nil {
		t.Fatalf("expected unknown reaction error")
	}
	if _, posts, _ := b.counts(); posts != 0 {
		t.Fatalf("reactions reached network")
	}
}

func TestSubmitAfterEnterContextCancelled(t *testing.T) {
	b := newFakeBackend("client-1")
	ctx, cancel := context.WithCancel(context.Background())
	v, err := Enter(ctx, ViewConfig{
		RoomID:            b.room.ID,
		Backend:           b,
		ReconcileInterval: 5 * time.Second,
		Clock:             newFakeClock(),
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer v.Leave()
	waitReady(t, v.Delivery())
	cancel()

	done := make(chan error, 1)
	go func() {
		v.Outbox().SetText("hi")
		_, err := v.Submit(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after delivery stopped")
	}
	if v.Outbox().Busy() {
		t.Fatal("outbox still busy")
	}
	if _, posts, _ := b.counts(); posts != 1 {
		t.Fatalf("expected one write, got %d", posts)
	}
	v.Outbox().SetText("again")
	if res, err := v.Submit(context.Background()); err != nil || res.Skipped {
		t.Fatalf("second submit: %+v %v", res, err)
	}
}
