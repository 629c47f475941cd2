package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"workroom/internal/config"
	"workroom/internal/db"
	"workroom/internal/engine"
	"workroom/internal/migrate"
	"workroom/internal/repo"
)

func newEngine(t *testing.T, now time.Time) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return now }
	return e
}

func TestNewValidatesCron(t *testing.T) {
	e := newEngine(t, time.Now())
	if _, err := New(e, config.RetentionConfig{Cron: "not a cron", Window: time.Hour}, zerolog.Nop()); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if _, err := New(e, config.RetentionConfig{Window: 0}, zerolog.Nop()); err == nil {
		t.Fatal("expected window error")
	}
	r, err := New(e, config.RetentionConfig{Window: time.Hour}, zerolog.Nop())
	if err != nil || r.Cron != defaultCron {
		t.Fatalf("default cron: %+v %v", r, err)
	}
}

func TestRunOncePurgesExpiredRooms(t *testing.T) {
	lockedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newEngine(t, lockedAt)
	ctx := context.Background()
	rm, err := e.CreateRoom(ctx, engine.RoomCreateOptions{TaskID: "t1", ClientID: "c", WorkerID: "w"})
	if err != nil {
		t.Fatal(err)
	}
	for _, actor := range []string{"c", "w"} {
		if _, err := e.FinaliseRoom(ctx, rm.ID, actor); err != nil {
			t.Fatal(err)
		}
	}

	r, err := New(e, config.RetentionConfig{Window: 24 * time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.Now = func() time.Time { return lockedAt.Add(time.Hour) }
	if n, err := r.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("inside window: %d %v", n, err)
	}
	r.Now = func() time.Time { return lockedAt.Add(25 * time.Hour) }
	if n, err := r.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("past window: %d %v", n, err)
	}
	if _, err := e.Repo.GetRoom(ctx, rm.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("room not purged: %v", err)
	}
}

func TestRunOnceSkipsOverlap(t *testing.T) {
	e := newEngine(t, time.Now())
	r, err := New(e, config.RetentionConfig{Window: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.running.Store(true)
	if n, err := r.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("overlapping pass: %d %v", n, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEngine(t, time.Now())
	r, err := New(e, config.RetentionConfig{Window: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
