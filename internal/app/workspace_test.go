package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"workroom/internal/config"
	"workroom/internal/engine"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Workroom.PageSize != config.Default().Workroom.PageSize {
		t.Fatalf("expected default page size, got %d", ws.Config.Workroom.PageSize)
	}
	if want := filepath.Join(dir, ".workroom", "uploads"); ws.Engine.UploadsDir != want {
		t.Fatalf("uploads dir = %q, want %q", ws.Engine.UploadsDir, want)
	}
	rm, err := ws.Engine.CreateRoom(context.Background(), engine.RoomCreateOptions{TaskID: "t1", ClientID: "c", WorkerID: "w", ActorID: "c"})
	if err != nil {
		t.Fatalf("create room on migrated db: %v", err)
	}
	if rm.TaskID != "t1" {
		t.Fatalf("unexpected room %+v", rm)
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "server:\n  addr: 0.0.0.0:9000\n  uploads_dir: /srv/files\n"
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := Open(dir, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %q", ws.Config.Server.Addr)
	}
	if ws.Engine.UploadsDir != "/srv/files" {
		t.Fatalf("absolute uploads dir not kept: %q", ws.Engine.UploadsDir)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("workroom:\n  page_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, path); err == nil {
		t.Fatal("expected validation error")
	}
}
