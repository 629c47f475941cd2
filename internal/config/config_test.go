package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workroom.ReconcileInterval != 5*time.Second || cfg.Workroom.TypingTimeout != 2*time.Second {
		t.Fatalf("unexpected timings %+v", cfg.Workroom)
	}
	if cfg.Retention.Window != 720*time.Hour {
		t.Fatalf("unexpected retention window %v", cfg.Retention.Window)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("workroom:\n  reconcile_interval: 1s\nwebhooks:\n  - url: http://settle.local/hook\n    events: [room.locked]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workroom.ReconcileInterval != time.Second {
		t.Fatalf("override lost: %v", cfg.Workroom.ReconcileInterval)
	}
	if cfg.Workroom.TypingTimeout != 2*time.Second || cfg.Server.BasePath != "/v0" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Workroom, cfg.Server)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].IsEnabled() {
		t.Fatalf("webhooks %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"cron":     "retention:\n  cron: \"not a cron\"\n",
		"interval": "workroom:\n  reconcile_interval: 0s\n",
		"page":     "workroom:\n  page_size: 500\n",
		"hook":     "webhooks:\n  - events: [room.locked]\n",
		"base":     "server:\n  base_path: v0\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if err := os.WriteFile(filepath.Join(dir, "workroom.yml"), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
	if !strings.Contains(GenerateDefault(), "reconcile_interval") {
		t.Fatalf("template missing keys")
	}
}
