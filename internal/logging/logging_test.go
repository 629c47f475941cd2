package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", false)
	log.Debug().Str("room_id", "r1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "debug" || entry["room_id"] != "r1" || entry["message"] != "hello" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("missing timestamp in %v", entry)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud", false)
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at default level: %q", buf.String())
	}
	log.Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("info not written: %q", buf.String())
	}
}

func TestPrettyOutputIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", true).Info().Msg("pretty")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "pretty") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
