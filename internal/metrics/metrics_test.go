package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RoomCreated()
	m.MessageCreated(2048)
	m.FrameSent("typing")
	m.Limited("write")
	m.PushOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"workroom_rooms_created_total 1",
		"workroom_upload_bytes_total 2048",
		`workroom_push_frames_sent_total{type="typing"} 1`,
		`workroom_rate_limited_total{kind="write"} 1`,
		"workroom_push_connections 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in metrics output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RoomCreated()
	m.RoomLocked()
	m.MessageCreated(10)
	m.FrameDropped()
	m.Webhook("failed")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil metrics handler status = %d", rec.Code)
	}
}
