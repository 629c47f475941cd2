package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"workroom/internal/config"
	"workroom/internal/db"
	"workroom/internal/domain"
	"workroom/internal/engine"
	"workroom/internal/events"
	"workroom/internal/hub"
	"workroom/internal/migrate"
	"workroom/internal/workroom"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *hub.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, tweak func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.RateLimit.WriteBurst = 100
	if tweak != nil {
		tweak(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.UploadsDir = filepath.Join(workspace, "uploads")
	var tick int64
	e.Now = func() time.Time { return time.UnixMilli(1_700_000_000_000 + atomic.AddInt64(&tick, 1000)) }
	h := hub.New(hub.Options{Log: zerolog.Nop()})
	e.Notifier = h
	handler, err := New(Config{
		Engine:   e,
		Hub:      h,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true, Logger: zerolog.Nop()},
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    h,
		client: &http.Client{},
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(t, client, req)
}

func send(t *testing.T, client *http.Client, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, "", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func createRoom(t *testing.T, srv *testServer) RoomResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rooms", map[string]any{
		"task_id": "task-1", "client_id": "alice", "worker_id": "bob",
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create room status %d: %s", res.StatusCode, data)
	}
	var rm RoomResponse
	if err := json.Unmarshal(data, &rm); err != nil {
		t.Fatalf("unmarshal room: %v", err)
	}
	return rm
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestAuthFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("me without auth: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice", "name": "Alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login body %s: %v", data, err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	var me MeResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &me) != nil || me.ID != "alice" || me.Name != "Alice" {
		t.Fatalf("me: %d %s", res.StatusCode, data)
	}

	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "bob", "ci")
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &me) != nil || me.ID != "bob" || me.Source != "api_key" {
		t.Fatalf("me via api key: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d", res.StatusCode)
	}
}

func TestMessagesAndPaging(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	rm := createRoom(t, srv)

	for _, text := range []string{"one", "two", "three"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/messages", map[string]any{"text": text}, bearer(t, "alice"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("post status %d: %s", res.StatusCode, data)
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/messages", map[string]any{"text": "  "}, bearer(t, "alice"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "empty_message" {
		t.Fatalf("empty post: %d %s", res.StatusCode, data)
	}

	var texts []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		url := srv.URL + "/v0/rooms/" + rm.ID + "/messages?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, bearer(t, "bob"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, data)
		}
		var page struct {
			Items      []map[string]any `json:"items"`
			NextCursor string           `json:"next_cursor"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatal(err)
		}
		for _, rec := range page.Items {
			m, ok := workroom.Project(rec)
			if !ok || m.SenderID != "alice" {
				t.Fatalf("record does not project: %v", rec)
			}
			texts = append(texts, m.Text)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if strings.Join(texts, ",") != "one,two,three" {
		t.Fatalf("paged texts %v", texts)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rooms/"+rm.ID+"/messages", nil, bearer(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider status %d: %s", res.StatusCode, data)
	}
}

func TestMultipartUploadAndDownload(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	rm := createRoom(t, srv)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("text", "see attached")
	fw, err := mw.CreateFormFile("files", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("PNGDATA"))
	mw.Close()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range bearer(t, "bob") {
		req.Header.Set(k, v)
	}
	res, data := send(t, srv.Client(), req)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, data)
	}
	var body domain.MessageBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Attachments) != 1 || body.Attachments[0].Kind != "image" || body.Attachments[0].Name != "photo.png" {
		t.Fatalf("attachments %+v", body.Attachments)
	}

	token, _ := SignToken(testSecret, "alice", "", time.Hour)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+body.Attachments[0].URL+"?token="+token, nil, nil)
	if res.StatusCode != http.StatusOK || string(data) != "PNGDATA" {
		t.Fatalf("download: %d %q", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+body.Attachments[0].URL, nil, bearer(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider download status %d", res.StatusCode)
	}
}

func TestFinaliseHandshake(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	rm := createRoom(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/finalise", nil, bearer(t, "alice"))
	var got RoomResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &got) != nil || got.Phase != "one_party_finalised" || got.Locked {
		t.Fatalf("client finalise: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/finalise", nil, bearer(t, "mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider finalise: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/finalise", nil, bearer(t, "bob"))
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &got) != nil || !got.Locked || got.FinalisedAt == nil {
		t.Fatalf("worker finalise: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/messages", map[string]any{"text": "late"}, bearer(t, "alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "room_locked" {
		t.Fatalf("post after lock: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rooms/"+rm.ID+"/events?limit=2", nil, bearer(t, "bob"))
	var evs struct {
		Items      []EventResponse `json:"items"`
		NextCursor string          `json:"next_cursor"`
	}
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &evs) != nil {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	if len(evs.Items) != 2 || evs.Items[0].Type != events.RoomLocked || evs.NextCursor == "" {
		t.Fatalf("events page %+v", evs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rooms?state=locked", nil, bearer(t, "bob"))
	var rooms paginatedRooms
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &rooms) != nil || len(rooms.Items) != 1 {
		t.Fatalf("locked rooms: %d %s", res.StatusCode, data)
	}
}

func TestWriteRateLimit(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.RateLimit.WriteRPS = 0.001
		c.RateLimit.WriteBurst = 1
	})
	defer cleanup()
	rm := createRoom(t, srv)
	url := srv.URL + "/v0/rooms/" + rm.ID + "/messages"
	if res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"text": "a"}, bearer(t, "alice")); res.StatusCode != http.StatusCreated {
		t.Fatalf("first post: %d %s", res.StatusCode, data)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"text": "b"}, bearer(t, "alice"))
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("second post: %d %s", res.StatusCode, data)
	}
}

func TestPushSubscription(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	rm := createRoom(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, _ := SignToken(testSecret, "bob", "", time.Hour)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/rooms/" + rm.ID + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for srv.Hub.Connections(rm.ID) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("push connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rooms/"+rm.ID+"/messages", map[string]any{"text": "ping"}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post: %d %s", res.StatusCode, data)
	}
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame["type"] != workroom.EventMessage {
		t.Fatalf("unexpected frame %v", frame)
	}
	rec, _ := frame["message"].(map[string]any)
	if m, ok := workroom.Project(rec); !ok || m.Text != "ping" || m.SenderID != "alice" {
		t.Fatalf("frame message %v", rec)
	}
}

func TestWebhookDeliversLockedRooms(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []string
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Get("X-Workroom-Secret"))
		mu.Unlock()
	}))
	defer hookSrv.Close()

	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{URL: hookSrv.URL, Secret: "s3"}}
	})
	defer cleanup()
	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine, zerolog.Nop(), nil)
	d.dispatchAll(ctx)

	rm := createRoom(t, srv)
	for _, actor := range []string{"alice", "bob"} {
		if _, err := srv.Engine.FinaliseRoom(ctx, rm.ID, actor); err != nil {
			t.Fatal(err)
		}
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != events.RoomLocked || received[0].RoomID != rm.ID || headers[0] != "s3" {
		t.Fatalf("webhook deliveries %+v", received)
	}
}

func TestEventFilter(t *testing.T) {
	if f := newEventFilter(nil); !f.match(events.RoomLocked) || f.match(events.MessageCreated) {
		t.Fatal("default filter should match room.locked only")
	}
	if f := newEventFilter([]string{"*"}); !f.match(events.MessageCreated) {
		t.Fatal("wildcard should match everything")
	}
	if f := newEventFilter([]string{events.MessageCreated}); f.match(events.RoomLocked) {
		t.Fatal("explicit list should be exclusive")
	}
}
