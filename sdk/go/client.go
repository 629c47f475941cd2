package workroomsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"workroom/internal/workroom"
)

const apiPrefix = "v0"

// defaultReadLimit caps a single push frame. Message text travels in request
// bodies bounded by the server's upload cap, so frames stay below it.
const defaultReadLimit = 32 << 20

// Client is a Workroom HTTP API client. It satisfies workroom.Backend, so a
// room view can run against a remote server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PageSize bounds history pages; zero uses the server default.
	PageSize int
	// ReadLimit caps one push frame in bytes; zero uses defaultReadLimit.
	ReadLimit int64
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Room is the API room model.
type Room struct {
	workroom.RoomInfo
	Locked    bool   `json:"locked"`
	Phase     string `json:"phase"`
	CreatedAt string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RoomID     string         `json:"room_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries the standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Unwrap maps server rejections that can never succeed on retry to the
// room core's validation errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "room_locked":
		return workroom.ErrRoomLocked
	case "empty_message":
		return workroom.ErrEmptyMessage
	}
	return nil
}

// PaginatedRooms wraps room listings with a cursor.
type PaginatedRooms struct {
	Items      []Room `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CurrentUser returns the authenticated principal.
func (c *Client) CurrentUser(ctx context.Context) (workroom.User, error) {
	var resp workroom.User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateRoom opens the room for a task.
func (c *Client) CreateRoom(ctx context.Context, taskID, clientID, workerID string) (Room, error) {
	body := map[string]any{"task_id": taskID, "client_id": clientID, "worker_id": workerID}
	var resp Room
	err := c.do(ctx, http.MethodPost, "rooms", body, &resp)
	return resp, err
}

// ListRooms returns one page of the caller's rooms. state is "", "open" or "locked".
func (c *Client) ListRooms(ctx context.Context, state string, limit int, cursor string) (PaginatedRooms, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedRooms
	err := c.do(ctx, http.MethodGet, withQuery("rooms", q), nil, &resp)
	return resp, err
}

// GetRoom returns a room with its finalisation state.
func (c *Client) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var resp Room
	err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &resp)
	return resp, err
}

// Room implements workroom.RoomSource.
func (c *Client) Room(ctx context.Context, roomID string) (workroom.RoomInfo, error) {
	rm, err := c.GetRoom(ctx, roomID)
	return rm.RoomInfo, err
}

// FetchMessages implements workroom.History. Records are returned raw so the
// caller's field probing applies.
func (c *Client) FetchMessages(ctx context.Context, roomID, cursor string) (workroom.Page, error) {
	q := url.Values{}
	if c.PageSize > 0 {
		q.Set("limit", strconv.Itoa(c.PageSize))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp struct {
		Items      []workroom.Record `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery(roomPath(roomID, "messages"), q), nil, &resp); err != nil {
		return workroom.Page{}, err
	}
	return workroom.Page{Records: resp.Items, Next: resp.NextCursor}, nil
}

// PostMessage implements workroom.Writer. Drafts with files are sent as
// multipart/form-data.
func (c *Client) PostMessage(ctx context.Context, roomID string, d workroom.Draft) (workroom.Record, error) {
	var rec workroom.Record
	endpoint := roomPath(roomID, "messages")
	if len(d.Files) == 0 {
		err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": d.Text}, &rec)
		return rec, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if d.Text != "" {
		if err := mw.WriteField("text", d.Text); err != nil {
			return nil, err
		}
	}
	for _, f := range d.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	err := c.send(ctx, http.MethodPost, endpoint, &buf, mw.FormDataContentType(), &rec)
	return rec, err
}

// Finalise implements workroom.Finaliser.
func (c *Client) Finalise(ctx context.Context, roomID string) (workroom.Flags, error) {
	var resp Room
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "finalise"), nil, &resp)
	return resp.Flags, err
}

// EventsPage returns a room's audit events, newest first.
func (c *Client) EventsPage(ctx context.Context, roomID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(roomPath(roomID, "events"), q), nil, &resp)
	return resp, err
}

// Subscribe implements workroom.PushChannel over a websocket.
func (c *Client) Subscribe(ctx context.Context, roomID string) (workroom.Subscription, error) {
	u, err := url.Parse(c.endpoint(roomPath(roomID, "ws")))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.HTTPClient,
		HTTPHeader: c.authHeader(),
	})
	if err != nil {
		return nil, err
	}
	limit := c.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		roomID: roomID,
		conn:   conn,
		events: make(chan workroom.PushEvent, 16),
		cancel: cancel,
	}
	go s.readLoop(subCtx)
	return s, nil
}

type frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Message workroom.Record `json:"message,omitempty"`
	Flags   *workroom.Flags `json:"flags,omitempty"`
}

type subscription struct {
	roomID    string
	conn      *websocket.Conn
	events    chan workroom.PushEvent
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan workroom.PushEvent { return s.events }

func (s *subscription) SendTyping(ctx context.Context) error {
	return wsjson.Write(ctx, s.conn, frame{Type: workroom.EventTyping, RoomID: s.roomID})
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			return
		}
		ev := workroom.PushEvent{Type: f.Type, RoomID: f.RoomID, UserID: f.UserID, Message: f.Message, Flags: f.Flags}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	switch {
	case c.BearerToken != "":
		h.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		h.Set("X-Api-Key", c.APIKey)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, &buf, "application/json", out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range c.authHeader() {
		req.Header[k] = v
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) endpoint(p string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + apiPrefix + "/" + strings.TrimLeft(p, "/")
}

func roomPath(roomID, sub string) string {
	p := "rooms/" + url.PathEscape(roomID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}
