// Package hub fans room events out to websocket subscribers.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"workroom/internal/domain"
	"workroom/internal/engine"
	"workroom/internal/metrics"
	"workroom/internal/ratelimit"
	"workroom/internal/workroom"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
	pingTimeout  = 5 * time.Second
)

// Frame is one JSON message on a push connection.
type Frame struct {
	Type    string              `json:"type"`
	RoomID  string              `json:"room_id,omitempty"`
	UserID  string              `json:"user_id,omitempty"`
	Message *domain.MessageBody `json:"message,omitempty"`
	Flags   *workroom.Flags     `json:"flags,omitempty"`
}

// Client is one subscribed connection.
type Client struct {
	RoomID string
	UserID string
	Conn   *websocket.Conn
	Send   chan Frame

	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	TypingRPS   float64
	TypingBurst int
	// PingInterval and PingTimeout default to 25s and 5s.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

type Hub struct {
	mu           sync.RWMutex
	rooms        map[string]map[*Client]struct{}
	typing       *ratelimit.Pool
	pingInterval time.Duration
	pingTimeout  time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

func New(opts Options) *Hub {
	h := &Hub{
		rooms:        map[string]map[*Client]struct{}{},
		typing:       ratelimit.NewPool(opts.TypingRPS, opts.TypingBurst),
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		metrics:      opts.Metrics,
		log:          opts.Log,
	}
	if h.pingInterval <= 0 {
		h.pingInterval = pingInterval
	}
	if h.pingTimeout <= 0 {
		h.pingTimeout = pingTimeout
	}
	return h
}

// Join registers conn for roomID and starts its writer.
func (h *Hub) Join(roomID, userID string, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		RoomID: roomID,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan Frame, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = map[*Client]struct{}{}
	}
	h.rooms[roomID][c] = struct{}{}
	h.mu.Unlock()
	h.metrics.PushOpened()
	h.log.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("push connection opened")

	go c.writeLoop(h.log)
	go c.keepAliveLoop(h.pingInterval, h.pingTimeout, h.log)
	return c
}

// Leave unregisters c and closes its connection.
func (h *Hub) Leave(c *Client) {
	c.cancel()
	h.mu.Lock()
	if set, ok := h.rooms[c.RoomID]; ok {
		if _, member := set[c]; member {
			delete(set, c)
			h.metrics.PushClosed()
		}
		if len(set) == 0 {
			delete(h.rooms, c.RoomID)
		}
	}
	h.mu.Unlock()
	h.typing.Forget(c.RoomID + "|" + c.UserID)
	_ = c.Conn.Close(websocket.StatusNormalClosure, "bye")
}

// Serve reads client frames until the connection ends, then leaves.
func (h *Hub) Serve(ctx context.Context, c *Client) error {
	defer h.Leave(c)
	for {
		var in Frame
		if err := wsjson.Read(ctx, c.Conn, &in); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch in.Type {
		case workroom.EventTyping:
			h.Typing(c)
		case "join":
			// room is bound at connect time
		default:
			h.log.Debug().Str("type", in.Type).Msg("ignoring client frame")
		}
	}
}

// Typing relays a typing frame from c to the other participants. It reports
// false when the sender is over its rate.
func (h *Hub) Typing(c *Client) bool {
	if !h.typing.Allow(c.RoomID + "|" + c.UserID) {
		h.metrics.Limited("typing")
		return false
	}
	h.Broadcast(c.RoomID, Frame{Type: workroom.EventTyping, RoomID: c.RoomID, UserID: c.UserID}, c.UserID)
	return true
}

// Broadcast queues f to every connection in the room except those owned by
// exceptUser. Full queues drop the frame.
func (h *Hub) Broadcast(roomID string, f Frame, exceptUser string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if exceptUser != "" && c.UserID == exceptUser {
			continue
		}
		select {
		case c.Send <- f:
			h.metrics.FrameSent(f.Type)
		default:
			h.metrics.FrameDropped()
		}
	}
}

// Notify implements engine.Notifier.
func (h *Hub) Notify(n engine.Notification) {
	f := Frame{Type: n.Type, RoomID: n.RoomID, UserID: n.ActorID}
	if n.Message != nil {
		body := n.Message.Body()
		f.Message = &body
	}
	if n.Room != nil {
		flags := workroom.Flags{ClientFinalised: n.Room.ClientFinalised, WorkerFinalised: n.Room.WorkerFinalised}
		if n.Room.FinalisedAt != nil {
			flags.FinalisedAt = *n.Room.FinalisedAt
		}
		f.Flags = &flags
	}
	h.Broadcast(n.RoomID, f, "")
}

// Connections returns the number of open connections in a room.
func (h *Hub) Connections(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (c *Client) writeLoop(log zerolog.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.Send:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.Conn, f)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("room_id", c.RoomID).Msg("push write failed")
				c.cancel()
				return
			}
		}
	}
}

// keepAliveLoop drops a peer that stops answering pings. Closing the conn
// fails the reader in Serve, which unregisters the client.
func (c *Client) keepAliveLoop(interval, timeout time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				log.Debug().Err(err).Str("room_id", c.RoomID).Str("user_id", c.UserID).Msg("push peer unresponsive")
				c.cancel()
				_ = c.Conn.CloseNow()
				return
			}
		}
	}
}
