package workroom

import "context"

// User is the authenticated viewer.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RoomInfo is the server view of a room's metadata.
type RoomInfo struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	ClientID string `json:"client_id"`
	WorkerID string `json:"worker_id"`
	Flags
}

// RoleOf returns the role userID holds in the room.
func (r RoomInfo) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case r.ClientID:
		return RoleClient, true
	case r.WorkerID:
		return RoleWorker, true
	}
	return "", false
}

// Page is one oldest-first slice of room history. Next is empty on the last page.
type Page struct {
	Records []Record
	Next    string
}

// File is a pending upload held by the outbox.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is the content handed to a Writer.
type Draft struct {
	Text  string
	Files []File
}

// Push event types.
const (
	EventMessage   = "message.created"
	EventTyping    = "typing"
	EventFinalised = "room.finalised"
)

// PushEvent is a frame received on a push subscription.
type PushEvent struct {
	Type    string
	RoomID  string
	UserID  string
	Message Record
	Flags   *Flags
}

// Identity resolves the current viewer.
type Identity interface {
	CurrentUser(ctx context.Context) (User, error)
}

// RoomSource returns room metadata including finalisation flags.
type RoomSource interface {
	Room(ctx context.Context, roomID string) (RoomInfo, error)
}

// History pages through a room's messages, oldest first.
type History interface {
	FetchMessages(ctx context.Context, roomID, cursor string) (Page, error)
}

// Writer performs the single network write of a submission and returns the
// stored message record.
type Writer interface {
	PostMessage(ctx context.Context, roomID string, d Draft) (Record, error)
}

// Finaliser marks the caller's side of the room finalised and returns the
// resulting flags.
type Finaliser interface {
	Finalise(ctx context.Context, roomID string) (Flags, error)
}

// PushChannel opens a realtime subscription to a room.
type PushChannel interface {
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

// Subscription is a live push connection. Events is closed when the
// connection ends.
type Subscription interface {
	Events() <-chan PushEvent
	SendTyping(ctx context.Context) error
	Close() error
}

// Backend bundles every collaborator a room view needs.
type Backend interface {
	Identity
	RoomSource
	History
	Writer
	Finaliser
	PushChannel
}
