// Package workroom holds the participant-side state of a task room: message
// projection, lock tracking, delivery convergence, the outbox and typing.
package workroom

import "fmt"

// Role is a participant's side of the engagement.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

func (r Role) Valid() bool {
	return r == RoleClient || r == RoleWorker
}

// Kind classifies an attachment for rendering.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Attachment is the normalised form of a file reference.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Message is a projected room message. Timestamp is unix milliseconds.
type Message struct {
	ID          string       `json:"id"`
	SenderID    string       `json:"sender_id,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Less reports whether m sorts before o in the room's total order.
func (m Message) Less(o Message) bool {
	if m.Timestamp != o.Timestamp {
		return m.Timestamp < o.Timestamp
	}
	return m.ID < o.ID
}

// Record is a raw message as returned by a history page or push frame.
type Record = map[string]any

// Flags is the finalisation state of a room as reported by the server.
type Flags struct {
	ClientFinalised bool   `json:"client_finalised"`
	WorkerFinalised bool   `json:"worker_finalised"`
	FinalisedAt     string `json:"finalised_at,omitempty"`
}

// Locked reports whether both parties have finalised.
func (f Flags) Locked() bool {
	return f.ClientFinalised && f.WorkerFinalised
}

// Phase is the handshake position of a room.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseOnePartyFinalised
	PhaseLocked
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseOnePartyFinalised:
		return "one_party_finalised"
	case PhaseLocked:
		return "locked"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Reaction is a local, per-viewer annotation on a message.
type Reaction string

const (
	ReactionLike  Reaction = "like"
	ReactionHeart Reaction = "heart"
	ReactionFire  Reaction = "fire"
)

func (r Reaction) Valid() bool {
	return r == ReactionLike || r == ReactionHeart || r == ReactionFire
}
