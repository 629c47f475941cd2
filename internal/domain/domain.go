package domain

type Room struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	ClientID        string  `json:"client_id"`
	WorkerID        string  `json:"worker_id"`
	ClientFinalised bool    `json:"client_finalised"`
	WorkerFinalised bool    `json:"worker_finalised"`
	FinalisedAt     *string `json:"finalised_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// Locked reports whether both participants have finalised.
func (r Room) Locked() bool {
	return r.ClientFinalised && r.WorkerFinalised
}

// Participant reports whether actorID is the room's client or worker.
func (r Room) Participant(actorID string) bool {
	return actorID != "" && (actorID == r.ClientID || actorID == r.WorkerID)
}

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Kind        string `json:"kind" enum:"image,video,file"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	SenderID    string       `json:"sender_id"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   int64        `json:"created_at" doc:"Unix milliseconds"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RoomID     string `json:"room_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Sender references the author of a message on the wire.
type Sender struct {
	ID string `json:"id"`
}

// MessageBody is the wire shape of a message in API responses and push frames.
type MessageBody struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	Sender      Sender       `json:"sender"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   int64        `json:"created_at" doc:"Unix milliseconds"`
}

func (m Message) Body() MessageBody {
	atts := m.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	return MessageBody{
		ID:          m.ID,
		RoomID:      m.RoomID,
		Sender:      Sender{ID: m.SenderID},
		Text:        m.Text,
		Attachments: atts,
		CreatedAt:   m.CreatedAt,
	}
}
