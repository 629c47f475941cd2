package server

import (
	"encoding/json"

	"workroom/internal/domain"
	"workroom/internal/workroom"
)

type CreateRoomRequest struct {
	TaskID   string `json:"task_id" minLength:"1"`
	ClientID string `json:"client_id" minLength:"1"`
	WorkerID string `json:"worker_id" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source"`
}

// postMessageRequest is the JSON form of a message write. Attachments may be
// bare URLs or objects in any of the accepted shapes.
type postMessageRequest struct {
	Text        string `json:"text"`
	Attachments []any  `json:"attachments"`
}

type RoomResponse struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	ClientID        string  `json:"client_id"`
	WorkerID        string  `json:"worker_id"`
	ClientFinalised bool    `json:"client_finalised"`
	WorkerFinalised bool    `json:"worker_finalised"`
	FinalisedAt     *string `json:"finalised_at,omitempty" format:"date-time"`
	Locked          bool    `json:"locked"`
	Phase           string  `json:"phase" enum:"open,one_party_finalised,locked"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RoomID     string         `json:"room_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedRooms struct {
	Items      []RoomResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedMessages struct {
	Items      []domain.MessageBody `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func roomResponse(rm domain.Room) RoomResponse {
	flags := workroom.Flags{ClientFinalised: rm.ClientFinalised, WorkerFinalised: rm.WorkerFinalised}
	return RoomResponse{
		ID:              rm.ID,
		TaskID:          rm.TaskID,
		ClientID:        rm.ClientID,
		WorkerID:        rm.WorkerID,
		ClientFinalised: rm.ClientFinalised,
		WorkerFinalised: rm.WorkerFinalised,
		FinalisedAt:     rm.FinalisedAt,
		Locked:          rm.Locked(),
		Phase:           workroom.NewTracker(flags).Phase().String(),
		CreatedAt:       rm.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RoomID:     e.RoomID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func linkedAttachments(raw []any) []domain.Attachment {
	var out []domain.Attachment
	for _, a := range workroom.NormalizeAttachments(raw) {
		out = append(out, domain.Attachment{URL: a.URL, Name: a.Name, Kind: string(a.Kind)})
	}
	return out
}
