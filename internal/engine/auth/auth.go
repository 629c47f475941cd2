package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Participant roles.
const (
	RoleClient = "client"
	RoleWorker = "worker"
)

// ForbiddenError indicates the actor is not allowed to act on a room.
type ForbiddenError struct {
	Action string
	RoomID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s room %s", e.Action, e.RoomID)
}

// Service resolves room participation backed by SQL.
type Service struct {
	DB *sql.DB
}

// ParticipantRole returns the role actorID holds in roomID, or a
// ForbiddenError when the actor is not a participant. sql.ErrNoRows is
// returned for unknown rooms.
func (s Service) ParticipantRole(ctx context.Context, tx *sql.Tx, roomID, actorID, action string) (string, error) {
	if actorID == "" {
		return "", ForbiddenError{Action: action, RoomID: roomID}
	}
	query := `SELECT client_id, worker_id FROM rooms WHERE id=?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, roomID)
	} else {
		row = s.DB.QueryRowContext(ctx, query, roomID)
	}
	var clientID, workerID string
	if err := row.Scan(&clientID, &workerID); err != nil {
		return "", err
	}
	role, ok := RoleOf(clientID, workerID, actorID)
	if !ok {
		return "", ForbiddenError{Action: action, RoomID: roomID}
	}
	return role, nil
}

// RoleOf maps an actor to a participant role.
func RoleOf(clientID, workerID, actorID string) (string, bool) {
	switch actorID {
	case "":
		return "", false
	case clientID:
		return RoleClient, true
	case workerID:
		return RoleWorker, true
	}
	return "", false
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}
