package workroom

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned when a draft has no text and no files.
	ErrEmptyMessage = ValidationError{Reason: "message has no text and no attachments"}
	// ErrRoomLocked is returned for writes against a finalised room.
	ErrRoomLocked = ValidationError{Reason: "room is finalised"}
	// ErrUnknownRole is returned for finalisation updates from a role other than client or worker.
	ErrUnknownRole = errors.New("unknown participant role")
	// ErrClosed is returned by operations on a view that has been left.
	ErrClosed = errors.New("room view closed")
)

// ValidationError is reported before any network call is attempted.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

// TransientError wraps an I/O failure the caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable I/O failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
