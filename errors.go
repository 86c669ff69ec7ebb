package chatcore

import (
	"errors"
	"fmt"
)

// Error taxonomy. Connection-level failures are recovered by the reconnect
// loop and logged; message-level failures always surface per message.
var (
	// ErrNotConnected is the synchronous dispatch failure: there is no open
	// broker connection to publish on.
	ErrNotConnected = errors.New("no open connection")

	// ErrRecordAbandoned is returned when retrying a record whose retry
	// budget is exhausted.
	ErrRecordAbandoned = errors.New("failed message abandoned")

	// ErrRecordNotFound is returned for operations on an unknown failed
	// message record.
	ErrRecordNotFound = errors.New("failed message record not found")

	// ErrPageInFlight reports that a backward pagination request for the
	// room is already running.
	ErrPageInFlight = errors.New("history page already in flight")
)

// ServerRejection is a send failure pushed on the per-user error queue.
type ServerRejection struct {
	RoomID  string
	Code    string
	Reason  string
	Details map[string]any
}

func (e *ServerRejection) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server rejected send to room %s: %s (%s)", e.RoomID, e.Reason, e.Code)
	}
	return fmt.Sprintf("server rejected send to room %s: %s", e.RoomID, e.Reason)
}

// PaginationError is a room-scoped history fetch failure. It is independently
// retryable and never affects other rooms.
type PaginationError struct {
	RoomID string
	Err    error
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("history fetch for room %s: %v", e.RoomID, e.Err)
}

func (e *PaginationError) Unwrap() error { return e.Err }
