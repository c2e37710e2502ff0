package widget

import "errors"

var (
	ErrNoSession     = errors.New("no active session")
	ErrSessionActive = errors.New("session already active")
	// ErrSessionClosed is returned when the session a call was made for
	// ended or was replaced before the response arrived.
	ErrSessionClosed = errors.New("session closed")
	ErrDestroyed     = errors.New("widget destroyed")
)

// ServerError is an ERROR frame pushed by the backend.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Text
}
