package transport

import (
	"errors"
	"fmt"
)

var (
	ErrOversize       = errors.New("attachment exceeds size limit")
	ErrDisallowedType = errors.New("attachment type not allowed")
	ErrEmptyResponse  = errors.New("response carried no data")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// APIError is a 2xx response whose envelope reported success=false.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type SessionStartError struct{ Err error }

func (e *SessionStartError) Error() string { return "start session: " + e.Err.Error() }
func (e *SessionStartError) Unwrap() error { return e.Err }

// SessionValidationError is soft: callers fall back to starting fresh.
type SessionValidationError struct {
	SessionID string
	Err       error
}

func (e *SessionValidationError) Error() string {
	return fmt.Sprintf("validate session %s: %v", e.SessionID, e.Err)
}
func (e *SessionValidationError) Unwrap() error { return e.Err }

type SendError struct{ Err error }

func (e *SendError) Error() string { return "send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

type UploadFailure string

const (
	UploadOversize       UploadFailure = "oversize"
	UploadDisallowedType UploadFailure = "disallowed-type"
	UploadTransport      UploadFailure = "transport"
)

type UploadError struct {
	Reason UploadFailure
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload attachment (%s): %v", e.Reason, e.Err)
}
func (e *UploadError) Unwrap() error { return e.Err }

// RequestError covers the calls without a dedicated failure type.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }
