package domain

import "time"

type WidgetEventType string

const (
	WidgetSessionStarted    WidgetEventType = "session_started"
	WidgetSessionRestored   WidgetEventType = "session_restored"
	WidgetSessionClosed     WidgetEventType = "session_closed"
	WidgetMessageSent       WidgetEventType = "message_sent"
	WidgetMessageReceived   WidgetEventType = "message_received"
	WidgetConnectionChanged WidgetEventType = "connection_changed"
)

// WidgetEvent is a lifecycle notification published to the optional
// event sink (kafka or amqp).
type WidgetEvent struct {
	ID         string            `json:"id"`
	Type       WidgetEventType   `json:"type"`
	ProjectKey string            `json:"projectKey"`
	SessionID  string            `json:"sessionId,omitempty"`
	At         time.Time         `json:"at"`
	Data       map[string]string `json:"data,omitempty"`
}
