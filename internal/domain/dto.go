package domain

import "encoding/json"

// APIResponse is the envelope every REST response is wrapped in.
type APIResponse[T any] struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Data      *T     `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type StartSessionRequest struct {
	ProjectKey      string            `json:"projectKey"`
	VisitorName     string            `json:"visitorName,omitempty"`
	VisitorEmail    string            `json:"visitorEmail,omitempty"`
	VisitorMetadata map[string]string `json:"visitorMetadata,omitempty"`
}

type SendMessageRequest struct {
	Content      string      `json:"content"`
	Kind         MessageKind `json:"messageType,omitempty"`
	AttachmentID string      `json:"attachmentId,omitempty"`
}

type EventType string

const (
	EventConnected       EventType = "CONNECTED"
	EventDisconnected    EventType = "DISCONNECTED"
	EventMessageReceived EventType = "MESSAGE_RECEIVED"
	EventAgentTyping     EventType = "AGENT_TYPING"
	EventAgentJoined     EventType = "AGENT_JOINED"
	EventSessionClosed   EventType = "SESSION_CLOSED"
	EventError           EventType = "ERROR"
)

const (
	FramePing          = "PING"
	FramePong          = "PONG"
	FrameVisitorTyping = "VISITOR_TYPING"
)

// Frame is the JSON object carried by every realtime text frame in
// either direction.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Event is a typed inbound realtime event. Exactly one of the payload
// fields is set depending on Type.
type Event struct {
	Type      EventType
	Message   *Message
	Agent     *AgentInfo
	Text      string
	Err       error
	Timestamp Timestamp
}
