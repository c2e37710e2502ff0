package domain

type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
)

type SenderType string

const (
	SenderVisitor SenderType = "VISITOR"
	SenderAgent   SenderType = "AGENT"
	SenderSystem  SenderType = "SYSTEM"
)

type MessageKind string

const (
	KindText  MessageKind = "TEXT"
	KindFile  MessageKind = "FILE"
	KindImage MessageKind = "IMAGE"
)

// Session is one visitor conversation. Token is only usable while the
// session is ACTIVE.
type Session struct {
	ID           string        `json:"id"`
	Token        string        `json:"sessionToken"`
	VisitorName  string        `json:"visitorName,omitempty"`
	VisitorEmail string        `json:"visitorEmail,omitempty"`
	TicketID     string        `json:"ticketId,omitempty"`
	ProjectID    string        `json:"projectId,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    Timestamp     `json:"createdAt"`
	UpdatedAt    Timestamp     `json:"updatedAt"`
}

// Active reports whether the session may be used to open a realtime channel.
func (s *Session) Active() bool {
	return s != nil && s.ID != "" && s.Status == SessionActive
}

type Message struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"sessionId"`
	SenderType     SenderType  `json:"senderType"`
	SenderID       string      `json:"senderId,omitempty"`
	SenderName     string      `json:"senderName,omitempty"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"messageType"`
	AttachmentID   string      `json:"attachmentId,omitempty"`
	AttachmentURL  string      `json:"attachmentUrl,omitempty"`
	AttachmentName string      `json:"attachmentName,omitempty"`
	ReadAt         *Timestamp  `json:"readAt,omitempty"`
	CreatedAt      Timestamp   `json:"createdAt"`
}

// Merge folds a second delivery of the same message into m. Identity,
// author and content stay as first seen; missing attachment details are
// filled in and the latest read timestamp wins.
func (m Message) Merge(other Message) Message {
	merged := m
	if merged.SenderID == "" {
		merged.SenderID = other.SenderID
	}
	if merged.SenderName == "" {
		merged.SenderName = other.SenderName
	}
	if merged.AttachmentID == "" {
		merged.AttachmentID = other.AttachmentID
	}
	if merged.AttachmentURL == "" {
		merged.AttachmentURL = other.AttachmentURL
	}
	if merged.AttachmentName == "" {
		merged.AttachmentName = other.AttachmentName
	}
	if merged.CreatedAt.IsZero() || (!other.CreatedAt.IsZero() && other.CreatedAt.Before(merged.CreatedAt.Time)) {
		merged.CreatedAt = other.CreatedAt
	}
	if other.ReadAt != nil && (merged.ReadAt == nil || other.ReadAt.After(merged.ReadAt.Time)) {
		readAt := *other.ReadAt
		merged.ReadAt = &readAt
	}
	return merged
}

type AgentInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Visitor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type AttachmentResult struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// WidgetSettings is the per-project widget configuration served by the backend.
type WidgetSettings struct {
	ProjectKey       string   `json:"projectKey"`
	ProjectName      string   `json:"projectName"`
	Online           bool     `json:"online"`
	Greeting         string   `json:"greeting"`
	OfflineMessage   string   `json:"offlineMessage"`
	PrimaryColor     string   `json:"primaryColor"`
	MaxFileSize      int64    `json:"maxFileSize"`
	AllowedFileTypes []string `json:"allowedFileTypes"`
}
