package widget

import (
	"context"

	"livechat-widget/internal/domain"
	"livechat-widget/internal/realtime"
	"livechat-widget/internal/store"
	"livechat-widget/internal/transport"
)

type Phase string

const (
	PhaseNoSession     Phase = "no-session"
	PhaseSessionActive Phase = "session-active"
	PhaseSessionClosed Phase = "session-closed"
)

type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnReconnecting ConnectionStatus = "reconnecting"
)

// State is an immutable snapshot handed to the presenter. Version grows
// with every mutation.
type State struct {
	Version     uint64
	Phase       Phase
	Open        bool
	Minimized   bool
	Loading     bool
	Connection  ConnectionStatus
	AgentTyping bool
	Unread      int
	Session     *domain.Session
	Messages    []domain.Message
	Agent       *domain.AgentInfo
	Settings    *domain.WidgetSettings
	Offline     bool
	Err         error
}

type PreChatForm struct {
	Name    string
	Email   string
	Message string
}

// Presenter draws the widget. Render must not call back into the Widget
// synchronously.
type Presenter interface {
	Render(State)
	// Notify fires once per message that raised the unread count.
	Notify(domain.Message)
}

type nopPresenter struct{}

func (nopPresenter) Render(State)          {}
func (nopPresenter) Notify(domain.Message) {}

type SessionStore interface {
	SaveSession(domain.Session)
	LoadSession() *domain.Session
	ClearSession()
	SaveVisitor(name, email string)
	LoadVisitor() *domain.Visitor
	SaveUnread(int)
	LoadUnread() int
	ClearAll()
}

type API interface {
	SetSessionToken(token string)
	ClearSessionToken()
	StartSession(ctx context.Context, projectKey, visitorName, visitorEmail string) transport.Result[domain.Session]
	GetSession(ctx context.Context, sessionID string) transport.Result[domain.Session]
	GetMessages(ctx context.Context, sessionID string) transport.Result[[]domain.Message]
	SendMessage(ctx context.Context, sessionID, content string, kind domain.MessageKind, attachmentID string) transport.Result[domain.Message]
	UploadAttachment(ctx context.Context, sessionID string, file transport.Upload) transport.Result[domain.AttachmentResult]
	CloseSession(ctx context.Context, sessionID string) transport.Result[struct{}]
	GetConfig(ctx context.Context, projectKey string) transport.Result[domain.WidgetSettings]
}

type Channel interface {
	Connect(sessionID, token string)
	Disconnect()
	SendTyping()
	Reconnecting() bool
	On(eventType domain.EventType, handler realtime.Handler) realtime.HandlerID
	Off(eventType domain.EventType, id realtime.HandlerID)
}

type Publisher interface {
	Publish(ctx context.Context, event domain.WidgetEvent) error
}

var (
	_ SessionStore = (*store.Store)(nil)
	_ API          = (*transport.Client)(nil)
	_ Channel      = (*realtime.Channel)(nil)
)
