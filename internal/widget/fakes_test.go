package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"livechat-widget/internal/clock"
	"livechat-widget/internal/domain"
	"livechat-widget/internal/realtime"
	"livechat-widget/internal/store"
	"livechat-widget/internal/transport"
)

type sentCall struct {
	SessionID    string
	Content      string
	Kind         domain.MessageKind
	AttachmentID string
}

type fakeAPI struct {
	mu       sync.Mutex
	token    string
	sessions map[string]domain.Session
	history  map[string][]domain.Message
	settings *domain.WidgetSettings

	startErr  error
	sendErr   error
	uploadErr error
	closeErr  error
	getErr    error

	starts  int
	sent    []sentCall
	uploads []transport.Upload
	closes  []string
	nextID  int

	// beforeSend runs inside SendMessage before the response is built.
	beforeSend func(sentCall)
	// beforeStart runs inside StartSession before the response is built.
	beforeStart func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sessions: make(map[string]domain.Session),
		history:  make(map[string][]domain.Message),
	}
}

func (a *fakeAPI) SetSessionToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

func (a *fakeAPI) ClearSessionToken() { a.SetSessionToken("") }

func (a *fakeAPI) currentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAPI) StartSession(_ context.Context, projectKey, name, email string) transport.Result[domain.Session] {
	a.mu.Lock()
	hook := a.beforeStart
	a.mu.Unlock()
	if hook != nil {
		hook()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.startErr != nil {
		return transport.Result[domain.Session]{Err: &transport.SessionStartError{Err: a.startErr}}
	}
	session := domain.Session{
		ID:          fmt.Sprintf("s%d", a.starts),
		Token:       fmt.Sprintf("tok%d", a.starts),
		VisitorName: name, VisitorEmail: email,
		Status: domain.SessionActive,
	}
	a.sessions[session.ID] = session
	return transport.Result[domain.Session]{Success: true, Data: session}
}

func (a *fakeAPI) GetSession(_ context.Context, id string) transport.Result[domain.Session] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.getErr != nil {
		return transport.Result[domain.Session]{Err: &transport.SessionValidationError{SessionID: id, Err: a.getErr}}
	}
	session, ok := a.sessions[id]
	if !ok {
		return transport.Result[domain.Session]{Err: &transport.SessionValidationError{SessionID: id, Err: &transport.StatusError{Code: 404}}}
	}
	return transport.Result[domain.Session]{Success: true, Data: session}
}

func (a *fakeAPI) GetMessages(_ context.Context, id string) transport.Result[[]domain.Message] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return transport.Result[[]domain.Message]{Success: true, Data: a.history[id]}
}

func (a *fakeAPI) SendMessage(_ context.Context, sessionID, content string, kind domain.MessageKind, attachmentID string) transport.Result[domain.Message] {
	call := sentCall{SessionID: sessionID, Content: content, Kind: kind, AttachmentID: attachmentID}
	a.mu.Lock()
	hook := a.beforeSend
	a.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, call)
	if a.sendErr != nil {
		return transport.Result[domain.Message]{Err: &transport.SendError{Err: a.sendErr}}
	}
	a.nextID++
	return transport.Result[domain.Message]{Success: true, Data: domain.Message{
		ID:           fmt.Sprintf("m%d", a.nextID),
		SessionID:    sessionID,
		SenderType:   domain.SenderVisitor,
		Content:      content,
		Kind:         kind,
		AttachmentID: attachmentID,
	}}
}

func (a *fakeAPI) UploadAttachment(_ context.Context, _ string, file transport.Upload) transport.Result[domain.AttachmentResult] {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.uploads = append(a.uploads, file)
	if a.uploadErr != nil {
		return transport.Result[domain.AttachmentResult]{Err: &transport.UploadError{Reason: transport.UploadTransport, Err: a.uploadErr}}
	}
	return transport.Result[domain.AttachmentResult]{Success: true, Data: domain.AttachmentResult{
		ID: "att1", Filename: file.Name, ContentType: file.ContentType, Size: file.Size,
	}}
}

func (a *fakeAPI) CloseSession(_ context.Context, id string) transport.Result[struct{}] {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes = append(a.closes, id)
	if a.closeErr != nil {
		return transport.Result[struct{}]{Err: &transport.RequestError{Op: "close session", Err: a.closeErr}}
	}
	return transport.Result[struct{}]{Success: true}
}

func (a *fakeAPI) GetConfig(_ context.Context, _ string) transport.Result[domain.WidgetSettings] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settings == nil {
		return transport.Result[domain.WidgetSettings]{Err: errors.New("no settings")}
	}
	return transport.Result[domain.WidgetSettings]{Success: true, Data: *a.settings}
}

func (a *fakeAPI) sentContents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	contents := make([]string, len(a.sent))
	for i, call := range a.sent {
		contents[i] = call.Content
	}
	return contents
}

type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[domain.EventType]map[realtime.HandlerID]realtime.Handler
	nextID       realtime.HandlerID
	connects     []string
	disconnects  int
	typing       int
	reconnecting bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[domain.EventType]map[realtime.HandlerID]realtime.Handler)}
}

func (c *fakeChannel) Connect(sessionID, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, sessionID)
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.emit(domain.Event{Type: domain.EventDisconnected})
}

func (c *fakeChannel) SendTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
}

func (c *fakeChannel) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

func (c *fakeChannel) On(eventType domain.EventType, handler realtime.Handler) realtime.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[realtime.HandlerID]realtime.Handler)
	}
	c.handlers[eventType][c.nextID] = handler
	return c.nextID
}

func (c *fakeChannel) Off(eventType domain.EventType, id realtime.HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[eventType], id)
}

func (c *fakeChannel) emit(event domain.Event) {
	c.mu.Lock()
	var handlers []realtime.Handler
	for _, h := range c.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

func (c *fakeChannel) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

type recordingPresenter struct {
	mu       sync.Mutex
	versions []uint64
	last     State
	notified []domain.Message
}

func (p *recordingPresenter) Render(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions = append(p.versions, state.Version)
	p.last = state
}

func (p *recordingPresenter) Notify(msg domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notified = append(p.notified, msg)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.WidgetEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.WidgetEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// blockingPublisher holds every Publish until release is closed or the
// context ends.
type blockingPublisher struct {
	release chan struct{}
	started chan domain.WidgetEvent

	mu        sync.Mutex
	published []domain.WidgetEventType
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{release: make(chan struct{}), started: make(chan domain.WidgetEvent, 128)}
}

func (p *blockingPublisher) Publish(ctx context.Context, event domain.WidgetEvent) error {
	p.started <- event
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event.Type)
	return nil
}

func (p *blockingPublisher) types() []domain.WidgetEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.WidgetEventType(nil), p.published...)
}

func (p *recordingPublisher) types() []domain.WidgetEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]domain.WidgetEventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

type harness struct {
	widget    *Widget
	backend   *store.MemoryBackend
	store     *store.Store
	api       *fakeAPI
	channel   *fakeChannel
	presenter *recordingPresenter
	publisher *recordingPublisher
	clock     *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:   store.NewMemoryBackend(),
		api:       newFakeAPI(),
		channel:   newFakeChannel(),
		presenter: &recordingPresenter{},
		publisher: &recordingPublisher{},
		clock:     clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
	h.store = store.New("DESK", h.backend)
	h.widget = New(Config{ProjectKey: "DESK"}, h.store, h.api, h.channel,
		WithPresenter(h.presenter), WithPublisher(h.publisher), WithClock(h.clock))
	t.Cleanup(h.widget.Destroy)
	return h
}

func agentMessage(id, content string) *domain.Message {
	return &domain.Message{ID: id, SenderType: domain.SenderAgent, SenderName: "Grace", Content: content, Kind: domain.KindText}
}

type messageView struct {
	ID      string
	Sender  domain.SenderType
	Content string
	Read    bool
}

func viewOf(messages []domain.Message) []messageView {
	views := make([]messageView, len(messages))
	for i, m := range messages {
		views[i] = messageView{ID: m.ID, Sender: m.SenderType, Content: m.Content, Read: m.ReadAt != nil}
	}
	return views
}
