// Package widget coordinates the session lifecycle, the message list and
// the realtime channel of one embedded chat widget.
package widget

import (
	"context"
	"strings"
	"sync"
	"time"

	"livechat-widget/internal/clock"
	"livechat-widget/internal/domain"
	"livechat-widget/internal/realtime"
	"livechat-widget/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var closedNotices = map[string]string{
	"en": "Conversation ended",
	"ru": "Разговор завершен",
	"uz": "Suhbat tugadi",
}

type Config struct {
	ProjectKey       string
	Language         string
	TypingTimeout    time.Duration
	TypingInterval   time.Duration
	MaxFileSize      int64
	AllowedFileTypes []string
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = 500 * time.Millisecond
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if len(c.AllowedFileTypes) == 0 {
		c.AllowedFileTypes = DefaultAllowedFileTypes
	}
	return c
}

type Option func(*Widget)

func WithPresenter(p Presenter) Option {
	return func(w *Widget) { w.presenter = p }
}

func WithPublisher(p Publisher) Option {
	return func(w *Widget) { w.publisher = p }
}

func WithClock(clk clock.Clock) Option {
	return func(w *Widget) { w.clock = clk }
}

func WithLogger(l zerolog.Logger) Option {
	return func(w *Widget) { w.log = l.With().Str("component", "widget").Logger() }
}

type subscription struct {
	eventType domain.EventType
	id        realtime.HandlerID
}

type Widget struct {
	cfg       Config
	store     SessionStore
	api       API
	channel   Channel
	presenter Presenter
	publisher Publisher
	events    *eventQueue
	clock     clock.Clock
	log       zerolog.Logger
	typing    *debouncer

	renderMu sync.Mutex
	rendered uint64

	mu          sync.Mutex
	version     uint64
	initialized bool
	destroyed   bool
	open        bool
	minimized   bool
	loading     bool
	conn        ConnectionStatus
	agentTyping bool
	typingTimer clock.Timer
	typingSeq   uint64
	unread      int
	// epoch changes whenever the current session does. Responses that
	// arrive for an older epoch are dropped.
	epoch    uint64
	session  *domain.Session
	closed   bool
	messages []domain.Message
	index    map[string]int
	agent    *domain.AgentInfo
	settings *domain.WidgetSettings
	err      error
	subs     []subscription
}

func New(cfg Config, st SessionStore, api API, ch Channel, opts ...Option) *Widget {
	w := &Widget{
		cfg:       cfg.withDefaults(),
		store:     st,
		api:       api,
		channel:   ch,
		presenter: nopPresenter{},
		clock:     clock.Real(),
		log:       zerolog.Nop(),
		version:   1,
		conn:      ConnDisconnected,
		index:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.typing = newDebouncer(w.clock, w.cfg.TypingInterval, w.channel.SendTyping)
	if w.publisher != nil {
		w.events = newEventQueue(w.publisher, w.log, publishBuffer)
	}
	return w
}

// Init subscribes to the channel, loads the widget settings and
// restores a stored session if the backend still reports it ACTIVE.
// Anything else leaves the widget on the pre-chat form.
func (w *Widget) Init(ctx context.Context) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.initialized {
		w.mu.Unlock()
		return nil
	}
	w.initialized = true
	w.loading = true
	w.unread = w.store.LoadUnread()
	epoch := w.epoch
	w.touchLocked()
	w.mu.Unlock()

	w.subscribe()
	w.render()

	w.loadSettings(ctx)
	w.restoreSession(ctx, epoch)
	w.log.Info().Str("project_key", w.cfg.ProjectKey).Msg("Widget initialized")
	return nil
}

func (w *Widget) subscribe() {
	handlers := map[domain.EventType]realtime.Handler{
		domain.EventConnected:       w.onConnected,
		domain.EventDisconnected:    w.onDisconnected,
		domain.EventMessageReceived: w.onMessage,
		domain.EventAgentTyping:     w.onAgentTyping,
		domain.EventAgentJoined:     w.onAgentJoined,
		domain.EventSessionClosed:   w.onSessionClosed,
		domain.EventError:           w.onError,
	}
	subs := make([]subscription, 0, len(handlers))
	for eventType, handler := range handlers {
		subs = append(subs, subscription{eventType: eventType, id: w.channel.On(eventType, handler)})
	}
	w.mu.Lock()
	w.subs = subs
	w.mu.Unlock()
}

func (w *Widget) loadSettings(ctx context.Context) {
	res := w.api.GetConfig(ctx, w.cfg.ProjectKey)
	if !res.Success {
		w.log.Warn().Err(res.Err).Msg("Widget settings unavailable, using defaults")
		return
	}
	w.mu.Lock()
	settings := res.Data
	w.settings = &settings
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) restoreSession(ctx context.Context, epoch uint64) {
	stored := w.store.LoadSession()
	if stored == nil || stored.Token == "" {
		// Corrupt or partial leftovers are removed along with the token.
		w.store.ClearSession()
		w.finishLoading(epoch)
		return
	}

	w.api.SetSessionToken(stored.Token)
	res := w.api.GetSession(ctx, stored.ID)
	if !res.Success || !res.Data.Active() {
		event := w.log.Info().Str("session_id", stored.ID)
		if !res.Success {
			event = w.log.Warn().Err(res.Err).Str("session_id", stored.ID)
		}
		event.Msg("Stored session is not active, starting fresh")
		w.store.ClearSession()
		w.api.ClearSessionToken()
		w.finishLoading(epoch)
		return
	}

	session := res.Data
	if session.Token == "" {
		session.Token = stored.Token
	}
	history := w.api.GetMessages(ctx, session.ID)
	if !history.Success {
		w.log.Warn().Err(history.Err).Str("session_id", session.ID).Msg("Failed to load messages")
	}

	w.mu.Lock()
	if epoch != w.epoch || w.destroyed {
		w.mu.Unlock()
		return
	}
	w.loading = false
	w.activateLocked(session)
	for _, msg := range history.Data {
		w.upsertLocked(msg)
	}
	w.store.SaveSession(session)
	w.touchLocked()
	w.mu.Unlock()

	w.log.Info().Str("session_id", session.ID).Int("messages", len(history.Data)).Msg("Session restored")
	w.channel.Connect(session.ID, session.Token)
	w.publish(domain.WidgetSessionRestored, session.ID, nil)
	w.render()
}

func (w *Widget) finishLoading(epoch uint64) {
	w.mu.Lock()
	if epoch != w.epoch {
		w.mu.Unlock()
		return
	}
	w.loading = false
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

// StartSession submits the pre-chat form. The optional first message is
// sent only once the new session is active.
func (w *Widget) StartSession(ctx context.Context, form PreChatForm) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.session != nil {
		w.mu.Unlock()
		return ErrSessionActive
	}
	w.loading = true
	w.err = nil
	epoch := w.epoch
	w.touchLocked()
	w.mu.Unlock()
	w.render()

	res := w.api.StartSession(ctx, w.cfg.ProjectKey, form.Name, form.Email)

	w.mu.Lock()
	if epoch != w.epoch || w.destroyed {
		w.mu.Unlock()
		return ErrSessionClosed
	}
	w.loading = false
	if !res.Success {
		w.err = res.Err
		w.touchLocked()
		w.mu.Unlock()
		w.render()
		return res.Err
	}
	session := res.Data
	w.activateLocked(session)
	w.store.SaveSession(session)
	w.store.SaveVisitor(form.Name, form.Email)
	w.touchLocked()
	w.mu.Unlock()

	w.log.Info().Str("session_id", session.ID).Msg("Session started")
	w.channel.Connect(session.ID, session.Token)
	w.publish(domain.WidgetSessionStarted, session.ID, nil)
	w.render()

	if first := strings.TrimSpace(form.Message); first != "" {
		return w.SendMessage(ctx, first)
	}
	return nil
}

// SendMessage posts a text message. Blank input is ignored.
func (w *Widget) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	sessionID, epoch, err := w.activeSession()
	if err != nil {
		return err
	}
	res := w.api.SendMessage(ctx, sessionID, content, domain.KindText, "")
	return w.applySent(epoch, res)
}

// SendAttachment validates and uploads a file, then posts the message
// that references it.
func (w *Widget) SendAttachment(ctx context.Context, file transport.Upload) error {
	sessionID, epoch, err := w.activeSession()
	if err != nil {
		return err
	}
	maxSize, allowed := w.uploadLimits()
	if err := validateUpload(file, maxSize, allowed); err != nil {
		w.setError(epoch, err)
		return err
	}

	uploaded := w.api.UploadAttachment(ctx, sessionID, file)
	if !uploaded.Success {
		w.setError(epoch, uploaded.Err)
		return uploaded.Err
	}
	if !w.current(epoch) {
		return ErrSessionClosed
	}

	name := uploaded.Data.Filename
	if name == "" {
		name = file.Name
	}
	res := w.api.SendMessage(ctx, sessionID, "Attached file: "+name, attachmentKind(file), uploaded.Data.ID)
	return w.applySent(epoch, res)
}

// EndChat closes the session at the visitor's request.
func (w *Widget) EndChat(ctx context.Context) error {
	sessionID, epoch, err := w.activeSession()
	if err != nil {
		return err
	}
	res := w.api.CloseSession(ctx, sessionID)

	w.mu.Lock()
	if epoch != w.epoch {
		// Closed by the agent while the request was in flight.
		w.mu.Unlock()
		return nil
	}
	if !res.Success {
		w.err = res.Err
		w.touchLocked()
		w.mu.Unlock()
		w.render()
		return res.Err
	}
	w.closeSessionLocked()
	w.mu.Unlock()

	w.afterClose(sessionID)
	return nil
}

// Reconnect reopens the realtime channel once it has given up retrying.
// It does nothing while the channel is connected or still working on it.
func (w *Widget) Reconnect() error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	if w.session == nil {
		w.mu.Unlock()
		return ErrNoSession
	}
	if w.conn != ConnDisconnected {
		w.mu.Unlock()
		return nil
	}
	sessionID, token := w.session.ID, w.session.Token
	w.conn = ConnConnecting
	w.touchLocked()
	w.mu.Unlock()

	w.log.Info().Str("session_id", sessionID).Msg("Reconnecting realtime channel")
	w.channel.Connect(sessionID, token)
	w.render()
	return nil
}

// Typing reports a visitor keystroke. Typing frames are rate limited to
// one per TypingInterval.
func (w *Widget) Typing() {
	w.mu.Lock()
	active := w.session != nil && !w.destroyed
	w.mu.Unlock()
	if active {
		w.typing.Trigger()
	}
}

// Open shows the conversation and resets the unread counter.
func (w *Widget) Open() {
	w.mu.Lock()
	w.open = true
	w.minimized = false
	w.unread = 0
	w.store.SaveUnread(0)
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) Close() {
	w.mu.Lock()
	w.open = false
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) Toggle() {
	w.mu.Lock()
	open := w.open
	w.mu.Unlock()
	if open {
		w.Close()
		return
	}
	w.Open()
}

func (w *Widget) Minimize() {
	w.mu.Lock()
	w.minimized = !w.minimized
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

// Destroy unsubscribes from the channel and disconnects it. Stored
// state is kept so a later widget can restore the session.
func (w *Widget) Destroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	w.epoch++
	w.stopAgentTypingLocked()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	w.typing.Stop()
	for _, sub := range subs {
		w.channel.Off(sub.eventType, sub.id)
	}
	w.channel.Disconnect()
	if w.events != nil {
		w.events.Close()
	}
	w.log.Info().Msg("Widget destroyed")
}

func (w *Widget) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := State{
		Version:     w.version,
		Phase:       PhaseNoSession,
		Open:        w.open,
		Minimized:   w.minimized,
		Loading:     w.loading,
		Connection:  w.conn,
		AgentTyping: w.agentTyping,
		Unread:      w.unread,
		Messages:    append([]domain.Message(nil), w.messages...),
		Err:         w.err,
	}
	switch {
	case w.session != nil:
		state.Phase = PhaseSessionActive
		session := *w.session
		state.Session = &session
	case w.closed:
		state.Phase = PhaseSessionClosed
	}
	if w.agent != nil {
		agent := *w.agent
		state.Agent = &agent
	}
	if w.settings != nil {
		settings := *w.settings
		state.Settings = &settings
		state.Offline = !settings.Online
	}
	return state
}

func (w *Widget) onConnected(domain.Event) {
	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		return
	}
	w.conn = ConnConnected
	sessionID := w.session.ID
	w.touchLocked()
	w.mu.Unlock()

	w.publish(domain.WidgetConnectionChanged, sessionID, map[string]string{"status": string(ConnConnected)})
	w.render()
}

func (w *Widget) onDisconnected(domain.Event) {
	reconnecting := w.channel.Reconnecting()
	w.mu.Lock()
	status := ConnDisconnected
	if w.session != nil && reconnecting {
		status = ConnReconnecting
	}
	changed := w.conn != status
	w.conn = status
	sessionID := ""
	if w.session != nil {
		sessionID = w.session.ID
	}
	w.touchLocked()
	w.mu.Unlock()

	if changed {
		w.publish(domain.WidgetConnectionChanged, sessionID, map[string]string{"status": string(status)})
	}
	w.render()
}

func (w *Widget) onError(event domain.Event) {
	if event.Err != nil {
		w.log.Warn().Err(event.Err).Msg("Realtime channel error")
	}
	reconnecting := w.channel.Reconnecting()
	w.mu.Lock()
	if event.Text != "" {
		w.err = &ServerError{Text: event.Text}
	}
	if w.session != nil && reconnecting {
		w.conn = ConnReconnecting
	}
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) onMessage(event domain.Event) {
	if event.Message == nil {
		return
	}
	msg := *event.Message

	w.mu.Lock()
	if w.session == nil || (msg.SessionID != "" && msg.SessionID != w.session.ID) {
		w.mu.Unlock()
		w.log.Debug().Str("message_id", msg.ID).Msg("Dropping message for another session")
		return
	}
	sessionID := w.session.ID
	added := w.upsertLocked(msg)
	notify := false
	if added {
		w.stopAgentTypingLocked()
		w.agentTyping = false
		if !w.open && msg.SenderType != domain.SenderVisitor {
			w.unread++
			w.store.SaveUnread(w.unread)
			notify = true
		}
	}
	w.touchLocked()
	w.mu.Unlock()

	if notify {
		w.notify(msg)
	}
	if added {
		w.publish(domain.WidgetMessageReceived, sessionID, map[string]string{"message_id": msg.ID, "sender_type": string(msg.SenderType)})
	}
	w.render()
}

func (w *Widget) onAgentTyping(domain.Event) {
	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		return
	}
	w.stopAgentTypingLocked()
	w.agentTyping = true
	seq := w.typingSeq
	w.typingTimer = w.clock.AfterFunc(w.cfg.TypingTimeout, func() { w.clearAgentTyping(seq) })
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) clearAgentTyping(seq uint64) {
	w.mu.Lock()
	if seq != w.typingSeq {
		w.mu.Unlock()
		return
	}
	w.typingTimer = nil
	w.agentTyping = false
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) onAgentJoined(event domain.Event) {
	if event.Agent == nil {
		return
	}
	w.mu.Lock()
	agent := *event.Agent
	w.agent = &agent
	w.touchLocked()
	w.mu.Unlock()
	w.log.Info().Str("agent", agent.Name).Msg("Agent joined")
	w.render()
}

func (w *Widget) onSessionClosed(domain.Event) {
	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		return
	}
	sessionID := w.session.ID
	w.closeSessionLocked()
	w.mu.Unlock()

	w.log.Info().Str("session_id", sessionID).Msg("Session closed by agent")
	w.afterClose(sessionID)
}

func (w *Widget) afterClose(sessionID string) {
	w.api.ClearSessionToken()
	w.channel.Disconnect()
	w.publish(domain.WidgetSessionClosed, sessionID, nil)
	w.render()
}

// activateLocked makes session current and starts a fresh conversation.
// Its token becomes the credential for every later call.
func (w *Widget) activateLocked(session domain.Session) {
	w.epoch++
	w.api.SetSessionToken(session.Token)
	w.session = &session
	w.closed = false
	w.messages = nil
	w.index = make(map[string]int)
	w.agent = nil
	w.agentTyping = false
	w.err = nil
	w.conn = ConnConnecting
}

// closeSessionLocked drops the session and appends the local closed
// notice. The notice never counts toward unread.
func (w *Widget) closeSessionLocked() {
	w.epoch++
	w.session = nil
	w.closed = true
	w.loading = false
	w.stopAgentTypingLocked()
	w.agentTyping = false
	w.conn = ConnDisconnected
	w.store.ClearSession()

	notice, ok := closedNotices[w.cfg.Language]
	if !ok {
		notice = closedNotices["en"]
	}
	w.upsertLocked(domain.Message{
		ID:         "system-" + uuid.NewString(),
		SenderType: domain.SenderSystem,
		Content:    notice,
		Kind:       domain.KindText,
		CreatedAt:  domain.NewTimestamp(w.clock.Now()),
	})
	w.touchLocked()
}

// upsertLocked appends msg, or merges it into the entry with the same id.
// It reports whether msg was new.
func (w *Widget) upsertLocked(msg domain.Message) bool {
	if i, ok := w.index[msg.ID]; ok && msg.ID != "" {
		w.messages[i] = w.messages[i].Merge(msg)
		return false
	}
	w.index[msg.ID] = len(w.messages)
	w.messages = append(w.messages, msg)
	return true
}

func (w *Widget) applySent(epoch uint64, res transport.Result[domain.Message]) error {
	w.mu.Lock()
	if epoch != w.epoch {
		w.mu.Unlock()
		return ErrSessionClosed
	}
	if !res.Success {
		w.err = res.Err
		w.touchLocked()
		w.mu.Unlock()
		w.render()
		return res.Err
	}
	w.err = nil
	w.upsertLocked(res.Data)
	sessionID := w.session.ID
	w.touchLocked()
	w.mu.Unlock()

	w.publish(domain.WidgetMessageSent, sessionID, map[string]string{"message_id": res.Data.ID})
	w.render()
	return nil
}

func (w *Widget) activeSession() (string, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return "", 0, ErrDestroyed
	}
	if w.session == nil {
		return "", 0, ErrNoSession
	}
	return w.session.ID, w.epoch, nil
}

func (w *Widget) current(epoch uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return epoch == w.epoch
}

func (w *Widget) setError(epoch uint64, err error) {
	w.mu.Lock()
	if epoch != w.epoch {
		w.mu.Unlock()
		return
	}
	w.err = err
	w.touchLocked()
	w.mu.Unlock()
	w.render()
}

func (w *Widget) uploadLimits() (int64, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maxSize, allowed := w.cfg.MaxFileSize, w.cfg.AllowedFileTypes
	if w.settings != nil {
		if w.settings.MaxFileSize > 0 {
			maxSize = w.settings.MaxFileSize
		}
		if len(w.settings.AllowedFileTypes) > 0 {
			allowed = w.settings.AllowedFileTypes
		}
	}
	return maxSize, allowed
}

func (w *Widget) stopAgentTypingLocked() {
	w.typingSeq++
	if w.typingTimer != nil {
		w.typingTimer.Stop()
		w.typingTimer = nil
	}
}

func (w *Widget) touchLocked() {
	w.version++
}

// render pushes the latest snapshot. Snapshots are taken under renderMu
// so the presenter never sees versions out of order.
func (w *Widget) render() {
	w.renderMu.Lock()
	defer w.renderMu.Unlock()
	state := w.Snapshot()
	if state.Version <= w.rendered {
		return
	}
	w.rendered = state.Version
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Presenter render failed")
		}
	}()
	w.presenter.Render(state)
}

func (w *Widget) notify(msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Presenter notify failed")
		}
	}()
	w.presenter.Notify(msg)
}

func (w *Widget) publish(eventType domain.WidgetEventType, sessionID string, data map[string]string) {
	if w.events == nil {
		return
	}
	w.events.Enqueue(domain.WidgetEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		ProjectKey: w.cfg.ProjectKey,
		SessionID:  sessionID,
		At:         w.clock.Now().UTC(),
		Data:       data,
	})
}
