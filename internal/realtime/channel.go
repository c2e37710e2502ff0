// Package realtime keeps one live websocket per widget session. It
// reconnects with exponential backoff after abnormal closes, sends a
// keep-alive ping while open, and dispatches typed events to
// subscribers in frame order.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"livechat-widget/internal/clock"
	"livechat-widget/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// BaseURL is the websocket root, e.g. wss://desk.example.com/ws.
	BaseURL      string
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

type Handler func(domain.Event)

type HandlerID uint64

type subscription struct {
	id      HandlerID
	handler Handler
}

type Channel struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	log    zerolog.Logger

	mu             sync.Mutex
	state          State
	sessionID      string
	token          string
	conn           Conn
	generation     uint64
	attempts       int
	reconnectTimer clock.Timer
	pingTimer      clock.Timer

	// Serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[domain.EventType][]subscription
	nextID     HandlerID
}

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.log = l.With().Str("component", "realtime").Logger() }
}

func New(cfg Config, opts ...Option) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:      cfg,
		dialer:   WebsocketDialer{HandshakeTimeout: cfg.DialTimeout},
		clock:    clock.Real(),
		log:      zerolog.Nop(),
		handlers: make(map[domain.EventType][]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) endpoint(sessionID, token string) string {
	return fmt.Sprintf("%s/widget/%s?token=%s", c.cfg.BaseURL, url.PathEscape(sessionID), url.QueryEscape(token))
}

// Connect opens the socket for a session. It returns immediately and is
// a no-op while a connection is already being opened or is open. Each
// call starts a fresh backoff cycle.
func (c *Channel) Connect(sessionID, token string) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.sessionID = sessionID
	c.token = token
	c.attempts = 0
	c.stopReconnectLocked()
	gen := c.beginDialLocked()
	c.mu.Unlock()

	go c.dial(gen, sessionID, token)
}

// Disconnect closes the socket with a normal-closure frame and cancels
// every pending timer. Safe to call in any state, any number of times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	wasOpen := c.state == StateOpen
	c.generation++
	c.stopReconnectLocked()
	c.stopKeepAliveLocked()
	conn := c.conn
	c.conn = nil
	c.sessionID = ""
	c.token = ""
	c.attempts = 0
	c.state = StateIdle
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect")
		if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("Failed to send close frame")
		}
		c.writeMu.Unlock()
		conn.Close()
	}
	if wasOpen {
		c.log.Info().Msg("WebSocket disconnected")
		c.emit(domain.Event{Type: domain.EventDisconnected, Timestamp: c.now()})
	}
}

// SendTyping emits a typing notification. Dropped unless open.
func (c *Channel) SendTyping() {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return
	}
	c.writeFrame(conn, domain.FrameVisitorTyping)
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnecting reports whether a reconnect is scheduled.
func (c *Channel) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// On subscribes handler to one event type. Frame events run on the
// channel's reader in frame order and must not block for long.
// CONNECTED, DISCONNECTED and ERROR from a failed dial or a close run on
// the dialing or reading goroutine. The DISCONNECTED that Disconnect
// emits runs on its caller before Disconnect returns; a frame that was
// already being dispatched at that point may still reach handlers
// concurrently, but no later frame of the detached socket will.
func (c *Channel) On(eventType domain.EventType, handler Handler) HandlerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	c.handlers[eventType] = append(c.handlers[eventType], subscription{id: c.nextID, handler: handler})
	return c.nextID
}

func (c *Channel) Off(eventType domain.EventType, id HandlerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	subs := c.handlers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			c.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (c *Channel) emit(event domain.Event) {
	c.handlersMu.RLock()
	subs := append([]subscription(nil), c.handlers[event.Type]...)
	c.handlersMu.RUnlock()

	for _, sub := range subs {
		c.invoke(sub, event)
	}
}

func (c *Channel) invoke(sub subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Event handler error")
		}
	}()
	sub.handler(event)
}

func (c *Channel) beginDialLocked() uint64 {
	c.generation++
	c.state = StateConnecting
	return c.generation
}

func (c *Channel) dial(gen uint64, sessionID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.safeDial(ctx, c.endpoint(sessionID, token))
	cancel()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.conn = nil
		scheduled := c.afterCloseLocked(true)
		c.mu.Unlock()

		c.log.Error().Err(err).Bool("reconnect_scheduled", scheduled).Msg("Failed to create WebSocket")
		c.emit(domain.Event{Type: domain.EventError, Err: &ChannelError{Reason: ChannelConstruction, Err: err}, Timestamp: c.now()})
		c.emit(domain.Event{Type: domain.EventDisconnected, Timestamp: c.now()})
		return
	}

	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.startKeepAliveLocked(gen)
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Msg("WebSocket connected")
	c.emit(domain.Event{Type: domain.EventConnected, Timestamp: c.now()})
	c.readLoop(gen, conn)
}

func (c *Channel) safeDial(ctx context.Context, endpoint string) (conn Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			conn, err = nil, fmt.Errorf("dial panicked: %v", r)
		}
	}()
	return c.dialer.Dial(ctx, endpoint)
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Channel) handleFrame(gen uint64, data []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	c.mu.Lock()
	current := gen == c.generation
	c.mu.Unlock()
	if !current {
		return
	}

	event := domain.Event{Type: domain.EventType(frame.Type), Timestamp: c.now()}
	if frame.Timestamp != "" {
		if ts, err := domain.ParseTimestamp(frame.Timestamp); err == nil {
			event.Timestamp = ts
		}
	}

	switch event.Type {
	case domain.EventMessageReceived:
		var msg domain.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil || msg.ID == "" {
			c.log.Warn().Err(err).Msg("Dropping message frame without a valid payload")
			return
		}
		event.Message = &msg
	case domain.EventAgentJoined:
		var agent domain.AgentInfo
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &agent); err != nil {
				c.log.Warn().Err(err).Msg("Dropping agent frame without a valid payload")
				return
			}
		}
		event.Agent = &agent
	case domain.EventAgentTyping, domain.EventSessionClosed:
	case domain.EventError:
		event.Text = payloadText(frame.Payload)
	case domain.EventType(domain.FramePong):
		c.log.Debug().Msg("Pong received")
		return
	default:
		c.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown frame")
		return
	}
	c.emit(event)
}

// payloadText accepts a bare JSON string or an object with a message
// field.
func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Error
	}
	return string(raw)
}

func (c *Channel) handleClose(gen uint64, conn Conn, readErr error) {
	conn.Close()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	code := closeCode(readErr)
	abnormal := code != websocket.CloseNormalClosure
	scheduled := c.afterCloseLocked(abnormal)
	c.mu.Unlock()

	c.log.Info().Int("code", code).Bool("reconnect_scheduled", scheduled).Msg("WebSocket closed")
	if abnormal {
		c.emit(domain.Event{Type: domain.EventError, Err: &ChannelError{Reason: ChannelAbnormalClose, Code: code, Err: readErr}, Timestamp: c.now()})
	}
	c.emit(domain.Event{Type: domain.EventDisconnected, Timestamp: c.now()})
}

// afterCloseLocked stops the keep-alive and, for abnormal closes with a
// session still set, schedules the next reconnect.
func (c *Channel) afterCloseLocked(abnormal bool) bool {
	c.stopKeepAliveLocked()
	if abnormal && c.sessionID != "" && c.token != "" && c.scheduleReconnectLocked() {
		c.state = StateClosed
		return true
	}
	c.state = StateIdle
	return false
}

func (c *Channel) scheduleReconnectLocked() bool {
	if c.attempts >= c.cfg.MaxAttempts {
		c.log.Warn().Int("attempts", c.attempts).Msg("Max reconnect attempts reached")
		return false
	}
	delay := c.cfg.BaseDelay << uint(c.attempts)
	c.attempts++
	c.stopReconnectLocked()
	gen := c.generation
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempts).Msg("Scheduling reconnect")
	return true
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateClosed || c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	sessionID, token := c.sessionID, c.token
	next := c.beginDialLocked()
	c.mu.Unlock()

	go c.dial(next, sessionID, token)
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) startKeepAliveLocked(gen uint64) {
	c.stopKeepAliveLocked()
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
}

func (c *Channel) stopKeepAliveLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Channel) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.pingTimer = c.clock.AfterFunc(c.cfg.PingInterval, func() { c.ping(gen) })
	c.mu.Unlock()

	c.writeFrame(conn, domain.FramePing)
}

func (c *Channel) writeFrame(conn Conn, frameType string) {
	data, err := json.Marshal(domain.Frame{Type: frameType, Timestamp: c.now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn().Err(err).Str("type", frameType).Msg("Failed to write frame")
	}
}

func (c *Channel) now() domain.Timestamp {
	return domain.NewTimestamp(c.clock.Now())
}
