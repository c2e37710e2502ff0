// Package widgettest runs an in-process helpdesk backend that speaks the
// widget REST and websocket contract. Tests drive the agent side through
// its methods.
package widgettest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"livechat-widget/internal/domain"
	"livechat-widget/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errPanicked = errors.New("write panicked")

type sessionRecord struct {
	session  domain.Session
	messages []domain.Message
}

type Server struct {
	// URL is the REST root; WSURL the websocket root.
	URL   string
	WSURL string

	projectKey string
	settings   domain.WidgetSettings
	maxUpload  int64
	app        *fiber.App
	hub        *hub
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	uploads  map[string]domain.AttachmentResult
}

type Option func(*Server)

func WithSettings(settings domain.WidgetSettings) Option {
	return func(s *Server) { s.settings = settings }
}

func WithMaxUpload(size int64) Option {
	return func(s *Server) { s.maxUpload = size }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Start listens on a random loopback port.
func Start(projectKey string, opts ...Option) (*Server, error) {
	s := &Server{
		projectKey: projectKey,
		settings:   domain.WidgetSettings{ProjectKey: projectKey, ProjectName: "Test Desk", Online: true},
		maxUpload:  10 * 1024 * 1024,
		log:        zerolog.Nop(),
		sessions:   make(map[string]*sessionRecord),
		uploads:    make(map[string]domain.AttachmentResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.log, s.authorize)

	s.app = fiber.New(fiber.Config{
		AppName:               "widgettest",
		DisableStartupMessage: true,
		BodyLimit:             64 * 1024 * 1024,
	})
	s.app.Use(recover.New())
	s.routes()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.log.Debug().Err(err).Msg("Listener stopped")
		}
	}()
	addr := ln.Addr().String()
	s.URL = "http://" + addr
	s.WSURL = "ws://" + addr + "/ws"
	return s, nil
}

func (s *Server) Close() error {
	return s.app.ShutdownWithTimeout(2 * time.Second)
}

func (s *Server) routes() {
	w := s.app.Group("/widget")
	w.Get("/config", s.handleConfig)
	w.Post("/sessions", s.handleStartSession)
	w.Get("/sessions/:id", s.authenticated(s.handleGetSession))
	w.Get("/sessions/:id/messages", s.authenticated(s.handleGetMessages))
	w.Post("/sessions/:id/messages", s.authenticated(s.handleSendMessage))
	w.Post("/sessions/:id/attachments", s.authenticated(s.handleUpload))
	w.Post("/sessions/:id/close", s.authenticated(s.handleClose))

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/widget/:session_id", websocket.New(s.hub.handleConnection))
}

func respond(c *fiber.Ctx, status int, data interface{}) error {
	body := fiber.Map{"success": true, "timestamp": time.Now().UTC().Format("2006-01-02T15:04:05")}
	if data != nil {
		body["data"] = data
	}
	return c.Status(status).JSON(body)
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05"),
	})
}

func (s *Server) authenticated(next func(*fiber.Ctx, *sessionRecord) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		s.mu.Lock()
		record, ok := s.sessions[c.Params("id")]
		s.mu.Unlock()
		if !ok {
			return fail(c, fiber.StatusNotFound, "Session not found")
		}
		if c.Get(transport.SessionHeader) != record.session.Token {
			return fail(c, fiber.StatusUnauthorized, "Invalid session token")
		}
		return next(c, record)
	}
}

func (s *Server) authorize(sessionID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	return ok && record.session.Token == token && record.session.Active()
}

func (s *Server) handleConfig(c *fiber.Ctx) error {
	if c.Query("projectKey") != s.projectKey {
		return fail(c, fiber.StatusNotFound, "Unknown project")
	}
	return respond(c, fiber.StatusOK, s.settings)
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	var req domain.StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.ProjectKey != s.projectKey {
		return fail(c, fiber.StatusNotFound, "Unknown project")
	}
	now := domain.NewTimestamp(time.Now())
	session := domain.Session{
		ID:           uuid.NewString(),
		Token:        uuid.NewString(),
		VisitorName:  req.VisitorName,
		VisitorEmail: req.VisitorEmail,
		Status:       domain.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.sessions[session.ID] = &sessionRecord{session: session}
	s.mu.Unlock()
	return respond(c, fiber.StatusCreated, session)
}

func (s *Server) handleGetSession(c *fiber.Ctx, record *sessionRecord) error {
	s.mu.Lock()
	session := record.session
	s.mu.Unlock()
	return respond(c, fiber.StatusOK, session)
}

func (s *Server) handleGetMessages(c *fiber.Ctx, record *sessionRecord) error {
	s.mu.Lock()
	messages := append([]domain.Message{}, record.messages...)
	s.mu.Unlock()
	return respond(c, fiber.StatusOK, messages)
}

func (s *Server) handleSendMessage(c *fiber.Ctx, record *sessionRecord) error {
	var req domain.SendMessageRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		return fail(c, fiber.StatusBadRequest, "Content is required")
	}
	if !s.activeRecord(record) {
		return fail(c, fiber.StatusConflict, "Session is closed")
	}
	msg := domain.Message{
		ID:           uuid.NewString(),
		SessionID:    record.session.ID,
		SenderType:   domain.SenderVisitor,
		SenderName:   record.session.VisitorName,
		Content:      req.Content,
		Kind:         req.Kind,
		AttachmentID: req.AttachmentID,
		CreatedAt:    domain.NewTimestamp(time.Now()),
	}
	if req.AttachmentID != "" {
		s.mu.Lock()
		if upload, ok := s.uploads[req.AttachmentID]; ok {
			msg.AttachmentName = upload.Filename
			msg.AttachmentURL = upload.URL
		}
		s.mu.Unlock()
	}
	s.appendMessage(record, msg)
	// The backend echoes visitor messages over the socket as well.
	s.hub.broadcast(record.session.ID, string(domain.EventMessageReceived), msg)
	return respond(c, fiber.StatusCreated, msg)
}

func (s *Server) handleUpload(c *fiber.Ctx, record *sessionRecord) error {
	header, err := c.FormFile("file")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "File is required")
	}
	if header.Size > s.maxUpload {
		return fail(c, fiber.StatusRequestEntityTooLarge, "File too large")
	}
	file, err := header.Open()
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Unreadable file")
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Unreadable file")
	}

	result := domain.AttachmentResult{
		ID:          uuid.NewString(),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        size,
	}
	result.URL = fmt.Sprintf("%s/files/%s", s.URL, result.ID)
	s.mu.Lock()
	s.uploads[result.ID] = result
	s.mu.Unlock()
	return respond(c, fiber.StatusCreated, result)
}

func (s *Server) handleClose(c *fiber.Ctx, record *sessionRecord) error {
	s.mu.Lock()
	record.session.Status = domain.SessionClosed
	record.session.UpdatedAt = domain.NewTimestamp(time.Now())
	s.mu.Unlock()
	return respond(c, fiber.StatusOK, nil)
}

func (s *Server) activeRecord(record *sessionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return record.session.Active()
}

func (s *Server) appendMessage(record *sessionRecord, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.messages = append(record.messages, msg)
}

func (s *Server) record(sessionID string) (*sessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return record, nil
}

// Session returns the server-side view of a session.
func (s *Server) Session(sessionID string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return record.session, true
}

func (s *Server) Messages(sessionID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), record.messages...)
}

// AgentSay stores an agent reply and pushes it to the visitor.
func (s *Server) AgentSay(sessionID, agentName, content string) (domain.Message, error) {
	record, err := s.record(sessionID)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SenderType: domain.SenderAgent,
		SenderName: agentName,
		Content:    content,
		Kind:       domain.KindText,
		CreatedAt:  domain.NewTimestamp(time.Now()),
	}
	s.appendMessage(record, msg)
	s.hub.broadcast(sessionID, string(domain.EventMessageReceived), msg)
	return msg, nil
}

func (s *Server) AgentTyping(sessionID string) {
	s.hub.broadcast(sessionID, string(domain.EventAgentTyping), nil)
}

func (s *Server) AgentJoin(sessionID string, agent domain.AgentInfo) {
	s.hub.broadcast(sessionID, string(domain.EventAgentJoined), agent)
}

// EndSession closes the session from the agent side.
func (s *Server) EndSession(sessionID string) error {
	record, err := s.record(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	record.session.Status = domain.SessionClosed
	s.mu.Unlock()
	s.hub.broadcast(sessionID, string(domain.EventSessionClosed), nil)
	return nil
}

// Drop cuts the visitor sockets without a close handshake.
func (s *Server) Drop(sessionID string) {
	s.hub.drop(sessionID)
}

func (s *Server) Connections(sessionID string) int {
	return s.hub.count(sessionID)
}

// Received lists the frame types the visitor sent on a session.
func (s *Server) Received(sessionID string) []string {
	return s.hub.frames(sessionID)
}
