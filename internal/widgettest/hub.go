package widgettest

import (
	"encoding/json"
	"sync"
	"time"

	"livechat-widget/internal/domain"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

type wsConnection struct {
	conn      *websocket.Conn
	sessionID string
	writeMux  sync.Mutex
}

// safeWriteJSON serializes writes; the websocket allows one writer.
func (c *wsConnection) safeWriteJSON(message interface{}) (err error) {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = errPanicked
		}
	}()
	return c.conn.WriteJSON(message)
}

// hub tracks the visitor sockets of every session.
type hub struct {
	log         zerolog.Logger
	authorize   func(sessionID, token string) bool
	mutex       sync.RWMutex
	connections map[string][]*wsConnection
	received    map[string][]string
}

func newHub(log zerolog.Logger, authorize func(sessionID, token string) bool) *hub {
	return &hub{
		log:         log,
		authorize:   authorize,
		connections: make(map[string][]*wsConnection),
		received:    make(map[string][]string),
	}
}

func (h *hub) addConnection(conn *wsConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.connections[conn.sessionID] = append(h.connections[conn.sessionID], conn)
	h.log.Debug().Str("session_id", conn.sessionID).Int("total", len(h.connections[conn.sessionID])).Msg("Added connection")
}

func (h *hub) removeConnection(conn *wsConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	connections := h.connections[conn.sessionID]
	for i, c := range connections {
		if c == conn {
			h.connections[conn.sessionID] = append(connections[:i:i], connections[i+1:]...)
			break
		}
	}
	if len(h.connections[conn.sessionID]) == 0 {
		delete(h.connections, conn.sessionID)
	}
}

func (h *hub) snapshot(sessionID string) []*wsConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return append([]*wsConnection(nil), h.connections[sessionID]...)
}

func (h *hub) count(sessionID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections[sessionID])
}

func (h *hub) frames(sessionID string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return append([]string(nil), h.received[sessionID]...)
}

func (h *hub) broadcast(sessionID, frameType string, payload interface{}) {
	frame := domain.Frame{Type: frameType, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to encode payload")
			return
		}
		frame.Payload = data
	}
	for _, conn := range h.snapshot(sessionID) {
		if err := conn.safeWriteJSON(frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to send frame")
			h.removeConnection(conn)
		}
	}
}

// drop closes every socket of a session without a close frame.
func (h *hub) drop(sessionID string) {
	for _, conn := range h.snapshot(sessionID) {
		h.removeConnection(conn)
		conn.conn.UnderlyingConn().Close()
	}
}

func (h *hub) handleConnection(c *websocket.Conn) {
	defer c.Close()

	sessionID := c.Params("session_id")
	if !h.authorize(sessionID, c.Query("token")) {
		h.log.Warn().Str("session_id", sessionID).Msg("Rejected websocket")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	conn := &wsConnection{conn: c, sessionID: sessionID}
	h.addConnection(conn)
	defer h.removeConnection(conn)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var frame domain.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		h.mutex.Lock()
		h.received[sessionID] = append(h.received[sessionID], frame.Type)
		h.mutex.Unlock()

		if frame.Type == domain.FramePing {
			_ = conn.safeWriteJSON(domain.Frame{Type: domain.FramePong, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}
}
