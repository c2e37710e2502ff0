package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a websocket connection the channel uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer opens real sockets with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}
	return conn, nil
}

type ChannelFailure string

const (
	ChannelConstruction  ChannelFailure = "construction-failure"
	ChannelAbnormalClose ChannelFailure = "abnormal-close"
)

type ChannelError struct {
	Reason ChannelFailure
	Code   int
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Reason == ChannelAbnormalClose {
		return fmt.Sprintf("channel closed abnormally (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// closeCode extracts the websocket close code from a read error. Errors
// that carry no close frame count as abnormal closure.
func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return websocket.CloseAbnormalClosure
}
