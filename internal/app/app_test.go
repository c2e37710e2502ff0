package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livechat-widget/internal/config"
	"livechat-widget/internal/domain"
	"livechat-widget/internal/transport"
	"livechat-widget/internal/widget"
	"livechat-widget/internal/widgettest"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func startBackend(t *testing.T, opts ...widgettest.Option) *widgettest.Server {
	t.Helper()
	srv, err := widgettest.Start("DESK", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func testConfig(srv *widgettest.Server) *config.Config {
	cfg := &config.Config{ProjectKey: "DESK", APIURL: srv.URL, WSURL: srv.WSURL}
	cfg.Store.Driver = "memory"
	cfg.Realtime.BaseDelay = 20 * time.Millisecond
	cfg.Realtime.MaxAttempts = 5
	cfg.Realtime.HandshakeTimeout = time.Second
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestConversationEndToEnd(t *testing.T) {
	srv := startBackend(t)
	a := newApp(t, testConfig(srv))
	ctx := context.Background()

	require.NoError(t, a.Widget.Init(ctx))
	require.NotNil(t, a.Widget.Snapshot().Settings)
	assert.Equal(t, "Test Desk", a.Widget.Snapshot().Settings.ProjectName)

	require.NoError(t, a.Widget.StartSession(ctx, widget.PreChatForm{Name: "Ada", Email: "ada@example.com", Message: "hello"}))
	session := a.Widget.Snapshot().Session
	require.NotNil(t, session)
	assert.Equal(t, widget.PhaseSessionActive, a.Widget.Snapshot().Phase)
	assert.Equal(t, session.ID, a.Store.LoadSession().ID)

	require.Eventually(t, func() bool {
		return a.Widget.Snapshot().Connection == widget.ConnConnected && srv.Connections(session.ID) == 1
	}, waitFor, tick)

	// The REST response and the socket echo carry the same id.
	require.Len(t, srv.Messages(session.ID), 1)
	require.Len(t, a.Widget.Snapshot().Messages, 1)
	assert.Equal(t, "hello", a.Widget.Snapshot().Messages[0].Content)

	reply, err := srv.AgentSay(session.ID, "Bob", "how can I help?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.Widget.Snapshot().Messages) == 2 }, waitFor, tick)
	snap := a.Widget.Snapshot()
	assert.Equal(t, reply.ID, snap.Messages[1].ID)
	assert.Equal(t, 1, snap.Unread)
	assert.Equal(t, 1, a.Store.LoadUnread())

	a.Widget.Open()
	assert.Zero(t, a.Widget.Snapshot().Unread)

	a.Widget.Typing()
	require.Eventually(t, func() bool {
		return contains(srv.Received(session.ID), domain.FrameVisitorTyping)
	}, waitFor, tick)

	srv.AgentTyping(session.ID)
	require.Eventually(t, func() bool { return a.Widget.Snapshot().AgentTyping }, waitFor, tick)

	srv.AgentJoin(session.ID, domain.AgentInfo{ID: "a1", Name: "Bob"})
	require.Eventually(t, func() bool {
		agent := a.Widget.Snapshot().Agent
		return agent != nil && agent.Name == "Bob"
	}, waitFor, tick)

	require.NoError(t, srv.EndSession(session.ID))
	require.Eventually(t, func() bool { return a.Widget.Snapshot().Phase == widget.PhaseSessionClosed }, waitFor, tick)
	snap = a.Widget.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, domain.SenderSystem, last.SenderType)
	assert.Equal(t, "Conversation ended", last.Content)
	assert.Nil(t, a.Store.LoadSession())
	assert.ErrorIs(t, a.Widget.SendMessage(ctx, "still there?"), widget.ErrNoSession)
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := startBackend(t)
	a := newApp(t, testConfig(srv))
	ctx := context.Background()

	require.NoError(t, a.Widget.Init(ctx))
	require.NoError(t, a.Widget.StartSession(ctx, widget.PreChatForm{Name: "Ada"}))
	sessionID := a.Widget.Snapshot().Session.ID
	require.Eventually(t, func() bool { return srv.Connections(sessionID) == 1 }, waitFor, tick)

	srv.Drop(sessionID)
	require.Eventually(t, func() bool {
		return srv.Connections(sessionID) == 1 && a.Widget.Snapshot().Connection == widget.ConnConnected
	}, waitFor, tick)
	assert.Zero(t, a.Channel.Attempts())

	_, err := srv.AgentSay(sessionID, "Bob", "back online")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.Widget.Snapshot().Messages) == 1 }, waitFor, tick)
}

func TestAttachmentEndToEnd(t *testing.T) {
	srv := startBackend(t, widgettest.WithMaxUpload(16))
	a := newApp(t, testConfig(srv))
	ctx := context.Background()
	require.NoError(t, a.Widget.Init(ctx))
	require.NoError(t, a.Widget.StartSession(ctx, widget.PreChatForm{Name: "Ada"}))
	sessionID := a.Widget.Snapshot().Session.ID

	report := "col,val\n1,2\n"
	require.NoError(t, a.Widget.SendAttachment(ctx, transport.Upload{
		Name: "report.txt", Size: int64(len(report)), Body: strings.NewReader(report),
	}))
	stored := srv.Messages(sessionID)
	require.Len(t, stored, 1)
	assert.Equal(t, "Attached file: report.txt", stored[0].Content)
	assert.Equal(t, domain.KindFile, stored[0].Kind)
	assert.Equal(t, "report.txt", stored[0].AttachmentName)
	assert.NotEmpty(t, stored[0].AttachmentURL)

	// Allowed locally, rejected by the backend limit.
	big := strings.Repeat("x", 32)
	err := a.Widget.SendAttachment(ctx, transport.Upload{Name: "big.txt", Size: int64(len(big)), Body: strings.NewReader(big)})
	var uploadErr *transport.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, transport.UploadOversize, uploadErr.Reason)
	assert.Len(t, srv.Messages(sessionID), 1)
}

func TestRestoreAcrossReload(t *testing.T) {
	srv := startBackend(t)
	cfg := testConfig(srv)
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Widget.Init(ctx))
	require.NoError(t, first.Widget.StartSession(ctx, widget.PreChatForm{Name: "Ada", Message: "hi"}))
	sessionID := first.Widget.Snapshot().Session.ID
	require.NoError(t, first.Close())

	second := newApp(t, cfg)
	require.NoError(t, second.Widget.Init(ctx))
	snap := second.Widget.Snapshot()
	require.Equal(t, widget.PhaseSessionActive, snap.Phase)
	assert.Equal(t, sessionID, snap.Session.ID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hi", snap.Messages[0].Content)
	require.Eventually(t, func() bool { return srv.Connections(sessionID) == 1 }, waitFor, tick)

	require.NoError(t, second.Widget.EndChat(ctx))
	session, ok := srv.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, domain.SessionClosed, session.Status)

	third := newApp(t, cfg)
	require.NoError(t, third.Widget.Init(ctx))
	assert.Equal(t, widget.PhaseNoSession, third.Widget.Snapshot().Phase)
}

func TestRedisStoreDriver(t *testing.T) {
	srv := startBackend(t)
	mr := miniredis.RunT(t)
	cfg := testConfig(srv)
	cfg.Store.Driver = "redis"
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = mr.Port()

	a := newApp(t, cfg)
	require.NoError(t, a.Widget.Init(context.Background()))
	require.NoError(t, a.Widget.StartSession(context.Background(), widget.PreChatForm{Name: "Ada"}))
	assert.NotEmpty(t, mr.Keys())
	assert.False(t, a.Store.Degraded())
}

func TestUnreachableRedisFallsBackToMemory(t *testing.T) {
	srv := startBackend(t)
	cfg := testConfig(srv)
	cfg.Store.Driver = "redis"
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "1"

	a := newApp(t, cfg)
	require.NoError(t, a.Widget.Init(context.Background()))
	require.NoError(t, a.Widget.StartSession(context.Background(), widget.PreChatForm{Name: "Ada"}))
	assert.NotNil(t, a.Store.LoadSession())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{APIURL: "http://x"}, zerolog.Nop())
	assert.Error(t, err)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
