// Package transport wraps the widget REST API. Every call returns a
// Result; no error or panic escapes as anything else.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"livechat-widget/internal/domain"

	"github.com/rs/zerolog"
)

const SessionHeader = "X-Widget-Session"

const defaultTimeout = 15 * time.Second

// Upload is a file selected by the visitor.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "transport").Logger() }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) ClearSessionToken() {
	c.SetSessionToken("")
}

func (c *Client) sessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// StartSession creates a session. The caller decides whether the new
// token becomes current via SetSessionToken.
func (c *Client) StartSession(ctx context.Context, projectKey, visitorName, visitorEmail string) Result[domain.Session] {
	req := domain.StartSessionRequest{
		ProjectKey:   projectKey,
		VisitorName:  visitorName,
		VisitorEmail: visitorEmail,
	}
	session, err := call[domain.Session](ctx, c, http.MethodPost, "/widget/sessions", req)
	if err != nil {
		return failWith[domain.Session](&SessionStartError{Err: err})
	}
	if session.ID == "" || session.Token == "" {
		return failWith[domain.Session](&SessionStartError{Err: ErrEmptyResponse})
	}
	c.log.Info().Str("session_id", session.ID).Msg("Session started")
	return succeed(*session)
}

func (c *Client) GetSession(ctx context.Context, sessionID string) Result[domain.Session] {
	session, err := call[domain.Session](ctx, c, http.MethodGet, "/widget/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return failWith[domain.Session](&SessionValidationError{SessionID: sessionID, Err: err})
	}
	return succeed(*session)
}

// GetMessages returns the history oldest first.
func (c *Client) GetMessages(ctx context.Context, sessionID string) Result[[]domain.Message] {
	messages, err := call[[]domain.Message](ctx, c, http.MethodGet, "/widget/sessions/"+url.PathEscape(sessionID)+"/messages", nil)
	if err != nil {
		return failWith[[]domain.Message](&RequestError{Op: "get messages", Err: err})
	}
	history := *messages
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt.Time)
	})
	return succeed(history)
}

func (c *Client) SendMessage(ctx context.Context, sessionID, content string, kind domain.MessageKind, attachmentID string) Result[domain.Message] {
	if kind == "" {
		kind = domain.KindText
	}
	req := domain.SendMessageRequest{Content: content, Kind: kind, AttachmentID: attachmentID}
	message, err := call[domain.Message](ctx, c, http.MethodPost, "/widget/sessions/"+url.PathEscape(sessionID)+"/messages", req)
	if err != nil {
		return failWith[domain.Message](&SendError{Err: err})
	}
	return succeed(*message)
}

func (c *Client) UploadAttachment(ctx context.Context, sessionID string, file Upload) Result[domain.AttachmentResult] {
	body, contentType, err := multipartBody(file)
	if err != nil {
		return failWith[domain.AttachmentResult](&UploadError{Reason: UploadTransport, Err: err})
	}
	endpoint := "/widget/sessions/" + url.PathEscape(sessionID) + "/attachments"
	result, err := do[domain.AttachmentResult](ctx, c, http.MethodPost, endpoint, body, contentType)
	if err == nil && result == nil {
		err = ErrEmptyResponse
	}
	if err != nil {
		return failWith[domain.AttachmentResult](&UploadError{Reason: uploadReason(err), Err: err})
	}
	return succeed(*result)
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) Result[struct{}] {
	endpoint := "/widget/sessions/" + url.PathEscape(sessionID) + "/close"
	if _, err := send[json.RawMessage](ctx, c, http.MethodPost, endpoint, struct{}{}); err != nil {
		return failWith[struct{}](&RequestError{Op: "close session", Err: err})
	}
	return succeed(struct{}{})
}

func (c *Client) GetConfig(ctx context.Context, projectKey string) Result[domain.WidgetSettings] {
	endpoint := "/widget/config?projectKey=" + url.QueryEscape(projectKey)
	settings, err := call[domain.WidgetSettings](ctx, c, http.MethodGet, endpoint, nil)
	if err != nil {
		return failWith[domain.WidgetSettings](&RequestError{Op: "get config", Err: err})
	}
	return succeed(*settings)
}

// call sends payload as JSON and requires the envelope to carry data.
func call[T any](ctx context.Context, c *Client, method, endpoint string, payload any) (*T, error) {
	data, err := send[T](ctx, c, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrEmptyResponse
	}
	return data, nil
}

func send[T any](ctx context.Context, c *Client, method, endpoint string, payload any) (*T, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return do[T](ctx, c, method, endpoint, body, contentType)
}

func do[T any](ctx context.Context, c *Client, method, endpoint string, body io.Reader, contentType string) (data *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request panicked: %v", r)
		}
		if err != nil {
			c.log.Error().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("API error")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.sessionToken(); token != "" {
		req.Header.Set(SessionHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var envelope domain.APIResponse[T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "request failed"
		}
		return nil, &APIError{Message: msg}
	}
	return envelope.Data, nil
}

func multipartBody(file Upload) (io.Reader, string, error) {
	if file.Body == nil {
		return nil, "", fmt.Errorf("no file content")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file.Body); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

func uploadReason(err error) UploadFailure {
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusRequestEntityTooLarge:
			return UploadOversize
		case http.StatusUnsupportedMediaType:
			return UploadDisallowedType
		}
	}
	return UploadTransport
}
