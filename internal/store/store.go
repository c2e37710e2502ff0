// Package store persists the visitor's session, identity and unread
// count per project. Persistence is best effort: backend failures are
// logged and the store keeps serving from its in-memory mirror.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"livechat-widget/internal/domain"

	"github.com/rs/zerolog"
)

const keyPrefix = "servicedesk_widget_"

const (
	keySession = "session"
	keyToken   = "token"
	keyVisitor = "visitor"
	keyUnread  = "unread"
)

const defaultOpTimeout = 2 * time.Second

type Store struct {
	backend Backend
	prefix  string
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	mirror   map[string]string
	degraded bool
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "store").Logger() }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// New scopes a store to projectKey. A nil backend keeps everything in
// memory.
func New(projectKey string, backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		prefix:  keyPrefix + projectKey + "_",
		log:     zerolog.Nop(),
		timeout: defaultOpTimeout,
		mirror:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

// Degraded reports whether a backend failure has pushed the store onto
// its in-memory mirror.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Store) SaveSession(session domain.Session) {
	data, err := json.Marshal(session)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode session")
		return
	}
	s.put(map[string]string{
		s.key(keySession): string(data),
		s.key(keyToken):   session.Token,
	})
}

// LoadSession returns nil when nothing is stored or the stored value
// cannot be decoded.
func (s *Store) LoadSession() *domain.Session {
	raw, ok := s.get(s.key(keySession))
	if !ok {
		return nil
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		s.log.Warn().Err(err).Msg("Discarding corrupt stored session")
		return nil
	}
	if session.ID == "" {
		return nil
	}
	if session.Token == "" {
		session.Token, _ = s.get(s.key(keyToken))
	}
	return &session
}

// ClearSession removes the session and its token. Visitor identity and
// unread count are left in place.
func (s *Store) ClearSession() {
	s.remove(s.key(keySession), s.key(keyToken))
}

func (s *Store) LoadToken() string {
	token, _ := s.get(s.key(keyToken))
	return token
}

func (s *Store) SaveVisitor(name, email string) {
	data, err := json.Marshal(domain.Visitor{Name: name, Email: email})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to encode visitor")
		return
	}
	s.put(map[string]string{s.key(keyVisitor): string(data)})
}

func (s *Store) LoadVisitor() *domain.Visitor {
	raw, ok := s.get(s.key(keyVisitor))
	if !ok {
		return nil
	}
	var visitor domain.Visitor
	if err := json.Unmarshal([]byte(raw), &visitor); err != nil {
		s.log.Warn().Err(err).Msg("Discarding corrupt stored visitor")
		return nil
	}
	return &visitor
}

func (s *Store) SaveUnread(count int) {
	if count < 0 {
		count = 0
	}
	s.put(map[string]string{s.key(keyUnread): strconv.Itoa(count)})
}

func (s *Store) LoadUnread() int {
	raw, ok := s.get(s.key(keyUnread))
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// ClearAll removes every key in this project's namespace.
func (s *Store) ClearAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.mirror))
	for k := range s.mirror {
		keys = append(keys, k)
	}
	s.mirror = make(map[string]string)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	stored, err := s.backend.Keys(ctx, s.prefix)
	if err != nil {
		s.fail(err, "list")
	}
	keys = append(keys, stored...)
	if len(keys) == 0 {
		return
	}
	if err := s.backend.Delete(ctx, keys...); err != nil {
		s.fail(err, "delete")
	}
}

func (s *Store) put(values map[string]string) {
	s.mu.Lock()
	for k, v := range values {
		s.mirror[k] = v
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Set(ctx, values); err != nil {
		s.fail(err, "write")
	}
}

func (s *Store) get(key string) (string, bool) {
	s.mu.Lock()
	degraded := s.degraded
	mirrored, inMirror := s.mirror[key]
	s.mu.Unlock()
	if degraded {
		return mirrored, inMirror
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.fail(err, "read")
		return mirrored, inMirror
	}
	if ok {
		s.mu.Lock()
		s.mirror[key] = value
		s.mu.Unlock()
	}
	return value, ok
}

func (s *Store) remove(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.mirror, k)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Delete(ctx, keys...); err != nil {
		s.fail(err, "delete")
	}
}

func (s *Store) fail(err error, op string) {
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	event := s.log.Warn().Err(err).Str("op", op)
	if first {
		event.Msg("Persistence unavailable, continuing in memory")
		return
	}
	event.Msg("Persistence operation failed")
}
