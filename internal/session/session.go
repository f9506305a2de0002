// Package session binds requests to a client session. The session id comes
// from the X-Session-ID header when the client sends one and is minted
// otherwise; either way it is echoed back so clients can stick to it.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Header carries the session id on requests and responses.
	Header = "X-Session-ID"

	defaultTTL   = 30 * time.Minute
	cleanupEvery = time.Minute
	maxSessions  = 100000
)

// Session is a live client session.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Store is an in-memory session table with TTL expiry.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store. ttl <= 0 uses the default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Touch returns the session for id, creating it if absent, and refreshes
// its last-seen time.
func (s *Store) Touch(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess, ok := s.sessions[id]
	if !ok {
		if len(s.sessions) >= maxSessions {
			s.evictOldestLocked()
		}
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	sess.LastSeen = now
	return sess
}

// Get returns the session for id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Len returns the live session count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) evictOldestLocked() {
	var oldest *Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.LastSeen.Before(oldest.LastSeen) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(s.sessions, oldest.ID)
	}
}

func (s *Store) cleanup() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.ttl)
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.LastSeen.Before(cutoff) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

type ctxKey struct{}

// FromContext returns the session bound to the request, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(ctxKey{}).(*Session)
	return sess
}

// Middleware resolves or mints the session id, binds the session into the
// request context, and echoes the id on the response.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.New().String()
		}
		sess := s.Touch(id)
		w.Header().Set(Header, id)
		ctx := context.WithValue(r.Context(), ctxKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
