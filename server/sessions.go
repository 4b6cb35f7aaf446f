package server

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/chazu/minion/transport"
	"github.com/chazu/minion/wire"
)

// Session is one connected caller. It owns the transport, the handles
// created for it and the proxies standing in for its by-reference values.
type Session struct {
	ID      string
	User    string
	Addr    net.IP
	Local   bool
	Started time.Time

	t   transport.Transport
	enc *wire.Encoder
	dec *wire.Decoder

	calls atomic.Uint64

	in      *Interpreter
	handles *HandleStore

	// Interpreter goroutine only.
	proxies      map[uint64]*goja.Object
	refs         map[*goja.Object]wire.RefToken
	nextCallback uint64
	broken       error
}

// Calls returns the number of requests the session has made.
func (s *Session) Calls() uint64 {
	return s.calls.Load()
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s@%s)", s.ID, s.User, s.Addr)
}

// SessionStore manages connected sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	handles  *HandleStore
	in       *Interpreter
}

// NewSessionStore creates a new session store.
func NewSessionStore(handles *HandleStore, in *Interpreter) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		handles:  handles,
		in:       in,
	}
}

// Create opens a session over t.
func (s *SessionStore) Create(t transport.Transport) (*Session, error) {
	r, err := t.Reader()
	if err != nil {
		return nil, fmt.Errorf("server: open %s: %w", t, err)
	}
	w, err := t.Writer()
	if err != nil {
		return nil, fmt.Errorf("server: open %s: %w", t, err)
	}

	session := &Session{
		ID:      uuid.NewString(),
		User:    t.UserName(),
		Addr:    t.RemoteAddr(),
		Local:   t.IsLocalhost(),
		Started: time.Now(),
		t:       t,
		enc:     wire.NewEncoder(w),
		dec:     wire.NewDecoder(r),
		in:      s.in,
		handles: s.handles,
		proxies: make(map[uint64]*goja.Object),
		refs:    make(map[*goja.Object]wire.RefToken),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session, nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// List returns the live sessions, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session, closes its transport and releases all its
// handles. Destroying an unknown session is a no-op.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	session.t.Close()
	n := s.handles.ReleaseSession(id)
	log.Debugf("%s closed, released %d handles", session, n)
	return true
}

// DestroyAll ends every session.
func (s *SessionStore) DestroyAll() {
	for _, session := range s.List() {
		s.Destroy(session.ID)
	}
}
