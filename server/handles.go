package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// handle is a server-side reference to an interpreter value.
type handle struct {
	id        string
	value     goja.Value
	typeName  string
	display   string
	sessionID string
	created   time.Time
	lastUsed  time.Time
}

// HandleStore maps opaque string IDs to interpreter values. Holding the
// value in the map is what keeps it alive.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates a new handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{
		handles: make(map[string]*handle),
	}
}

// Create registers a value and returns an opaque handle ID.
func (s *HandleStore) Create(value goja.Value, typeName, display, sessionID string) string {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.handles[id] = &handle{
		id:        id,
		value:     value,
		typeName:  typeName,
		display:   display,
		sessionID: sessionID,
		created:   now,
		lastUsed:  now,
	}
	return id
}

// Lookup retrieves the value for a handle owned by sessionID and
// refreshes its TTL. Another session's handle is reported as missing.
func (s *HandleStore) Lookup(id, sessionID string) (goja.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok || h.sessionID != sessionID {
		return nil, false
	}
	h.lastUsed = time.Now()
	return h.value, true
}

// Release removes a handle owned by sessionID. It reports whether the
// handle existed for that session.
func (s *HandleStore) Release(id, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[id]; !ok || h.sessionID != sessionID {
		return false
	}
	delete(s.handles, id)
	return true
}

// ReleaseSession releases all handles owned by a session.
func (s *HandleStore) ReleaseSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, h := range s.handles {
		if h.sessionID == sessionID {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live handles, or those of one session when
// sessionID is not empty.
func (s *HandleStore) Count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		return len(s.handles)
	}
	n := 0
	for _, h := range s.handles {
		if h.sessionID == sessionID {
			n++
		}
	}
	return n
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d idle handles", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
