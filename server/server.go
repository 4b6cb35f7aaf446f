package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/minion/agent"
	"github.com/chazu/minion/bridge"
	"github.com/chazu/minion/journal"
	"github.com/chazu/minion/transport"
)

// ErrNotLocal is returned by ServeTransport when the local-only policy
// refuses a peer.
var ErrNotLocal = errors.New("server: refusing connection from a non-local peer")

// MinionServer hosts one interpreter and serves bridge sessions against it.
// Sessions share the interpreter's global scope; each has its own handles.
type MinionServer struct {
	worker   *Worker
	handles  *HandleStore
	sessions *SessionStore
	journal  *journal.Journal
	agent    *agent.Register
	mux      *http.ServeMux

	localOnly bool
	started   time.Time
	calls     atomic.Uint64

	mu        sync.Mutex
	providers []transport.Provider
	wg        sync.WaitGroup
	stopped   atomic.Bool

	stopSweeper func()
}

// ServerOption configures a MinionServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	agent         *agent.Register
	journal       *journal.Journal
	localOnly     bool
	sweepInterval time.Duration
	handleTTL     time.Duration
}

// WithAgent hands the server an instrumentation register. When it holds a
// SourcePatcher, all code is patched before it is compiled.
func WithAgent(reg *agent.Register) ServerOption {
	return func(c *serverConfig) { c.agent = reg }
}

// WithJournal records every request in j. The server does not close it.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithLocalOnly refuses transports whose peer is not known to be local.
func WithLocalOnly(on bool) ServerOption {
	return func(c *serverConfig) { c.localOnly = on }
}

// WithHandleTTL sets how often idle handles are swept and how long they may
// stay idle. A zero interval disables sweeping.
func WithHandleTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.handleTTL = ttl
	}
}

// New creates a MinionServer with a fresh interpreter.
func New(opts ...ServerOption) *MinionServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		handleTTL:     30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	in, err := NewInterpreter(cfg.agent)
	if err != nil {
		panic(err)
	}

	worker := NewWorker(in)
	handles := NewHandleStore()
	sessions := NewSessionStore(handles, in)

	s := &MinionServer{
		worker:    worker,
		handles:   handles,
		sessions:  sessions,
		journal:   cfg.journal,
		agent:     cfg.agent,
		mux:       http.NewServeMux(),
		localOnly: cfg.localOnly,
		started:   time.Now(),
	}

	statusPath, statusHandler := NewStatusServiceHandler(NewStatusService(s))
	s.mux.Handle(statusPath, statusHandler)

	if cfg.sweepInterval > 0 {
		s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)
	}

	return s
}

// Handler returns the HTTP handler for the status service.
func (s *MinionServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves the status service on addr.
func (s *MinionServer) ListenAndServe(addr string) error {
	log.Noticef("status service listening on http://%s%s", addr, StatusServicePath)
	return http.ListenAndServe(addr, s.mux)
}

// Serve accepts transports from p until p is closed, serving each on its own
// goroutine. It returns nil once p has been closed.
func (s *MinionServer) Serve(p transport.Provider) error {
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		p.Close()
		return fmt.Errorf("server: stopped")
	}
	s.providers = append(s.providers, p)
	s.mu.Unlock()

	log.Infof("serving on %s", p)
	for {
		t, err := p.Accept()
		if err != nil {
			if p.IsClosed() {
				return nil
			}
			return fmt.Errorf("server: accept on %s: %w", p, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeTransport(t); err != nil {
				log.Warningf("%v", err)
			}
		}()
	}
}

// ServeTransport serves one transport until the peer goes away. The
// transport is closed on return.
func (s *MinionServer) ServeTransport(t transport.Transport) error {
	if s.stopped.Load() {
		t.Close()
		return fmt.Errorf("server: stopped")
	}
	if s.localOnly && !t.IsLocalhost() {
		log.Warningf("refusing %s from %s", t, t.RemoteAddr())
		t.Close()
		return ErrNotLocal
	}

	sess, err := s.sessions.Create(t)
	if err != nil {
		t.Close()
		return err
	}
	defer s.sessions.Destroy(sess.ID)

	log.Infof("%s opened on %s", sess, t)
	return s.serveSession(sess)
}

// Connect returns a client talking to this server over an in-memory pipe.
func (s *MinionServer) Connect() (*bridge.Client, error) {
	pipe := transport.NewPipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ServeTransport(pipe.Minion()); err != nil {
			log.Warningf("%v", err)
		}
	}()
	return bridge.New(pipe.Host())
}

// Sessions returns the session store.
func (s *MinionServer) Sessions() *SessionStore {
	return s.sessions
}

// Handles returns the handle store.
func (s *MinionServer) Handles() *HandleStore {
	return s.handles
}

// Stop closes every provider and session and shuts down the interpreter.
func (s *MinionServer) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	providers := s.providers
	s.providers = nil
	s.mu.Unlock()
	for _, p := range providers {
		p.Close()
	}

	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.DestroyAll()
	s.worker.Stop()
	s.wg.Wait()
}
