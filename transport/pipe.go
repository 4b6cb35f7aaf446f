package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var pipeCount atomic.Uint64

// Pipe is an in-memory duplex channel between two execution contexts of one
// process. The host end belongs to the bridge client, the minion end to the
// server that answers it. Closing either end closes both.
type Pipe struct {
	host   net.Conn
	minion net.Conn
	closed atomic.Bool
	name   string
}

// NewPipe creates a connected pipe.
func NewPipe() *Pipe {
	host, minion := net.Pipe()
	return &Pipe{
		host:   host,
		minion: minion,
		name:   fmt.Sprintf("pipe-%d", pipeCount.Add(1)),
	}
}

// Close closes both ends.
func (p *Pipe) Close() {
	p.closed.Store(true)
	_ = p.host.Close()
	_ = p.minion.Close()
}

// IsClosed reports whether the pipe has been closed.
func (p *Pipe) IsClosed() bool {
	return p.closed.Load()
}

// Host returns the client-side transport.
func (p *Pipe) Host() *PipeTransport {
	return &PipeTransport{pipe: p, conn: p.host, side: "host", lookup: localHostIP}
}

// Minion returns the server-side transport.
func (p *Pipe) Minion() *PipeTransport {
	return &PipeTransport{pipe: p, conn: p.minion, side: "minion", lookup: localHostIP}
}

func (p *Pipe) String() string {
	return p.name
}

// PipeTransport is one end of a Pipe.
type PipeTransport struct {
	pipe   *Pipe
	conn   net.Conn
	side   string
	lookup func() (net.IP, error)
}

// UserName is always the owner of this process.
func (t *PipeTransport) UserName() string {
	return currentUser()
}

// RemoteAddr resolves the local host, falling back to loopback.
func (t *PipeTransport) RemoteAddr() (ip net.IP) {
	defer func() {
		if r := recover(); r != nil {
			ip = loopback
		}
	}()
	resolved, err := t.lookup()
	if err != nil || resolved == nil {
		return loopback
	}
	return resolved
}

func (t *PipeTransport) Reader() (io.Reader, error) {
	if t.pipe.IsClosed() {
		return nil, ErrClosed
	}
	return t.conn, nil
}

func (t *PipeTransport) Writer() (io.Writer, error) {
	if t.pipe.IsClosed() {
		return nil, ErrClosed
	}
	return t.conn, nil
}

// IsLocalhost is always true.
func (t *PipeTransport) IsLocalhost() bool {
	return true
}

// Close closes the whole pipe.
func (t *PipeTransport) Close() {
	defer func() { _ = recover() }()
	t.pipe.Close()
}

func (t *PipeTransport) IsClosed() bool {
	return t.pipe.IsClosed()
}

func (t *PipeTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

func (t *PipeTransport) String() string {
	return t.pipe.String() + "/" + t.side
}

// ErrProviderClosed is returned by a closed PipeProvider.
var ErrProviderClosed = errors.New("transport: provider is closed")

// PipeProvider queues in-process connections for a server to accept.
type PipeProvider struct {
	mu      sync.Mutex
	pending chan *Pipe
	done    chan struct{}
	closed  bool
}

// NewPipeProvider creates a provider holding up to backlog unaccepted pipes.
func NewPipeProvider(backlog int) *PipeProvider {
	if backlog <= 0 {
		backlog = 8
	}
	return &PipeProvider{
		pending: make(chan *Pipe, backlog),
		done:    make(chan struct{}),
	}
}

// Connect creates a pipe, queues its minion end for Accept, and returns the
// host end. It blocks while the backlog is full.
func (p *PipeProvider) Connect() (*PipeTransport, error) {
	pipe := NewPipe()
	select {
	case p.pending <- pipe:
		if p.IsClosed() {
			pipe.Close()
			return nil, ErrProviderClosed
		}
		return pipe.Host(), nil
	case <-p.done:
		pipe.Close()
		return nil, ErrProviderClosed
	}
}

// Accept returns the minion end of the next queued pipe.
func (p *PipeProvider) Accept() (Transport, error) {
	select {
	case pipe := <-p.pending:
		return pipe.Minion(), nil
	case <-p.done:
		return nil, ErrProviderClosed
	}
}

// Close refuses further connections and closes any queued pipes.
func (p *PipeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case pipe := <-p.pending:
			pipe.Close()
		default:
			return nil
		}
	}
}

func (p *PipeProvider) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PipeProvider) String() string {
	return "PipeProvider"
}
