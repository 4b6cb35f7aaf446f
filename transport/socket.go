package transport

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// SocketTransport runs over a network connection.
type SocketTransport struct {
	conn   net.Conn
	name   string
	closed atomic.Bool
}

// NewSocketTransport wraps an established connection.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn, name: conn.RemoteAddr().String()}
}

// Dial connects to a listening minion.
func Dial(ctx context.Context, network, address string) (*SocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewSocketTransport(conn), nil
}

// UserName is unknown for plain sockets.
func (t *SocketTransport) UserName() string {
	return ""
}

func (t *SocketTransport) RemoteAddr() net.IP {
	switch addr := t.conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	default:
		return loopback
	}
}

func (t *SocketTransport) Reader() (io.Reader, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.conn, nil
}

func (t *SocketTransport) Writer() (io.Writer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.conn, nil
}

// IsLocalhost is true for unix sockets and loopback peers.
func (t *SocketTransport) IsLocalhost() bool {
	switch addr := t.conn.RemoteAddr().(type) {
	case *net.UnixAddr:
		return true
	case *net.TCPAddr:
		return addr.IP.IsLoopback()
	default:
		return false
	}
}

func (t *SocketTransport) Close() {
	if t.closed.Swap(true) {
		return
	}
	defer func() { _ = recover() }()
	_ = t.conn.Close()
}

func (t *SocketTransport) IsClosed() bool {
	return t.closed.Load()
}

func (t *SocketTransport) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

func (t *SocketTransport) String() string {
	return t.name
}

// SocketProvider accepts connections on a listener.
type SocketProvider struct {
	ln     net.Listener
	closed atomic.Bool
}

// Listen opens a listener and wraps it in a provider.
func Listen(network, address string) (*SocketProvider, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewSocketProvider(ln), nil
}

// NewSocketProvider wraps an existing listener.
func NewSocketProvider(ln net.Listener) *SocketProvider {
	return &SocketProvider{ln: ln}
}

// Addr is the listening address.
func (p *SocketProvider) Addr() net.Addr {
	return p.ln.Addr()
}

func (p *SocketProvider) Accept() (Transport, error) {
	conn, err := p.ln.Accept()
	if err != nil {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}
		return nil, err
	}
	return NewSocketTransport(conn), nil
}

func (p *SocketProvider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.ln.Close()
}

func (p *SocketProvider) IsClosed() bool {
	return p.closed.Load()
}

func (p *SocketProvider) String() string {
	return "SocketProvider[" + p.ln.Addr().String() + "]"
}
