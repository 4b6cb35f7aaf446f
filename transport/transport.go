// Package transport supplies the duplex byte channels the bridge runs over.
//
// A Transport knows nothing about the call protocol layered on top of it: it
// exposes a reader, a writer and a little identity metadata about the peer.
// The same bridge code therefore runs over a TCP socket, a child process's
// stdio, or an in-memory pipe between two goroutines of one process.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"os/user"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("minion.transport")

// ErrClosed is returned when a stream is requested from a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport is one established duplex connection.
type Transport interface {
	// UserName is the principal at the far end, or "" when unknown.
	UserName() string

	// RemoteAddr is the peer's address. Transports without a network
	// identity report a loopback address rather than failing.
	RemoteAddr() net.IP

	// Reader returns the inbound byte stream.
	Reader() (io.Reader, error)

	// Writer returns the outbound byte stream.
	Writer() (io.Writer, error)

	// IsLocalhost reports whether the peer is known to share our host. It
	// may report false for a local peer but never true for a remote one.
	IsLocalhost() bool

	// Close releases the underlying resources. It is idempotent and never
	// fails; teardown errors are discarded.
	Close()

	// IsClosed reports whether Close has been called or the channel died.
	IsClosed() bool

	String() string
}

// Deadliner is implemented by transports that can bound blocking I/O.
type Deadliner interface {
	SetDeadline(t time.Time) error
}

// Provider hands out transports as peers connect.
type Provider interface {
	// Accept blocks until a peer connects or the provider is closed.
	Accept() (Transport, error)
	Close() error
	IsClosed() bool
	String() string
}

// currentUser returns the name of the user owning this process.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// loopback is the address reported when nothing better is known.
var loopback = net.IPv4(127, 0, 0, 1)

// localHostIP resolves this host's own name to an address.
func localHostIP() (net.IP, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errors.New("transport: no addresses for " + host)
	}
	return ips[0], nil
}
