package transport

import (
	"io"
	"net"
	"sync/atomic"
)

// StreamTransport adapts an arbitrary reader/writer pair, such as a
// process's stdin and stdout.
type StreamTransport struct {
	name    string
	r       io.Reader
	w       io.Writer
	closers []io.Closer
	closed  atomic.Bool
}

// NewStream wraps r and w. The closers run, in order, on Close.
func NewStream(name string, r io.Reader, w io.Writer, closers ...io.Closer) *StreamTransport {
	return &StreamTransport{name: name, r: r, w: w, closers: closers}
}

// NewStdio wraps this process's stdin and stdout.
func NewStdio(stdin io.ReadCloser, stdout io.WriteCloser) *StreamTransport {
	return NewStream("stdio", stdin, stdout, stdin, stdout)
}

// UserName is the owner of this process; a stdio peer is our parent.
func (t *StreamTransport) UserName() string {
	return currentUser()
}

func (t *StreamTransport) RemoteAddr() net.IP {
	return loopback
}

func (t *StreamTransport) Reader() (io.Reader, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.r, nil
}

func (t *StreamTransport) Writer() (io.Writer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.w, nil
}

func (t *StreamTransport) IsLocalhost() bool {
	return true
}

func (t *StreamTransport) Close() {
	if t.closed.Swap(true) {
		return
	}
	for _, c := range t.closers {
		func() {
			defer func() { _ = recover() }()
			_ = c.Close()
		}()
	}
}

func (t *StreamTransport) IsClosed() bool {
	return t.closed.Load()
}

func (t *StreamTransport) String() string {
	return t.name
}
