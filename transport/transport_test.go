package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// PipeTransport
// ---------------------------------------------------------------------------

func TestPipeTransport_Identity(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	host := pipe.Host()
	if !host.IsLocalhost() {
		t.Error("pipe transport should always be localhost")
	}
	if host.RemoteAddr() == nil {
		t.Error("RemoteAddr should never be nil")
	}
	if host.UserName() != currentUser() {
		t.Errorf("UserName = %q, want %q", host.UserName(), currentUser())
	}
	if !strings.HasSuffix(host.String(), "/host") {
		t.Errorf("String() = %q, want host suffix", host.String())
	}
}

func TestPipeTransport_RemoteAddrFallsBackToLoopback(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	host := pipe.Host()
	host.lookup = func() (net.IP, error) { return nil, errors.New("resolver broken") }
	if ip := host.RemoteAddr(); !ip.Equal(loopback) {
		t.Errorf("RemoteAddr = %v, want loopback", ip)
	}

	host.lookup = func() (net.IP, error) { panic("resolver exploded") }
	if ip := host.RemoteAddr(); !ip.Equal(loopback) {
		t.Errorf("RemoteAddr after panic = %v, want loopback", ip)
	}
}

func TestPipeTransport_Exchange(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	hw, err := pipe.Host().Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	mr, err := pipe.Minion().Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}

	go func() { _, _ = hw.Write([]byte("hello")) }()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(mr, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("read %q, want hello", buf)
	}
}

func TestPipeTransport_CloseIsIdempotent(t *testing.T) {
	pipe := NewPipe()
	host := pipe.Host()
	minion := pipe.Minion()

	r, err := minion.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}

	host.Close()
	host.Close()
	minion.Close()

	if !host.IsClosed() || !minion.IsClosed() {
		t.Error("both ends should report closed")
	}
	if _, err := host.Reader(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reader after close = %v, want ErrClosed", err)
	}
	if _, err := host.Writer(); !errors.Is(err, ErrClosed) {
		t.Errorf("Writer after close = %v, want ErrClosed", err)
	}
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Error("read from a stream obtained before close should fail")
	}
}

func TestPipeTransport_Deadline(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	host := pipe.Host()
	if err := host.SetDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	r, _ := host.Reader()
	_, err := r.Read(make([]byte, 1))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Read = %v, want deadline exceeded", err)
	}
}

// ---------------------------------------------------------------------------
// PipeProvider
// ---------------------------------------------------------------------------

func TestPipeProvider_ConnectAccept(t *testing.T) {
	p := NewPipeProvider(2)
	defer p.Close()

	host, err := p.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	minion, err := p.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	w, _ := minion.Writer()
	go func() { _, _ = w.Write([]byte("ok")) }()

	r, _ := host.Reader()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ok" {
		t.Errorf("read %q, want ok", buf)
	}
}

func TestPipeProvider_Close(t *testing.T) {
	p := NewPipeProvider(2)
	host, err := p.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !p.IsClosed() {
		t.Error("provider should report closed")
	}
	if !host.IsClosed() {
		t.Error("queued pipe should be closed with the provider")
	}
	if _, err := p.Accept(); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("Accept = %v, want ErrProviderClosed", err)
	}
	if _, err := p.Connect(); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("Connect = %v, want ErrProviderClosed", err)
	}
}

// ---------------------------------------------------------------------------
// SocketTransport
// ---------------------------------------------------------------------------

func TestSocketTransport_Loopback(t *testing.T) {
	p, err := Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer p.Close()

	accepted := make(chan Transport, 1)
	go func() {
		tr, err := p.Accept()
		if err == nil {
			accepted <- tr
		}
	}()

	client, err := Dial(context.Background(), "tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	if !client.IsLocalhost() {
		t.Error("loopback peer should be localhost")
	}
	if !client.RemoteAddr().IsLoopback() {
		t.Errorf("RemoteAddr = %v, want loopback", client.RemoteAddr())
	}
	if client.UserName() != "" {
		t.Errorf("UserName = %q, want empty", client.UserName())
	}

	w, _ := client.Writer()
	if _, err := w.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, _ := server.Reader()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("read %q, want ping", buf)
	}

	client.Close()
	client.Close()
	if !client.IsClosed() {
		t.Error("client should report closed")
	}
}

func TestSocketProvider_AcceptAfterClose(t *testing.T) {
	p, err := Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	p.Close()
	if _, err := p.Accept(); !errors.Is(err, ErrProviderClosed) {
		t.Errorf("Accept = %v, want ErrProviderClosed", err)
	}
}

// ---------------------------------------------------------------------------
// StreamTransport
// ---------------------------------------------------------------------------

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return errors.New("already gone")
}

func TestStreamTransport_Close(t *testing.T) {
	c := &closeCounter{}
	tr := NewStream("test", strings.NewReader("abc"), io.Discard, c)

	r, err := tr.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	data, _ := io.ReadAll(r)
	if string(data) != "abc" {
		t.Errorf("read %q, want abc", data)
	}

	tr.Close()
	tr.Close()
	if c.n != 1 {
		t.Errorf("closer ran %d times, want 1", c.n)
	}
	if _, err := tr.Writer(); !errors.Is(err, ErrClosed) {
		t.Errorf("Writer after close = %v, want ErrClosed", err)
	}
}

// ---------------------------------------------------------------------------
// ProcessTransport
// ---------------------------------------------------------------------------

func TestAwaitHello_SkipsNoise(t *testing.T) {
	input := "starting up...\nMINION IS warming\n" + Hello + "payload"
	r := bufio.NewReader(strings.NewReader(input))
	if err := awaitHello(r); err != nil {
		t.Fatalf("awaitHello: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "payload" {
		t.Errorf("remaining = %q, want payload", rest)
	}
}

func TestAwaitHello_EOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("MINION IS READY"))
	if err := awaitHello(r); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("awaitHello = %v, want ErrUnexpectedEOF", err)
	}
}

func TestProcessTransport_Echo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, err := SpawnProcess(ctx, ProcessConfig{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--"},
		Env:  append(os.Environ(), "MINION_TRANSPORT_HELPER=1"),
	})
	if err != nil {
		t.Fatalf("SpawnProcess: %v", err)
	}
	defer tr.Close()

	if !tr.IsLocalhost() {
		t.Error("child transport should be localhost")
	}
	if tr.Pid() <= 0 {
		t.Errorf("Pid = %d", tr.Pid())
	}

	w, _ := tr.Writer()
	if _, err := fmt.Fprint(w, "echo me\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, _ := tr.Reader()
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "echo me\n" {
		t.Errorf("echo = %q", line)
	}

	tr.Close()
	tr.Close()
	if !tr.IsClosed() {
		t.Error("transport should report closed")
	}
}

// TestHelperProcess is not a real test: it is the child half of
// TestProcessTransport_Echo.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("MINION_TRANSPORT_HELPER") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, "some startup noise\n")
	fmt.Fprint(os.Stdout, Hello)
	_, _ = io.Copy(os.Stdout, os.Stdin)
	os.Exit(0)
}
