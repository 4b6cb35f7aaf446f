package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync/atomic"
)

// Hello is written by a stdio minion once it is ready for requests. The
// trailing 0xfeedbeef keeps it from matching ordinary startup chatter.
const Hello = "MINION IS READY: \xfe\xed\xbe\xef"

// ProcessConfig describes the child to spawn.
type ProcessConfig struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ProcessTransport talks to a child process over its stdin and stdout.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed atomic.Bool
	name   string
}

// SpawnProcess starts the child and waits for its Hello banner. The context
// bounds startup only; the running child is stopped with Close.
func SpawnProcess(ctx context.Context, cfg ProcessConfig) (*ProcessTransport, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", cfg.Path, err)
	}

	name := fmt.Sprintf("%s[%d]", cfg.Path, cmd.Process.Pid)
	go drainStderr(name, stderr)

	t := &ProcessTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		name:   name,
	}

	ready := make(chan error, 1)
	go func() { ready <- awaitHello(t.stdout) }()

	select {
	case err := <-ready:
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("transport: %s never became ready: %w", name, err)
		}
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	log.Infof("spawned minion %s", name)
	return t, nil
}

// awaitHello spools forward until the full Hello banner has been read.
func awaitHello(r io.ByteReader) error {
	index := 0
	for index < len(Hello) {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		switch {
		case b == Hello[index]:
			index++
		case b == Hello[0]:
			index = 1
		default:
			index = 0
		}
	}
	return nil
}

func drainStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Infof("[%s] %s", name, scanner.Text())
	}
	log.Debugf("[%s] <EOF>", name)
}

// UserName is the owner of this process, which also owns the child.
func (t *ProcessTransport) UserName() string {
	return currentUser()
}

func (t *ProcessTransport) RemoteAddr() net.IP {
	return loopback
}

func (t *ProcessTransport) Reader() (io.Reader, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.stdout, nil
}

func (t *ProcessTransport) Writer() (io.Writer, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	return t.stdin, nil
}

func (t *ProcessTransport) IsLocalhost() bool {
	return true
}

// Close closes the child's stdin, kills it and reaps it.
func (t *ProcessTransport) Close() {
	if t.closed.Swap(true) {
		return
	}
	defer func() { _ = recover() }()
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
}

func (t *ProcessTransport) IsClosed() bool {
	return t.closed.Load()
}

// Pid is the child's process ID.
func (t *ProcessTransport) Pid() int {
	return t.cmd.Process.Pid
}

func (t *ProcessTransport) String() string {
	return t.name
}
