package bridge

import (
	"context"

	"github.com/chazu/minion/transport"
)

// SpawnOptions describes a minion child process.
type SpawnOptions struct {
	// Path is the minion executable. Defaults to "minion" on $PATH.
	Path string
	// Args are passed to the executable. Defaults to ["-stdio"].
	Args []string
	Env  []string
	Dir  string
}

// Spawn starts a minion process and connects to it over its stdio. It
// returns once the process has announced readiness.
func Spawn(ctx context.Context, opts SpawnOptions) (*Client, error) {
	if opts.Path == "" {
		opts.Path = "minion"
	}
	if opts.Args == nil {
		opts.Args = []string{"-stdio"}
	}
	t, err := transport.SpawnProcess(ctx, transport.ProcessConfig{
		Path: opts.Path,
		Args: opts.Args,
		Env:  opts.Env,
		Dir:  opts.Dir,
	})
	if err != nil {
		return nil, &TransportError{Op: "spawn", Err: err}
	}
	return New(t)
}

// Dial connects to a minion listening on a socket.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	t, err := transport.Dial(ctx, network, address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return New(t)
}
