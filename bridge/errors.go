package bridge

import (
	"errors"
	"fmt"

	"github.com/chazu/minion/wire"
)

// ErrClosed is wrapped by the TransportError returned from any call made
// after Close, or interrupted by it.
var ErrClosed = errors.New("bridge: minion is closed")

// TransportError reports that the channel to the minion failed: it could not
// be read or written, it closed, or it delivered something that was not the
// expected response. The client is unusable afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError reports an error raised by code running in the minion. Type is
// the remote exception's class name, Message its description and Traceback
// whatever stack text the minion supplied.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return "bridge: remote error: " + e.Message
	}
	return fmt.Sprintf("bridge: remote %s: %s", e.Type, e.Message)
}

// IsRemoteType reports whether err is a RemoteError of the given class.
func IsRemoteType(err error, typ string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Type == typ
}

// CastError reports that a result could not be returned as the requested
// type. The remote code ran successfully.
type CastError struct {
	Target string
	Err    error
}

func (e *CastError) Error() string {
	return fmt.Sprintf("bridge: cannot return result as %s: %v", e.Target, e.Err)
}

func (e *CastError) Unwrap() error { return e.Err }

// ArgumentError reports that a ByValue argument could not be encoded. The
// call was not sent.
type ArgumentError struct {
	Index int
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("bridge: argument %d cannot be passed by value: %v", e.Index, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// faultError converts a fault from the minion into the matching error kind.
func faultError(f *wire.Fault, target string) error {
	if f.Kind == wire.FaultCast {
		return &CastError{Target: target, Err: errors.New(f.Message)}
	}
	return &RemoteError{Type: f.Type, Message: f.Message, Traceback: f.Traceback}
}

// callbackError is an error raised while serving a minion callback; it
// becomes a remote exception of the given class.
type callbackError struct {
	typ string
	msg string
}

func (e *callbackError) Error() string { return e.typ + ": " + e.msg }

func callbackFault(err error) *wire.Fault {
	var ce *callbackError
	if errors.As(err, &ce) {
		return &wire.Fault{Kind: wire.FaultException, Type: ce.typ, Message: ce.msg}
	}
	return &wire.Fault{Kind: wire.FaultException, Type: "GoError", Message: err.Error()}
}
