// Package bridge is the caller's side of the minion call bridge.
//
// A Minion runs code in a remote interpreter and returns results: Exec for
// statements, Eval for expressions, SetGlobal to bind remote names, Invoke to
// call remote functions and GetObject/InvokeAndGetObject to obtain live
// handles instead of value snapshots. Each operation is one synchronous
// round trip over a transport.Transport.
//
// Arguments are passed by reference unless wrapped with ByValue. Scalars
// travel inline either way since they have no identity to preserve.
//
// Failures come in distinct kinds: *TransportError (the channel broke, or
// the client was closed), *RemoteError (the remote code raised), *CastError
// (the result does not fit the requested type) and *ArgumentError (a ByValue
// argument could not be encoded).
package bridge

import "context"

// Minion is the call bridge contract.
type Minion interface {
	// Exec runs statements in the remote global scope.
	Exec(ctx context.Context, code string) error

	// Eval evaluates one expression. The result is a snapshot (int64,
	// float64, string, bool, nil, []any, map[string]any) or an *Object when
	// the value cannot be copied.
	Eval(ctx context.Context, code string) (any, error)

	// EvalInto evaluates one expression and decodes the result into dst,
	// which must be a non-nil pointer. A **Object destination asks for a
	// handle. Decoding is strict: numbers never become text or the
	// reverse, and fractions never become integers.
	EvalInto(ctx context.Context, code string, dst any) error

	// SetGlobal binds name in the remote global scope. value obeys the same
	// passing rules as a call argument.
	SetGlobal(ctx context.Context, name string, value any) error

	// Invoke calls a remote function, looked up by (dotted) name in the
	// remote global scope, with positional arguments.
	Invoke(ctx context.Context, function string, args ...any) (any, error)

	// InvokeInto is Invoke with the result decoded into dst.
	InvokeInto(ctx context.Context, function string, dst any, args ...any) error

	// GetObject evaluates expr and returns a handle to the result.
	GetObject(ctx context.Context, expr string) (*Object, error)

	// BindObject is GetObject that also binds the result to a remote global.
	BindObject(ctx context.Context, expr, name string) (*Object, error)

	// InvokeAndGetObject calls a remote function and returns a handle to
	// its result.
	InvokeAndGetObject(ctx context.Context, function string, args ...any) (*Object, error)

	// Close releases the transport. It is idempotent and never fails.
	Close()
}

// EvalAs evaluates expr and returns the result as T.
func EvalAs[T any](ctx context.Context, m Minion, expr string) (T, error) {
	var out T
	err := m.EvalInto(ctx, expr, &out)
	return out, err
}

// InvokeAs invokes function and returns the result as T.
func InvokeAs[T any](ctx context.Context, m Minion, function string, args ...any) (T, error) {
	var out T
	err := m.InvokeInto(ctx, function, &out, args...)
	return out, err
}
