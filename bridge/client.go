package bridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/minion/transport"
	"github.com/chazu/minion/wire"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("minion.bridge")

// Client is a Minion speaking the bridge protocol over one transport.
//
// Calls are serialized: at most one request is in flight, and while it is
// the client answers the minion's callbacks against values passed by
// reference. A Client is safe for use by multiple goroutines.
type Client struct {
	t   transport.Transport
	enc *wire.Encoder
	dec *wire.Decoder

	mu     sync.Mutex // held for the duration of a call
	nextID uint64

	exports   *exportTable
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Minion = (*Client)(nil)

// New wraps an established transport. The client owns t from here on.
func New(t transport.Transport) (*Client, error) {
	r, err := t.Reader()
	if err != nil {
		t.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	w, err := t.Writer()
	if err != nil {
		t.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	log.Debugf("bridge client on %s", t)
	return &Client{
		t:       t,
		enc:     wire.NewEncoder(w),
		dec:     wire.NewDecoder(r),
		exports: newExportTable(),
	}, nil
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.t
}

// Close releases the transport and forgets every exported value. A call
// blocked on the transport fails with a TransportError wrapping ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.t.Close()
		c.exports.clear()
		log.Debugf("bridge client on %s closed", c.t)
	})
}

// IsClosed reports whether the client can no longer make calls.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

func (c *Client) Exec(ctx context.Context, code string) error {
	resp, err := c.call(ctx, &wire.Message{Op: wire.OpExec, Code: code})
	if err != nil {
		return err
	}
	if resp.Fault != nil {
		return faultError(resp.Fault, "")
	}
	return nil
}

func (c *Client) Eval(ctx context.Context, code string) (any, error) {
	var v any
	err := c.EvalInto(ctx, code, &v)
	return v, err
}

func (c *Client) EvalInto(ctx context.Context, code string, dst any) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	resp, err := c.call(ctx, &wire.Message{Op: wire.OpEval, Code: code, Hint: hintFor(dst)})
	if err != nil {
		return err
	}
	return c.result(resp, dst)
}

func (c *Client) SetGlobal(ctx context.Context, name string, value any) error {
	raw, err := c.encodeArg(0, value)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, &wire.Message{Op: wire.OpSetGlobal, Name: name, Args: []wire.RawMessage{raw}})
	if err != nil {
		return err
	}
	if resp.Fault != nil {
		return faultError(resp.Fault, "")
	}
	return nil
}

func (c *Client) Invoke(ctx context.Context, function string, args ...any) (any, error) {
	var v any
	err := c.InvokeInto(ctx, function, &v, args...)
	return v, err
}

func (c *Client) InvokeInto(ctx context.Context, function string, dst any, args ...any) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	raws, err := c.encodeArgs(args)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, &wire.Message{Op: wire.OpInvoke, Name: function, Args: raws, Hint: hintFor(dst)})
	if err != nil {
		return err
	}
	return c.result(resp, dst)
}

func (c *Client) GetObject(ctx context.Context, expr string) (*Object, error) {
	return c.BindObject(ctx, expr, "")
}

func (c *Client) BindObject(ctx context.Context, expr, name string) (*Object, error) {
	var obj *Object
	resp, err := c.call(ctx, &wire.Message{Op: wire.OpGetObject, Code: expr, Bind: name, Hint: wire.HintHandle})
	if err != nil {
		return nil, err
	}
	if err := c.result(resp, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *Client) InvokeAndGetObject(ctx context.Context, function string, args ...any) (*Object, error) {
	var obj *Object
	if err := c.InvokeInto(ctx, function, &obj, args...); err != nil {
		return nil, err
	}
	return obj, nil
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

// call sends req and returns its response, serving callbacks meanwhile. Any
// I/O failure closes the client.
func (c *Client) call(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	op := string(req.Op)
	if c.closed.Load() {
		return nil, &TransportError{Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, &TransportError{Op: op, Err: ErrClosed}
	}

	if dl, ok := ctx.Deadline(); ok {
		if d, ok := c.t.(transport.Deadliner); ok {
			if err := d.SetDeadline(dl); err == nil {
				defer d.SetDeadline(time.Time{})
			}
		}
	}

	c.nextID++
	req.Type = wire.MsgRequest
	req.ID = c.nextID

	start := time.Now()
	if err := c.enc.Encode(req); err != nil {
		return nil, c.fail(ctx, op, err)
	}

	for {
		msg, err := c.dec.Decode()
		if err != nil {
			return nil, c.fail(ctx, op, err)
		}
		switch msg.Type {
		case wire.MsgCallback:
			if err := c.enc.Encode(c.serveCallback(msg)); err != nil {
				return nil, c.fail(ctx, op, err)
			}
		case wire.MsgResponse:
			if msg.ID != req.ID {
				return nil, c.fail(ctx, op, fmt.Errorf("response %d does not match request %d", msg.ID, req.ID))
			}
			log.Debugf("%s #%d done in %s", op, req.ID, time.Since(start))
			return msg, nil
		default:
			return nil, c.fail(ctx, op, fmt.Errorf("unexpected %s message", msg.Type))
		}
	}
}

// fail closes the client after a transport failure and reports it.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	wasClosed := c.closed.Load()
	c.Close()
	switch {
	case wasClosed:
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	default:
		log.Warningf("transport %s failed during %s: %v", c.t, op, err)
	}
	return &TransportError{Op: op, Err: err}
}

// ---------------------------------------------------------------------------
// Arguments and results
// ---------------------------------------------------------------------------

func (c *Client) encodeArgs(args []any) ([]wire.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raws := make([]wire.RawMessage, len(args))
	for i, a := range args {
		raw, err := c.encodeArg(i, a)
		if err != nil {
			return nil, err
		}
		raws[i] = raw
	}
	return raws, nil
}

func (c *Client) encodeArg(i int, a any) (wire.RawMessage, error) {
	switch a := tagOf(a).(type) {
	case Snapshot:
		raw, err := wire.Encode(a.Value)
		if err != nil {
			return nil, &ArgumentError{Index: i, Err: err}
		}
		return raw, nil
	case Ref:
		raw, err := c.encodeRef(a.Value)
		if err != nil {
			return nil, &ArgumentError{Index: i, Err: err}
		}
		return raw, nil
	}
	panic("unreachable")
}

// encodeRef encodes v for by-reference passing: scalars and handles inline,
// everything else as a token naming a fresh or existing export.
func (c *Client) encodeRef(v any) (wire.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return wire.Encode(nil)
	case *Object:
		if x == nil {
			return wire.Encode(nil)
		}
		return wire.Encode(x.token())
	case Arg:
		// A nested tag decides for its own subtree.
		return c.encodeArg(0, x)
	}
	rv := reflect.ValueOf(v)
	if isScalar(rv) {
		return wire.Encode(v)
	}
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice || rv.Kind() == reflect.Func) && rv.IsNil() {
		return wire.Encode(nil)
	}
	return wire.Encode(c.exports.export(v))
}

func checkDst(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &CastError{Target: fmt.Sprintf("%T", dst), Err: errors.New("destination must be a non-nil pointer")}
	}
	return nil
}

var (
	anyPtrType    = reflect.TypeOf((*any)(nil))
	objectPtrType = reflect.TypeOf((**Object)(nil))
)

func hintFor(dst any) wire.Hint {
	switch reflect.TypeOf(dst) {
	case anyPtrType:
		return wire.HintAny
	case objectPtrType:
		return wire.HintHandle
	}
	return wire.HintValue
}

func targetName(dst any) string {
	return reflect.TypeOf(dst).Elem().String()
}

// result turns a response into an error or a value stored through dst.
func (c *Client) result(resp *wire.Message, dst any) error {
	if resp.Fault != nil {
		return faultError(resp.Fault, targetName(dst))
	}
	generic, err := wire.Decode(resp.Result)
	if err != nil {
		return &CastError{Target: targetName(dst), Err: err}
	}

	switch d := dst.(type) {
	case *any:
		*d = c.resolve(generic)
		return nil
	case **Object:
		switch tok := generic.(type) {
		case nil:
			*d = nil
		case wire.HandleToken:
			*d = c.newObject(tok)
		default:
			return &CastError{Target: "*bridge.Object", Err: fmt.Errorf("result is a %T, not a handle", generic)}
		}
		return nil
	}

	dv := reflect.ValueOf(dst).Elem()
	switch tok := generic.(type) {
	case wire.RefToken:
		v, ok := c.exports.lookup(tok.ID)
		if !ok || !v.Type().AssignableTo(dv.Type()) {
			return &CastError{Target: dv.Type().String(), Err: fmt.Errorf("result is a reference to %s", tok.Type)}
		}
		dv.Set(v)
		return nil
	case wire.HandleToken:
		obj := reflect.ValueOf(c.newObject(tok))
		if !obj.Type().AssignableTo(dv.Type()) {
			return &CastError{Target: dv.Type().String(), Err: fmt.Errorf("result is a handle to %s", tok.Type)}
		}
		dv.Set(obj)
		return nil
	}
	if err := wire.Unmarshal(resp.Result, dst); err != nil {
		return &CastError{Target: dv.Type().String(), Err: err}
	}
	return nil
}
