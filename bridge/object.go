package bridge

import (
	"context"
	"fmt"

	"github.com/chazu/minion/wire"
)

// Object is a handle to a value living in the minion. The value stays alive
// until Release is called, the session ends, or the minion's handle TTL
// expires it.
type Object struct {
	c       *Client
	id      string
	typ     string
	display string
}

func (c *Client) newObject(tok wire.HandleToken) *Object {
	return &Object{c: c, id: tok.ID, typ: tok.Type, display: tok.Display}
}

func (o *Object) token() wire.HandleToken {
	return wire.HandleToken{ID: o.id, Type: o.typ, Display: o.display}
}

// ID is the minion's handle identifier.
func (o *Object) ID() string { return o.id }

// TypeName is the remote type name recorded when the handle was made.
func (o *Object) TypeName() string { return o.typ }

func (o *Object) String() string {
	if o.display != "" {
		return fmt.Sprintf("<%s %s: %s>", o.typ, o.id, o.display)
	}
	return fmt.Sprintf("<%s %s>", o.typ, o.id)
}

// MarshalCBOR encodes the handle itself, so an Object nested inside a ByValue
// argument arrives in the minion as the live value.
func (o *Object) MarshalCBOR() ([]byte, error) {
	return wire.Marshal(o.token())
}

// Invoke calls a method of the remote value.
func (o *Object) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	var v any
	err := o.InvokeInto(ctx, method, &v, args...)
	return v, err
}

// InvokeInto calls a method of the remote value and decodes the result into
// dst. A **Object destination asks for a handle.
func (o *Object) InvokeInto(ctx context.Context, method string, dst any, args ...any) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	raws, err := o.c.encodeArgs(args)
	if err != nil {
		return err
	}
	resp, err := o.c.call(ctx, &wire.Message{Op: wire.OpObjectInvoke, Target: o.id, Name: method, Args: raws, Hint: hintFor(dst)})
	if err != nil {
		return err
	}
	return o.c.result(resp, dst)
}

// Method returns a function bound to one method of the remote value.
func (o *Object) Method(name string) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		return o.Invoke(ctx, name, args...)
	}
}

// GetAttr reads a property of the remote value.
func (o *Object) GetAttr(ctx context.Context, name string) (any, error) {
	var v any
	err := o.GetAttrInto(ctx, name, &v)
	return v, err
}

// GetAttrInto reads a property of the remote value into dst.
func (o *Object) GetAttrInto(ctx context.Context, name string, dst any) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	resp, err := o.c.call(ctx, &wire.Message{Op: wire.OpGetAttr, Target: o.id, Name: name, Hint: hintFor(dst)})
	if err != nil {
		return err
	}
	return o.c.result(resp, dst)
}

// Value returns a snapshot of the remote value.
func (o *Object) Value(ctx context.Context) (any, error) {
	var v any
	err := o.ValueInto(ctx, &v)
	return v, err
}

// ValueInto decodes a snapshot of the remote value into dst.
func (o *Object) ValueInto(ctx context.Context, dst any) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	resp, err := o.c.call(ctx, &wire.Message{Op: wire.OpValue, Target: o.id, Hint: wire.HintValue})
	if err != nil {
		return err
	}
	return o.c.result(resp, dst)
}

// Release tells the minion it may drop the value. Releasing twice is not an
// error.
func (o *Object) Release(ctx context.Context) error {
	resp, err := o.c.call(ctx, &wire.Message{Op: wire.OpRelease, Target: o.id})
	if err != nil {
		return err
	}
	if resp.Fault != nil {
		return faultError(resp.Fault, "")
	}
	return nil
}
