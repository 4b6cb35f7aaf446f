package server

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/dop251/goja"

	"github.com/chazu/minion/wire"
)

// errNoSnapshot marks a value that can only travel as a handle.
var errNoSnapshot = errors.New("value cannot be copied")

// maxDisplay bounds the display string stored with a handle.
const maxDisplay = 120

// ---------------------------------------------------------------------------
// Interpreter values -> wire values
// ---------------------------------------------------------------------------

// snapshot copies v into plain values: nil, bool, int64, float64, string,
// []any and map[string]any. Proxies of this session's references become
// their RefToken again. Functions, class instances, cycles and anything
// else without a faithful copy fail with errNoSnapshot.
//
// Proxies make snapshot call back to the caller, so it must run inside
// Runtime.Try.
func (s *Session) snapshot(v goja.Value) (any, error) {
	return s.snap(v, make(map[*goja.Object]bool))
}

func (s *Session) snap(v goja.Value, path map[*goja.Object]bool) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case bool, string, int64:
			return x, nil
		case float64:
			return normalizeFloat(x), nil
		case *big.Int:
			return x, nil
		}
		return nil, fmt.Errorf("%w: %s", errNoSnapshot, typeName(v))
	}

	if tok, ok := s.refs[obj]; ok {
		return tok, nil
	}
	if path[obj] {
		return nil, fmt.Errorf("%w: cyclic %s", errNoSnapshot, typeName(v))
	}
	path[obj] = true
	defer delete(path, obj)

	if _, ok := goja.AssertFunction(obj); ok {
		return nil, fmt.Errorf("%w: %s", errNoSnapshot, typeName(v))
	}

	switch obj.ClassName() {
	case "Array":
		n := obj.Get("length").ToInteger()
		out := make([]any, n)
		for i := int64(0); i < n; i++ {
			item, err := s.snap(obj.Get(strconv.FormatInt(i, 10)), path)
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case "Object":
		if proto := obj.Prototype(); proto != nil && proto != s.in.objectProto {
			return nil, fmt.Errorf("%w: %s instance", errNoSnapshot, typeName(v))
		}
		keys := obj.Keys()
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			item, err := s.snap(obj.Get(k), path)
			if err != nil {
				return nil, err
			}
			out[k] = item
		}
		return out, nil
	case "String":
		return obj.String(), nil
	case "Number":
		return normalizeFloat(obj.ToFloat()), nil
	case "Boolean":
		// ToBoolean on any object is true; the wrapped value comes from Export.
		if b, ok := obj.Export().(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errNoSnapshot, typeName(v))
}

// normalizeFloat turns integral floats into int64. Script numbers have no
// integer type, so 4/2 should reach the caller as 2, not 2.0.
func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= 1<<53 && !(f == 0 && math.Signbit(f)) {
		return int64(f)
	}
	return f
}

// handleFor registers v in the handle store on behalf of this session.
func (s *Session) handleFor(v goja.Value) wire.HandleToken {
	typ := typeName(v)
	display := s.display(v)
	return wire.HandleToken{
		ID:      s.handles.Create(v, typ, display, s.ID),
		Type:    typ,
		Display: display,
	}
}

// encodeResult encodes a request's result in the shape the caller hinted.
func (s *Session) encodeResult(v goja.Value, hint wire.Hint) (wire.RawMessage, error) {
	var (
		out any
		err error
	)
	ex := s.in.vm.Try(func() {
		if hint == wire.HintHandle {
			if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				out = s.handleFor(v)
			}
			return
		}
		out, err = s.snapshot(v)
		if errors.Is(err, errNoSnapshot) && hint == wire.HintAny {
			out, err = s.handleFor(v), nil
		}
	})
	if ex != nil {
		return nil, ex
	}
	if err != nil {
		return nil, castFault("%v", err)
	}
	raw, err := wire.Encode(out)
	if err != nil {
		return nil, castFault("%v", err)
	}
	return raw, nil
}

// encodeOutbound encodes a value the script hands to the caller during a
// callback. It must run inside script execution.
func (s *Session) encodeOutbound(v goja.Value) wire.RawMessage {
	out, err := s.snapshot(v)
	if errors.Is(err, errNoSnapshot) {
		out, err = s.handleFor(v), nil
	}
	if err != nil {
		panic(s.in.newError("TypeError", err.Error()))
	}
	raw, err := wire.Encode(out)
	if err != nil {
		panic(s.in.newError("TypeError", err.Error()))
	}
	return raw
}

// typeName describes v for handle metadata and error messages.
func typeName(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		switch v.Export().(type) {
		case bool:
			return "boolean"
		case string:
			return "string"
		case int64, float64:
			return "number"
		case *big.Int:
			return "bigint"
		}
		return "symbol"
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return "function"
	}
	if ctor, ok := obj.Get("constructor").(*goja.Object); ok {
		if name := ctor.Get("name"); name != nil && name.String() != "" {
			return name.String()
		}
	}
	return obj.ClassName()
}

func (s *Session) display(v goja.Value) string {
	var out string
	if ex := s.in.vm.Try(func() { out = v.String() }); ex != nil {
		out = "<" + typeName(v) + ">"
	}
	if len(out) > maxDisplay {
		out = out[:maxDisplay] + "..."
	}
	return out
}

// ---------------------------------------------------------------------------
// Wire values -> interpreter values
// ---------------------------------------------------------------------------

// toJS decodes an argument sent by the caller.
func (s *Session) toJS(raw wire.RawMessage) (goja.Value, error) {
	v, err := wire.Decode(raw)
	if err != nil {
		return nil, exception("TypeError", "malformed argument: %v", err)
	}
	return s.jsValue(v)
}

func (s *Session) toJSArgs(raws []wire.RawMessage) ([]goja.Value, error) {
	out := make([]goja.Value, len(raws))
	for i, raw := range raws {
		v, err := s.toJS(raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Session) jsValue(v any) (goja.Value, error) {
	vm := s.in.vm
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case wire.RefToken:
		return s.proxy(x), nil
	case wire.HandleToken:
		val, ok := s.handles.Lookup(x.ID, s.ID)
		if !ok {
			return nil, exception("ReferenceError", "handle %s is no longer valid", x.ID)
		}
		return val, nil
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			jv, err := s.jsValue(item)
			if err != nil {
				return nil, err
			}
			items[i] = jv
		}
		return vm.NewArray(items...), nil
	case map[string]any:
		obj := vm.NewObject()
		for k, item := range x {
			jv, err := s.jsValue(item)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, jv); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case []byte:
		return vm.ToValue(vm.NewArrayBuffer(x)), nil
	}
	return vm.ToValue(v), nil
}

// ---------------------------------------------------------------------------
// Proxies for caller values
// ---------------------------------------------------------------------------

// proxy returns the script object standing in for a caller value. The same
// token always yields the same object.
func (s *Session) proxy(tok wire.RefToken) *goja.Object {
	if obj, ok := s.proxies[tok.ID]; ok {
		return obj
	}
	vm := s.in.vm
	var obj *goja.Object
	switch tok.Shape {
	case wire.ShapeList:
		obj = vm.NewDynamicArray(&listProxy{s: s, id: tok.ID})
	case wire.ShapeFunc:
		id := tok.ID
		obj = vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return s.fromReply(s.callRef(wire.OpCall, id, nil, call.Arguments))
		}).(*goja.Object)
	default:
		obj = vm.NewDynamicObject(&mapProxy{s: s, id: tok.ID})
	}
	s.proxies[tok.ID] = obj
	s.refs[obj] = tok
	return obj
}

// callRef performs one callback against a caller value. Failures are thrown
// into the running script.
func (s *Session) callRef(op wire.Op, id uint64, key any, args []goja.Value) *wire.Message {
	if s.in.current != s {
		panic(s.in.newError("ReferenceError", "caller value used outside a call from its session"))
	}
	m := &wire.Message{Op: op, Ref: id}
	if key != nil {
		raw, err := wire.Encode(key)
		if err != nil {
			panic(s.in.newError("TypeError", err.Error()))
		}
		m.Key = raw
	}
	for _, a := range args {
		m.Args = append(m.Args, s.encodeOutbound(a))
	}
	reply, err := s.callback(m)
	if err != nil {
		panic(s.in.newError("ConnectionError", err.Error()))
	}
	if reply.Fault != nil {
		panic(s.in.newError(reply.Fault.Type, reply.Fault.Message))
	}
	return reply
}

// callback writes m to the caller and reads its reply. The session's
// connection goroutine is blocked in Worker.Do meanwhile, so the stream has
// a single user.
func (s *Session) callback(m *wire.Message) (*wire.Message, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	s.nextCallback++
	m.Type = wire.MsgCallback
	m.ID = s.nextCallback

	if err := s.enc.Encode(m); err != nil {
		s.broken = fmt.Errorf("callback %s: %w", m.Op, err)
		return nil, s.broken
	}
	reply, err := s.dec.Decode()
	if err != nil {
		s.broken = fmt.Errorf("callback %s: %w", m.Op, err)
		return nil, s.broken
	}
	if reply.Type != wire.MsgCallbackResult || reply.ID != m.ID {
		s.broken = fmt.Errorf("callback %s #%d: got %s #%d", m.Op, m.ID, reply.Type, reply.ID)
		return nil, s.broken
	}
	return reply, nil
}

// fromReply decodes a callback result into a script value.
func (s *Session) fromReply(reply *wire.Message) goja.Value {
	v, err := wire.Decode(reply.Result)
	if err != nil {
		panic(s.in.newError("TypeError", err.Error()))
	}
	jv, err := s.jsValue(v)
	if err != nil {
		panic(s.in.newError("ReferenceError", err.Error()))
	}
	return jv
}

// listProxy backs an array-like caller value (slice, array).
type listProxy struct {
	s  *Session
	id uint64
}

func (p *listProxy) Len() int {
	var n int64
	reply := p.s.callRef(wire.OpLen, p.id, nil, nil)
	if err := wire.Unmarshal(reply.Result, &n); err != nil {
		panic(p.s.in.newError("TypeError", err.Error()))
	}
	return int(n)
}

func (p *listProxy) Get(idx int) goja.Value {
	reply := p.s.callRef(wire.OpGetItem, p.id, int64(idx), nil)
	if !reply.Found {
		return goja.Undefined()
	}
	return p.s.fromReply(reply)
}

func (p *listProxy) Set(idx int, val goja.Value) bool {
	p.s.callRef(wire.OpSetItem, p.id, int64(idx), []goja.Value{val})
	return true
}

// SetLen refuses: a caller's slice cannot be resized in place.
func (p *listProxy) SetLen(int) bool {
	return false
}

// mapProxy backs an object-like caller value (map, struct, pointer).
type mapProxy struct {
	s  *Session
	id uint64
}

func (p *mapProxy) Get(key string) goja.Value {
	reply := p.s.callRef(wire.OpGetKey, p.id, key, nil)
	if !reply.Found {
		return nil
	}
	return p.s.fromReply(reply)
}

func (p *mapProxy) Set(key string, val goja.Value) bool {
	p.s.callRef(wire.OpSetKey, p.id, key, []goja.Value{val})
	return true
}

func (p *mapProxy) Has(key string) bool {
	return p.s.callRef(wire.OpHas, p.id, key, nil).Found
}

func (p *mapProxy) Delete(key string) bool {
	p.s.callRef(wire.OpDelete, p.id, key, nil)
	return true
}

func (p *mapProxy) Keys() []string {
	var keys []string
	reply := p.s.callRef(wire.OpKeys, p.id, nil, nil)
	if err := wire.Unmarshal(reply.Result, &keys); err != nil {
		panic(p.s.in.newError("TypeError", err.Error()))
	}
	return keys
}
