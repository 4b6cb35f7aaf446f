package bridge

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chazu/minion/wire"
)

// exportKey identifies a value with reference identity. Two exports of the
// same map, pointer, or slice window share a key and therefore an ID.
type exportKey struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

// exportTable holds the caller's values the minion currently refers to.
// Entries live as long as the client; Close drops them.
type exportTable struct {
	mu    sync.Mutex
	next  uint64
	byID  map[uint64]reflect.Value
	byKey map[exportKey]uint64
}

func newExportTable() *exportTable {
	return &exportTable{
		byID:  make(map[uint64]reflect.Value),
		byKey: make(map[exportKey]uint64),
	}
}

// export registers v and returns the token the minion will use for it.
func (t *exportTable) export(v any) wire.RefToken {
	rv := reflect.ValueOf(v)
	tok := wire.RefToken{Shape: shapeOf(rv.Type()), Type: rv.Type().String()}

	t.mu.Lock()
	defer t.mu.Unlock()

	key, keyed := identity(rv)
	if keyed {
		if id, ok := t.byKey[key]; ok {
			tok.ID = id
			return tok
		}
	}
	t.next++
	tok.ID = t.next
	t.byID[tok.ID] = rv
	if keyed {
		t.byKey[key] = tok.ID
	}
	return tok
}

func (t *exportTable) lookup(id uint64) (reflect.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rv, ok := t.byID[id]
	return rv, ok
}

func (t *exportTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *exportTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[uint64]reflect.Value)
	t.byKey = make(map[exportKey]uint64)
}

// identity returns the dedup key for values that have one. Funcs have none:
// distinct closures and method values share code pointers.
func identity(rv reflect.Value) (exportKey, bool) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return exportKey{}, false
		}
		return exportKey{typ: rv.Type(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.IsNil() {
			return exportKey{}, false
		}
		return exportKey{typ: rv.Type(), ptr: rv.Pointer(), n: rv.Len()}, true
	}
	return exportKey{}, false
}

func shapeOf(t reflect.Type) wire.Shape {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		return wire.ShapeList
	case reflect.Map, reflect.Struct:
		return wire.ShapeMap
	case reflect.Func:
		return wire.ShapeFunc
	}
	return wire.ShapeOpaque
}

// isScalar reports whether v travels inline even when passed by reference.
func isScalar(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Callback service
// ---------------------------------------------------------------------------

// serveCallback answers one minion callback against an exported value.
func (c *Client) serveCallback(m *wire.Message) *wire.Message {
	reply := &wire.Message{Type: wire.MsgCallbackResult, ID: m.ID}
	result, found, err := c.callback(m)
	if err != nil {
		log.Debugf("callback %s on ref %d failed: %v", m.Op, m.Ref, err)
		reply.Fault = callbackFault(err)
		return reply
	}
	reply.Result = result
	reply.Found = found
	return reply
}

func (c *Client) callback(m *wire.Message) (result wire.RawMessage, found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &callbackError{typ: "GoPanic", msg: fmt.Sprint(r)}
		}
	}()

	rv, ok := c.exports.lookup(m.Ref)
	if !ok {
		return nil, false, &callbackError{typ: "ReferenceError", msg: fmt.Sprintf("reference %d is not exported", m.Ref)}
	}
	if m.Op == wire.OpCall {
		raw, err := c.callFunc(rv, m.Args)
		return raw, true, err
	}

	target := indirect(rv)
	if !target.IsValid() {
		return nil, false, &callbackError{typ: "TypeError", msg: "reference is a nil " + rv.Type().String()}
	}

	switch m.Op {
	case wire.OpLen:
		n, err := lengthOf(target)
		if err != nil {
			return nil, false, err
		}
		raw, err := wire.Encode(n)
		return raw, true, err

	case wire.OpGetItem:
		i, err := indexOf(target, m.Key)
		if err != nil {
			return nil, false, err
		}
		if i < 0 || i >= target.Len() {
			return nil, false, nil
		}
		raw, err := c.outbound(target.Index(i))
		return raw, true, err

	case wire.OpSetItem:
		i, err := indexOf(target, m.Key)
		if err != nil {
			return nil, false, err
		}
		if i < 0 || i >= target.Len() {
			return nil, false, &callbackError{typ: "RangeError", msg: fmt.Sprintf("index %d out of range [0:%d]", i, target.Len())}
		}
		elem := target.Index(i)
		if !elem.CanSet() {
			return nil, false, &callbackError{typ: "TypeError", msg: "cannot assign into " + target.Type().String()}
		}
		if len(m.Args) != 1 {
			return nil, false, &callbackError{typ: "TypeError", msg: "setitem needs exactly one value"}
		}
		val, err := c.inbound(m.Args[0], elem.Type())
		if err != nil {
			return nil, false, err
		}
		elem.Set(val)
		return nil, true, nil

	case wire.OpGetKey:
		name, err := keyString(m.Key)
		if err != nil {
			return nil, false, err
		}
		return c.getKey(rv, target, m.Key, name)

	case wire.OpSetKey:
		if len(m.Args) != 1 {
			return nil, false, &callbackError{typ: "TypeError", msg: "setkey needs exactly one value"}
		}
		return nil, true, c.setKey(target, m.Key, m.Args[0])

	case wire.OpHas:
		name, err := keyString(m.Key)
		if err != nil {
			return nil, false, err
		}
		switch target.Kind() {
		case reflect.Map:
			k, err := mapKey(m.Key, target.Type().Key())
			if err != nil {
				return nil, false, nil
			}
			return nil, target.MapIndex(k).IsValid(), nil
		case reflect.Struct:
			_, ok := fieldByName(target, name)
			return nil, ok, nil
		}
		return nil, false, nil

	case wire.OpDelete:
		if target.Kind() != reflect.Map {
			return nil, false, &callbackError{typ: "TypeError", msg: "cannot delete from " + target.Type().String()}
		}
		k, err := mapKey(m.Key, target.Type().Key())
		if err != nil {
			return nil, false, err
		}
		existed := target.MapIndex(k).IsValid()
		target.SetMapIndex(k, reflect.Value{})
		return nil, existed, nil

	case wire.OpKeys:
		keys, err := keysOf(target)
		if err != nil {
			return nil, false, err
		}
		raw, err := wire.Encode(keys)
		return raw, true, err
	}
	return nil, false, &callbackError{typ: "TypeError", msg: "unknown callback " + string(m.Op)}
}

func (c *Client) getKey(rv, target reflect.Value, key wire.RawMessage, name string) (wire.RawMessage, bool, error) {
	switch target.Kind() {
	case reflect.Map:
		k, err := mapKey(key, target.Type().Key())
		if err != nil {
			return nil, false, nil
		}
		v := target.MapIndex(k)
		if !v.IsValid() {
			return nil, false, nil
		}
		raw, err := c.outbound(v)
		return raw, true, err
	case reflect.Struct:
		if f, ok := fieldByName(target, name); ok {
			raw, err := c.outbound(f)
			return raw, true, err
		}
	}
	if meth := methodByName(rv, name); meth.IsValid() {
		raw, err := c.outbound(meth)
		return raw, true, err
	}
	return nil, false, nil
}

func (c *Client) setKey(target reflect.Value, key, value wire.RawMessage) error {
	switch target.Kind() {
	case reflect.Map:
		if target.IsNil() {
			return &callbackError{typ: "TypeError", msg: "assignment to nil map"}
		}
		k, err := mapKey(key, target.Type().Key())
		if err != nil {
			return err
		}
		val, err := c.inbound(value, target.Type().Elem())
		if err != nil {
			return err
		}
		target.SetMapIndex(k, val)
		return nil
	case reflect.Struct:
		name, err := keyString(key)
		if err != nil {
			return err
		}
		f, ok := fieldByName(target, name)
		if !ok {
			return &callbackError{typ: "AttributeError", msg: fmt.Sprintf("%s has no field %q", target.Type(), name)}
		}
		if !f.CanSet() {
			return &callbackError{typ: "TypeError", msg: fmt.Sprintf("field %q of %s is not assignable; pass a pointer", name, target.Type())}
		}
		val, err := c.inbound(value, f.Type())
		if err != nil {
			return err
		}
		f.Set(val)
		return nil
	}
	return &callbackError{typ: "TypeError", msg: "cannot assign keys on " + target.Type().String()}
}

// callFunc invokes an exported function. Missing trailing arguments are zero
// values. A non-nil trailing error result becomes a GoError fault.
func (c *Client) callFunc(rv reflect.Value, args []wire.RawMessage) (wire.RawMessage, error) {
	fn := indirect(rv)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, &callbackError{typ: "TypeError", msg: rv.Type().String() + " is not callable"}
	}
	ft := fn.Type()
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
	}
	if len(args) > fixed && !ft.IsVariadic() {
		return nil, &callbackError{typ: "TypeError", msg: fmt.Sprintf("%s takes %d arguments, got %d", ft, fixed, len(args))}
	}

	in := make([]reflect.Value, 0, max(len(args), fixed))
	for i := 0; i < fixed; i++ {
		if i >= len(args) {
			in = append(in, reflect.Zero(ft.In(i)))
			continue
		}
		v, err := c.inbound(args[i], ft.In(i))
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}
	if ft.IsVariadic() {
		et := ft.In(fixed).Elem()
		for _, raw := range args[fixed:] {
			v, err := c.inbound(raw, et)
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
	}

	out := fn.Call(in)
	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return nil, err
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return c.outbound(out[0])
	}
	items := make([]wire.RawMessage, len(out))
	for i, v := range out {
		raw, err := c.outbound(v)
		if err != nil {
			return nil, err
		}
		items[i] = raw
	}
	return wire.Encode(items)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// outbound encodes a value read from an exported value. Composite values go
// out as further references so writes through them stay visible.
func (c *Client) outbound(v reflect.Value) (wire.RawMessage, error) {
	if !v.IsValid() || !v.CanInterface() {
		return wire.Encode(nil)
	}
	return c.encodeRef(v.Interface())
}

// inbound decodes a value sent by the minion into Go type t. References to
// our own exports come back as the original value.
func (c *Client) inbound(raw wire.RawMessage, t reflect.Type) (reflect.Value, error) {
	generic, err := wire.Decode(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	switch tok := generic.(type) {
	case wire.RefToken:
		v, ok := c.exports.lookup(tok.ID)
		if !ok {
			return reflect.Value{}, &callbackError{typ: "ReferenceError", msg: fmt.Sprintf("reference %d is not exported", tok.ID)}
		}
		if !v.Type().AssignableTo(t) {
			return reflect.Value{}, &callbackError{typ: "TypeError", msg: fmt.Sprintf("cannot use %s as %s", v.Type(), t)}
		}
		return v, nil
	case wire.HandleToken:
		obj := c.newObject(tok)
		if !reflect.TypeOf(obj).AssignableTo(t) {
			return reflect.Value{}, &callbackError{typ: "TypeError", msg: fmt.Sprintf("cannot use handle %s as %s", tok.ID, t)}
		}
		return reflect.ValueOf(obj), nil
	}

	if t.Kind() == reflect.Interface {
		if generic == nil {
			return reflect.Zero(t), nil
		}
		v := reflect.ValueOf(c.resolve(generic))
		if !v.Type().AssignableTo(t) {
			return reflect.Value{}, &callbackError{typ: "TypeError", msg: fmt.Sprintf("cannot use %s as %s", v.Type(), t)}
		}
		return v, nil
	}
	ptr := reflect.New(t)
	if err := wire.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, &callbackError{typ: "TypeError", msg: err.Error()}
	}
	return ptr.Elem(), nil
}

// resolve replaces tokens inside a decoded value with local equivalents.
func (c *Client) resolve(v any) any {
	switch x := v.(type) {
	case wire.RefToken:
		if rv, ok := c.exports.lookup(x.ID); ok {
			return rv.Interface()
		}
		return x
	case wire.HandleToken:
		return c.newObject(x)
	case []any:
		for i := range x {
			x[i] = c.resolve(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = c.resolve(x[k])
		}
	}
	return v
}

// indirect follows pointers and interfaces. It returns the zero Value on nil.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func lengthOf(v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	case reflect.Struct:
		return len(exportedFields(v.Type())), nil
	}
	return 0, &callbackError{typ: "TypeError", msg: v.Type().String() + " has no length"}
}

func indexOf(v reflect.Value, key wire.RawMessage) (int, error) {
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return 0, &callbackError{typ: "TypeError", msg: v.Type().String() + " is not indexable"}
	}
	k, err := wire.Decode(key)
	if err != nil {
		return 0, err
	}
	i, ok := k.(int64)
	if !ok {
		return 0, &callbackError{typ: "TypeError", msg: fmt.Sprintf("index must be an integer, got %T", k)}
	}
	return int(i), nil
}

func keyString(key wire.RawMessage) (string, error) {
	k, err := wire.Decode(key)
	if err != nil {
		return "", err
	}
	switch k := k.(type) {
	case string:
		return k, nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	}
	return "", &callbackError{typ: "TypeError", msg: fmt.Sprintf("key must be a string, got %T", k)}
}

// mapKey converts a key sent by the minion into the map's key type. Object
// keys are strings on the far side, so integer-keyed maps parse them.
func mapKey(key wire.RawMessage, kt reflect.Type) (reflect.Value, error) {
	s, err := keyString(key)
	if err != nil {
		return reflect.Value{}, err
	}
	switch kt.Kind() {
	case reflect.String:
		return reflect.ValueOf(s).Convert(kt), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, &callbackError{typ: "KeyError", msg: s}
		}
		return reflect.ValueOf(n).Convert(kt), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, &callbackError{typ: "KeyError", msg: s}
		}
		return reflect.ValueOf(n).Convert(kt), nil
	case reflect.Interface:
		return reflect.ValueOf(s), nil
	}
	return reflect.Value{}, &callbackError{typ: "KeyError", msg: fmt.Sprintf("unsupported key type %s", kt)}
}

func keysOf(v reflect.Value) ([]string, error) {
	switch v.Kind() {
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, fmt.Sprint(k.Interface()))
		}
		sort.Strings(keys)
		return keys, nil
	case reflect.Struct:
		fields := exportedFields(v.Type())
		keys := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = f.Name
		}
		return keys, nil
	}
	return nil, &callbackError{typ: "TypeError", msg: v.Type().String() + " has no keys"}
}

func exportedFields(t reflect.Type) []reflect.StructField {
	var out []reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() {
			out = append(out, f)
		}
	}
	return out
}

// fieldByName finds an exported field, matching case-insensitively so that
// "name" on the far side reaches Name.
func fieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	if f, ok := t.FieldByName(name); ok && f.IsExported() && len(f.Index) == 1 {
		return v.Field(f.Index[0]), true
	}
	for _, f := range exportedFields(t) {
		if strings.EqualFold(f.Name, name) {
			return v.FieldByIndex(f.Index), true
		}
	}
	return reflect.Value{}, false
}

func methodByName(v reflect.Value, name string) reflect.Value {
	if name == "" {
		return reflect.Value{}
	}
	if m := v.MethodByName(name); m.IsValid() {
		return m
	}
	exported := strings.ToUpper(name[:1]) + name[1:]
	return v.MethodByName(exported)
}
