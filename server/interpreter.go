package server

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/tliron/commonlog"

	"github.com/chazu/minion/agent"
	"github.com/chazu/minion/wire"
)

var log = commonlog.GetLogger("minion.server")

// prelude gives scripts the small set of helpers and error classes callers
// expect to find in a minion.
const prelude = `
var ValueError = class ValueError extends Error {};
ValueError.prototype.name = "ValueError";
var KeyError = class KeyError extends Error {};
KeyError.prototype.name = "KeyError";
var NameError = class NameError extends Error {};
NameError.prototype.name = "NameError";
var AttributeError = class AttributeError extends Error {};
AttributeError.prototype.name = "AttributeError";

function len(x) {
	if (x === null || x === undefined) {
		throw new TypeError("object of type '" + x + "' has no len()");
	}
	if (typeof x === "string" || typeof x.length === "number") {
		return x.length;
	}
	if (typeof x.size === "number") {
		return x.size;
	}
	if (typeof x === "object") {
		return Object.keys(x).length;
	}
	throw new TypeError("object of type '" + typeof x + "' has no len()");
}

function str(x) {
	return String(x);
}

function range(start, stop, step) {
	if (stop === undefined) {
		stop = start;
		start = 0;
	}
	if (step === undefined) {
		step = 1;
	}
	if (step === 0) {
		throw new ValueError("range() arg 3 must not be zero");
	}
	var out = [];
	for (var i = start; step > 0 ? i < stop : i > stop; i += step) {
		out.push(i);
	}
	return out;
}

function sum(xs, start) {
	var total = start === undefined ? 0 : start;
	for (var i = 0; i < xs.length; i++) {
		total += xs[i];
	}
	return total;
}
`

// Interpreter is the minion's script engine: a goja runtime with the
// prelude loaded and, when the agent register holds one, a source patcher
// applied to everything compiled.
//
// An Interpreter must only be used from its Worker goroutine.
type Interpreter struct {
	vm          *goja.Runtime
	patcher     agent.SourcePatcher
	objectProto *goja.Object

	// current is the session whose request is executing. Proxies of other
	// sessions refuse to call back while it is set to someone else.
	current *Session
}

// NewInterpreter builds a runtime and loads the prelude. reg may be nil.
func NewInterpreter(reg *agent.Register) (*Interpreter, error) {
	in := &Interpreter{vm: goja.New()}
	if _, err := in.vm.RunScript("<prelude>", prelude); err != nil {
		return nil, fmt.Errorf("server: prelude: %w", err)
	}
	in.objectProto = in.vm.Get("Object").ToObject(in.vm).Get("prototype").ToObject(in.vm)

	if reg != nil {
		if p, ok := reg.Patcher(); ok {
			in.patcher = p
			log.Infof("source patching enabled (agent args %q)", reg.Args())
		}
	}
	return in, nil
}

// compile patches and compiles src.
func (in *Interpreter) compile(name, src string) (*goja.Program, error) {
	if in.patcher != nil {
		patched, err := in.patcher.Patch(src)
		if err != nil {
			return nil, exception("InstrumentationError", "patching %s: %v", name, err)
		}
		src = patched
	}
	return goja.Compile(name, src, false)
}

// Exec runs statements in the global scope.
func (in *Interpreter) Exec(code string) error {
	prg, err := in.compile("<exec>", code)
	if err != nil {
		return err
	}
	_, err = in.vm.RunProgram(prg)
	return err
}

// Eval evaluates one expression. Wrapping it in parentheses makes
// statements a syntax error instead of silently yielding a completion value.
func (in *Interpreter) Eval(code string) (goja.Value, error) {
	prg, err := in.compile("<eval>", "(\n"+code+"\n)")
	if err != nil {
		return nil, err
	}
	return in.vm.RunProgram(prg)
}

// SetGlobal binds a global name.
func (in *Interpreter) SetGlobal(name string, v goja.Value) error {
	if name == "" {
		return exception("NameError", "global name must not be empty")
	}
	return in.vm.Set(name, v)
}

// resolve looks up a dotted function name starting at the global object.
// The returned this is the object the function was found on.
func (in *Interpreter) resolve(name string) (fn goja.Callable, this goja.Value, err error) {
	if name == "" {
		return nil, nil, exception("NameError", "function name must not be empty")
	}
	var cur goja.Value = in.vm.GlobalObject()
	this = goja.Undefined()
	if ex := in.vm.Try(func() {
		start := 0
		for i := 0; i <= len(name); i++ {
			if i < len(name) && name[i] != '.' {
				continue
			}
			part := name[start:i]
			start = i + 1
			obj, ok := cur.(*goja.Object)
			if !ok {
				err = exception("NameError", "name '%s' is not defined", name)
				return
			}
			next := obj.Get(part)
			if next == nil || goja.IsUndefined(next) {
				err = exception("NameError", "name '%s' is not defined", name)
				return
			}
			this, cur = obj, next
		}
	}); ex != nil {
		return nil, nil, ex
	}
	if err != nil {
		return nil, nil, err
	}
	if this == in.vm.GlobalObject() {
		this = goja.Undefined()
	}
	fn, ok := goja.AssertFunction(cur)
	if !ok {
		return nil, nil, exception("TypeError", "'%s' is not callable", name)
	}
	return fn, this, nil
}

// newError builds an error object of the named class. Classes the runtime
// does not know become a plain Error carrying that name.
func (in *Interpreter) newError(typ, msg string) *goja.Object {
	if ctor := in.vm.Get(typ); ctor != nil {
		if _, ok := goja.AssertConstructor(ctor); ok {
			if obj, err := in.vm.New(ctor, in.vm.ToValue(msg)); err == nil {
				return obj
			}
		}
	}
	obj, err := in.vm.New(in.vm.Get("Error"), in.vm.ToValue(msg))
	if err != nil {
		return in.vm.NewGoError(errors.New(msg))
	}
	_ = obj.Set("name", typ)
	return obj
}

// property reads obj[name] as a string, swallowing anything it throws.
func (in *Interpreter) property(obj *goja.Object, name string) string {
	var out string
	in.vm.Try(func() {
		if v := obj.Get(name); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			out = v.String()
		}
	})
	return out
}

// fault converts an error from running script into a wire fault.
func (in *Interpreter) fault(err error) *wire.Fault {
	var f *wire.Fault
	if errors.As(err, &f) {
		return f
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		f := &wire.Fault{Kind: wire.FaultException, Type: "Error", Traceback: ex.String()}
		switch v := ex.Value().(type) {
		case *goja.Object:
			if name := in.property(v, "name"); name != "" {
				f.Type = name
			}
			f.Message = in.property(v, "message")
		case nil:
			f.Message = ex.Error()
		default:
			f.Message = v.String()
		}
		return f
	}

	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &wire.Fault{Kind: wire.FaultException, Type: "InterruptedError", Message: ie.Error()}
	}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		return &wire.Fault{Kind: wire.FaultException, Type: "SyntaxError", Message: se.Error()}
	}
	return &wire.Fault{Kind: wire.FaultException, Type: "GoError", Message: err.Error()}
}

// exception is an error that reaches the caller as a remote exception of
// class typ.
func exception(typ, format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultException, Type: typ, Message: fmt.Sprintf(format, args...)}
}

// castFault reports that a value cannot be returned in the requested shape.
func castFault(format string, args ...any) *wire.Fault {
	return &wire.Fault{Kind: wire.FaultCast, Message: fmt.Sprintf(format, args...)}
}
