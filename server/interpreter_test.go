package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/minion/agent"
	"github.com/chazu/minion/wire"
)

func newTestInterpreter(t *testing.T, reg *agent.Register) *Interpreter {
	t.Helper()
	in, err := NewInterpreter(reg)
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}
	return in
}

// ---------------------------------------------------------------------------
// Prelude
// ---------------------------------------------------------------------------

func TestPrelude_Helpers(t *testing.T) {
	in := newTestInterpreter(t, nil)
	cases := []struct {
		expr string
		want any
	}{
		{"len([1, 2, 3])", int64(3)},
		{"len('abcd')", int64(4)},
		{"len({a: 1, b: 2})", int64(2)},
		{"len(new Map([[1, 2]]))", int64(1)},
		{"str(12)", "12"},
		{"sum([1, 2, 3])", int64(6)},
		{"sum([1, 2], 10)", int64(13)},
		{"range(3).join(',')", "0,1,2"},
		{"range(1, 7, 2).join(',')", "1,3,5"},
		{"range(3, 0, -1).join(',')", "3,2,1"},
	}
	for _, tc := range cases {
		v, err := in.Eval(tc.expr)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if got := v.Export(); got != tc.want {
			t.Errorf("%s = %v (%T), want %v", tc.expr, got, got, tc.want)
		}
	}
}

func TestPrelude_ErrorClasses(t *testing.T) {
	in := newTestInterpreter(t, nil)
	for _, name := range []string{"ValueError", "KeyError", "NameError", "AttributeError"} {
		err := in.Exec("throw new " + name + "('bad thing')")
		f := in.fault(err)
		if f.Type != name {
			t.Errorf("Type = %q, want %q", f.Type, name)
		}
		if f.Message != "bad thing" {
			t.Errorf("%s Message = %q, want bad thing", name, f.Message)
		}
		if f.Kind != wire.FaultException {
			t.Errorf("%s Kind = %v, want exception", name, f.Kind)
		}
		if !strings.Contains(f.Traceback, "bad thing") {
			t.Errorf("%s Traceback = %q", name, f.Traceback)
		}
	}
}

func TestPrelude_LenOfNothing(t *testing.T) {
	in := newTestInterpreter(t, nil)
	_, err := in.Eval("len(null)")
	if f := in.fault(err); f.Type != "TypeError" {
		t.Errorf("fault = %+v, want TypeError", f)
	}
}

// ---------------------------------------------------------------------------
// Exec / Eval
// ---------------------------------------------------------------------------

func TestInterpreter_ExecSharesGlobals(t *testing.T) {
	in := newTestInterpreter(t, nil)
	if err := in.Exec("var x = 40; function add2(n) { return n + 2; }"); err != nil {
		t.Fatal(err)
	}
	v, err := in.Eval("add2(x)")
	if err != nil {
		t.Fatal(err)
	}
	if v.Export() != int64(42) {
		t.Errorf("add2(x) = %v, want 42", v.Export())
	}
}

func TestInterpreter_EvalRejectsStatements(t *testing.T) {
	in := newTestInterpreter(t, nil)
	_, err := in.Eval("var y = 1")
	if err == nil {
		t.Fatal("Eval of a statement should fail")
	}
	if f := in.fault(err); f.Type != "SyntaxError" {
		t.Errorf("fault = %+v, want SyntaxError", f)
	}
}

func TestInterpreter_EvalObjectLiteral(t *testing.T) {
	in := newTestInterpreter(t, nil)
	v, err := in.Eval("{a: 1}")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.Export().(map[string]any)
	if !ok || m["a"] != int64(1) {
		t.Errorf("{a: 1} = %#v", v.Export())
	}
}

func TestInterpreter_ThrownPrimitive(t *testing.T) {
	in := newTestInterpreter(t, nil)
	f := in.fault(in.Exec("throw 'plain'"))
	if f.Type != "Error" || f.Message != "plain" {
		t.Errorf("fault = %+v, want Error/plain", f)
	}
}

func TestInterpreter_GoErrorFault(t *testing.T) {
	in := newTestInterpreter(t, nil)
	f := in.fault(errors.New("disk on fire"))
	if f.Type != "GoError" || f.Message != "disk on fire" {
		t.Errorf("fault = %+v", f)
	}
}

// ---------------------------------------------------------------------------
// Name resolution
// ---------------------------------------------------------------------------

func TestInterpreter_ResolveDotted(t *testing.T) {
	in := newTestInterpreter(t, nil)
	if err := in.Exec("var ns = {inner: {base: 10, add: function(n) { return this.base + n; }}};"); err != nil {
		t.Fatal(err)
	}
	fn, this, err := in.resolve("ns.inner.add")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	v, err := fn(this, in.vm.ToValue(5))
	if err != nil {
		t.Fatal(err)
	}
	if v.Export() != int64(15) {
		t.Errorf("ns.inner.add(5) = %v, want 15", v.Export())
	}
}

func TestInterpreter_ResolveMissing(t *testing.T) {
	in := newTestInterpreter(t, nil)
	for _, name := range []string{"", "nope", "Math.nope", "Math.PI.x"} {
		_, _, err := in.resolve(name)
		if f := in.fault(err); f.Type != "NameError" {
			t.Errorf("resolve(%q) fault = %+v, want NameError", name, f)
		}
	}
	_, _, err := in.resolve("Math.PI")
	if f := in.fault(err); f.Type != "TypeError" {
		t.Errorf("resolve(Math.PI) fault = %+v, want TypeError", f)
	}
}

// ---------------------------------------------------------------------------
// Agent patching
// ---------------------------------------------------------------------------

type replacePatcher struct{ from, to string }

func (p replacePatcher) Patch(src string) (string, error) {
	return strings.ReplaceAll(src, p.from, p.to), nil
}

type failingPatcher struct{}

func (failingPatcher) Patch(string) (string, error) {
	return "", errors.New("no")
}

func TestInterpreter_PatchesSource(t *testing.T) {
	reg := agent.NewRegister()
	reg.Premain("rewrite", replacePatcher{from: "TODAY", to: "'2024-01-01'"})
	in := newTestInterpreter(t, reg)

	v, err := in.Eval("TODAY")
	if err != nil {
		t.Fatal(err)
	}
	if v.String() != "2024-01-01" {
		t.Errorf("TODAY = %q, want patched value", v.String())
	}
}

func TestInterpreter_PatchFailure(t *testing.T) {
	reg := agent.NewRegister()
	reg.Premain("", failingPatcher{})
	in := newTestInterpreter(t, reg)

	f := in.fault(in.Exec("1"))
	if f.Type != "InstrumentationError" {
		t.Errorf("fault = %+v, want InstrumentationError", f)
	}
}

func TestInterpreter_NonPatcherCapabilityIgnored(t *testing.T) {
	reg := agent.NewRegister()
	reg.Premain("", struct{}{})
	in := newTestInterpreter(t, reg)
	if in.patcher != nil {
		t.Error("a capability that is not a SourcePatcher should not patch")
	}
}

func TestInterpreter_NewErrorUnknownClass(t *testing.T) {
	in := newTestInterpreter(t, nil)
	obj := in.newError("GoPanic", "oops")
	if in.property(obj, "name") != "GoPanic" || in.property(obj, "message") != "oops" {
		t.Errorf("error = %s/%s", in.property(obj, "name"), in.property(obj, "message"))
	}
}
