package server

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/dop251/goja"

	"github.com/chazu/minion/wire"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	in := newTestInterpreter(t, nil)
	return &Session{
		ID:      "test",
		in:      in,
		handles: NewHandleStore(),
		proxies: make(map[uint64]*goja.Object),
		refs:    make(map[*goja.Object]wire.RefToken),
	}
}

func evalIn(t *testing.T, s *Session, code string) goja.Value {
	t.Helper()
	v, err := s.in.Eval(code)
	if err != nil {
		t.Fatalf("Eval(%s): %v", code, err)
	}
	return v
}

func TestNormalizeFloat(t *testing.T) {
	cases := []struct {
		in   float64
		want any
	}{
		{2, int64(2)},
		{-7, int64(-7)},
		{1 << 53, int64(1 << 53)},
		{1 << 54, float64(1 << 54)},
		{0.5, 0.5},
		{math.Copysign(0, -1), math.Copysign(0, -1)},
		{math.Inf(1), math.Inf(1)},
	}
	for _, tc := range cases {
		got := normalizeFloat(tc.in)
		if got != tc.want {
			t.Errorf("normalizeFloat(%v) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
		}
	}
	if f, ok := normalizeFloat(math.NaN()).(float64); !ok || !math.IsNaN(f) {
		t.Error("NaN should stay a float")
	}
}

func TestSnapshot_Plain(t *testing.T) {
	s := newTestSession(t)
	cases := []struct {
		code string
		want any
	}{
		{"null", nil},
		{"undefined", nil},
		{"true", true},
		{"'hi'", "hi"},
		{"4/2", int64(2)},
		{"1.5", 1.5},
		{"[1, 'a', [null]]", []any{int64(1), "a", []any{nil}}},
		{"{a: {b: 2}}", map[string]any{"a": map[string]any{"b": int64(2)}}},
		{"new String('boxed')", "boxed"},
		{"new Number(7)", int64(7)},
		{"new Number(2.5)", 2.5},
		{"new Boolean(false)", false},
		{"[new String('in'), {s: new String('map')}]", []any{"in", map[string]any{"s": "map"}}},
		{"Object.create(null)", map[string]any{}},
	}
	for _, tc := range cases {
		got, err := s.snapshot(evalIn(t, s, tc.code))
		if err != nil {
			t.Errorf("%s: %v", tc.code, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s = %#v, want %#v", tc.code, got, tc.want)
		}
	}
}

func TestSnapshot_Refused(t *testing.T) {
	s := newTestSession(t)
	for _, code := range []string{
		"(function() {})",
		"new Map()",
		"new (class Point {})()",
		"(function() { var a = []; a.push(a); return a; })()",
		"[1, function() {}]",
	} {
		_, err := s.snapshot(evalIn(t, s, code))
		if !errors.Is(err, errNoSnapshot) {
			t.Errorf("%s: err = %v, want errNoSnapshot", code, err)
		}
	}
}

func TestSnapshot_SharedNotCyclic(t *testing.T) {
	s := newTestSession(t)
	got, err := s.snapshot(evalIn(t, s, "(function() { var x = [1]; return [x, x]; })()"))
	if err != nil {
		t.Fatalf("a value reachable twice is not a cycle: %v", err)
	}
	want := []any{[]any{int64(1)}, []any{int64(1)}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v", got)
	}
}

func TestEncodeResult_Hints(t *testing.T) {
	s := newTestSession(t)

	// HintAny falls back to a handle.
	raw, err := s.encodeResult(evalIn(t, s, "new Map()"), wire.HintAny)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := wire.Decode(raw)
	tok, ok := v.(wire.HandleToken)
	if !ok || tok.Type != "Map" {
		t.Fatalf("HintAny result = %#v, want a Map handle", v)
	}
	if _, ok := s.handles.Lookup(tok.ID, s.ID); !ok {
		t.Error("handle should be registered")
	}

	// HintValue refuses.
	_, err = s.encodeResult(evalIn(t, s, "new Map()"), wire.HintValue)
	var f *wire.Fault
	if !errors.As(err, &f) || f.Kind != wire.FaultCast {
		t.Errorf("HintValue err = %v, want cast fault", err)
	}

	// HintHandle wraps even plain values, but not null.
	raw, _ = s.encodeResult(evalIn(t, s, "42"), wire.HintHandle)
	if v, _ := wire.Decode(raw); reflect.TypeOf(v) != reflect.TypeOf(wire.HandleToken{}) {
		t.Errorf("HintHandle(42) = %#v", v)
	}
	raw, _ = s.encodeResult(goja.Null(), wire.HintHandle)
	if v, _ := wire.Decode(raw); v != nil {
		t.Errorf("HintHandle(null) = %#v, want nil", v)
	}
}

func TestTypeName(t *testing.T) {
	s := newTestSession(t)
	cases := map[string]string{
		"undefined":               "undefined",
		"null":                    "null",
		"1":                       "number",
		"'x'":                     "string",
		"true":                    "boolean",
		"[]":                      "Array",
		"({})":                    "Object",
		"new Date(0)":             "Date",
		"(function() {})":         "function",
		"new (class Widget {})()": "Widget",
	}
	for code, want := range cases {
		if got := typeName(evalIn(t, s, code)); got != want {
			t.Errorf("typeName(%s) = %q, want %q", code, got, want)
		}
	}
}

func TestDisplay_Truncates(t *testing.T) {
	s := newTestSession(t)
	d := s.display(evalIn(t, s, "'x'.repeat(500)"))
	if len(d) != maxDisplay+3 || !strings.HasSuffix(d, "...") {
		t.Errorf("display length = %d", len(d))
	}
}

func TestJSValue_Handles(t *testing.T) {
	s := newTestSession(t)
	id := s.handles.Create(evalIn(t, s, "({n: 3})"), "Object", "", s.ID)

	v, err := s.jsValue(wire.HandleToken{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if v.(*goja.Object).Get("n").ToInteger() != 3 {
		t.Error("handle should resolve to the stored object")
	}

	_, err = s.jsValue(wire.HandleToken{ID: "h-missing"})
	var f *wire.Fault
	if !errors.As(err, &f) || f.Type != "ReferenceError" {
		t.Errorf("err = %v, want ReferenceError", err)
	}
}
