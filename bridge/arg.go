package bridge

import "fmt"

// Arg is a call argument with an explicit passing mode. It has exactly two
// variants, Ref and Snapshot; an argument that is not an Arg is passed as a
// Ref.
type Arg interface {
	// Unwrap returns the wrapped value itself, not a copy.
	Unwrap() any
	isArg()
}

// Ref passes a value by reference: the minion receives a live proxy whose
// reads and writes reach back to the caller's value while the call runs.
type Ref struct {
	Value any
}

// Snapshot passes a value by value: it is encoded when the call is made and
// the minion works on an independent copy.
type Snapshot struct {
	Value any
}

func (r Ref) Unwrap() any      { return r.Value }
func (s Snapshot) Unwrap() any { return s.Value }

func (Ref) isArg()      {}
func (Snapshot) isArg() {}

func (r Ref) String() string      { return fmt.Sprintf("ByRef{%v}", r.Value) }
func (s Snapshot) String() string { return fmt.Sprintf("ByValue{%v}", s.Value) }

// ByValue marks v to be sent as a copy. Nothing is copied until the call
// marshals its arguments.
func ByValue(v any) Snapshot {
	return Snapshot{Value: v}
}

// ByRef marks v to be sent as a reference. This is also what happens to an
// untagged argument.
func ByRef(v any) Ref {
	return Ref{Value: v}
}

func tagOf(v any) Arg {
	if a, ok := v.(Arg); ok {
		return a
	}
	return Ref{Value: v}
}
