// Package agent holds the process-wide instrumentation register.
//
// A privileged bootstrap path calls Premain exactly once with an opaque
// capability and free-form arguments. Everything else only reads. Components
// that want the capability receive the *Register explicitly; nothing in the
// bridge looks it up on its own.
package agent

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAlreadyInstantiated is the panic cause when Premain runs twice.
var ErrAlreadyInstantiated = errors.New("agent: already instantiated")

// SourcePatcher is a capability that rewrites source before it is compiled.
type SourcePatcher interface {
	Patch(source string) (string, error)
}

type state struct {
	args string
	inst any
}

// Register is write-once instrumentation state.
type Register struct {
	st atomic.Pointer[state]
}

// NewRegister returns an empty register, independent of the process one.
func NewRegister() *Register {
	return &Register{}
}

// Premain stores the capability and its arguments. Calling it a second time
// means the bootstrap ran twice, which is a programming error: it panics with
// an error wrapping ErrAlreadyInstantiated.
func (r *Register) Premain(args string, instrumentation any) {
	if !r.st.CompareAndSwap(nil, &state{args: args, inst: instrumentation}) {
		panic(fmt.Errorf("%w: premain called more than once", ErrAlreadyInstantiated))
	}
}

// IsLoaded reports whether a non-nil capability has been stored.
func (r *Register) IsLoaded() bool {
	st := r.st.Load()
	return st != nil && st.inst != nil
}

// Args returns the bootstrap arguments, or "" if none were given.
func (r *Register) Args() string {
	if st := r.st.Load(); st != nil {
		return st.args
	}
	return ""
}

// Instrumentation returns the capability, or nil when not loaded.
func (r *Register) Instrumentation() any {
	if st := r.st.Load(); st != nil {
		return st.inst
	}
	return nil
}

// Patcher returns the capability as a SourcePatcher when it is one.
func (r *Register) Patcher() (SourcePatcher, bool) {
	p, ok := r.Instrumentation().(SourcePatcher)
	return p, ok
}

var process Register

// Default returns the process-wide register.
func Default() *Register {
	return &process
}

// Premain sets the process-wide register. See Register.Premain.
func Premain(args string, instrumentation any) {
	process.Premain(args, instrumentation)
}

// IsLoaded reports whether the process-wide register holds a capability.
func IsLoaded() bool {
	return process.IsLoaded()
}

// Args returns the process-wide bootstrap arguments.
func Args() string {
	return process.Args()
}

// Instrumentation returns the process-wide capability.
func Instrumentation() any {
	return process.Instrumentation()
}
