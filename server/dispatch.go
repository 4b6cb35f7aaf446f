package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dop251/goja"

	"github.com/chazu/minion/journal"
	"github.com/chazu/minion/wire"
)

// outcome is what execute hands back across the worker.
type outcome struct {
	result wire.RawMessage
	fault  *wire.Fault
}

// serveSession reads requests from sess until the stream ends.
func (s *MinionServer) serveSession(sess *Session) error {
	for {
		req, err := sess.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || sess.t.IsClosed() {
				return nil
			}
			return fmt.Errorf("server: %s: read: %w", sess, err)
		}
		if req.Type != wire.MsgRequest {
			return fmt.Errorf("server: %s: unexpected %s message", sess, req.Type)
		}

		resp := s.dispatch(sess, req)

		// A failed callback leaves the stream at an unknown position.
		if sess.broken != nil {
			return fmt.Errorf("server: %s: %w", sess, sess.broken)
		}
		if err := sess.enc.Encode(resp); err != nil {
			if sess.t.IsClosed() {
				return nil
			}
			return fmt.Errorf("server: %s: write: %w", sess, err)
		}
	}
}

// dispatch runs one request on the interpreter and journals it.
func (s *MinionServer) dispatch(sess *Session, req *wire.Message) *wire.Message {
	start := time.Now()
	sess.calls.Add(1)
	s.calls.Add(1)

	resp := &wire.Message{Type: wire.MsgResponse, ID: req.ID}
	result := journal.OutcomeOK

	out, err := s.worker.Do(func(in *Interpreter) any {
		return s.execute(in, sess, req)
	})
	if err != nil {
		log.Errorf("%s: %s failed: %v", sess, req.Op, err)
		resp.Fault = &wire.Fault{Kind: wire.FaultException, Type: "InternalError", Message: err.Error()}
		result = journal.OutcomeError
	} else {
		o := out.(outcome)
		resp.Result, resp.Fault = o.result, o.fault
		if o.fault != nil {
			result = journal.OutcomeRemote
			if o.fault.Kind == wire.FaultCast {
				result = journal.OutcomeCast
			}
		}
	}

	log.Debugf("%s: %s %s -> %s in %s", sess, req.Op, target(req), result, time.Since(start))
	s.record(sess, req, start, result, resp.Fault)
	return resp
}

func (s *MinionServer) record(sess *Session, req *wire.Message, start time.Time, result journal.Outcome, fault *wire.Fault) {
	if s.journal == nil {
		return
	}
	e := journal.Entry{
		Session:  sess.ID,
		Op:       string(req.Op),
		Target:   target(req),
		Started:  start,
		Duration: time.Since(start),
		Outcome:  result,
	}
	if fault != nil {
		e.Error = fault.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, e); err != nil {
		log.Warningf("%v", err)
	}
}

// target names what a request acts on, for logs and the journal.
func target(req *wire.Message) string {
	switch {
	case req.Target != "" && req.Name != "":
		return req.Target + "." + req.Name
	case req.Target != "":
		return req.Target
	case req.Name != "":
		return req.Name
	}
	return ""
}

// execute performs req. It runs on the worker goroutine.
func (s *MinionServer) execute(in *Interpreter, sess *Session, req *wire.Message) outcome {
	prev := in.current
	in.current = sess
	defer func() { in.current = prev }()

	raw, err := s.perform(in, sess, req)
	if err != nil {
		return outcome{fault: in.fault(err)}
	}
	return outcome{result: raw}
}

func (s *MinionServer) perform(in *Interpreter, sess *Session, req *wire.Message) (wire.RawMessage, error) {
	switch req.Op {
	case wire.OpExec:
		return nil, in.Exec(req.Code)

	case wire.OpEval:
		v, err := in.Eval(req.Code)
		if err != nil {
			return nil, err
		}
		return sess.encodeResult(v, req.Hint)

	case wire.OpSetGlobal:
		if len(req.Args) != 1 {
			return nil, exception("TypeError", "setGlobal takes exactly one value, got %d", len(req.Args))
		}
		v, err := sess.toJS(req.Args[0])
		if err != nil {
			return nil, err
		}
		return nil, in.SetGlobal(req.Name, v)

	case wire.OpInvoke:
		fn, this, err := in.resolve(req.Name)
		if err != nil {
			return nil, err
		}
		args, err := sess.toJSArgs(req.Args)
		if err != nil {
			return nil, err
		}
		v, err := fn(this, args...)
		if err != nil {
			return nil, err
		}
		return sess.encodeResult(v, req.Hint)

	case wire.OpGetObject:
		v, err := in.Eval(req.Code)
		if err != nil {
			return nil, err
		}
		if req.Bind != "" {
			if err := in.SetGlobal(req.Bind, v); err != nil {
				return nil, err
			}
		}
		return sess.encodeResult(v, wire.HintHandle)

	case wire.OpObjectInvoke:
		obj, err := s.object(in, sess, req.Target)
		if err != nil {
			return nil, err
		}
		var method goja.Value
		if ex := in.vm.Try(func() { method = obj.Get(req.Name) }); ex != nil {
			return nil, ex
		}
		fn, ok := goja.AssertFunction(method)
		if !ok {
			return nil, exception("AttributeError", "'%s' object has no method '%s'", typeName(obj), req.Name)
		}
		args, err := sess.toJSArgs(req.Args)
		if err != nil {
			return nil, err
		}
		v, err := fn(obj, args...)
		if err != nil {
			return nil, err
		}
		return sess.encodeResult(v, req.Hint)

	case wire.OpGetAttr:
		obj, err := s.object(in, sess, req.Target)
		if err != nil {
			return nil, err
		}
		var v goja.Value
		if ex := in.vm.Try(func() { v = obj.Get(req.Name) }); ex != nil {
			return nil, ex
		}
		if v == nil {
			return nil, exception("AttributeError", "'%s' object has no attribute '%s'", typeName(obj), req.Name)
		}
		return sess.encodeResult(v, req.Hint)

	case wire.OpValue:
		v, ok := s.handles.Lookup(req.Target, sess.ID)
		if !ok {
			return nil, exception("ReferenceError", "handle %s is no longer valid", req.Target)
		}
		return sess.encodeResult(v, wire.HintValue)

	case wire.OpRelease:
		s.handles.Release(req.Target, sess.ID)
		return nil, nil
	}
	return nil, exception("TypeError", "unknown operation %q", req.Op)
}

// object resolves a handle to an object, boxing primitives so their
// methods can be called.
func (s *MinionServer) object(in *Interpreter, sess *Session, id string) (*goja.Object, error) {
	v, ok := s.handles.Lookup(id, sess.ID)
	if !ok {
		return nil, exception("ReferenceError", "handle %s is no longer valid", id)
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, exception("TypeError", "handle %s refers to %s", id, typeName(v))
	}
	return v.ToObject(in.vm), nil
}
