package server

import (
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerStopped is returned by Do once the worker has been stopped.
var ErrWorkerStopped = errors.New("server: interpreter worker stopped")

// workRequest represents a unit of work to be executed on the interpreter goroutine.
type workRequest struct {
	fn   func(*Interpreter) any
	done chan workResult
}

// workResult holds the return value from an interpreter operation.
type workResult struct {
	value any
	err   error
}

// Worker serializes all interpreter access through a single goroutine.
// The goja runtime is not goroutine-safe; every session must go through
// the worker, including the callbacks a running script makes to its caller.
type Worker struct {
	interp   *Interpreter
	requests chan workRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(in *Interpreter) *Worker {
	w := &Worker{
		interp:   in,
		requests: make(chan workRequest),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			select {
			case <-w.quit:
				req.done <- workResult{err: ErrWorkerStopped}
				continue
			default:
			}
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the interpreter, recovering from panics.
func (w *Worker) execute(fn func(*Interpreter) any) workResult {
	var result workResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.interp)
	}()
	return result
}

// Do submits a function for execution on the interpreter goroutine and
// blocks until it completes. Returns the result and any error (including
// panics). Once the worker has taken a request, Do waits for it even if the
// worker is stopped meanwhile, so fn never outlives its caller.
func (w *Worker) Do(fn func(*Interpreter) any) (any, error) {
	select {
	case <-w.quit:
		return nil, ErrWorkerStopped
	default:
	}

	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	result := <-req.done
	return result.value, result.err
}

// Stop shuts down the worker goroutine and interrupts a running script.
// Callers of a request already taken still get its result.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.interp.vm.Interrupt(ErrWorkerStopped)
	})
}
