package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/TraceSync/pkg/diag"
)

const (
	// idlePump is how long the worker waits for work before pumping
	// backend events, and the pump budget itself.
	idlePump = 100 * time.Millisecond
	// waitPoll is the target state polling interval of WaitStopped.
	waitPoll = 100 * time.Millisecond
	// callPoll bounds how long Call blocks between liveness checks.
	callPoll = 500 * time.Millisecond
)

// DefaultWaitTimeout is used by WaitStopped when no timeout is given.
const DefaultWaitTimeout = time.Second

// Future is the pending result of submitted work.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.val, f.err
}

type task struct {
	fn  func() (any, error)
	fut *Future
}

// Executor owns the one goroutine allowed to talk to the backend.
// Work is queued FIFO; while the target runs, new and queued work is
// rejected immediately rather than left to hang.
type Executor struct {
	eng Engine
	log diag.Logger

	mu     sync.Mutex
	queue  []task
	closed bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	gid     atomic.Int64
}

// NewExecutor starts the engine goroutine for a backend.
func NewExecutor(eng Engine, log diag.Logger) *Executor {
	e := &Executor{
		eng:     eng,
		log:     log,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// Engine returns the backend this executor drives.
func (e *Executor) Engine() Engine { return e.eng }

// Running reports whether the target is executing. Safe from any
// goroutine.
func (e *Executor) Running() bool { return e.eng.Running() }

func (e *Executor) run() {
	e.gid.Store(goid())
	defer close(e.stopped)
	for {
		t, ok := e.pop()
		if !ok {
			select {
			case <-e.wake:
			case <-e.stop:
				e.shutdown()
				return
			case <-time.After(idlePump):
				e.eng.PumpEvents(idlePump)
			}
			continue
		}
		t.fut.complete(t.fn())
	}
}

func (e *Executor) pop() (task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return task{}, false
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t, true
}

func (e *Executor) shutdown() {
	e.mu.Lock()
	e.closed = true
	dropped := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, t := range dropped {
		t.fut.complete(nil, ErrClosed)
	}
}

// Submit queues fn for the engine goroutine and returns its future.
// Fails fast with ErrEngineThread when called from the engine
// goroutine itself, and with ErrTargetRunning while the target runs;
// the latter also rejects everything already queued.
func (e *Executor) Submit(fn func() (any, error)) (*Future, error) {
	if goid() == e.gid.Load() {
		return nil, ErrEngineThread
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.eng.Running() {
		dropped := e.queue
		e.queue = nil
		e.mu.Unlock()
		for _, t := range dropped {
			t.fut.complete(nil, ErrTargetRunning)
		}
		return nil, ErrTargetRunning
	}
	fut := newFuture()
	e.queue = append(e.queue, task{fn: fn, fut: fut})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return fut, nil
}

// Call submits fn and blocks for its result, checking executor
// liveness at a bounded interval.
func (e *Executor) Call(fn func() (any, error)) (any, error) {
	fut, err := e.Submit(fn)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-fut.Done():
			return fut.Wait()
		case <-time.After(callPoll):
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil, ErrClosed
			}
		}
	}
}

// Do submits fn and waits, returning the result with its type kept.
func Do[T any](e *Executor, fn func() (T, error)) (T, error) {
	var zero T
	v, err := e.Call(func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return t, nil
}

// WaitStopped polls the target state until it stops or the timeout
// expires. A non-positive timeout means DefaultWaitTimeout.
func (e *Executor) WaitStopped(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if !e.eng.Running() {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for {
		time.Sleep(waitPoll)
		if !e.eng.Running() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		}
	}
}

// Close stops the engine goroutine, rejecting anything still queued.
func (e *Executor) Close() error {
	if goid() == e.gid.Load() {
		return ErrEngineThread
	}
	e.once.Do(func() { close(e.stop) })
	<-e.stopped
	return nil
}
