package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/willibrandon/TraceSync/pkg/diag"
)

type fakeEngine struct {
	Unsupported
	running atomic.Bool
	pumps   atomic.Int64
}

var _ Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Name() string  { return "fake" }
func (f *fakeEngine) Running() bool { return f.running.Load() }
func (f *fakeEngine) Close() error  { return nil }

func (f *fakeEngine) PumpEvents(timeout time.Duration) {
	f.pumps.Add(1)
}

func TestExecutorFIFO(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	release := make(chan struct{})
	blocker, err := e.Submit(func() (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Failed to submit blocker: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var futs []*Future
	for i := 1; i <= 5; i++ {
		i := i
		fut, err := e.Submit(func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		if err != nil {
			t.Fatalf("Failed to submit task %d: %v", i, err)
		}
		futs = append(futs, fut)
	}

	close(release)
	if _, err := blocker.Wait(); err != nil {
		t.Fatalf("Blocker failed: %v", err)
	}
	for i, fut := range futs {
		v, err := fut.Wait()
		if err != nil {
			t.Fatalf("Task %d failed: %v", i+1, err)
		}
		if v != i+1 {
			t.Errorf("Expected result %d, got %v", i+1, v)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Errorf("Expected task %d at position %d, got %d", i+1, i, got)
		}
	}
}

func TestSubmitWhileRunningRejects(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, _ := e.Submit(func() (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	// The blocker holds the worker, so queued stays in the queue.
	<-started
	queued, _ := e.Submit(func() (any, error) { return "ran", nil })

	eng.running.Store(true)
	if _, err := e.Submit(func() (any, error) { return nil, nil }); !errors.Is(err, ErrTargetRunning) {
		t.Errorf("Expected ErrTargetRunning, got %v", err)
	}
	// The rejection also drains what was already queued.
	if _, err := queued.Wait(); !errors.Is(err, ErrTargetRunning) {
		t.Errorf("Expected queued work rejected with ErrTargetRunning, got %v", err)
	}

	close(release)
	if _, err := blocker.Wait(); err != nil {
		t.Errorf("Expected in-flight work to finish, got %v", err)
	}

	eng.running.Store(false)
	if _, err := e.Call(func() (any, error) { return "ok", nil }); err != nil {
		t.Errorf("Expected submit to work after stop, got %v", err)
	}
}

func TestSubmitFromEngineGoroutine(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	_, err := e.Call(func() (any, error) {
		_, err := e.Submit(func() (any, error) { return nil, nil })
		return nil, err
	})
	if !errors.Is(err, ErrEngineThread) {
		t.Errorf("Expected ErrEngineThread, got %v", err)
	}
}

func TestWaitStopped(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	if err := e.WaitStopped(time.Second); err != nil {
		t.Errorf("Expected immediate return for stopped target, got %v", err)
	}

	eng.running.Store(true)
	go func() {
		time.Sleep(250 * time.Millisecond)
		eng.running.Store(false)
	}()
	if err := e.WaitStopped(2 * time.Second); err != nil {
		t.Errorf("Expected stop within timeout, got %v", err)
	}

	eng.running.Store(true)
	err := e.WaitStopped(300 * time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Expected ErrWaitTimeout, got %v", err)
	}
}

func TestExecutorClose(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	if err := e.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Expected idempotent close, got %v", err)
	}
	if _, err := e.Submit(func() (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestDoKeepsType(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	n, err := Do(e, func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if n != 42 {
		t.Errorf("Expected 42, got %d", n)
	}

	boom := errors.New("boom")
	if _, err := Do(e, func() ([]Region, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped task error, got %v", err)
	}
}

func TestIdlePumpsEvents(t *testing.T) {
	eng := &fakeEngine{}
	e := NewExecutor(eng, diag.NewNopLogger())
	defer e.Close()

	time.Sleep(350 * time.Millisecond)
	if eng.pumps.Load() == 0 {
		t.Error("Expected idle executor to pump backend events")
	}
}
