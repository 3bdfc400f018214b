// Package mirror reconciles live target state into a versioned trace.
// A Session owns one store client, at most one open trace and
// transaction, the resolved platform, and an explicit selection
// context; its Put operations fetch enumerations from the engine,
// normalize them through the platform mappers, and write object trees
// with key-set retention.
package mirror

import (
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/willibrandon/TraceSync/pkg/arch"
	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/trace"
	"github.com/willibrandon/TraceSync/pkg/version"
)

// DefaultCacheSize bounds the observation cache.
const DefaultCacheSize = 512

// Options tune a session.
type Options struct {
	// Radix is the base used when rendering pids in display strings:
	// 16, 8 or 10.
	Radix int
	// Overrides pin architecture resolution results.
	Overrides arch.Overrides
	// CacheSize bounds the observation cache; 0 means the default.
	CacheSize int
}

// Selection names the target objects operations apply to. The zero
// pid, tid and level mean nothing is selected.
type Selection struct {
	SID   string
	PID   int
	TID   int
	Level int
}

// Session drives mirroring for one trace at a time.
type Session struct {
	client trace.Client
	eng    *engine.Executor
	log    diag.Logger

	radix     int
	overrides arch.Overrides

	trace    trace.Trace
	tx       trace.Tx
	platform arch.Platform
	desc     arch.Descriptor
	sel      Selection

	// seen caches recent observations for diagnostics: region base to
	// size, module path to base, symbol address to name.
	seen *lru.Cache
}

// NewSession wires a session over a store client and an engine
// executor.
func NewSession(client trace.Client, eng *engine.Executor, log diag.Logger, opts Options) (*Session, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("observation cache: %w", err)
	}
	radix := opts.Radix
	if radix == 0 {
		radix = 16
	}
	return &Session{
		client:    client,
		eng:       eng,
		log:       log,
		radix:     radix,
		overrides: opts.Overrides,
		sel:       Selection{SID: "local"},
		seen:      seen,
	}, nil
}

// Executor returns the engine executor the session drives.
func (s *Session) Executor() *engine.Executor { return s.eng }

// Platform returns the resolved target platform of the active trace.
func (s *Session) Platform() arch.Platform { return s.platform }

// Selection returns the current selection context.
func (s *Session) Selection() Selection { return s.sel }

func (s *Session) SelectSession(sid string) { s.sel.SID = sid }
func (s *Session) SelectProcess(pid int)    { s.sel.PID = pid }
func (s *Session) SelectThread(tid int)     { s.sel.TID = tid }
func (s *Session) SelectFrame(level int)    { s.sel.Level = level }

// SetRadix changes the base used for pid and tid display strings from
// the next sync on.
func (s *Session) SetRadix(radix int) { s.radix = radix }

// SetOverrides replaces the architecture overrides applied at the next
// Start.
func (s *Session) SetOverrides(o arch.Overrides) { s.overrides = o }

// Precondition accessors. Each fails before any side effect.

func (s *Session) RequireClient() (trace.Client, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	return s.client, nil
}

func (s *Session) RequireTrace() (trace.Trace, error) {
	if s.trace == nil {
		return nil, ErrNoTrace
	}
	return s.trace, nil
}

func (s *Session) RequireNoTrace() error {
	if s.trace != nil {
		return ErrTraceActive
	}
	return nil
}

func (s *Session) RequireTx() (trace.Tx, error) {
	if s.tx == nil {
		return nil, trace.ErrNoTransaction
	}
	return s.tx, nil
}

func (s *Session) RequireNoTx() error {
	if s.tx != nil {
		return trace.ErrTransactionOpen
	}
	return nil
}

func (s *Session) RequireProcess() (int, error) {
	if s.sel.PID == 0 {
		return 0, ErrNoProcess
	}
	return s.sel.PID, nil
}

func (s *Session) RequireThread() (int, error) {
	if s.sel.TID == 0 {
		return 0, ErrNoThread
	}
	return s.sel.TID, nil
}

// TraceName derives a trace name from a program name, keeping only
// the last path component.
func TraceName(progname string) string {
	if progname == "" {
		return "tracesync/noname"
	}
	parts := strings.FieldsFunc(progname, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	if len(parts) == 0 {
		return "tracesync/noname"
	}
	return "tracesync/" + parts[len(parts)-1]
}

// Start resolves the platform and opens a fresh trace under name. The
// root object carries the tool banner.
func (s *Session) Start(name string) error {
	if _, err := s.RequireClient(); err != nil {
		return err
	}
	if err := s.RequireNoTrace(); err != nil {
		return err
	}
	s.desc = s.queryDescriptor()
	s.platform = arch.Resolve(s.desc, s.overrides)
	tr, err := s.client.CreateTrace(name, s.platform.Language, s.platform.Compiler)
	if err != nil {
		return fmt.Errorf("create trace %q: %w", name, err)
	}
	s.trace = tr

	tx, err := tr.OpenTx("Create Root Object")
	if err == nil {
		var root trace.Object
		root, err = tr.CreateObject("")
		if err == nil {
			err = root.SetValue("_display",
				version.GetVersionInfo()+" via "+s.eng.Engine().Name())
		}
		if err == nil {
			err = root.Insert()
		}
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Abort()
		}
	}
	if err != nil {
		tr.Close()
		s.trace = nil
		return fmt.Errorf("initialize trace %q: %w", name, err)
	}
	s.log.Infof("trace %q started: %s / %s", name, s.platform.Language, s.platform.Compiler)
	return nil
}

// Stop closes the active trace, aborting any transaction left open.
func (s *Session) Stop() error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	if s.tx != nil {
		s.tx.Abort()
		s.tx = nil
	}
	err = tr.Close()
	s.trace = nil
	return err
}

// Restart closes the active trace, if any, and starts a fresh one.
func (s *Session) Restart(name string) error {
	if _, err := s.RequireClient(); err != nil {
		return err
	}
	if s.trace != nil {
		if err := s.Stop(); err != nil {
			s.log.Warnf("closing previous trace: %v", err)
		}
	}
	return s.Start(name)
}

// queryDescriptor asks the engine for its platform report. An
// unattached or unsupporting backend resolves from overrides alone.
func (s *Session) queryDescriptor() arch.Descriptor {
	params, err := engine.Do(s.eng, func() (map[string]any, error) {
		return s.eng.Engine().SystemParameters()
	})
	if err != nil {
		s.log.Debugf("system parameters unavailable: %v", err)
		return arch.Descriptor{}
	}
	return descriptorFrom(params)
}

func descriptorFrom(params map[string]any) arch.Descriptor {
	var d arch.Descriptor
	if v, ok := params["arch"].(string); ok {
		d.Arch = v
	}
	switch v := params["os"].(type) {
	case string:
		d.Platform = v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			d.Platform = id
		}
	}
	if d.Platform == "" {
		if v, ok := params["platform"].(string); ok {
			d.Platform = v
		}
	}
	if v, ok := params["endian"].(string); ok {
		d.Endian = v
	}
	switch v := params["pointerSize"].(type) {
	case float64:
		d.PointerSize = int(v)
	case int:
		d.PointerSize = v
	}
	return d
}

// TxStart opens the exclusive transaction all mutations buffer into.
func (s *Session) TxStart(description string) error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	if err := s.RequireNoTx(); err != nil {
		return err
	}
	tx, err := tr.OpenTx(description)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// TxCommit applies the open transaction. The session releases the
// transaction whether or not the commit succeeds.
func (s *Session) TxCommit() error {
	tx, err := s.RequireTx()
	if err != nil {
		return err
	}
	s.tx = nil
	return tx.Commit()
}

// TxAbort discards the open transaction.
func (s *Session) TxAbort() error {
	tx, err := s.RequireTx()
	if err != nil {
		return err
	}
	s.tx = nil
	return tx.Abort()
}

// withTx runs fn inside the open transaction, or wraps fn in its own
// when none is open.
func (s *Session) withTx(description string, fn func() error) error {
	if s.tx != nil {
		return fn()
	}
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	tx, err := tr.OpenTx(description)
	if err != nil {
		return err
	}
	s.tx = tx
	err = fn()
	s.tx = nil
	if err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// NewSnap creates the next snapshot and makes it current.
func (s *Session) NewSnap(description string) (int64, error) {
	if _, err := s.RequireTx(); err != nil {
		return 0, err
	}
	return s.trace.Snapshot(description)
}

// SetSnap moves the current snapshot without creating one.
func (s *Session) SetSnap(snap int64) error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	return tr.SetSnap(snap)
}

// Saver is implemented by trace wrappers with durable output.
type Saver interface {
	Save() error
}

// Save flushes the active trace's durable output, when it has one.
func (s *Session) Save() error {
	tr, err := s.RequireTrace()
	if err != nil {
		return err
	}
	if sv, ok := tr.(Saver); ok {
		return sv.Save()
	}
	return nil
}

// exec runs fn on the engine goroutine and waits for it.
func (s *Session) exec(fn func() error) error {
	_, err := s.eng.Call(func() (any, error) { return nil, fn() })
	return err
}

// FindProcesses returns the visible processes matching name exactly.
func (s *Session) FindProcesses(name string) ([]engine.Process, error) {
	procs, err := engine.Do(s.eng, func() ([]engine.Process, error) {
		return s.eng.Engine().AvailableProcesses()
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	var out []engine.Process
	for _, p := range procs {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

// Attach attaches the engine to pid, selects it, and records the
// process into the trace.
func (s *Session) Attach(pid int) error {
	if _, err := s.RequireTrace(); err != nil {
		return err
	}
	rec := engine.Process{PID: pid}
	procs, err := engine.Do(s.eng, func() ([]engine.Process, error) {
		return s.eng.Engine().AvailableProcesses()
	})
	switch {
	case err == nil:
		found := false
		for _, p := range procs {
			if p.PID == pid {
				rec, found = p, true
				break
			}
		}
		if !found {
			return fmt.Errorf("attach: no process %d", pid)
		}
	case errors.Is(err, engine.ErrUnsupported):
		// Backend cannot enumerate; attach on trust.
	default:
		return fmt.Errorf("attach: %w", err)
	}
	if err := s.exec(func() error { return s.eng.Engine().Attach(pid) }); err != nil {
		return fmt.Errorf("attach %d: %w", pid, err)
	}
	s.sel.PID = pid
	return s.withTx("Attach By Pid", func() error {
		var keys []string
		if err := s.putProcess(&keys, rec); err != nil {
			return err
		}
		return s.retainElements(ProcessesContainer(s.sel.SID), keys)
	})
}

// Spawn launches the target, selects the new process, and marks the
// initial snapshot. With attach set it also records the process.
func (s *Session) Spawn(path string, args []string, attach bool) (int, error) {
	if _, err := s.RequireTrace(); err != nil {
		return 0, err
	}
	pid, err := engine.Do(s.eng, func() (int, error) {
		return s.eng.Engine().Spawn(path, args)
	})
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", path, err)
	}
	s.sel.PID = pid
	if err := s.withTx("Initial Snap", func() error {
		_, err := s.trace.Snapshot("Initial Snapshot")
		return err
	}); err != nil {
		return pid, err
	}
	if attach {
		return pid, s.Attach(pid)
	}
	return pid, nil
}

// Resume lets the target run.
func (s *Session) Resume() error {
	return s.exec(func() error { return s.eng.Engine().Resume() })
}

// Suspend stops the target.
func (s *Session) Suspend() error {
	return s.exec(func() error { return s.eng.Engine().Suspend() })
}

// Kill terminates the target.
func (s *Session) Kill() error {
	return s.exec(func() error { return s.eng.Engine().Kill() })
}

// WaitStopped blocks until the target stops or timeout expires.
func (s *Session) WaitStopped(timeout time.Duration) error {
	return s.eng.WaitStopped(timeout)
}

// GetValues returns store entries matching pattern. Legal without a
// transaction.
func (s *Session) GetValues(pattern string) ([]trace.ValueRow, error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return nil, err
	}
	return tr.GetValues(pattern)
}

// GetValuesIntersecting returns address-valued entries intersecting
// rng. Legal without a transaction.
func (s *Session) GetValuesIntersecting(rng trace.AddressRange) ([]trace.ValueRow, error) {
	tr, err := s.RequireTrace()
	if err != nil {
		return nil, err
	}
	return tr.GetValuesIntersecting(rng)
}

// observe records a latest-value observation for diagnostics.
func (s *Session) observe(key string, val any) {
	s.seen.Add(key, val)
}

// Observed returns the latest cached observation for key: a region
// base maps to its size, a module path to its base, a symbol address
// to its name.
func (s *Session) Observed(key string) (any, bool) {
	return s.seen.Get(key)
}
