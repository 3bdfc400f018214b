package trace

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemClient is an embedded in-process store. It backs sessions that
// run without an external database and it carries the whole test
// surface.
type MemClient struct {
	mu     sync.Mutex
	traces map[string]*MemTrace
	closed bool
}

// NewMemClient returns an empty store.
func NewMemClient() *MemClient {
	return &MemClient{traces: make(map[string]*MemTrace)}
}

// CreateTrace opens a new named trace.
func (c *MemClient) CreateTrace(name, language, compiler string) (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.traces[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTraceExists, name)
	}
	t := &MemTrace{
		client:   c,
		name:     name,
		language: language,
		compiler: compiler,
		objects:  make(map[string]*memObject),
		spaces:   map[string]string{"ram": "ram", "register": "register"},
		mem:      make(map[string]map[uint64]byte),
		regs:     make(map[string]map[string][]byte),
	}
	c.traces[name] = t
	return t, nil
}

// Trace returns an already created trace by name.
func (c *MemClient) Trace(name string) (Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.traces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTrace, name)
	}
	return t, nil
}

// Close closes the client and every trace it holds.
func (c *MemClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.traces {
		t.mu.Lock()
		t.closed = true
		t.tx = nil
		t.mu.Unlock()
	}
	c.closed = true
	return nil
}

// SnapshotRow records one created snapshot.
type SnapshotRow struct {
	Snap        int64
	Description string
	Time        time.Time
}

type memObject struct {
	path   string
	spans  []Span
	values map[string]*valueSeries
}

type valueSeries struct {
	rows []valueRow
}

type valueRow struct {
	span  Span
	value Value
}

type memStateRow struct {
	span  Span
	rng   AddressRange
	state MemState
}

// MemTrace is one trace held by MemClient. Mutations are buffered on
// the open transaction and applied in order under the trace lock when
// it commits.
type MemTrace struct {
	mu        sync.Mutex
	client    *MemClient
	name      string
	language  string
	compiler  string
	snap      int64
	maxSnap   int64
	snapped   bool
	snapshots []SnapshotRow
	objects   map[string]*memObject
	spaces    map[string]string
	mem       map[string]map[uint64]byte
	memStates []memStateRow
	regs      map[string]map[string][]byte
	tx        *memTx
	closed    bool
}

func (t *MemTrace) Name() string { return t.name }

// Language returns the language id the trace was created with.
func (t *MemTrace) Language() string { return t.language }

// Compiler returns the compiler id the trace was created with.
func (t *MemTrace) Compiler() string { return t.compiler }

func (t *MemTrace) OpenTx(description string) (Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.tx != nil {
		return nil, fmt.Errorf("%w: %q", ErrTransactionOpen, t.tx.description)
	}
	tx := &memTx{trace: t, description: description}
	t.tx = tx
	return tx, nil
}

func (t *MemTrace) Snapshot(description string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return 0, err
	}
	// The very first snapshot labels snap 0. Later ones advance.
	if t.snapped {
		t.maxSnap++
		t.snap = t.maxSnap
	}
	t.snapped = true
	snap := t.snap
	now := time.Now()
	t.tx.muts = append(t.tx.muts, func() error {
		t.snapshots = append(t.snapshots, SnapshotRow{Snap: snap, Description: description, Time: now})
		return nil
	})
	return snap, nil
}

func (t *MemTrace) SetSnap(snap int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if snap < 0 {
		return fmt.Errorf("negative snapshot %d", snap)
	}
	t.snap = snap
	if snap > t.maxSnap {
		t.maxSnap = snap
	}
	return nil
}

func (t *MemTrace) Snap() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Snapshots returns the created snapshots in order.
func (t *MemTrace) Snapshots() []SnapshotRow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SnapshotRow, len(t.snapshots))
	copy(out, t.snapshots)
	return out
}

func (t *MemTrace) CreateObject(path string) (Object, error) {
	if _, err := ParsePath(path); err != nil {
		return nil, err
	}
	obj := &memObjRef{trace: t, path: path}
	err := t.enqueue(func() error {
		t.ensureObject(path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (t *MemTrace) ProxyObject(path string) Object {
	return &memObjRef{trace: t, path: path}
}

func (t *MemTrace) CreateOverlaySpace(base, overlay string) error {
	return t.enqueue(func() error {
		if have, ok := t.spaces[overlay]; ok {
			if have != base {
				return fmt.Errorf("%w: %s is over %s, not %s", ErrSpaceConflict, overlay, have, base)
			}
			return nil
		}
		t.spaces[overlay] = base
		return nil
	})
}

func (t *MemTrace) PutBytes(addr Address, data []byte) (int, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return 0, err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		if _, ok := t.spaces[addr.Space]; !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchSpace, addr.Space)
		}
		space := t.mem[addr.Space]
		if space == nil {
			space = make(map[uint64]byte)
			t.mem[addr.Space] = space
		}
		for i, b := range buf {
			space[addr.Offset+uint64(i)] = b
		}
		if len(buf) > 0 {
			t.memStates = append(t.memStates, memStateRow{
				span:  OpenSpan(snap),
				rng:   addr.Extend(uint64(len(buf))),
				state: StateKnown,
			})
		}
		return nil
	})
	return len(buf), nil
}

func (t *MemTrace) SetMemoryState(rng AddressRange, state MemState) error {
	switch state {
	case StateKnown, StateUnknown, StateError:
	default:
		return fmt.Errorf("%w: %q", ErrBadState, state)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		if _, ok := t.spaces[rng.Space]; !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchSpace, rng.Space)
		}
		t.memStates = append(t.memStates, memStateRow{span: OpenSpan(snap), rng: rng, state: state})
		return nil
	})
	return nil
}

func (t *MemTrace) DeleteBytes(rng AddressRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		space := t.mem[rng.Space]
		for off := rng.Min; ; off++ {
			delete(space, off)
			if off == rng.Max {
				break
			}
		}
		t.memStates = append(t.memStates, memStateRow{span: OpenSpan(snap), rng: rng, state: StateUnknown})
		return nil
	})
	return nil
}

func (t *MemTrace) PutRegisters(space string, values []RegVal) error {
	vals := make([]RegVal, len(values))
	for i, v := range values {
		buf := make([]byte, len(v.Value))
		copy(buf, v.Value)
		vals[i] = RegVal{Name: v.Name, Value: buf}
	}
	return t.enqueue(func() error {
		if _, ok := t.spaces[space]; !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchSpace, space)
		}
		bank := t.regs[space]
		if bank == nil {
			bank = make(map[string][]byte)
			t.regs[space] = bank
		}
		for _, v := range vals {
			bank[v.Name] = v.Value
		}
		return nil
	})
}

// Registers returns a copy of the register bank stored for space.
func (t *MemTrace) Registers(space string) map[string][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]byte, len(t.regs[space]))
	for name, val := range t.regs[space] {
		buf := make([]byte, len(val))
		copy(buf, val)
		out[name] = buf
	}
	return out
}

// ReadBytes returns length bytes at offset in space, zero filled, and
// the count actually present in the store.
func (t *MemTrace) ReadBytes(space string, offset, length uint64) ([]byte, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, length)
	found := 0
	bytes := t.mem[space]
	for i := uint64(0); i < length; i++ {
		if b, ok := bytes[offset+i]; ok {
			out[i] = b
			found++
		}
	}
	return out, found
}

// StateAt returns the memory state recorded for addr at snap.
func (t *MemTrace) StateAt(snap int64, addr Address) (MemState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.memStates) - 1; i >= 0; i-- {
		row := t.memStates[i]
		if row.span.Contains(snap) && row.rng.ContainsAddr(addr) {
			return row.state, true
		}
	}
	return "", false
}

// ObjectSpans returns the lifespan segments of the object at path.
func (t *MemTrace) ObjectSpans(path string) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[path]
	if !ok {
		return nil
	}
	out := make([]Span, len(obj.spans))
	copy(out, obj.spans)
	return out
}

func (t *MemTrace) GetValues(pattern string) ([]ValueRow, error) {
	pat, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows []ValueRow
	for _, obj := range t.sortedObjects() {
		parent, key := SplitKey(obj.path)
		if pat.Matches(obj.path) {
			for _, span := range obj.spans {
				rows = append(rows, ValueRow{
					Parent: parent, Key: key, Span: span,
					Value: ObjRef{Path: obj.path}, Type: "OBJECT",
				})
			}
		}
		for _, k := range sortedKeys(obj.values) {
			if !pat.Matches(JoinPath(obj.path, k)) {
				continue
			}
			for _, row := range obj.values[k].rows {
				rows = append(rows, ValueRow{
					Parent: obj.path, Key: k, Span: row.span,
					Value: row.value, Type: TypeOf(row.value),
				})
			}
		}
	}
	return rows, nil
}

func (t *MemTrace) GetValuesIntersecting(rng AddressRange) ([]ValueRow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows []ValueRow
	for _, obj := range t.sortedObjects() {
		for _, k := range sortedKeys(obj.values) {
			for _, row := range obj.values[k].rows {
				hit := false
				switch v := row.value.(type) {
				case Address:
					hit = rng.ContainsAddr(v)
				case AddressRange:
					hit = rng.Overlaps(v)
				}
				if hit {
					rows = append(rows, ValueRow{
						Parent: obj.path, Key: k, Span: row.span,
						Value: row.value, Type: TypeOf(row.value),
					})
				}
			}
		}
	}
	return rows, nil
}

func (t *MemTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.tx = nil
	return nil
}

// requireTx must be called with the trace lock held.
func (t *MemTrace) requireTx() error {
	if t.closed {
		return ErrClosed
	}
	if t.tx == nil {
		return ErrNoTransaction
	}
	return nil
}

func (t *MemTrace) enqueue(mut func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	t.tx.muts = append(t.tx.muts, mut)
	return nil
}

// ensureObject creates the object at path and all missing ancestors.
// Runs with the trace lock held.
func (t *MemTrace) ensureObject(path string) *memObject {
	if obj, ok := t.objects[path]; ok {
		return obj
	}
	obj := &memObject{path: path, values: make(map[string]*valueSeries)}
	t.objects[path] = obj
	if parent, _ := SplitKey(path); parent != "" {
		t.ensureObject(parent)
	}
	return obj
}

func (t *MemTrace) sortedObjects() []*memObject {
	paths := make([]string, 0, len(t.objects))
	for p := range t.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	objs := make([]*memObject, len(paths))
	for i, p := range paths {
		objs[i] = t.objects[p]
	}
	return objs
}

func sortedKeys(m map[string]*valueSeries) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// openSpan opens the object's lifespan at snap, merging into an
// adjacent or overlapping segment.
func (o *memObject) openSpan(snap int64) {
	for _, s := range o.spans {
		if s.Contains(snap) {
			return
		}
	}
	o.spans = append(o.spans, OpenSpan(snap))
	sort.Slice(o.spans, func(i, j int) bool { return o.spans[i].Min < o.spans[j].Min })
	merged := o.spans[:1]
	for _, s := range o.spans[1:] {
		last := &merged[len(merged)-1]
		if last.Max == MaxSnap || s.Min <= last.Max+1 {
			if s.Max > last.Max {
				last.Max = s.Max
			}
		} else {
			merged = append(merged, s)
		}
	}
	o.spans = merged
}

// closeSpan ends the object's lifespan at snap, so the object is dead
// from snap onward.
func (o *memObject) closeSpan(snap int64) {
	var out []Span
	for _, s := range o.spans {
		switch {
		case s.Max < snap:
			out = append(out, s)
		case s.Min >= snap:
			// dropped
		default:
			out = append(out, Span{Min: s.Min, Max: snap - 1})
		}
	}
	o.spans = out
}

// aliveAt reports whether the object's lifespan covers snap.
func (o *memObject) aliveAt(snap int64) bool {
	for _, s := range o.spans {
		if s.Contains(snap) {
			return true
		}
	}
	return false
}

// setValue records value for key from snap onward, truncating earlier
// rows. Setting an equal value over an open row is a no-op. A nil
// value just truncates.
func (s *valueSeries) setValue(snap int64, value Value) {
	if value != nil {
		for _, row := range s.rows {
			if row.span.Contains(snap) && row.span.Max == MaxSnap && reflect.DeepEqual(row.value, value) {
				return
			}
		}
	}
	var out []valueRow
	for _, row := range s.rows {
		switch {
		case row.span.Max < snap:
			out = append(out, row)
		case row.span.Min >= snap:
			// dropped
		default:
			out = append(out, valueRow{span: Span{Min: row.span.Min, Max: snap - 1}, value: row.value})
		}
	}
	if value != nil {
		if n := len(out); n > 0 && out[n-1].span.Max == snap-1 && reflect.DeepEqual(out[n-1].value, value) {
			out[n-1].span.Max = MaxSnap
		} else {
			out = append(out, valueRow{span: OpenSpan(snap), value: value})
		}
	}
	s.rows = out
}

type memObjRef struct {
	trace *MemTrace
	path  string
}

func (o *memObjRef) Path() string { return o.path }

func (o *memObjRef) Insert() error {
	t := o.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		for path := o.path; path != ""; path, _ = SplitKey(path) {
			t.ensureObject(path).openSpan(snap)
		}
		return nil
	})
	return nil
}

func (o *memObjRef) Remove() error {
	t := o.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		obj, ok := t.objects[o.path]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchObject, o.path)
		}
		obj.closeSpan(snap)
		return nil
	})
	return nil
}

func (o *memObjRef) SetValue(key string, value Value) error {
	t := o.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		obj := t.ensureObject(o.path)
		series := obj.values[key]
		if series == nil {
			if value == nil {
				return nil
			}
			series = &valueSeries{}
			obj.values[key] = series
		}
		series.setValue(snap, value)
		return nil
	})
	return nil
}

func (o *memObjRef) RetainValues(keys []string, kind RetainKind) error {
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		keep[k] = true
	}
	t := o.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireTx(); err != nil {
		return err
	}
	snap := t.snap
	t.tx.muts = append(t.tx.muts, func() error {
		if kind == RetainElements || kind == RetainBoth {
			for path, child := range t.objects {
				parent, key := SplitKey(path)
				if parent != o.path || !strings.HasPrefix(key, "[") {
					continue
				}
				if !keep[key] && child.aliveAt(snap) {
					child.closeSpan(snap)
				}
			}
		}
		if kind == RetainAttributes || kind == RetainBoth {
			obj, ok := t.objects[o.path]
			if !ok {
				return nil
			}
			for key, series := range obj.values {
				if !strings.HasPrefix(key, "[") && !keep[key] {
					series.setValue(snap, nil)
				}
			}
		}
		return nil
	})
	return nil
}

type memTx struct {
	trace       *MemTrace
	description string
	muts        []func() error
}

func (tx *memTx) Commit() error {
	t := tx.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tx != tx {
		return ErrTransactionDone
	}
	t.tx = nil
	var first error
	for _, mut := range tx.muts {
		if err := mut(); err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("commit %q: %w", tx.description, first)
	}
	return nil
}

func (tx *memTx) Abort() error {
	t := tx.trace
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tx != tx {
		return ErrTransactionDone
	}
	t.tx = nil
	tx.muts = nil
	return nil
}
