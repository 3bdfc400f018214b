package journal

import (
	"github.com/willibrandon/TraceSync/pkg/trace"
)

// Client wraps a trace client so that every trace it creates journals
// its mutations to w. The caller keeps ownership of w; closing the
// client does not close the journal.
type Client struct {
	inner trace.Client
	w     *Writer
}

var _ trace.Client = (*Client)(nil)

// NewClient returns a journaling wrapper around inner.
func NewClient(inner trace.Client, w *Writer) *Client {
	return &Client{inner: inner, w: w}
}

// CreateTrace creates the trace on the wrapped client and journals its
// birth. On journal failure the fresh trace is closed again.
func (c *Client) CreateTrace(name, language, compiler string) (trace.Trace, error) {
	t, err := c.inner.CreateTrace(name, language, compiler)
	if err != nil {
		return nil, err
	}
	rec := Record{Kind: KindCreateTrace, Name: name, Language: language, Compiler: compiler}
	if err := c.w.Append(rec); err != nil {
		t.Close()
		return nil, err
	}
	return &Trace{inner: t, w: c.w}, nil
}

func (c *Client) Close() error { return c.inner.Close() }

// Trace journals every mutation after the wrapped trace accepts it, so
// replay sees exactly the mutations that actually took effect. Queries
// pass through untouched.
type Trace struct {
	inner trace.Trace
	w     *Writer
}

var _ trace.Trace = (*Trace)(nil)

func (t *Trace) Name() string { return t.inner.Name() }

func (t *Trace) OpenTx(description string) (trace.Tx, error) {
	inner, err := t.inner.OpenTx(description)
	if err != nil {
		return nil, err
	}
	if err := t.w.Append(Record{Kind: KindTxBegin, Description: description}); err != nil {
		inner.Abort()
		return nil, err
	}
	return &tx{inner: inner, w: t.w}, nil
}

func (t *Trace) Snapshot(description string) (int64, error) {
	snap, err := t.inner.Snapshot(description)
	if err != nil {
		return snap, err
	}
	return snap, t.w.Append(Record{Kind: KindSnapshot, Description: description, Snap: snap})
}

func (t *Trace) SetSnap(snap int64) error {
	if err := t.inner.SetSnap(snap); err != nil {
		return err
	}
	return t.w.Append(Record{Kind: KindSetSnap, Snap: snap})
}

func (t *Trace) Snap() int64 { return t.inner.Snap() }

func (t *Trace) CreateObject(path string) (trace.Object, error) {
	obj, err := t.inner.CreateObject(path)
	if err != nil {
		return nil, err
	}
	if err := t.w.Append(Record{Kind: KindCreateObject, Path: obj.Path()}); err != nil {
		return nil, err
	}
	return &object{inner: obj, w: t.w}, nil
}

func (t *Trace) ProxyObject(path string) trace.Object {
	return &object{inner: t.inner.ProxyObject(path), w: t.w}
}

func (t *Trace) CreateOverlaySpace(base, overlay string) error {
	if err := t.inner.CreateOverlaySpace(base, overlay); err != nil {
		return err
	}
	return t.w.Append(Record{Kind: KindOverlay, Base: base, Overlay: overlay})
}

func (t *Trace) PutBytes(addr trace.Address, data []byte) (int, error) {
	n, err := t.inner.PutBytes(addr, data)
	if err != nil {
		return n, err
	}
	rec := Record{Kind: KindPutBytes, Space: addr.Space, Min: addr.Offset, Data: data}
	return n, t.w.Append(rec)
}

func (t *Trace) SetMemoryState(rng trace.AddressRange, state trace.MemState) error {
	if err := t.inner.SetMemoryState(rng, state); err != nil {
		return err
	}
	rec := Record{Kind: KindMemState, Space: rng.Space, Min: rng.Min, Max: rng.Max, State: string(state)}
	return t.w.Append(rec)
}

func (t *Trace) DeleteBytes(rng trace.AddressRange) error {
	if err := t.inner.DeleteBytes(rng); err != nil {
		return err
	}
	return t.w.Append(Record{Kind: KindDeleteBytes, Space: rng.Space, Min: rng.Min, Max: rng.Max})
}

func (t *Trace) PutRegisters(space string, values []trace.RegVal) error {
	if err := t.inner.PutRegisters(space, values); err != nil {
		return err
	}
	regs := make([]RegRecord, len(values))
	for i, v := range values {
		regs[i] = RegRecord{Name: v.Name, Value: v.Value}
	}
	return t.w.Append(Record{Kind: KindPutRegisters, Space: space, Registers: regs})
}

func (t *Trace) GetValues(pattern string) ([]trace.ValueRow, error) {
	return t.inner.GetValues(pattern)
}

func (t *Trace) GetValuesIntersecting(rng trace.AddressRange) ([]trace.ValueRow, error) {
	return t.inner.GetValuesIntersecting(rng)
}

// Close closes the wrapped trace. The journal stays open for further
// traces on the same client.
func (t *Trace) Close() error { return t.inner.Close() }

// Save flushes the journal, giving sessions a durable point to return
// to after a crash.
func (t *Trace) Save() error { return t.w.Sync() }

type tx struct {
	inner trace.Tx
	w     *Writer
}

var _ trace.Tx = (*tx)(nil)

func (t *tx) Commit() error {
	if err := t.inner.Commit(); err != nil {
		return err
	}
	return t.w.Append(Record{Kind: KindTxCommit})
}

func (t *tx) Abort() error {
	if err := t.inner.Abort(); err != nil {
		return err
	}
	return t.w.Append(Record{Kind: KindTxAbort})
}

type object struct {
	inner trace.Object
	w     *Writer
}

var _ trace.Object = (*object)(nil)

func (o *object) Path() string { return o.inner.Path() }

func (o *object) Insert() error {
	if err := o.inner.Insert(); err != nil {
		return err
	}
	return o.w.Append(Record{Kind: KindInsert, Path: o.inner.Path()})
}

func (o *object) Remove() error {
	if err := o.inner.Remove(); err != nil {
		return err
	}
	return o.w.Append(Record{Kind: KindRemove, Path: o.inner.Path()})
}

// SetValue encodes the value before applying it so an unstorable value
// never reaches the trace without reaching the journal.
func (o *object) SetValue(key string, value trace.Value) error {
	tv, err := EncodeValue(value)
	if err != nil {
		return err
	}
	if err := o.inner.SetValue(key, value); err != nil {
		return err
	}
	return o.w.Append(Record{Kind: KindSetValue, Path: o.inner.Path(), Key: key, Value: tv})
}

func (o *object) RetainValues(keys []string, kind trace.RetainKind) error {
	if err := o.inner.RetainValues(keys, kind); err != nil {
		return err
	}
	rec := Record{Kind: KindRetain, Path: o.inner.Path(), Keys: keys, Retain: kind.String()}
	return o.w.Append(rec)
}
