// Package trace defines the versioned object store that mirror sessions
// write into: hierarchical objects with bracket-keyed paths, values and
// memory recorded per snapshot, and buffered exclusive transactions.
package trace

import (
	"fmt"
	"math"
)

// MaxSnap marks the upper bound of an open lifespan.
const MaxSnap int64 = math.MaxInt64

// Span is an inclusive range of snapshot keys.
type Span struct {
	Min int64
	Max int64
}

// OpenSpan returns the span starting at snap with no upper bound.
func OpenSpan(snap int64) Span {
	return Span{Min: snap, Max: MaxSnap}
}

// Contains reports whether snap falls inside the span.
func (s Span) Contains(snap int64) bool {
	return s.Min <= snap && snap <= s.Max
}

// String formats the span the way snapshot tables print it.
func (s Span) String() string {
	if s.Max == MaxSnap {
		return fmt.Sprintf("[%d,+inf)", s.Min)
	}
	return fmt.Sprintf("[%d,%d]", s.Min, s.Max)
}

// Address is a location in a named address space.
type Address struct {
	Space  string
	Offset uint64
}

// Extend returns the range covering length bytes starting at a.
func (a Address) Extend(length uint64) AddressRange {
	max := a.Offset
	if length > 0 {
		max = a.Offset + length - 1
	}
	return AddressRange{Space: a.Space, Min: a.Offset, Max: max}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%08x", a.Space, a.Offset)
}

// AddressRange is an inclusive byte range in a named address space.
type AddressRange struct {
	Space string
	Min   uint64
	Max   uint64
}

// Length returns the number of bytes the range covers.
func (r AddressRange) Length() uint64 {
	return r.Max - r.Min + 1
}

// Overlaps reports whether r and o share at least one byte.
func (r AddressRange) Overlaps(o AddressRange) bool {
	return r.Space == o.Space && r.Min <= o.Max && o.Min <= r.Max
}

// ContainsAddr reports whether a falls inside the range.
func (r AddressRange) ContainsAddr(a Address) bool {
	return r.Space == a.Space && r.Min <= a.Offset && a.Offset <= r.Max
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%s:[%x,%x]", r.Space, r.Min, r.Max)
}

// MemState classifies the bytes of a memory range at a snapshot.
type MemState string

const (
	StateKnown   MemState = "known"
	StateUnknown MemState = "unknown"
	StateError   MemState = "error"
)

// RegVal is a register name paired with its raw byte value.
type RegVal struct {
	Name  string
	Value []byte
}

// Value is any storable object value: bool, int64, uint64, string,
// []byte, []string, Address, AddressRange, or ObjRef.
type Value any

// ObjRef is a value naming another object in the same trace.
type ObjRef struct {
	Path string
}

func (o ObjRef) String() string { return o.Path }

// RetainKind selects which entries RetainValues prunes.
type RetainKind int

const (
	RetainElements RetainKind = iota
	RetainAttributes
	RetainBoth
)

func (k RetainKind) String() string {
	switch k {
	case RetainElements:
		return "elements"
	case RetainAttributes:
		return "attributes"
	case RetainBoth:
		return "both"
	}
	return fmt.Sprintf("RetainKind(%d)", int(k))
}

// ValueRow is one entry returned by a value query.
type ValueRow struct {
	Parent string
	Key    string
	Span   Span
	Value  Value
	Type   string
}

// Path returns the full path of the entry.
func (v ValueRow) Path() string {
	return JoinPath(v.Parent, v.Key)
}

// Client creates and tracks traces in a backing store.
type Client interface {
	// CreateTrace opens a new trace for the named language and
	// compiler. The name must be unique within the client.
	CreateTrace(name, language, compiler string) (Trace, error)
	Close() error
}

// Trace is one versioned object store. Mutating methods require an
// open transaction and take effect when it commits. Queries read
// committed state and need no transaction.
type Trace interface {
	Name() string

	// OpenTx starts the exclusive buffered transaction. A second call
	// before Commit or Abort fails with ErrTransactionOpen.
	OpenTx(description string) (Tx, error)

	// Snapshot creates the next snapshot and makes it current,
	// returning its key. Requires an open transaction.
	Snapshot(description string) (int64, error)

	// SetSnap moves the current snapshot without creating one.
	SetSnap(snap int64) error
	Snap() int64

	// CreateObject makes the object at path, creating missing
	// ancestors. Existing objects are returned as-is. The object is
	// invisible until Insert opens its lifespan.
	CreateObject(path string) (Object, error)

	// ProxyObject returns a handle on path without creating anything.
	ProxyObject(path string) Object

	// CreateOverlaySpace registers overlay on top of base. Repeating
	// the same registration is a no-op.
	CreateOverlaySpace(base, overlay string) error

	// PutBytes writes data at addr in the current snapshot and marks
	// the written range known. Returns the number of bytes stored.
	PutBytes(addr Address, data []byte) (int, error)

	// SetMemoryState marks rng with state in the current snapshot.
	SetMemoryState(rng AddressRange, state MemState) error

	// DeleteBytes removes bytes in rng from the current snapshot.
	DeleteBytes(rng AddressRange) error

	// PutRegisters stores register values into an overlay register
	// space at the current snapshot.
	PutRegisters(space string, values []RegVal) error

	// GetValues returns entries whose path matches pattern, in path
	// order.
	GetValues(pattern string) ([]ValueRow, error)

	// GetValuesIntersecting returns address-valued entries whose
	// address or range intersects rng.
	GetValuesIntersecting(rng AddressRange) ([]ValueRow, error)

	Close() error
}

// Tx is an open trace transaction. Exactly one of Commit or Abort
// must be called, once.
type Tx interface {
	// Commit applies every buffered mutation in order.
	Commit() error
	// Abort discards the buffer.
	Abort() error
}

// Object is a handle on one object path. Mutations are buffered on
// the transaction open at call time.
type Object interface {
	Path() string

	// Insert opens the object's lifespan at the current snapshot.
	// Ancestors are inserted too. Idempotent per snapshot.
	Insert() error

	// Remove closes the object's lifespan at the current snapshot.
	Remove() error

	// SetValue sets key to value from the current snapshot onward,
	// truncating any earlier value. A nil value clears the key.
	SetValue(key string, value Value) error

	// RetainValues keeps only the entries named by keys, closing the
	// lifespans of the rest at the current snapshot. Kind selects
	// element entries, attribute entries, or both.
	RetainValues(keys []string, kind RetainKind) error
}

// TypeOf names the store type of a value for display.
func TypeOf(v Value) string {
	switch v.(type) {
	case nil:
		return "VOID"
	case bool:
		return "BOOL"
	case int64:
		return "LONG"
	case uint64:
		return "LONG"
	case int:
		return "INT"
	case string:
		return "STRING"
	case []byte:
		return "BYTE_ARR"
	case []string:
		return "STRING_ARR"
	case Address:
		return "ADDRESS"
	case AddressRange:
		return "RANGE"
	case ObjRef:
		return "OBJECT"
	}
	return fmt.Sprintf("%T", v)
}
