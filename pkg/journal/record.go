package journal

import (
	"fmt"
	"time"

	"github.com/willibrandon/TraceSync/pkg/trace"
)

// Kind discriminates journal records.
type Kind string

const (
	KindCreateTrace  Kind = "createTrace"
	KindTxBegin      Kind = "txBegin"
	KindTxCommit     Kind = "txCommit"
	KindTxAbort      Kind = "txAbort"
	KindSnapshot     Kind = "snapshot"
	KindSetSnap      Kind = "setSnap"
	KindCreateObject Kind = "createObject"
	KindInsert       Kind = "insert"
	KindRemove       Kind = "remove"
	KindSetValue     Kind = "setValue"
	KindRetain       Kind = "retain"
	KindOverlay      Kind = "overlay"
	KindPutBytes     Kind = "putBytes"
	KindMemState     Kind = "memState"
	KindDeleteBytes  Kind = "deleteBytes"
	KindPutRegisters Kind = "putRegisters"
)

// Record is one journaled store mutation. Seq, Time and Kind are always
// set; the remaining fields are populated per kind and omitted otherwise.
type Record struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`

	// createTrace
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Compiler string `json:"compiler,omitempty"`

	// txBegin and snapshot
	Description string `json:"description,omitempty"`

	// snapshot and setSnap
	Snap int64 `json:"snap,omitempty"`

	// object mutations
	Path   string       `json:"path,omitempty"`
	Key    string       `json:"key,omitempty"`
	Value  *TaggedValue `json:"value,omitempty"`
	Keys   []string     `json:"keys,omitempty"`
	Retain string       `json:"retain,omitempty"`

	// overlay
	Base    string `json:"base,omitempty"`
	Overlay string `json:"overlay,omitempty"`

	// memory and register mutations
	Space     string      `json:"space,omitempty"`
	Min       uint64      `json:"min,omitempty"`
	Max       uint64      `json:"max,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	State     string      `json:"state,omitempty"`
	Registers []RegRecord `json:"registers,omitempty"`
}

// RegRecord is one register name/value pair in a putRegisters record.
type RegRecord struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// TaggedValue carries a store value through JSON with an explicit type
// tag so int64, uint64 and byte payloads survive the round trip exactly.
type TaggedValue struct {
	Type  string   `json:"type"`
	Bool  bool     `json:"bool,omitempty"`
	Int   int64    `json:"int,omitempty"`
	Uint  uint64   `json:"uint,omitempty"`
	Str   string   `json:"str,omitempty"`
	Bytes []byte   `json:"bytes,omitempty"`
	Strs  []string `json:"strs,omitempty"`
	Space string   `json:"space,omitempty"`
	Min   uint64   `json:"min,omitempty"`
	Max   uint64   `json:"max,omitempty"`
}

// EncodeValue converts a store value into its tagged wire form. A nil
// value encodes as a nil TaggedValue.
func EncodeValue(v trace.Value) (*TaggedValue, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return &TaggedValue{Type: "bool", Bool: x}, nil
	case int:
		return &TaggedValue{Type: "int", Int: int64(x)}, nil
	case int64:
		return &TaggedValue{Type: "int", Int: x}, nil
	case uint64:
		return &TaggedValue{Type: "uint", Uint: x}, nil
	case string:
		return &TaggedValue{Type: "str", Str: x}, nil
	case []byte:
		return &TaggedValue{Type: "bytes", Bytes: x}, nil
	case []string:
		return &TaggedValue{Type: "strs", Strs: x}, nil
	case trace.Address:
		return &TaggedValue{Type: "addr", Space: x.Space, Min: x.Offset}, nil
	case trace.AddressRange:
		return &TaggedValue{Type: "range", Space: x.Space, Min: x.Min, Max: x.Max}, nil
	case trace.ObjRef:
		return &TaggedValue{Type: "ref", Str: x.Path}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrBadValue, v)
}

// Decode converts the tagged wire form back into a store value. A nil
// receiver decodes as a nil value.
func (t *TaggedValue) Decode() (trace.Value, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Type {
	case "bool":
		return t.Bool, nil
	case "int":
		return t.Int, nil
	case "uint":
		return t.Uint, nil
	case "str":
		return t.Str, nil
	case "bytes":
		return t.Bytes, nil
	case "strs":
		return t.Strs, nil
	case "addr":
		return trace.Address{Space: t.Space, Offset: t.Min}, nil
	case "range":
		return trace.AddressRange{Space: t.Space, Min: t.Min, Max: t.Max}, nil
	case "ref":
		return trace.ObjRef{Path: t.Str}, nil
	}
	return nil, fmt.Errorf("%w: value type %q", ErrBadValue, t.Type)
}

func retainKindFromString(s string) (trace.RetainKind, error) {
	switch s {
	case "elements":
		return trace.RetainElements, nil
	case "attributes":
		return trace.RetainAttributes, nil
	case "both":
		return trace.RetainBoth, nil
	}
	return 0, fmt.Errorf("%w: retain kind %q", ErrBadRecord, s)
}
