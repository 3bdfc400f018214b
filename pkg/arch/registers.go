package arch

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/willibrandon/TraceSync/pkg/trace"
)

// RegisterMapper translates register names and values between the
// engine's naming and the resolved language's convention. MapValue
// failures are per-register: the caller skips the register and keeps
// the batch.
type RegisterMapper interface {
	// MapName converts an engine register name to the language's.
	MapName(name string) string
	// MapValue converts a register value to its stored form, bytes in
	// big-endian order.
	MapValue(name string, value *big.Int) (trace.RegVal, error)
	// MapNameBack converts a language register name to the engine's.
	MapNameBack(name string) string
}

// DefaultRegisterMapper passes names through and stores values as
// big-endian bytes, padded to a minimum of 8.
type DefaultRegisterMapper struct{}

func (DefaultRegisterMapper) MapName(name string) string { return name }

func (m DefaultRegisterMapper) MapValue(name string, value *big.Int) (trace.RegVal, error) {
	buf, err := regBytes(name, value)
	if err != nil {
		return trace.RegVal{}, err
	}
	return trace.RegVal{Name: m.MapName(name), Value: buf}, nil
}

func (DefaultRegisterMapper) MapNameBack(name string) string { return name }

// regBytes renders value as big-endian bytes, at least 8 wide so
// ordinary general registers keep their natural width.
func regBytes(name string, value *big.Int) ([]byte, error) {
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("cannot convert %s value %v", name, value)
	}
	buf := value.Bytes()
	if len(buf) < 8 {
		padded := make([]byte, 8)
		copy(padded[8-len(buf):], buf)
		buf = padded
	}
	return buf, nil
}

// IntelX8664RegisterMapper adapts x86-64 engine names: efl is stored
// as rflags, and zmm registers are stored as their ymm halves since
// the language models vectors up to ymm.
type IntelX8664RegisterMapper struct {
	DefaultRegisterMapper
}

func (m IntelX8664RegisterMapper) MapName(name string) string {
	switch {
	case name == "":
		return "UNKNOWN"
	case name == "efl":
		return "rflags"
	case strings.HasPrefix(name, "zmm"):
		return "ymm" + name[3:]
	}
	return name
}

func (m IntelX8664RegisterMapper) MapValue(name string, value *big.Int) (trace.RegVal, error) {
	buf, err := regBytes(name, value)
	if err != nil {
		return trace.RegVal{}, err
	}
	mapped := m.MapName(name)
	// Keep the low-order 32 bytes of a wide vector value.
	if strings.HasPrefix(mapped, "ymm") && len(buf) > 32 {
		buf = buf[len(buf)-32:]
	}
	return trace.RegVal{Name: mapped, Value: buf}, nil
}

func (m IntelX8664RegisterMapper) MapNameBack(name string) string {
	if name == "rflags" {
		return "efl"
	}
	return name
}

var registerMappers = map[string]RegisterMapper{
	"x86:LE:64:default": IntelX8664RegisterMapper{},
}

// RegisterMapperFor returns the mapper registered for a language id,
// or the pass-through default.
func RegisterMapperFor(lang string) RegisterMapper {
	if m, ok := registerMappers[lang]; ok {
		return m
	}
	return DefaultRegisterMapper{}
}
