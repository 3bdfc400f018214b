package arch

import (
	"fmt"

	"github.com/willibrandon/TraceSync/pkg/trace"
)

// MemoryMapper places engine addresses into trace address spaces.
// Map returns the base space along with the placed address; when the
// two differ the caller must create the overlay before writing.
type MemoryMapper interface {
	Map(pid int, offset uint64) (base string, addr trace.Address)
	MapBack(pid int, addr trace.Address) (uint64, error)
}

// DefaultMemoryMapper places every address into one flat space.
type DefaultMemoryMapper struct {
	Space string
}

func (m DefaultMemoryMapper) Map(pid int, offset uint64) (string, trace.Address) {
	return m.Space, trace.Address{Space: m.Space, Offset: offset}
}

func (m DefaultMemoryMapper) MapBack(pid int, addr trace.Address) (uint64, error) {
	if addr.Space != m.Space {
		return 0, fmt.Errorf("address %s is not in process %d", addr, pid)
	}
	return addr.Offset, nil
}

var flatMemoryMapper = DefaultMemoryMapper{Space: "ram"}

var memoryMappers = map[string]MemoryMapper{}

// MemoryMapperFor returns the mapper registered for a language id, or
// the flat ram mapper.
func MemoryMapperFor(lang string) MemoryMapper {
	if m, ok := memoryMappers[lang]; ok {
		return m
	}
	return flatMemoryMapper
}
