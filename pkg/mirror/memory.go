package mirror

import (
	"errors"
	"fmt"

	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/trace"
)

// PageSize is the granularity memory capture rounds to.
const PageSize = 4096

// QuantizePages widens [start, end) to whole pages.
func QuantizePages(start, end uint64) (uint64, uint64) {
	start = start / PageSize * PageSize
	if rem := end % PageSize; rem != 0 {
		end += PageSize - rem
	}
	return start, end
}

// PutMem captures target memory at offset into the trace and returns
// the byte count stored. Reads are at least a page wide; with pages
// set the range is widened to page bounds. An unreadable range is
// recorded as an error state rather than failing the operation.
func (s *Session) PutMem(offset uint64, length int, pages bool) (int, error) {
	if _, err := s.RequireTx(); err != nil {
		return 0, err
	}
	pid := s.sel.PID
	if length < PageSize {
		length = PageSize
	}
	start, end := offset, offset+uint64(length)
	if pages {
		start, end = QuantizePages(start, end)
	}
	count := int(end - start)
	data, err := engine.Do(s.eng, func() ([]byte, error) {
		return s.eng.Engine().ReadMemory(pid, start, count)
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTargetRunning):
			s.log.Infof("read memory: target is running")
			return 0, nil
		case errors.Is(err, engine.ErrUnsupported):
			return 0, fmt.Errorf("read memory: %w", err)
		}
		addr, merr := s.mapAddress(pid, start)
		if merr != nil {
			return 0, merr
		}
		if serr := s.trace.SetMemoryState(addr.Extend(uint64(count)), trace.StateError); serr != nil {
			return 0, serr
		}
		s.log.Warnf("read memory %#x+%#x: %v", start, count, err)
		return 0, nil
	}
	addr, err := s.mapAddress(pid, start)
	if err != nil {
		return 0, err
	}
	return s.trace.PutBytes(addr, data)
}

// PutMemState marks the state of a target memory range without
// transferring bytes.
func (s *Session) PutMemState(offset uint64, length int, state trace.MemState, pages bool) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	switch state {
	case trace.StateKnown, trace.StateUnknown, trace.StateError:
	default:
		return fmt.Errorf("%w: %v", trace.ErrBadState, state)
	}
	pid := s.sel.PID
	start, end := offset, offset+uint64(length)
	if pages {
		start, end = QuantizePages(start, end)
	}
	base, addr := s.platform.Memory.Map(pid, start)
	if addr.Space != base && state != trace.StateUnknown {
		if err := s.trace.CreateOverlaySpace(base, addr.Space); err != nil {
			return err
		}
	}
	return s.trace.SetMemoryState(addr.Extend(end-start), state)
}

// DelMem removes captured bytes in a target memory range. The exact
// range is taken: deletion does not round to pages.
func (s *Session) DelMem(offset uint64, length int) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	// Do not create the space. We're deleting stuff.
	_, addr := s.platform.Memory.Map(pid, offset)
	return s.trace.DeleteBytes(addr.Extend(uint64(length)))
}

// WriteMem patches target memory and refreshes the mirrored bytes
// from what was written.
func (s *Session) WriteMem(offset uint64, data []byte) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	if err := s.exec(func() error {
		return s.eng.Engine().WriteMemory(pid, offset, data)
	}); err != nil {
		return fmt.Errorf("write memory %#x: %w", offset, err)
	}
	addr, err := s.mapAddress(pid, offset)
	if err != nil {
		return err
	}
	_, err = s.trace.PutBytes(addr, data)
	return err
}
