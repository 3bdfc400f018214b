package mirror

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willibrandon/TraceSync/pkg/trace"
)

func TestQuantizePages(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint64
		wantStart  uint64
		wantEnd    uint64
	}{
		{"Interior", 0x1234, 0x2234, 0x1000, 0x3000},
		{"Aligned", 0x1000, 0x2000, 0x1000, 0x2000},
		{"Straddling", 0xfff, 0x1001, 0, 0x2000},
		{"Empty", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := QuantizePages(tt.start, tt.end)
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("Expected [%#x,%#x), got [%#x,%#x)", tt.wantStart, tt.wantEnd, start, end)
			}
		})
	}
}

func TestPutMemCapturesTarget(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)
	s.SelectProcess(3)

	t.Run("WholePages", func(t *testing.T) {
		var n int
		syncTx(t, s, func() error {
			var err error
			n, err = s.PutMem(0x1234, 16, true)
			return err
		})
		if n != 2*PageSize {
			t.Errorf("Expected %d bytes stored, got %d", 2*PageSize, n)
		}
		if diff := cmp.Diff([][2]uint64{{0x1000, 2 * PageSize}}, fake.reads); diff != "" {
			t.Errorf("Read requests mismatch (-want +got):\n%s", diff)
		}
		if _, found := mt.ReadBytes("ram", 0x1000, 2*PageSize); found != 2*PageSize {
			t.Errorf("Expected full capture present, got %d bytes", found)
		}
		if state, ok := mt.StateAt(0, trace.Address{Space: "ram", Offset: 0x1500}); !ok || state != trace.StateKnown {
			t.Errorf("Expected known state, got %v (%v)", state, ok)
		}
	})

	t.Run("ExactStart", func(t *testing.T) {
		fake.reads = nil
		syncTx(t, s, func() error {
			_, err := s.PutMem(0x5678, 16, false)
			return err
		})
		// Short reads still widen to one page but keep the offset.
		if diff := cmp.Diff([][2]uint64{{0x5678, PageSize}}, fake.reads); diff != "" {
			t.Errorf("Read requests mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestPutMemUnreadableMarksError(t *testing.T) {
	fake := &fakeEngine{readErr: errors.New("access violation")}
	s, mt := newTestSession(t, fake)
	s.SelectProcess(3)

	var n int
	syncTx(t, s, func() error {
		var err error
		n, err = s.PutMem(0x1000, PageSize, false)
		return err
	})
	if n != 0 {
		t.Errorf("Expected no bytes stored, got %d", n)
	}
	if state, ok := mt.StateAt(0, trace.Address{Space: "ram", Offset: 0x1000}); !ok || state != trace.StateError {
		t.Errorf("Expected error state recorded, got %v (%v)", state, ok)
	}
	if _, found := mt.ReadBytes("ram", 0x1000, PageSize); found != 0 {
		t.Errorf("Expected no bytes present, got %d", found)
	}
}

func TestPutMemState(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)
	s.SelectProcess(3)

	if err := s.TxStart("states"); err != nil {
		t.Fatalf("Failed to start transaction: %v", err)
	}
	if err := s.PutMemState(0x1000, 16, "bogus", false); !errors.Is(err, trace.ErrBadState) {
		t.Errorf("Expected ErrBadState, got %v", err)
	}
	if err := s.PutMemState(0x1234, 16, trace.StateUnknown, true); err != nil {
		t.Fatalf("PutMemState failed: %v", err)
	}
	if err := s.TxCommit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	if state, ok := mt.StateAt(0, trace.Address{Space: "ram", Offset: 0x1000}); !ok || state != trace.StateUnknown {
		t.Errorf("Expected quantized unknown state, got %v (%v)", state, ok)
	}
}

func TestDelMemRemovesExactRange(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)
	s.SelectProcess(3)

	syncTx(t, s, func() error {
		if _, err := s.PutMem(0x1000, PageSize, false); err != nil {
			return err
		}
		return s.DelMem(0x1010, 16)
	})

	if _, found := mt.ReadBytes("ram", 0x1010, 16); found != 0 {
		t.Errorf("Expected deleted range empty, got %d bytes", found)
	}
	if _, found := mt.ReadBytes("ram", 0x1000, 16); found != 16 {
		t.Errorf("Expected bytes outside the range kept, got %d", found)
	}
	if state, ok := mt.StateAt(0, trace.Address{Space: "ram", Offset: 0x1010}); !ok || state != trace.StateUnknown {
		t.Errorf("Expected deleted range unknown, got %v (%v)", state, ok)
	}
}

func TestWriteMemPatchesTargetAndTrace(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)
	s.SelectProcess(3)

	patch := []byte("PATCH")
	syncTx(t, s, func() error { return s.WriteMem(0x2000, patch) })

	if !bytes.Equal(fake.wrote[0x2000], patch) {
		t.Errorf("Expected target patched, got %v", fake.wrote)
	}
	stored, found := mt.ReadBytes("ram", 0x2000, uint64(len(patch)))
	if found != len(patch) || !bytes.Equal(stored, patch) {
		t.Errorf("Expected mirrored patch, got %v (%d present)", stored, found)
	}
}

func TestMemoryOpsRequireTransaction(t *testing.T) {
	fake := &fakeEngine{}
	s, _ := newTestSession(t, fake)

	if _, err := s.PutMem(0x1000, 16, false); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction from PutMem, got %v", err)
	}
	if err := s.PutMemState(0x1000, 16, trace.StateKnown, false); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction from PutMemState, got %v", err)
	}
	if err := s.DelMem(0x1000, 16); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction from DelMem, got %v", err)
	}
	if err := s.WriteMem(0x1000, []byte{1}); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction from WriteMem, got %v", err)
	}
}
