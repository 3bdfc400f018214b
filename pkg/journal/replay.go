package journal

import (
	"fmt"
	"math"

	"github.com/willibrandon/TraceSync/pkg/trace"
)

// Replay re-applies the journal at path into client, reconstructing the
// trace it documents. A journal that records several traces (a session
// restart) replays them all; the most recently created trace is
// returned. A trailing transaction with no commit is aborted, matching
// the store's buffered semantics for work in flight at a crash.
func Replay(path string, opts Options, client trace.Client) (trace.Trace, error) {
	return ReplayTo(path, opts, client, math.MaxUint64)
}

// ReplayTo replays records with sequence numbers at or below maxSeq,
// leaving the trace as of that point in the journal.
func ReplayTo(path string, opts Options, client trace.Client, maxSeq uint64) (trace.Trace, error) {
	r := replayer{client: client}
	err := ForEachRecord(path, opts, func(rec Record) error {
		if rec.Seq > maxSeq {
			return ErrStop
		}
		return r.apply(rec)
	})
	if r.tx != nil {
		r.tx.Abort()
		r.tx = nil
	}
	if err != nil {
		return nil, err
	}
	if r.trace == nil {
		return nil, ErrNoTrace
	}
	return r.trace, nil
}

// replayer tracks the trace and transaction a record stream is applied
// to. One transaction slot suffices: journals written through Client
// have at most one trace mutating at a time.
type replayer struct {
	client trace.Client
	trace  trace.Trace
	tx     trace.Tx
}

func (r *replayer) apply(rec Record) error {
	if rec.Kind == KindCreateTrace {
		t, err := r.client.CreateTrace(rec.Name, rec.Language, rec.Compiler)
		if err != nil {
			return fmt.Errorf("replay %d: %w", rec.Seq, err)
		}
		r.trace = t
		return nil
	}
	if r.trace == nil {
		return fmt.Errorf("%w: %s record %d before createTrace", ErrBadRecord, rec.Kind, rec.Seq)
	}
	if err := r.applyTo(r.trace, rec); err != nil {
		return fmt.Errorf("replay %d: %w", rec.Seq, err)
	}
	return nil
}

func (r *replayer) applyTo(t trace.Trace, rec Record) error {
	switch rec.Kind {
	case KindTxBegin:
		tx, err := t.OpenTx(rec.Description)
		if err != nil {
			return err
		}
		r.tx = tx
		return nil

	case KindTxCommit:
		if r.tx == nil {
			return fmt.Errorf("%w: commit with no transaction", ErrBadRecord)
		}
		err := r.tx.Commit()
		r.tx = nil
		return err

	case KindTxAbort:
		if r.tx == nil {
			return fmt.Errorf("%w: abort with no transaction", ErrBadRecord)
		}
		err := r.tx.Abort()
		r.tx = nil
		return err

	case KindSnapshot:
		snap, err := t.Snapshot(rec.Description)
		if err != nil {
			return err
		}
		// Snapshot keys are assigned deterministically, so a drifting
		// key means records are missing from the journal.
		if snap != rec.Snap {
			return fmt.Errorf("%w: snapshot %d replayed as %d", ErrBadRecord, rec.Snap, snap)
		}
		return nil

	case KindSetSnap:
		return t.SetSnap(rec.Snap)

	case KindCreateObject:
		_, err := t.CreateObject(rec.Path)
		return err

	case KindInsert:
		return t.ProxyObject(rec.Path).Insert()

	case KindRemove:
		return t.ProxyObject(rec.Path).Remove()

	case KindSetValue:
		v, err := rec.Value.Decode()
		if err != nil {
			return err
		}
		return t.ProxyObject(rec.Path).SetValue(rec.Key, v)

	case KindRetain:
		kind, err := retainKindFromString(rec.Retain)
		if err != nil {
			return err
		}
		return t.ProxyObject(rec.Path).RetainValues(rec.Keys, kind)

	case KindOverlay:
		return t.CreateOverlaySpace(rec.Base, rec.Overlay)

	case KindPutBytes:
		_, err := t.PutBytes(trace.Address{Space: rec.Space, Offset: rec.Min}, rec.Data)
		return err

	case KindMemState:
		switch trace.MemState(rec.State) {
		case trace.StateKnown, trace.StateUnknown, trace.StateError:
		default:
			return fmt.Errorf("%w: memory state %q", ErrBadRecord, rec.State)
		}
		rng := trace.AddressRange{Space: rec.Space, Min: rec.Min, Max: rec.Max}
		return t.SetMemoryState(rng, trace.MemState(rec.State))

	case KindDeleteBytes:
		return t.DeleteBytes(trace.AddressRange{Space: rec.Space, Min: rec.Min, Max: rec.Max})

	case KindPutRegisters:
		vals := make([]trace.RegVal, len(rec.Registers))
		for i, reg := range rec.Registers {
			vals[i] = trace.RegVal{Name: reg.Name, Value: reg.Value}
		}
		return t.PutRegisters(rec.Space, vals)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrBadRecord, rec.Kind)
}
