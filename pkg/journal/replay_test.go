package journal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/willibrandon/TraceSync/pkg/trace"
)

func mustApply(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Failed to apply mutation: %v", err)
	}
}

// buildJournaledTrace drives a representative set of mutations through
// the journaling wrapper and returns the journal path plus the backing
// store trace for comparison.
func buildJournaledTrace(t *testing.T) (string, *trace.MemTrace) {
	t.Helper()
	path := t.TempDir() + "/session.jnl"
	w, err := Create(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	client := trace.NewMemClient()
	jc := NewClient(client, w)
	tr, err := jc.CreateTrace("tracesync/demo", "x86:LE:64:default", "gcc")
	if err != nil {
		t.Fatalf("Failed to create trace: %v", err)
	}

	tx, err := tr.OpenTx("capture")
	if err != nil {
		t.Fatalf("Failed to open transaction: %v", err)
	}
	snap, err := tr.Snapshot("Initial Snapshot")
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	if snap != 0 {
		t.Fatalf("Expected first snapshot 0, got %d", snap)
	}

	one, err := tr.CreateObject("Targets[1]")
	if err != nil {
		t.Fatalf("Failed to create object: %v", err)
	}
	mustApply(t, one.SetValue("_pid", int64(42)))
	mustApply(t, one.SetValue("Name", "demo"))
	mustApply(t, one.Insert())

	two, err := tr.CreateObject("Targets[2]")
	if err != nil {
		t.Fatalf("Failed to create object: %v", err)
	}
	mustApply(t, two.SetValue("_pid", int64(43)))
	mustApply(t, two.Insert())

	mustApply(t, tr.CreateOverlaySpace("register", "t1-regs"))
	rip := []byte{0, 0, 0, 0, 0, 0x40, 0x10, 0}
	mustApply(t, tr.PutRegisters("t1-regs", []trace.RegVal{{Name: "rip", Value: rip}}))
	if _, err := tr.PutBytes(trace.Address{Space: "ram", Offset: 0x1000}, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Failed to put bytes: %v", err)
	}
	mustApply(t, tr.SetMemoryState(trace.AddressRange{Space: "ram", Min: 0x2000, Max: 0x2fff}, trace.StateError))
	mustApply(t, tx.Commit())

	// A second transaction renames target 1, prunes target 2 and drops
	// one captured byte.
	tx2, err := tr.OpenTx("prune")
	if err != nil {
		t.Fatalf("Failed to open second transaction: %v", err)
	}
	if _, err := tr.Snapshot("Step"); err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	mustApply(t, tr.ProxyObject("Targets[1]").SetValue("Name", "demo2"))
	mustApply(t, tr.ProxyObject("Targets").RetainValues([]string{"[1]"}, trace.RetainElements))
	mustApply(t, tr.DeleteBytes(trace.AddressRange{Space: "ram", Min: 0x1002, Max: 0x1002}))
	mustApply(t, tx2.Commit())

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	mt, err := client.Trace("tracesync/demo")
	if err != nil {
		t.Fatalf("Failed to look up trace: %v", err)
	}
	return path, mt.(*trace.MemTrace)
}

func TestReplayRebuildsTrace(t *testing.T) {
	path, mt := buildJournaledTrace(t)

	recs, err := ReadRecords(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	var kinds []Kind
	for _, rec := range recs {
		kinds = append(kinds, rec.Kind)
	}
	wantKinds := []Kind{
		KindCreateTrace,
		KindTxBegin, KindSnapshot,
		KindCreateObject, KindSetValue, KindSetValue, KindInsert,
		KindCreateObject, KindSetValue, KindInsert,
		KindOverlay, KindPutRegisters, KindPutBytes, KindMemState,
		KindTxCommit,
		KindTxBegin, KindSnapshot, KindSetValue, KindRetain, KindDeleteBytes,
		KindTxCommit,
	}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("Journaled kinds differ (-want +got):\n%s", diff)
	}

	rc := trace.NewMemClient()
	rt, err := Replay(path, DefaultOptions(), rc)
	if err != nil {
		t.Fatalf("Failed to replay journal: %v", err)
	}
	if rt.Name() != "tracesync/demo" {
		t.Errorf("Expected trace tracesync/demo, got %q", rt.Name())
	}

	rti, err := rc.Trace("tracesync/demo")
	if err != nil {
		t.Fatalf("Failed to look up replayed trace: %v", err)
	}
	rmt := rti.(*trace.MemTrace)
	if rmt.Language() != "x86:LE:64:default" {
		t.Errorf("Expected replayed language x86:LE:64:default, got %q", rmt.Language())
	}

	var snaps []string
	for _, row := range rmt.Snapshots() {
		snaps = append(snaps, fmt.Sprintf("%d %s", row.Snap, row.Description))
	}
	if diff := cmp.Diff([]string{"0 Initial Snapshot", "1 Step"}, snaps); diff != "" {
		t.Errorf("Replayed snapshots differ (-want +got):\n%s", diff)
	}

	for _, pattern := range []string{"Targets[]", "Targets[1].Name", "Targets[1]._pid", "Targets[2]._pid"} {
		want, err := mt.GetValues(pattern)
		if err != nil {
			t.Fatalf("Failed to query source trace for %q: %v", pattern, err)
		}
		got, err := rt.GetValues(pattern)
		if err != nil {
			t.Fatalf("Failed to query replayed trace for %q: %v", pattern, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Replayed values differ for %q (-want +got):\n%s", pattern, diff)
		}
	}

	// Retention closed target 2 at the second snapshot.
	if diff := cmp.Diff([]trace.Span{{Min: 0, Max: 0}}, rmt.ObjectSpans("Targets[2]")); diff != "" {
		t.Errorf("Replayed spans differ (-want +got):\n%s", diff)
	}

	data, found := rmt.ReadBytes("ram", 0x1000, 4)
	if found != 3 {
		t.Errorf("Expected 3 bytes after replayed delete, got %d", found)
	}
	if diff := cmp.Diff([]byte{1, 2, 0, 4}, data); diff != "" {
		t.Errorf("Replayed memory differs (-want +got):\n%s", diff)
	}
	if st, ok := rmt.StateAt(1, trace.Address{Space: "ram", Offset: 0x2500}); !ok || st != trace.StateError {
		t.Errorf("Expected error state at 0x2500, got %v %v", st, ok)
	}

	regs := rmt.Registers("t1-regs")
	if diff := cmp.Diff([]byte{0, 0, 0, 0, 0, 0x40, 0x10, 0}, regs["rip"]); diff != "" {
		t.Errorf("Replayed rip differs (-want +got):\n%s", diff)
	}
}

func TestReplayToStopsAtCommit(t *testing.T) {
	path, _ := buildJournaledTrace(t)

	recs, err := ReadRecords(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	var firstCommit uint64
	for _, rec := range recs {
		if rec.Kind == KindTxCommit {
			firstCommit = rec.Seq
			break
		}
	}
	if firstCommit == 0 {
		t.Fatal("No commit record in journal")
	}

	rc := trace.NewMemClient()
	rt, err := ReplayTo(path, DefaultOptions(), rc, firstCommit)
	if err != nil {
		t.Fatalf("Failed to replay journal prefix: %v", err)
	}

	rows, err := rt.GetValues("Targets[1].Name")
	if err != nil {
		t.Fatalf("Failed to query replayed trace: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != "demo" {
		t.Errorf("Expected single value demo as of first commit, got %+v", rows)
	}

	rti, err := rc.Trace("tracesync/demo")
	if err != nil {
		t.Fatalf("Failed to look up replayed trace: %v", err)
	}
	rmt := rti.(*trace.MemTrace)
	if n := len(rmt.Snapshots()); n != 1 {
		t.Errorf("Expected 1 snapshot as of first commit, got %d", n)
	}
	if diff := cmp.Diff([]trace.Span{{Min: 0, Max: trace.MaxSnap}}, rmt.ObjectSpans("Targets[2]")); diff != "" {
		t.Errorf("Expected target 2 still open (-want +got):\n%s", diff)
	}
}

func TestReplayToMidTransactionDiscards(t *testing.T) {
	path, _ := buildJournaledTrace(t)

	recs, err := ReadRecords(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	var renameSeq uint64
	for _, rec := range recs {
		if rec.Kind == KindSetValue && rec.Value != nil && rec.Value.Str == "demo2" {
			renameSeq = rec.Seq
			break
		}
	}
	if renameSeq == 0 {
		t.Fatal("No rename record in journal")
	}

	// Stopping inside the second transaction discards its buffer, the
	// same as a crash before commit would have.
	rc := trace.NewMemClient()
	rt, err := ReplayTo(path, DefaultOptions(), rc, renameSeq)
	if err != nil {
		t.Fatalf("Failed to replay journal prefix: %v", err)
	}
	rows, err := rt.GetValues("Targets[1].Name")
	if err != nil {
		t.Fatalf("Failed to query replayed trace: %v", err)
	}
	if len(rows) != 1 || rows[0].Value != "demo" {
		t.Errorf("Expected uncommitted rename discarded, got %+v", rows)
	}
}

func TestReplayAbortsDanglingTransaction(t *testing.T) {
	path := t.TempDir() + "/crash.jnl"
	w, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	for _, rec := range []Record{
		{Kind: KindCreateTrace, Name: "tracesync/crash", Language: "DATA:LE:64:default", Compiler: "default"},
		{Kind: KindTxBegin, Description: "interrupted"},
		{Kind: KindCreateObject, Path: "Targets[1]"},
		{Kind: KindInsert, Path: "Targets[1]"},
		{Kind: KindSetValue, Path: "Targets[1]", Key: "Name", Value: &TaggedValue{Type: "str", Str: "ghost"}},
	} {
		if err := w.Append(rec); err != nil {
			t.Fatalf("Failed to append record: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	rc := trace.NewMemClient()
	rt, err := Replay(path, Options{}, rc)
	if err != nil {
		t.Fatalf("Failed to replay crashed journal: %v", err)
	}
	rows, err := rt.GetValues("Targets[1].Name")
	if err != nil {
		t.Fatalf("Failed to query replayed trace: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected uncommitted work discarded, got %+v", rows)
	}
}

func TestReplayRequiresCreateTraceFirst(t *testing.T) {
	path := t.TempDir() + "/headless.jnl"
	w, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	if err := w.Append(Record{Kind: KindTxBegin, Description: "orphan"}); err != nil {
		t.Fatalf("Failed to append record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	if _, err := Replay(path, Options{}, trace.NewMemClient()); !errors.Is(err, ErrBadRecord) {
		t.Errorf("Expected ErrBadRecord, got %v", err)
	}
}

func TestReplayEmptyJournal(t *testing.T) {
	path := t.TempDir() + "/empty.jnl"
	w, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	if _, err := Replay(path, Options{}, trace.NewMemClient()); !errors.Is(err, ErrNoTrace) {
		t.Errorf("Expected ErrNoTrace, got %v", err)
	}
}

func TestSaveFlushesJournal(t *testing.T) {
	path := t.TempDir() + "/save.jnl"
	w, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	defer w.Close()

	jc := NewClient(trace.NewMemClient(), w)
	tr, err := jc.CreateTrace("tracesync/save", "DATA:LE:64:default", "default")
	if err != nil {
		t.Fatalf("Failed to create trace: %v", err)
	}
	tx, err := tr.OpenTx("work")
	if err != nil {
		t.Fatalf("Failed to open transaction: %v", err)
	}
	obj, err := tr.CreateObject("Targets[1]")
	if err != nil {
		t.Fatalf("Failed to create object: %v", err)
	}
	mustApply(t, obj.Insert())
	mustApply(t, tx.Commit())

	saver, ok := tr.(interface{ Save() error })
	if !ok {
		t.Fatal("Expected journaled trace to support Save")
	}
	if err := saver.Save(); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// The writer is still open; Save alone must have made the records
	// readable.
	recs, err := ReadRecords(path, Options{})
	if err != nil {
		t.Fatalf("Failed to read journal after save: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("Expected 5 records after save, got %d", len(recs))
	}
}

func TestWrapperSkipsFailedMutations(t *testing.T) {
	path := t.TempDir() + "/fail.jnl"
	w, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	jc := NewClient(trace.NewMemClient(), w)
	tr, err := jc.CreateTrace("tracesync/fail", "DATA:LE:64:default", "default")
	if err != nil {
		t.Fatalf("Failed to create trace: %v", err)
	}

	// No transaction is open, so every mutation fails before the
	// journal sees it.
	if err := tr.ProxyObject("Targets[1]").SetValue("Name", "x"); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction, got %v", err)
	}
	if _, err := tr.PutBytes(trace.Address{Space: "ram", Offset: 0}, []byte{1}); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	recs, err := ReadRecords(path, Options{})
	if err != nil {
		t.Fatalf("Failed to read journal: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != KindCreateTrace {
		t.Errorf("Expected only the createTrace record, got %+v", recs)
	}
}
