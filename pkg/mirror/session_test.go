package mirror

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/trace"
	"github.com/willibrandon/TraceSync/pkg/version"
)

func TestTraceName(t *testing.T) {
	tests := []struct {
		name     string
		progname string
		want     string
	}{
		{"Empty", "", "tracesync/noname"},
		{"Bare", "app", "tracesync/app"},
		{"UnixPath", "/usr/bin/app", "tracesync/app"},
		{"WindowsPath", `C:\Program Files\app.exe`, "tracesync/app.exe"},
		{"TrailingSlash", "dir/", "tracesync/dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TraceName(tt.progname); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStartCreatesRootBanner(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)

	banner, ok := valueAt(t, mt, "_display").(string)
	if !ok {
		t.Fatal("Expected a string banner on the root object")
	}
	if !strings.HasPrefix(banner, version.GetVersionInfo()) || !strings.HasSuffix(banner, "via fake") {
		t.Errorf("Expected version banner via backend name, got %q", banner)
	}
	// Without a platform report the language degrades to raw data.
	if got := mt.Language(); got != "DATA:LE:64:default" {
		t.Errorf("Expected fallback language, got %s", got)
	}

	if err := s.Start("tracesync/other"); !errors.Is(err, ErrTraceActive) {
		t.Errorf("Expected ErrTraceActive for second start, got %v", err)
	}
}

func TestStopAbortsOpenTransaction(t *testing.T) {
	fake := &fakeEngine{procs: []engine.Process{{PID: 1, Name: "a"}}}
	s, mt := newTestSession(t, fake)

	if err := s.TxStart("doomed"); err != nil {
		t.Fatalf("Failed to start transaction: %v", err)
	}
	if err := s.PutProcesses(); err != nil {
		t.Fatalf("PutProcesses failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	if len(mt.ObjectSpans(ProcessPath("local", 1))) != 0 {
		t.Error("Expected uncommitted work discarded on stop")
	}
	if _, err := s.GetValues("Sessions[]"); !errors.Is(err, ErrNoTrace) {
		t.Errorf("Expected ErrNoTrace after stop, got %v", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNoTrace) {
		t.Errorf("Expected ErrNoTrace for second stop, got %v", err)
	}
}

func TestRestartOpensFreshTrace(t *testing.T) {
	fake := &fakeEngine{}
	s, _ := newTestSession(t, fake)

	if err := s.Restart("tracesync/second"); err != nil {
		t.Fatalf("Failed to restart: %v", err)
	}
	if _, err := s.GetValues("_display"); err != nil {
		t.Errorf("Expected a live trace after restart, got %v", err)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)

	if err := s.TxCommit(); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction for commit, got %v", err)
	}
	if err := s.TxAbort(); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction for abort, got %v", err)
	}
	if _, err := s.NewSnap("early"); !errors.Is(err, trace.ErrNoTransaction) {
		t.Errorf("Expected ErrNoTransaction for snapshot, got %v", err)
	}

	if err := s.TxStart("first"); err != nil {
		t.Fatalf("Failed to start transaction: %v", err)
	}
	if err := s.TxStart("second"); !errors.Is(err, trace.ErrTransactionOpen) {
		t.Errorf("Expected ErrTransactionOpen, got %v", err)
	}

	first, err := s.NewSnap("created")
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	if first != 0 {
		t.Errorf("Expected first snapshot 0, got %d", first)
	}
	second, err := s.NewSnap("advanced")
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	if second != 1 {
		t.Errorf("Expected second snapshot 1, got %d", second)
	}
	if err := s.TxCommit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	var descs []string
	for _, row := range mt.Snapshots() {
		descs = append(descs, row.Description)
	}
	if diff := cmp.Diff([]string{"created", "advanced"}, descs); diff != "" {
		t.Errorf("Snapshot descriptions mismatch (-want +got):\n%s", diff)
	}

	if err := s.SetSnap(5); err != nil {
		t.Fatalf("Failed to set snapshot: %v", err)
	}
	if got := mt.Snap(); got != 5 {
		t.Errorf("Expected current snapshot 5, got %d", got)
	}
}

func TestAttachRecordsProcess(t *testing.T) {
	fake := &fakeEngine{avail: []engine.Process{{PID: 4242, Name: "worker"}}}
	s, mt := newTestSession(t, fake)

	if err := s.Attach(4242); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	if diff := cmp.Diff([]int{4242}, fake.attached); diff != "" {
		t.Errorf("Attach calls mismatch (-want +got):\n%s", diff)
	}
	if got := s.Selection().PID; got != 4242 {
		t.Errorf("Expected pid 4242 selected, got %d", got)
	}
	if got := valueAt(t, mt, ProcessPath("local", 4242)+"._display"); got != "0x1092 worker" {
		t.Errorf("Expected attached process mirrored, got %v", got)
	}

	if err := s.Attach(7); err == nil || !strings.Contains(err.Error(), "no process 7") {
		t.Errorf("Expected unknown pid rejected, got %v", err)
	}
	if len(fake.attached) != 1 {
		t.Error("Expected no attach call for unknown pid")
	}
}

func TestAttachWithoutEnumeration(t *testing.T) {
	// A backend that cannot list processes still attaches on trust.
	fake := &fakeEngine{}
	s, mt := newTestSession(t, fake)

	if err := s.Attach(5); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	if diff := cmp.Diff([]int{5}, fake.attached); diff != "" {
		t.Errorf("Attach calls mismatch (-want +got):\n%s", diff)
	}
	if len(mt.ObjectSpans(ProcessPath("local", 5))) == 0 {
		t.Error("Expected process object recorded")
	}
}

func TestSpawnMarksInitialSnapshot(t *testing.T) {
	fake := &fakeEngine{spawnPID: 77}
	s, mt := newTestSession(t, fake)

	pid, err := s.Spawn("/bin/target", []string{"-x"}, false)
	if err != nil {
		t.Fatalf("Failed to spawn: %v", err)
	}
	if pid != 77 {
		t.Errorf("Expected pid 77, got %d", pid)
	}
	if got := s.Selection().PID; got != 77 {
		t.Errorf("Expected spawned pid selected, got %d", got)
	}
	if diff := cmp.Diff([][]string{{"/bin/target", "-x"}}, fake.spawned); diff != "" {
		t.Errorf("Spawn calls mismatch (-want +got):\n%s", diff)
	}
	snaps := mt.Snapshots()
	if len(snaps) != 1 || snaps[0].Description != "Initial Snapshot" {
		t.Errorf("Expected the initial snapshot, got %v", snaps)
	}
}

func TestFindProcessesFiltersByName(t *testing.T) {
	fake := &fakeEngine{avail: []engine.Process{
		{PID: 1, Name: "app"},
		{PID: 2, Name: "other"},
		{PID: 3, Name: "app"},
	}}
	s, _ := newTestSession(t, fake)

	found, err := s.FindProcesses("app")
	if err != nil {
		t.Fatalf("FindProcesses failed: %v", err)
	}
	want := []engine.Process{{PID: 1, Name: "app"}, {PID: 3, Name: "app"}}
	if diff := cmp.Diff(want, found); diff != "" {
		t.Errorf("Matches mismatch (-want +got):\n%s", diff)
	}
}

func TestControlForwardsToEngine(t *testing.T) {
	fake := &fakeEngine{}
	s, _ := newTestSession(t, fake)

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := s.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if fake.resumes != 1 || fake.suspends != 1 || fake.kills != 1 {
		t.Errorf("Expected one of each control call, got resume=%d suspend=%d kill=%d",
			fake.resumes, fake.suspends, fake.kills)
	}
}

func TestSessionRequiresClient(t *testing.T) {
	fake := &fakeEngine{}
	exec := engine.NewExecutor(fake, diag.NewNopLogger())
	t.Cleanup(func() { exec.Close() })
	s, err := NewSession(nil, exec, diag.NewNopLogger(), Options{})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := s.Start("tracesync/test"); !errors.Is(err, ErrNoClient) {
		t.Errorf("Expected ErrNoClient, got %v", err)
	}
}

func TestOctalAndDecimalRadix(t *testing.T) {
	for _, tt := range []struct {
		radix int
		want  string
	}{
		{8, "010 a"},
		{10, "8 a"},
	} {
		fake := &fakeEngine{procs: []engine.Process{{PID: 8, Name: "a"}}}
		exec := engine.NewExecutor(fake, diag.NewNopLogger())
		t.Cleanup(func() { exec.Close() })
		client := trace.NewMemClient()
		s, err := NewSession(client, exec, diag.NewNopLogger(), Options{Radix: tt.radix})
		if err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
		if err := s.Start("tracesync/test"); err != nil {
			t.Fatalf("Failed to start trace: %v", err)
		}
		tr, err := client.Trace("tracesync/test")
		if err != nil {
			t.Fatalf("Failed to reopen trace: %v", err)
		}
		mt := tr.(*trace.MemTrace)
		syncTx(t, s, s.PutProcesses)
		if got := valueAt(t, mt, ProcessPath("local", 8)+"._display"); got != tt.want {
			t.Errorf("Radix %d: expected display %q, got %v", tt.radix, tt.want, got)
		}
	}
}
