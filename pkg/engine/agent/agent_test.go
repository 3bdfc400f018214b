package agent

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/willibrandon/TraceSync/pkg/diag"
)

// fakeAgent answers requests on the far end of a pipe. The handler
// returns the reply value, or an error description to produce an
// error reply.
type fakeAgent struct {
	conn   net.Conn
	handle func(req map[string]any) (any, string)
	before func(req map[string]any, enc *json.Encoder)
}

func (f *fakeAgent) serve() {
	dec := json.NewDecoder(f.conn)
	enc := json.NewEncoder(f.conn)
	for {
		var req map[string]any
		if err := dec.Decode(&req); err != nil {
			return
		}
		if f.before != nil {
			f.before(req, enc)
		}
		id := req["id"]
		value, errDesc := f.handle(req)
		if errDesc != "" {
			enc.Encode(map[string]any{
				"id": id, "type": "error", "key": req["key"], "description": errDesc,
			})
			continue
		}
		enc.Encode(map[string]any{
			"id": id, "type": "value", "key": req["key"], "value": value,
		})
	}
}

func newTestConn(t *testing.T, handle func(req map[string]any) (any, string)) *Conn {
	t.Helper()
	client, server := net.Pipe()
	fake := &fakeAgent{conn: server, handle: handle}
	go fake.serve()
	c := New(client, diag.NewNopLogger())
	t.Cleanup(func() {
		c.Close()
		server.Close()
	})
	return c
}

func TestModulesQuery(t *testing.T) {
	var gotScript string
	c := newTestConn(t, func(req map[string]any) (any, string) {
		if req["key"] != "list_modules" {
			return nil, "unexpected key"
		}
		gotScript, _ = req["script"].(string)
		return []any{
			map[string]any{"name": "libc.so", "base": "0x7f0000000000", "size": float64(4096), "path": "/lib/libc.so"},
		}, ""
	})

	mods, err := c.Modules(100)
	if err != nil {
		t.Fatalf("Modules failed: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("Expected 1 module, got %d", len(mods))
	}
	if mods[0].Name != "libc.so" || mods[0].Base != "0x7f0000000000" {
		t.Errorf("Unexpected module: %+v", mods[0])
	}
	if !strings.Contains(gotScript, "Process.enumerateModules()") {
		t.Errorf("Script missing enumeration call: %q", gotScript)
	}
	if !strings.HasPrefix(gotScript, "var result = ''; ") {
		t.Errorf("Script missing result preamble: %q", gotScript)
	}
	if !strings.Contains(gotScript, "send(JSON.stringify(msg));") {
		t.Errorf("Script missing send trailer: %q", gotScript)
	}
}

func TestSectionsCarriesModuleTag(t *testing.T) {
	var gotData string
	c := newTestConn(t, func(req map[string]any) (any, string) {
		gotData, _ = req["data"].(string)
		return []any{}, ""
	})

	if _, err := c.Sections(100, "0x400000"); err != nil {
		t.Fatalf("Sections failed: %v", err)
	}
	if gotData != "0x400000" {
		t.Errorf("Expected data tag 0x400000, got %q", gotData)
	}
}

func TestErrorReply(t *testing.T) {
	c := newTestConn(t, func(req map[string]any) (any, string) {
		return nil, "process not found"
	})

	_, err := c.Threads(100)
	if err == nil {
		t.Fatal("Expected error from error reply")
	}
	if !strings.Contains(err.Error(), "process not found") {
		t.Errorf("Expected description in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "list_threads") {
		t.Errorf("Expected query key in error, got %v", err)
	}
}

func TestEventDuringQueryUpdatesRunning(t *testing.T) {
	client, server := net.Pipe()
	fake := &fakeAgent{
		conn:   server,
		handle: func(req map[string]any) (any, string) { return []any{}, "" },
		// Slip a state event onto the wire ahead of the reply.
		before: func(req map[string]any, enc *json.Encoder) {
			enc.Encode(map[string]any{"id": 0, "type": "event", "key": "state", "value": "running"})
		},
	}
	go fake.serve()
	c := New(client, diag.NewNopLogger())
	defer c.Close()
	defer server.Close()

	if _, err := c.Regions(100); err != nil {
		t.Fatalf("Regions failed: %v", err)
	}
	if !c.Running() {
		t.Error("Expected running after state event")
	}
}

func TestReadMemoryDecodesBase64(t *testing.T) {
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	var gotAddr string
	c := newTestConn(t, func(req map[string]any) (any, string) {
		args, _ := req["args"].(map[string]any)
		gotAddr, _ = args["address"].(string)
		return base64.StdEncoding.EncodeToString(want), ""
	})

	buf, err := c.ReadMemory(100, 0x1000, len(want))
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if string(buf) != string(want) {
		t.Errorf("Expected %x, got %x", want, buf)
	}
	if gotAddr != "0x1000" {
		t.Errorf("Expected address 0x1000, got %q", gotAddr)
	}
}

func TestSpawnAndResumeTrackState(t *testing.T) {
	c := newTestConn(t, func(req map[string]any) (any, string) {
		switch req["key"] {
		case "spawn":
			return float64(4242), ""
		case "resume", "suspend":
			return nil, ""
		}
		return nil, "unexpected key"
	})

	pid, err := c.Spawn("/bin/target", []string{"-v"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid != 4242 {
		t.Errorf("Expected pid 4242, got %d", pid)
	}
	if c.Running() {
		t.Error("Expected stopped after spawn")
	}
	if c.PID() != 4242 {
		t.Errorf("Expected tracked pid 4242, got %d", c.PID())
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !c.Running() {
		t.Error("Expected running after resume")
	}

	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if c.Running() {
		t.Error("Expected stopped after suspend")
	}
}

func TestPumpEventsTimesOut(t *testing.T) {
	c := newTestConn(t, func(req map[string]any) (any, string) {
		return nil, ""
	})

	start := time.Now()
	c.PumpEvents(20 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("PumpEvents returned early after %v", elapsed)
	}
}
