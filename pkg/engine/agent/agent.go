// Package agent implements the engine backend that talks to an
// instrumentation agent over a socket. Requests and replies are
// newline-delimited JSON. Enumeration requests carry the script the
// agent injects into the target; control requests such as attach and
// read_memory carry no script and are handled by the agent host
// itself. Every request gets exactly one reply, matched by id;
// unsolicited state events carry id zero.
package agent

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
)

// queryTimeout bounds one request round trip.
const queryTimeout = 30 * time.Second

type request struct {
	ID     int64          `json:"id"`
	Key    string         `json:"key"`
	Script string         `json:"script,omitempty"`
	Data   string         `json:"data,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

type reply struct {
	ID int64 `json:"id"`
	engine.Reply
}

// Conn is an engine backed by an agent connection.
type Conn struct {
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	log     diag.Logger
	mu      sync.Mutex
	nextID  atomic.Int64
	running atomic.Bool
	pid     atomic.Int64
}

var _ engine.Engine = (*Conn)(nil)

// Dial connects to an agent listening on addr.
func Dial(addr string, log diag.Logger) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return New(conn, log), nil
}

// New wraps an established agent connection.
func New(conn net.Conn, log diag.Logger) *Conn {
	return &Conn{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
		log:  log,
	}
}

func (c *Conn) Name() string { return "agent" }

func (c *Conn) Running() bool { return c.running.Load() }

// PID returns the attached process id, or zero.
func (c *Conn) PID() int { return int(c.pid.Load()) }

func (c *Conn) Close() error {
	return c.conn.Close()
}

// PumpEvents reads unsolicited agent messages for up to timeout.
func (c *Conn) PumpEvents(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var r reply
		if err := c.dec.Decode(&r); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			return
		}
		c.handleEvent(r)
	}
}

func (c *Conn) handleEvent(r reply) {
	switch r.Key {
	case "state":
		if s, ok := r.Value.(string); ok {
			c.running.Store(s == "running")
		}
	default:
		c.log.Debugf("agent event %s: %v", r.Key, r.Value)
	}
}

// query sends one request and waits for its reply, handling any
// events that arrive in between.
func (c *Conn) query(req request) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.ID = c.nextID.Add(1)
	c.conn.SetWriteDeadline(time.Now().Add(queryTimeout))
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("%s: send: %w", req.Key, err)
	}
	c.conn.SetReadDeadline(time.Now().Add(queryTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var r reply
		if err := c.dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("%s: recv: %w", req.Key, err)
		}
		if r.ID != req.ID {
			c.handleEvent(r)
			continue
		}
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", req.Key, err)
		}
		return r.Value, nil
	}
}

// script wraps an agent-side expression the way injected scripts are
// built: the expression assigns result, and the script sends it back
// tagged with the query key.
func script(key, cmd string) string {
	return "var result = ''; " + cmd +
		" var msg = { key: '" + key + "', value: result}; send(JSON.stringify(msg));"
}

func (c *Conn) runScript(key, cmd string) (any, error) {
	return c.query(request{Key: key, Script: script(key, cmd)})
}

func (c *Conn) runScriptWithData(key, cmd, data string) (any, error) {
	return c.query(request{Key: key, Script: script(key, cmd), Data: data})
}

func (c *Conn) SystemParameters() (map[string]any, error) {
	v, err := c.query(request{Key: "query_system_parameters"})
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("query_system_parameters: unexpected payload %T", v)
	}
	return m, nil
}

func (c *Conn) SessionAttributes() (map[string]any, error) {
	cmd := "var d = {};" +
		"d['version'] = Frida.version;" +
		"d['heapSize'] = Frida.heapSize;" +
		"d['id'] = Process.id;" +
		"d['arch'] = Process.arch;" +
		"d['os'] = Process.platform;" +
		"d['pageSize'] = Process.pageSize;" +
		"d['pointerSize'] = Process.pointerSize;" +
		"d['codeSigning'] = Process.codeSigningPolicy;" +
		"d['debugger'] = Process.isDebuggerAttached();" +
		"d['runtime'] = Script.runtime;" +
		"d['kernel'] = Kernel.available;" +
		"if (Kernel.available) {" +
		"   d['kbase'] = Kernel.base;" +
		"   d['kPageSize'] = Kernel.pageSize;" +
		"}" +
		"result = d;"
	v, err := c.runScript("get_session_attributes", cmd)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("get_session_attributes: unexpected payload %T", v)
	}
	return m, nil
}

func (c *Conn) Sessions() ([]engine.Session, error) {
	v, err := c.query(request{Key: "enumerate_devices"})
	if err != nil {
		return nil, err
	}
	return engine.DecodeSessions(v, c.log), nil
}

func (c *Conn) Processes() ([]engine.Process, error) {
	v, err := c.query(request{Key: "enumerate_attached"})
	if err != nil {
		return nil, err
	}
	return engine.DecodeProcesses(v, c.log), nil
}

func (c *Conn) AvailableProcesses() ([]engine.Process, error) {
	v, err := c.query(request{Key: "enumerate_processes"})
	if err != nil {
		return nil, err
	}
	return engine.DecodeProcesses(v, c.log), nil
}

func (c *Conn) Applications() ([]engine.Application, error) {
	v, err := c.query(request{Key: "enumerate_applications"})
	if err != nil {
		return nil, err
	}
	return engine.DecodeApplications(v, c.log), nil
}

func (c *Conn) Regions(pid int) ([]engine.Region, error) {
	v, err := c.runScript("list_ranges", "result = Process.enumerateRanges('---');")
	if err != nil {
		return nil, err
	}
	return engine.DecodeRegions(v, c.log), nil
}

func (c *Conn) KernelRegions() ([]engine.Region, error) {
	v, err := c.runScript("list_ranges", "result = Kernel.enumerateRanges('---');")
	if err != nil {
		return nil, err
	}
	return engine.DecodeRegions(v, c.log), nil
}

func (c *Conn) HeapRanges(pid int) ([]engine.HeapRange, error) {
	v, err := c.runScript("list_heap_ranges", "result = Process.enumerateMallocRanges('---');")
	if err != nil {
		return nil, err
	}
	return engine.DecodeHeapRanges(v, c.log), nil
}

func (c *Conn) Modules(pid int) ([]engine.Module, error) {
	v, err := c.runScript("list_modules", "result = Process.enumerateModules();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeModules(v, c.log), nil
}

func (c *Conn) KernelModules() ([]engine.Module, error) {
	v, err := c.runScript("list_kmodules", "result = Kernel.enumerateModules();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeModules(v, c.log), nil
}

func (c *Conn) Sections(pid int, modAddr string) ([]engine.Region, error) {
	cmd := "result = Process.findModuleByAddress('" + modAddr + "').enumerateRanges('---');"
	v, err := c.runScriptWithData("list_sections", cmd, modAddr)
	if err != nil {
		return nil, err
	}
	return engine.DecodeRegions(v, c.log), nil
}

func (c *Conn) Imports(pid int, modAddr string) ([]engine.Import, error) {
	cmd := "result = Process.findModuleByAddress('" + modAddr + "').enumerateImports();"
	v, err := c.runScriptWithData("list_imports", cmd, modAddr)
	if err != nil {
		return nil, err
	}
	return engine.DecodeImports(v, c.log), nil
}

func (c *Conn) Exports(pid int, modAddr string) ([]engine.Export, error) {
	cmd := "result = Process.findModuleByAddress('" + modAddr + "').enumerateExports();"
	v, err := c.runScriptWithData("list_exports", cmd, modAddr)
	if err != nil {
		return nil, err
	}
	return engine.DecodeExports(v, c.log), nil
}

func (c *Conn) Symbols(pid int, modAddr string) ([]engine.Symbol, error) {
	cmd := "result = Process.findModuleByAddress('" + modAddr + "').enumerateSymbols();"
	v, err := c.runScriptWithData("list_symbols", cmd, modAddr)
	if err != nil {
		return nil, err
	}
	return engine.DecodeSymbols(v, c.log), nil
}

func (c *Conn) Dependencies(pid int, modAddr string) ([]engine.Dependency, error) {
	cmd := "result = Process.findModuleByAddress('" + modAddr + "').enumerateDependencies();"
	v, err := c.runScriptWithData("list_dependencies", cmd, modAddr)
	if err != nil {
		return nil, err
	}
	return engine.DecodeDependencies(v, c.log), nil
}

func (c *Conn) Threads(pid int) ([]engine.Thread, error) {
	v, err := c.runScript("list_threads", "result = Process.enumerateThreads();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeThreads(v, c.log), nil
}

func (c *Conn) Frames(pid, tid int) ([]engine.Frame, error) {
	cmd := "result = Thread.backtrace(this.context, Backtracer.ACCURATE).map(DebugSymbol.fromAddress);"
	v, err := c.query(request{
		Key:    "list_frames",
		Script: script("list_frames", cmd),
		Args:   map[string]any{"tid": tid},
	})
	if err != nil {
		return nil, err
	}
	return engine.DecodeFrames(v, c.log), nil
}

func (c *Conn) LoadedClassesObjC(pid int) ([]engine.Class, error) {
	v, err := c.runScript("list_loaded_classes", "result = ObjC.enumerateLoadedClassesSync();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeClasses(v, c.log), nil
}

func (c *Conn) LoadedClassesJava(pid int) ([]engine.Class, error) {
	v, err := c.runScript("list_loaded_classes", "result = Java.enumerateLoadedClassesSync();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeClasses(v, c.log), nil
}

func (c *Conn) ClassLoaders(pid int) ([]string, error) {
	v, err := c.runScript("list_class_loaders", "result = Java.enumerateClassLoadersSync();")
	if err != nil {
		return nil, err
	}
	return engine.DecodeClassLoaders(v, c.log), nil
}

func (c *Conn) ReadMemory(pid int, addr uint64, length int) ([]byte, error) {
	v, err := c.query(request{
		Key: "read_memory",
		Args: map[string]any{
			"address": engine.FormatAddress(addr),
			"length":  length,
		},
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("read_memory: unexpected payload %T", v)
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("read_memory: %w", err)
	}
	return buf, nil
}

func (c *Conn) WriteMemory(pid int, addr uint64, data []byte) error {
	_, err := c.query(request{
		Key: "write_memory",
		Args: map[string]any{
			"address": engine.FormatAddress(addr),
			"data":    base64.StdEncoding.EncodeToString(data),
		},
	})
	return err
}

func (c *Conn) Attach(pid int) error {
	_, err := c.query(request{Key: "attach", Args: map[string]any{"pid": pid}})
	if err != nil {
		return err
	}
	c.pid.Store(int64(pid))
	c.running.Store(false)
	return nil
}

func (c *Conn) Spawn(path string, args []string) (int, error) {
	v, err := c.query(request{
		Key:  "spawn",
		Args: map[string]any{"path": path, "args": args},
	})
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("spawn: unexpected payload %T", v)
	}
	pid := int(f)
	c.pid.Store(int64(pid))
	c.running.Store(false)
	return pid, nil
}

func (c *Conn) Resume() error {
	_, err := c.query(request{Key: "resume"})
	if err != nil {
		return err
	}
	c.running.Store(true)
	return nil
}

func (c *Conn) Suspend() error {
	_, err := c.query(request{Key: "suspend"})
	if err != nil {
		return err
	}
	c.running.Store(false)
	return nil
}

func (c *Conn) Kill() error {
	_, err := c.query(request{Key: "kill"})
	if err != nil {
		return err
	}
	c.running.Store(false)
	c.pid.Store(0)
	return nil
}
