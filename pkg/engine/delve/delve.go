// Package delve implements the engine backend for Go targets on top
// of a headless Delve server. It supports the process, module, thread,
// frame and memory enumerations; agent-only surfaces such as heap
// ranges and runtime classes report ErrUnsupported and are skipped by
// the mirror.
package delve

import (
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"

	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
)

// Debugger drives one headless Delve server and the target it owns.
type Debugger struct {
	engine.Unsupported

	log    diag.Logger
	client *rpc2.RPCClient
	dlvCmd *exec.Cmd
	listen string
	target string

	pid     int
	running atomic.Bool
}

var _ engine.Engine = (*Debugger)(nil)

// New returns an unattached Delve backend. Spawn or Attach starts the
// dlv server and connects to it.
func New(log diag.Logger) *Debugger {
	return &Debugger{log: log}
}

// findFreePort finds an available TCP port on localhost.
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// start launches dlv with the given subcommand and connects the RPC
// client. The server is torn down again if the connection check fails.
func (d *Debugger) start(subcmd []string) error {
	if d.client != nil {
		return fmt.Errorf("delve: already attached to %s", d.target)
	}

	port, err := findFreePort()
	if err != nil {
		return fmt.Errorf("find free port for delve: %w", err)
	}
	listen := "localhost:" + strconv.Itoa(port)

	cmdArgs := append([]string{}, subcmd...)
	cmdArgs = append(cmdArgs,
		"--headless",
		"--listen="+listen,
		"--api-version=2",
		"--accept-multiclient",
	)
	dlvCmd := exec.Command("dlv", cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		return fmt.Errorf("start delve process: %w", err)
	}
	d.log.Infof("started delve server on %s (pid %d)", listen, dlvCmd.Process.Pid)

	// Give the server a moment to come up before the connection check.
	time.Sleep(time.Second)

	client := rpc2.NewClient(listen)
	state, err := client.GetState()
	if err != nil {
		_ = dlvCmd.Process.Kill()
		_, _ = dlvCmd.Process.Wait()
		return fmt.Errorf("connect to delve server at %s: %w", listen, err)
	}

	d.client = client
	d.dlvCmd = dlvCmd
	d.listen = listen
	d.pid = client.ProcessPid()
	d.updateState(state)
	return nil
}

func (d *Debugger) updateState(state *api.DebuggerState) {
	if state == nil {
		return
	}
	d.running.Store(state.Running && !state.Exited)
}

func (d *Debugger) Name() string { return "delve" }

func (d *Debugger) Running() bool { return d.running.Load() }

// PID returns the target process id, or zero before attach.
func (d *Debugger) PID() int { return d.pid }

// PumpEvents refreshes the cached target state.
func (d *Debugger) PumpEvents(timeout time.Duration) {
	if d.client == nil {
		return
	}
	state, err := d.client.GetStateNonBlocking()
	if err != nil {
		return
	}
	d.updateState(state)
}

// Spawn launches the target under a fresh dlv exec server.
func (d *Debugger) Spawn(path string, args []string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolve target %s: %w", path, err)
	}
	subcmd := []string{"exec", absPath}
	if len(args) > 0 {
		subcmd = append(subcmd, "--")
		subcmd = append(subcmd, args...)
	}
	if err := d.start(subcmd); err != nil {
		return 0, err
	}
	d.target = absPath
	return d.pid, nil
}

// Attach connects a fresh dlv attach server to a running process.
func (d *Debugger) Attach(pid int) error {
	if err := d.start([]string{"attach", strconv.Itoa(pid)}); err != nil {
		return err
	}
	d.target = "pid " + strconv.Itoa(pid)
	return nil
}

func (d *Debugger) SystemParameters() (map[string]any, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	return map[string]any{
		"arch":        hostArch(),
		"os":          hostOS(),
		"pointerSize": pointerSize(),
	}, nil
}

func (d *Debugger) SessionAttributes() (map[string]any, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	ver, err := d.client.GetVersion()
	if err != nil {
		return nil, fmt.Errorf("delve version: %w", err)
	}
	return map[string]any{
		"version":  ver.DelveVersion,
		"debugger": true,
		"runtime":  "go",
	}, nil
}

func (d *Debugger) Processes() ([]engine.Process, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	return []engine.Process{{
		PID:  d.pid,
		Name: filepath.Base(d.target),
	}}, nil
}

func (d *Debugger) Modules(pid int) ([]engine.Module, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	images, err := d.client.ListDynamicLibraries()
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	mods := make([]engine.Module, 0, len(images))
	for _, img := range images {
		mods = append(mods, engine.Module{
			Name: filepath.Base(img.Path),
			Path: img.Path,
			Base: engine.FormatAddress(img.Address),
		})
	}
	return mods, nil
}

func (d *Debugger) Threads(pid int) ([]engine.Thread, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	threads, err := d.client.ListThreads()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	out := make([]engine.Thread, 0, len(threads))
	for _, th := range threads {
		name := ""
		if th.Function != nil {
			name = th.Function.Name()
		}
		out = append(out, engine.Thread{
			TID:     th.ID,
			Name:    name,
			State:   threadState(d.running.Load()),
			Context: d.threadContext(th.ID),
		})
	}
	return out, nil
}

// threadContext reads a thread's registers, lowercased to the
// conventional names used in language registries. A register read
// failure leaves the context empty rather than failing the batch.
func (d *Debugger) threadContext(tid int) map[string]string {
	regs, err := d.client.ListThreadRegisters(tid, false)
	if err != nil {
		d.log.Warnf("registers of thread %d: %v", tid, err)
		return nil
	}
	ctx := make(map[string]string, len(regs))
	for _, r := range regs {
		ctx[strings.ToLower(r.Name)] = r.Value
	}
	return ctx
}

func threadState(running bool) string {
	if running {
		return "RUNNING"
	}
	return "STOPPED"
}

func (d *Debugger) Frames(pid, tid int) ([]engine.Frame, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	gid, err := d.goroutineOf(tid)
	if err != nil {
		return nil, err
	}
	frames, err := d.client.Stacktrace(gid, 64, api.StacktraceSimple, nil)
	if err != nil {
		return nil, fmt.Errorf("stacktrace of thread %d: %w", tid, err)
	}
	out := make([]engine.Frame, 0, len(frames))
	for _, fr := range frames {
		name := ""
		if fr.Function != nil {
			name = fr.Function.Name()
		}
		out = append(out, engine.Frame{
			Address: engine.FormatAddress(fr.PC),
			Name:    name,
			File:    fr.File,
			Line:    fr.Line,
		})
	}
	return out, nil
}

// goroutineOf maps a thread to the goroutine running on it, falling
// back to the selected goroutine for pure runtime threads.
func (d *Debugger) goroutineOf(tid int) (int64, error) {
	threads, err := d.client.ListThreads()
	if err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}
	for _, th := range threads {
		if th.ID == tid && th.GoroutineID > 0 {
			return th.GoroutineID, nil
		}
	}
	return -1, nil
}

func (d *Debugger) ReadMemory(pid int, addr uint64, length int) ([]byte, error) {
	if d.client == nil {
		return nil, engine.ErrNotConnected
	}
	buf, _, err := d.client.ExamineMemory(addr, length)
	if err != nil {
		return nil, fmt.Errorf("read memory at %s: %w", engine.FormatAddress(addr), err)
	}
	return buf, nil
}

// Resume continues the target. Delve's continue blocks until the next
// stop, so it is consumed on a separate goroutine while the state flag
// reports the target as running.
func (d *Debugger) Resume() error {
	if d.client == nil {
		return engine.ErrNotConnected
	}
	d.running.Store(true)
	ch := d.client.Continue()
	go func() {
		for state := range ch {
			if state.Err != nil {
				d.log.Warnf("continue: %v", state.Err)
			}
			d.updateState(state)
		}
		d.running.Store(false)
	}()
	return nil
}

func (d *Debugger) Suspend() error {
	if d.client == nil {
		return engine.ErrNotConnected
	}
	state, err := d.client.Halt()
	if err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	d.updateState(state)
	return nil
}

func (d *Debugger) Kill() error {
	if d.client == nil {
		return engine.ErrNotConnected
	}
	if err := d.client.Detach(true); err != nil {
		return fmt.Errorf("kill target: %w", err)
	}
	d.running.Store(false)
	return nil
}

// Close disconnects the RPC client and terminates the dlv server.
func (d *Debugger) Close() error {
	var closeErr error
	if d.client != nil {
		if err := d.client.Disconnect(false); err != nil {
			d.log.Warnf("disconnect delve client: %v", err)
			closeErr = fmt.Errorf("disconnect delve client: %w", err)
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		if err := d.dlvCmd.Process.Kill(); err != nil {
			if err.Error() != "os: process already finished" {
				closeErr = fmt.Errorf("kill delve process: %w", err)
			}
		}
		// Reap the server so it does not linger as a zombie.
		_, _ = d.dlvCmd.Process.Wait()
		d.dlvCmd = nil
	}
	d.running.Store(false)
	return closeErr
}
