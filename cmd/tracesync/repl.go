package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/willibrandon/TraceSync/pkg/config"
	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/mirror"
	"github.com/willibrandon/TraceSync/pkg/trace"
	"github.com/willibrandon/TraceSync/pkg/version"
)

// ANSI colors, used only when stdout is a terminal.
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorBold  = "\033[1m"
)

// command is one prompt verb. fn receives the words after the name and
// min is how many of them must be present.
type command struct {
	name string
	args string
	help string
	min  int
	fn   func(*repl, []string) error
}

// commands is assigned in init, breaking the initialization cycle with
// cmdHelp.
var commands []command

func init() {
	commands = []command{
		{"help", "", "list commands", 0, (*repl).cmdHelp},
		{"info", "", "show backend, trace and selection state", 0, (*repl).cmdInfo},
		{"info-lcsp", "", "show the resolved language and compiler", 0, (*repl).cmdInfoLcsp},
		{"show", "", "list configuration variables", 0, (*repl).cmdShow},
		{"set", "<var> <value>", "change a configuration variable", 2, (*repl).cmdSet},
		{"save", "", "flush the journal, if one is attached", 0, simple((*mirror.Session).Save)},

		// trace lifecycle
		{"start", "[name]", "start a new trace", 0, (*repl).cmdStart},
		{"stop", "", "close the trace", 0, simple((*mirror.Session).Stop)},
		{"restart", "[name]", "close the trace and start a fresh one", 0, (*repl).cmdRestart},
		{"tx-start", "[description]", "open a transaction", 0, (*repl).cmdTxStart},
		{"tx-commit", "", "apply the open transaction", 0, simple((*mirror.Session).TxCommit)},
		{"tx-abort", "", "discard the open transaction", 0, simple((*mirror.Session).TxAbort)},
		{"snap", "[description]", "create a snapshot and make it current", 0, (*repl).cmdSnap},
		{"set-snap", "<snap>", "move to an existing snapshot", 1, (*repl).cmdSetSnap},

		// target control
		{"ps", "[name]", "list visible processes", 0, (*repl).cmdPs},
		{"attach", "<pid|name>", "attach to a process", 1, (*repl).cmdAttach},
		{"spawn", "<path> [arg...]", "spawn a target and attach", 1, (*repl).cmdSpawn},
		{"resume", "", "let the target run", 0, simple((*mirror.Session).Resume)},
		{"suspend", "", "stop the target", 0, simple((*mirror.Session).Suspend)},
		{"kill", "", "terminate the target", 0, simple((*mirror.Session).Kill)},
		{"wait-stopped", "[timeout]", "wait for the target to stop", 0, (*repl).cmdWaitStopped},

		// selection
		{"sel-session", "<sid>", "select a session", 1, (*repl).cmdSelSession},
		{"sel-process", "<pid>", "select a process", 1, (*repl).cmdSelProcess},
		{"sel-thread", "<tid>", "select a thread", 1, (*repl).cmdSelThread},
		{"sel-frame", "<level>", "select a stack frame", 1, (*repl).cmdSelFrame},

		// sync operations
		{"put-all", "", "record every category the backend supports", 0, simple((*mirror.Session).PutAll)},
		{"put-sessions", "", "record the connected sessions", 0, simple((*mirror.Session).PutSessions)},
		{"put-session-attrs", "", "record session attributes", 0, simple((*mirror.Session).PutSessionAttributes)},
		{"put-env", "", "record the target environment", 0, simple((*mirror.Session).PutEnvironment)},
		{"put-available", "", "record attachable processes", 0, simple((*mirror.Session).PutAvailable)},
		{"put-apps", "", "record installed applications", 0, simple((*mirror.Session).PutApplications)},
		{"put-processes", "", "record attached processes", 0, simple((*mirror.Session).PutProcesses)},
		{"put-regions", "", "record memory regions of the selected process", 0, simple((*mirror.Session).PutRegions)},
		{"put-kregions", "", "record kernel memory regions", 0, simple((*mirror.Session).PutKernelRegions)},
		{"put-heap", "", "record heap ranges of the selected process", 0, simple((*mirror.Session).PutHeap)},
		{"put-modules", "", "record loaded modules of the selected process", 0, simple((*mirror.Session).PutModules)},
		{"put-kmodules", "", "record kernel modules", 0, simple((*mirror.Session).PutKernelModules)},
		{"put-sections", "<modpath>", "record sections of a module", 1, modcmd((*mirror.Session).PutSections)},
		{"put-imports", "<modpath>", "record imports of a module", 1, modcmd((*mirror.Session).PutImports)},
		{"put-exports", "<modpath>", "record exports of a module", 1, modcmd((*mirror.Session).PutExports)},
		{"put-symbols", "<modpath>", "record symbols of a module", 1, modcmd((*mirror.Session).PutSymbols)},
		{"put-deps", "<modpath>", "record dependencies of a module", 1, modcmd((*mirror.Session).PutDependencies)},
		{"put-threads", "", "record threads of the selected process", 0, simple((*mirror.Session).PutThreads)},
		{"put-regs", "", "record registers of the selected thread", 0, simple((*mirror.Session).PutRegisters)},
		{"put-frames", "", "record the selected thread's stack", 0, simple((*mirror.Session).PutFrames)},
		{"put-classes-objc", "", "record loaded Objective-C classes", 0, simple((*mirror.Session).PutLoadedClassesObjC)},
		{"put-classes-java", "", "record loaded Java classes", 0, simple((*mirror.Session).PutLoadedClassesJava)},
		{"put-class-loaders", "", "record class loaders", 0, simple((*mirror.Session).PutClassLoaders)},

		// memory
		{"putmem", "<offset> <length> [pages]", "capture target memory into the trace", 2, (*repl).cmdPutMem},
		{"putmem-state", "<offset> <length> <state> [pages]", "mark a memory range known, unknown or error", 3, (*repl).cmdPutMemState},
		{"delmem", "<offset> <length>", "mark a memory range unknown", 2, (*repl).cmdDelMem},
		{"write-mem", "<offset> <hexbytes>", "write bytes into the stopped target", 2, (*repl).cmdWriteMem},

		// raw store access
		{"create-obj", "<path>", "create an object without inserting it", 1, (*repl).cmdCreateObj},
		{"insert-obj", "<path>", "open the object's lifespan at the current snap", 1, (*repl).cmdInsertObj},
		{"remove-obj", "<path>", "close the object's lifespan at the current snap", 1, (*repl).cmdRemoveObj},
		{"set-value", "<path> <key> <type> [value...]", "set an attribute; types: bool int uint str bytes strs addr range ref", 3, (*repl).cmdSetValue},
		{"retain-values", "<path> <elements|attributes|both> [key...]", "drop entries except the bracketed keys", 2, (*repl).cmdRetainValues},
		{"get-values", "<pattern>", "list entries matching a path pattern", 1, (*repl).cmdGetValues},
		{"get-values-rng", "<space> <min> <max>", "list address entries intersecting a range", 3, (*repl).cmdGetValuesRng},
		{"get-obj", "<path>", "show an object and its elements", 1, (*repl).cmdGetObj},
	}
}

// simple adapts a no-argument session method into a command handler.
func simple(fn func(*mirror.Session) error) func(*repl, []string) error {
	return func(r *repl, _ []string) error { return fn(r.s) }
}

// modcmd adapts a session method taking a module path.
func modcmd(fn func(*mirror.Session, string) error) func(*repl, []string) error {
	return func(r *repl, args []string) error { return fn(r.s, args[0]) }
}

// repl is the interactive prompt. One instance serves one session.
type repl struct {
	s     *mirror.Session
	cfg   *config.Config
	log   diag.Logger
	color bool
	last  string
}

func newREPL(s *mirror.Session, cfg *config.Config, log diag.Logger) *repl {
	return &repl{s: s, cfg: cfg, log: log, color: isatty.IsTerminal(os.Stdout.Fd())}
}

func filterInput(r rune) (rune, bool) {
	// block ctrl-z
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func (r *repl) run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:              r.prompt(),
		HistoryFile:         filepath.Join(os.TempDir(), "tracesync_history.txt"),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println(version.GetVersionInfo())
	fmt.Println(`Type "help" for commands.`)
	for {
		rl.SetPrompt(r.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			// ^C suspends a running target instead of quitting.
			if r.s.Executor().Running() {
				if serr := r.s.Suspend(); serr != nil {
					r.log.Warnf("suspend: %v", serr)
				}
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			// An empty line repeats the previous command.
			line = r.last
			if line == "" {
				continue
			}
		}
		if line == "q" || line == "quit" || line == "exit" {
			break
		}
		r.last = line
		if err := r.dispatch(line); err != nil {
			r.errorf("%v", err)
		}
	}
	return nil
}

func (r *repl) dispatch(line string) error {
	fields := strings.Fields(line)
	for i := range commands {
		c := &commands[i]
		if c.name != fields[0] {
			continue
		}
		if len(fields)-1 < c.min {
			return fmt.Errorf("usage: %s %s", c.name, c.args)
		}
		return c.fn(r, fields[1:])
	}
	return fmt.Errorf("unknown command %q, try help", fields[0])
}

func (r *repl) prompt() string {
	label := "tracesync"
	if tr, err := r.s.RequireTrace(); err == nil {
		label += ":" + strings.TrimPrefix(tr.Name(), "tracesync/")
		label += fmt.Sprintf(" @%d", tr.Snap())
	}
	if pid := r.s.Selection().PID; pid != 0 {
		label += fmt.Sprintf(" pid=%d", pid)
	}
	if r.color {
		return colorBold + "[" + label + "]" + colorReset + "$ "
	}
	return "[" + label + "]$ "
}

func (r *repl) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.color {
		msg = colorRed + msg + colorReset
	}
	fmt.Println(msg)
}

func (r *repl) cmdHelp(_ []string) error {
	for _, c := range commands {
		usage := c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Printf("  %-44s %s\n", usage, c.help)
	}
	return nil
}

func (r *repl) cmdInfo(_ []string) error {
	fmt.Println(version.GetVersionInfo())
	exec := r.s.Executor()
	state := "stopped"
	if exec.Running() {
		state = "running"
	}
	fmt.Printf("backend    %s (%s)\n", exec.Engine().Name(), state)
	if tr, err := r.s.RequireTrace(); err == nil {
		p := r.s.Platform()
		fmt.Printf("trace      %s @%d\n", tr.Name(), tr.Snap())
		fmt.Printf("platform   %s / %s\n", p.Language, p.Compiler)
	} else {
		fmt.Println("trace      none")
	}
	sel := r.s.Selection()
	fmt.Printf("selection  sid=%q pid=%d tid=%d frame=%d\n", sel.SID, sel.PID, sel.TID, sel.Level)
	return nil
}

func (r *repl) cmdInfoLcsp(_ []string) error {
	if _, err := r.s.RequireTrace(); err != nil {
		return err
	}
	p := r.s.Platform()
	fmt.Printf("%s / %s\n", p.Language, p.Compiler)
	return nil
}

func (r *repl) cmdShow(_ []string) error {
	for _, line := range r.cfg.List() {
		fmt.Println(line)
	}
	return nil
}

func (r *repl) cmdSet(args []string) error {
	if err := r.cfg.Set(args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	// Radix and overrides reach the live session; the other variables
	// apply at the next start or journal open.
	r.s.SetRadix(r.cfg.Session.Radix)
	r.s.SetOverrides(r.cfg.Overrides())
	return nil
}

func (r *repl) cmdStart(args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	return r.s.Start(mirror.TraceName(name))
}

func (r *repl) cmdRestart(args []string) error {
	if len(args) > 0 {
		return r.s.Restart(mirror.TraceName(args[0]))
	}
	if tr, err := r.s.RequireTrace(); err == nil {
		return r.s.Restart(tr.Name())
	}
	return r.s.Restart(mirror.TraceName(""))
}

func (r *repl) cmdTxStart(args []string) error {
	desc := strings.Join(args, " ")
	if desc == "" {
		desc = "tracesync"
	}
	return r.s.TxStart(desc)
}

func (r *repl) cmdSnap(args []string) error {
	snap, err := r.s.NewSnap(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Printf("snap %d\n", snap)
	return nil
}

func (r *repl) cmdSetSnap(args []string) error {
	snap, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return err
	}
	return r.s.SetSnap(snap)
}

func (r *repl) cmdPs(args []string) error {
	var procs []engine.Process
	var err error
	if len(args) > 0 {
		procs, err = r.s.FindProcesses(args[0])
	} else {
		exec := r.s.Executor()
		procs, err = engine.Do(exec, func() ([]engine.Process, error) {
			return exec.Engine().AvailableProcesses()
		})
	}
	if err != nil {
		return err
	}
	for _, p := range procs {
		fmt.Printf("%8d  %s\n", p.PID, p.Name)
	}
	return nil
}

func (r *repl) cmdAttach(args []string) error {
	if pid, err := strconv.Atoi(args[0]); err == nil {
		return r.s.Attach(pid)
	}
	p, err := findProcess(r.s, args[0])
	if err != nil {
		return err
	}
	return r.s.Attach(p.PID)
}

func (r *repl) cmdSpawn(args []string) error {
	pid, err := r.s.Spawn(args[0], args[1:], true)
	if err != nil {
		return err
	}
	fmt.Printf("spawned pid %d\n", pid)
	return nil
}

func (r *repl) cmdWaitStopped(args []string) error {
	var timeout time.Duration
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		timeout = d
	}
	return r.s.WaitStopped(timeout)
}

func (r *repl) cmdSelSession(args []string) error {
	r.s.SelectSession(args[0])
	return nil
}

func (r *repl) cmdSelProcess(args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	r.s.SelectProcess(pid)
	return nil
}

func (r *repl) cmdSelThread(args []string) error {
	tid, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	r.s.SelectThread(tid)
	return nil
}

func (r *repl) cmdSelFrame(args []string) error {
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	r.s.SelectFrame(level)
	return nil
}

func (r *repl) cmdPutMem(args []string) error {
	off, length, err := parseOffsetLength(args[0], args[1])
	if err != nil {
		return err
	}
	pages := true
	if len(args) > 2 {
		if pages, err = strconv.ParseBool(args[2]); err != nil {
			return err
		}
	}
	n, err := r.s.PutMem(off, length, pages)
	if err != nil {
		return err
	}
	fmt.Printf("captured %d bytes\n", n)
	return nil
}

func (r *repl) cmdPutMemState(args []string) error {
	off, length, err := parseOffsetLength(args[0], args[1])
	if err != nil {
		return err
	}
	pages := true
	if len(args) > 3 {
		if pages, err = strconv.ParseBool(args[3]); err != nil {
			return err
		}
	}
	return r.s.PutMemState(off, length, trace.MemState(args[2]), pages)
}

func (r *repl) cmdDelMem(args []string) error {
	off, length, err := parseOffsetLength(args[0], args[1])
	if err != nil {
		return err
	}
	return r.s.DelMem(off, length)
}

func (r *repl) cmdWriteMem(args []string) error {
	off, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		return err
	}
	return r.s.WriteMem(off, data)
}

func (r *repl) cmdCreateObj(args []string) error {
	tr, err := r.s.RequireTrace()
	if err != nil {
		return err
	}
	obj, err := tr.CreateObject(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("created %s\n", obj.Path())
	return nil
}

func (r *repl) cmdInsertObj(args []string) error {
	tr, err := r.s.RequireTrace()
	if err != nil {
		return err
	}
	return tr.ProxyObject(args[0]).Insert()
}

func (r *repl) cmdRemoveObj(args []string) error {
	tr, err := r.s.RequireTrace()
	if err != nil {
		return err
	}
	return tr.ProxyObject(args[0]).Remove()
}

func (r *repl) cmdSetValue(args []string) error {
	tr, err := r.s.RequireTrace()
	if err != nil {
		return err
	}
	v, err := parseValue(args[2], args[3:])
	if err != nil {
		return err
	}
	return tr.ProxyObject(args[0]).SetValue(args[1], v)
}

func (r *repl) cmdRetainValues(args []string) error {
	tr, err := r.s.RequireTrace()
	if err != nil {
		return err
	}
	var kind trace.RetainKind
	switch args[1] {
	case "elements":
		kind = trace.RetainElements
	case "attributes":
		kind = trace.RetainAttributes
	case "both":
		kind = trace.RetainBoth
	default:
		return fmt.Errorf("retain kind %q, want elements, attributes or both", args[1])
	}
	return tr.ProxyObject(args[0]).RetainValues(args[2:], kind)
}

func (r *repl) cmdGetValues(args []string) error {
	rows, err := r.s.GetValues(args[0])
	if err != nil {
		return err
	}
	printValueRows(rows)
	return nil
}

func (r *repl) cmdGetValuesRng(args []string) error {
	min, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return err
	}
	max, err := strconv.ParseUint(args[2], 0, 64)
	if err != nil {
		return err
	}
	rows, err := r.s.GetValuesIntersecting(trace.AddressRange{Space: args[0], Min: min, Max: max})
	if err != nil {
		return err
	}
	printValueRows(rows)
	return nil
}

func (r *repl) cmdGetObj(args []string) error {
	rows, err := r.s.GetValues(args[0])
	if err != nil {
		return err
	}
	elems, err := r.s.GetValues(args[0] + "[]")
	if err != nil {
		return err
	}
	printValueRows(append(rows, elems...))
	return nil
}

func parseOffsetLength(offArg, lenArg string) (uint64, int, error) {
	off, err := strconv.ParseUint(offArg, 0, 64)
	if err != nil {
		return 0, 0, err
	}
	length, err := strconv.Atoi(lenArg)
	if err != nil {
		return 0, 0, err
	}
	return off, length, nil
}

// parseValue turns typed command arguments into a store value. The str
// type joins the remaining words; bytes take hex digits; strs split on
// commas.
func parseValue(typ string, args []string) (trace.Value, error) {
	raw := strings.Join(args, " ")
	switch typ {
	case "bool":
		v, err := strconv.ParseBool(raw)
		return v, err
	case "int":
		v, err := strconv.ParseInt(raw, 0, 64)
		return v, err
	case "uint":
		v, err := strconv.ParseUint(raw, 0, 64)
		return v, err
	case "str":
		return raw, nil
	case "bytes":
		return hex.DecodeString(raw)
	case "strs":
		return strings.Split(raw, ","), nil
	case "addr":
		return parseAddr(raw)
	case "range":
		return parseRange(raw)
	case "ref":
		return trace.ObjRef{Path: raw}, nil
	}
	return nil, fmt.Errorf("unknown value type %q", typ)
}

func parseAddr(s string) (trace.Address, error) {
	space, rest, ok := strings.Cut(s, ":")
	if !ok || space == "" {
		return trace.Address{}, fmt.Errorf("address %q, want space:offset", s)
	}
	off, err := strconv.ParseUint(rest, 0, 64)
	if err != nil {
		return trace.Address{}, fmt.Errorf("address %q: %w", s, err)
	}
	return trace.Address{Space: space, Offset: off}, nil
}

func parseRange(s string) (trace.AddressRange, error) {
	space, rest, ok := strings.Cut(s, ":")
	if !ok || space == "" {
		return trace.AddressRange{}, fmt.Errorf("range %q, want space:min-max", s)
	}
	lo, hi, ok := strings.Cut(rest, "-")
	if !ok {
		return trace.AddressRange{}, fmt.Errorf("range %q, want space:min-max", s)
	}
	min, err := strconv.ParseUint(lo, 0, 64)
	if err != nil {
		return trace.AddressRange{}, fmt.Errorf("range %q: %w", s, err)
	}
	max, err := strconv.ParseUint(hi, 0, 64)
	if err != nil {
		return trace.AddressRange{}, fmt.Errorf("range %q: %w", s, err)
	}
	return trace.AddressRange{Space: space, Min: min, Max: max}, nil
}

// printValueRows renders store rows as path, lifespan, type and value
// columns.
func printValueRows(rows []trace.ValueRow) {
	if len(rows) == 0 {
		fmt.Println("  (no entries)")
		return
	}
	for _, row := range rows {
		fmt.Printf("  %-44s %-12s %-8s %s\n",
			row.Path(), spanString(row.Span), row.Type, formatValue(row.Value))
	}
}

func spanString(sp trace.Span) string {
	if sp.Max == trace.MaxSnap {
		return fmt.Sprintf("[%d,+inf)", sp.Min)
	}
	return fmt.Sprintf("[%d,%d]", sp.Min, sp.Max)
}

// formatValue renders a store value for display. Strings are quoted to
// keep them apart from object paths.
func formatValue(v trace.Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return hex.EncodeToString(x)
	case []string:
		return strings.Join(x, ",")
	case trace.ObjRef:
		return x.Path
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprint(x)
	}
}
