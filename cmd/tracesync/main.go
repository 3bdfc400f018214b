// Command tracesync mirrors a live target into a versioned trace
// store. It connects an instrumentation backend, opens an interactive
// prompt for the sync and query commands, and optionally journals
// every mutation to disk for later replay.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"

	"github.com/willibrandon/TraceSync/pkg/config"
	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/engine/agent"
	"github.com/willibrandon/TraceSync/pkg/engine/delve"
	"github.com/willibrandon/TraceSync/pkg/journal"
	"github.com/willibrandon/TraceSync/pkg/mirror"
	"github.com/willibrandon/TraceSync/pkg/trace"
	"github.com/willibrandon/TraceSync/pkg/version"
)

var (
	configPath  = flag.String("config", config.DefaultPath, "configuration file")
	backendKind = flag.String("backend", "", "engine backend, agent or delve")
	agentAddr   = flag.String("addr", "", "agent address as host:port")
	attachPid   = flag.Int("attach", 0, "attach to the process with this pid")
	attachProc  = flag.String("attach-name", "", "attach to the process with this name")
	spawnProg   = flag.String("spawn", "", "spawn this program; remaining arguments go to it")
	journalPath = flag.String("journal", "", "journal every mutation to this file")
	replayPath  = flag.String("replay", "", "replay a journal and dump it; remaining arguments are patterns")
	logLevel    = flag.String("log", "", "log level, debug, info, warning or error")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.GetVersionInfo())
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tracesync:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		// The default config path is optional; an explicit one is not.
		if *configPath != config.DefaultPath || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if *backendKind != "" {
		cfg.Backend.Kind = *backendKind
	}
	if *agentAddr != "" {
		cfg.Backend.Address = *agentAddr
	}
	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := diag.NewStdLogger(cfg.LogLevel())

	if *replayPath != "" {
		return runReplay(*replayPath, &cfg, flag.Args())
	}

	var eng engine.Engine
	switch cfg.Backend.Kind {
	case "agent":
		conn, err := agent.Dial(cfg.Backend.Address, log)
		if err != nil {
			return fmt.Errorf("connect %s: %w", cfg.Backend.Address, err)
		}
		eng = conn
	case "delve":
		eng = delve.New(log)
	}
	exec := engine.NewExecutor(eng, log)
	defer eng.Close()
	defer exec.Close()

	var client trace.Client = trace.NewMemClient()
	if cfg.Journal.Path != "" {
		opts, err := cfg.JournalOptions()
		if err != nil {
			return err
		}
		w, err := journal.Create(cfg.Journal.Path, opts)
		if err != nil {
			return err
		}
		defer w.Close()
		client = journal.NewClient(client, w)
		log.Infof("journaling to %s", w.Path())
	}
	defer client.Close()

	sess, err := mirror.NewSession(client, exec, log, cfg.MirrorOptions())
	if err != nil {
		return err
	}

	switch {
	case *spawnProg != "":
		if err := sess.Start(mirror.TraceName(*spawnProg)); err != nil {
			return err
		}
		pid, err := sess.Spawn(*spawnProg, flag.Args(), true)
		if err != nil {
			return err
		}
		log.Infof("spawned %s as pid %d", *spawnProg, pid)
	case *attachPid != 0:
		if err := sess.Start(mirror.TraceName(processName(exec, *attachPid))); err != nil {
			return err
		}
		if err := sess.Attach(*attachPid); err != nil {
			return err
		}
	case *attachProc != "":
		p, err := findProcess(sess, *attachProc)
		if err != nil {
			return err
		}
		if err := sess.Start(mirror.TraceName(p.Name)); err != nil {
			return err
		}
		if err := sess.Attach(p.PID); err != nil {
			return err
		}
	}

	return newREPL(sess, &cfg, log).run()
}

// processName looks up the name of pid for the trace name. Backends
// that cannot enumerate leave the trace on the fallback name.
func processName(exec *engine.Executor, pid int) string {
	procs, err := engine.Do(exec, func() ([]engine.Process, error) {
		return exec.Engine().AvailableProcesses()
	})
	if err != nil {
		return ""
	}
	for _, p := range procs {
		if p.PID == pid {
			return p.Name
		}
	}
	return ""
}

// findProcess resolves name to a single process, prompting when several
// match and a terminal is available.
func findProcess(s *mirror.Session, name string) (engine.Process, error) {
	procs, err := s.FindProcesses(name)
	if err != nil {
		return engine.Process{}, err
	}
	switch len(procs) {
	case 0:
		return engine.Process{}, fmt.Errorf("no process named %q", name)
	case 1:
		return procs[0], nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return engine.Process{}, fmt.Errorf("%d processes named %q; attach by pid instead", len(procs), name)
	}
	items := make([]string, len(procs))
	for i, p := range procs {
		items[i] = fmt.Sprintf("%d  %s", p.PID, p.Name)
	}
	sel := promptui.Select{Label: "Select process", Items: items}
	idx, _, err := sel.Run()
	if err != nil {
		return engine.Process{}, err
	}
	return procs[idx], nil
}

// runReplay rebuilds a trace from a journal and dumps its snapshots,
// plus the rows matching any patterns given on the command line.
func runReplay(path string, cfg *config.Config, patterns []string) error {
	opts, err := cfg.JournalOptions()
	if err != nil {
		return err
	}
	client := trace.NewMemClient()
	defer client.Close()
	tr, err := journal.Replay(path, opts, client)
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}
	if mt, ok := tr.(*trace.MemTrace); ok {
		fmt.Printf("%s  %s / %s\n", tr.Name(), mt.Language(), mt.Compiler())
		fmt.Println("snapshots:")
		for _, sn := range mt.Snapshots() {
			fmt.Printf("  %4d  %s  %s\n", sn.Snap, sn.Time.Format(time.RFC3339), sn.Description)
		}
	}
	for _, p := range patterns {
		rows, err := tr.GetValues(p)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
		fmt.Printf("%s:\n", p)
		printValueRows(rows)
	}
	return nil
}
