package mirror

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/willibrandon/TraceSync/pkg/engine"
	"github.com/willibrandon/TraceSync/pkg/trace"
)

// fetch runs one enumeration on the engine goroutine. A running
// target is a benign skip: ok is false and err is nil.
func fetch[T any](s *Session, op string, fn func(engine.Engine) (T, error)) (val T, ok bool, err error) {
	val, err = engine.Do(s.eng, func() (T, error) { return fn(s.eng.Engine()) })
	if err != nil {
		var zero T
		if errors.Is(err, engine.ErrTargetRunning) {
			s.log.Infof("%s: target is running", op)
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("%s: %w", op, err)
	}
	return val, true, nil
}

// retainElements prunes a container's element entries down to keys,
// closing the lifespans of everything that vanished this snapshot.
func (s *Session) retainElements(container string, keys []string) error {
	return s.trace.ProxyObject(container).RetainValues(keys, trace.RetainElements)
}

// objWriter accumulates the first write error so record writers read
// flat.
type objWriter struct {
	obj trace.Object
	err error
}

func (w *objWriter) set(key string, val trace.Value) {
	if w.err == nil {
		w.err = w.obj.SetValue(key, val)
	}
}

func (w *objWriter) insert() error {
	if w.err == nil {
		w.err = w.obj.Insert()
	}
	return w.err
}

// attrValue coerces a backend-reported attribute into a storable
// value. Integral floats come from JSON numbers.
func attrValue(v any) trace.Value {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return fmt.Sprintf("%v", x)
	case bool, string, int64, uint64:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// mapAddress places an engine address, creating the overlay space the
// mapper asks for.
func (s *Session) mapAddress(pid int, offset uint64) (trace.Address, error) {
	base, addr := s.platform.Memory.Map(pid, offset)
	if addr.Space != base {
		if err := s.trace.CreateOverlaySpace(base, addr.Space); err != nil {
			return trace.Address{}, err
		}
	}
	return addr, nil
}

// PutSessions mirrors the reachable sessions. Each session also gets
// its Available container so attachable processes have a home.
func (s *Session) PutSessions() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	sessions, ok, err := fetch(s, "list sessions", func(e engine.Engine) ([]engine.Session, error) {
		return e.Sessions()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		keys = append(keys, SessionKey(sess.ID))
		obj, err := s.trace.CreateObject(SessionPath(sess.ID))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Id", sess.ID)
		w.set("Name", sess.Name)
		w.set("Type", sess.Type)
		w.set("_display", fmt.Sprintf("%s:%s", sess.ID, sess.Name))
		if err := w.insert(); err != nil {
			return err
		}
		avail, err := s.trace.CreateObject(AvailableContainer(sess.ID))
		if err != nil {
			return err
		}
		if err := avail.Insert(); err != nil {
			return err
		}
	}
	return s.retainElements(SessionsPath, keys)
}

// PutSessionAttributes mirrors the runtime facts of the attached
// session. Attributes accumulate; none are retained away.
func (s *Session) PutSessionAttributes() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	attrs, ok, err := fetch(s, "query session attributes", func(e engine.Engine) (map[string]any, error) {
		return e.SessionAttributes()
	})
	if !ok || err != nil {
		return err
	}
	obj, err := s.trace.CreateObject(AttributesPath(s.sel.SID))
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	names := maps.Keys(attrs)
	sort.Strings(names)
	for _, k := range names {
		w.set(k, attrValue(attrs[k]))
	}
	return w.insert()
}

// PutEnvironment mirrors the resolved platform and the backend's raw
// system parameters, nested reports flattened to colon keys.
func (s *Session) PutEnvironment() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	params, err := engine.Do(s.eng, func() (map[string]any, error) {
		return s.eng.Engine().SystemParameters()
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTargetRunning):
			s.log.Infof("query system parameters: target is running")
			return nil
		case errors.Is(err, engine.ErrUnsupported):
			s.log.Debugf("system parameters unavailable: %v", err)
			params = nil
		default:
			return fmt.Errorf("query system parameters: %w", err)
		}
	}
	obj, err := s.trace.CreateObject(EnvironmentPath(s.sel.SID))
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	w.set("_debugger", s.eng.Engine().Name())
	w.set("_arch", s.desc.Arch)
	w.set("_os", s.desc.Platform)
	w.set("_endian", s.platform.Endian)
	names := maps.Keys(params)
	sort.Strings(names)
	for _, k := range names {
		if nested, ok := params[k].(map[string]any); ok {
			inner := maps.Keys(nested)
			sort.Strings(inner)
			for _, kk := range inner {
				w.set(k+":"+kk, attrValue(nested[kk]))
			}
			continue
		}
		w.set(k, attrValue(params[k]))
	}
	return w.insert()
}

// PutAvailable mirrors the processes visible for attaching.
func (s *Session) PutAvailable() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	procs, ok, err := fetch(s, "list available processes", func(e engine.Engine) ([]engine.Process, error) {
		return e.AvailableProcesses()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(procs))
	for _, p := range procs {
		keys = append(keys, AvailableKey(p.PID))
		obj, err := s.trace.CreateObject(AvailablePath(s.sel.SID, p.PID))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_pid", int64(p.PID))
		w.set("Name", p.Name)
		w.set("_display", fmt.Sprintf("%s %s", formatPID(p.PID, s.radix), p.Name))
		if err := w.insert(); err != nil {
			return err
		}
	}
	return s.retainElements(AvailableContainer(s.sel.SID), keys)
}

// PutApplications mirrors the installed applications the target
// reports.
func (s *Session) PutApplications() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	apps, ok, err := fetch(s, "list applications", func(e engine.Engine) ([]engine.Application, error) {
		return e.Applications()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(apps))
	for _, a := range apps {
		keys = append(keys, ApplicationKey(a.PID))
		obj, err := s.trace.CreateObject(ApplicationPath(s.sel.SID, a.PID))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_pid", int64(a.PID))
		w.set("Name", a.Name)
		if a.Identifier != "" {
			w.set("Identifier", a.Identifier)
		}
		w.set("_display", fmt.Sprintf("%s %s", formatPID(a.PID, s.radix), a.Name))
		if err := w.insert(); err != nil {
			return err
		}
	}
	return s.retainElements(ApplicationsContainer(s.sel.SID), keys)
}

// PutProcesses mirrors the attached processes, each with its Memory,
// Modules and Threads containers.
func (s *Session) PutProcesses() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	procs, ok, err := fetch(s, "list processes", func(e engine.Engine) ([]engine.Process, error) {
		return e.Processes()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(procs))
	for _, p := range procs {
		if err := s.putProcess(&keys, p); err != nil {
			return err
		}
	}
	return s.retainElements(ProcessesContainer(s.sel.SID), keys)
}

func (s *Session) putProcess(keys *[]string, p engine.Process) error {
	*keys = append(*keys, ProcessKey(p.PID))
	ppath := ProcessPath(s.sel.SID, p.PID)
	obj, err := s.trace.CreateObject(ppath)
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	w.set("_state", "STOPPED")
	w.set("_pid", int64(p.PID))
	w.set("Name", p.Name)
	w.set("_display", fmt.Sprintf("%s %s", formatPID(p.PID, s.radix), p.Name))
	if err := w.insert(); err != nil {
		return err
	}
	for _, child := range []string{".Memory", ".Modules", ".Threads"} {
		c, err := s.trace.CreateObject(ppath + child)
		if err != nil {
			return err
		}
		if err := c.Insert(); err != nil {
			return err
		}
	}
	return nil
}

// PutRegions mirrors the mapped memory regions of the selected
// process.
func (s *Session) PutRegions() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	regions, ok, err := fetch(s, "list regions", func(e engine.Engine) ([]engine.Region, error) {
		return e.Regions(pid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(regions))
	for _, r := range regions {
		if err := s.putRegion(&keys, pid, r); err != nil {
			return err
		}
	}
	return s.retainElements(RegionsContainer(s.sel.SID, pid), keys)
}

func (s *Session) putRegion(keys *[]string, pid int, r engine.Region) error {
	start, err := engine.ParseAddress(r.Base)
	if err != nil {
		s.log.Warnf("skipping region %q: %v", r.Base, err)
		return nil
	}
	addr, err := s.mapAddress(pid, start)
	if err != nil {
		return err
	}
	*keys = append(*keys, RegionKey(r.Base))
	obj, err := s.trace.CreateObject(RegionPath(s.sel.SID, pid, r.Base))
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	w.set("_offset", addr)
	w.set("_range", addr.Extend(r.Size))
	w.set("Base", r.Base)
	w.set("Size", fmt.Sprintf("%#x", r.Size))
	w.set("Protection", r.Protection)
	if f := r.File; f != nil {
		w.set("File", fmt.Sprintf("%s %x:%x", f.Path, f.Offset, f.Size))
	}
	w.set("_display", fmt.Sprintf("%s:%x %s ", r.Base, r.Size, r.Protection))
	if err := w.insert(); err != nil {
		return err
	}
	s.observe(r.Base, r.Size)
	return nil
}

// PutKernelRegions mirrors kernel memory regions onto the session.
func (s *Session) PutKernelRegions() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	regions, ok, err := fetch(s, "list kernel regions", func(e engine.Engine) ([]engine.Region, error) {
		return e.KernelRegions()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(regions))
	for _, r := range regions {
		start, err := engine.ParseAddress(r.Base)
		if err != nil {
			s.log.Warnf("skipping kernel region %q: %v", r.Base, err)
			continue
		}
		addr, err := s.mapAddress(0, start)
		if err != nil {
			return err
		}
		keys = append(keys, RegionKey(r.Base))
		obj, err := s.trace.CreateObject(KernelRegionPath(s.sel.SID, r.Base))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_range", addr.Extend(r.Size))
		w.set("Base", r.Base)
		w.set("Size", fmt.Sprintf("%#x", r.Size))
		w.set("Protection", r.Protection)
		w.set("_display", fmt.Sprintf("%s:%x %s ", r.Base, r.Size, r.Protection))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(r.Base, r.Size)
	}
	return s.retainElements(KernelRegionsContainer(s.sel.SID), keys)
}

// PutHeap mirrors the allocated heap blocks of the selected process.
func (s *Session) PutHeap() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	blocks, ok, err := fetch(s, "list heap ranges", func(e engine.Engine) ([]engine.HeapRange, error) {
		return e.HeapRanges(pid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(blocks))
	for _, h := range blocks {
		start, err := engine.ParseAddress(h.Base)
		if err != nil {
			s.log.Warnf("skipping heap block %q: %v", h.Base, err)
			continue
		}
		addr, err := s.mapAddress(pid, start)
		if err != nil {
			return err
		}
		keys = append(keys, RegionKey(h.Base))
		obj, err := s.trace.CreateObject(HeapRegionPath(s.sel.SID, pid, h.Base))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_range", addr.Extend(h.Size))
		w.set("Base", h.Base)
		w.set("Size", fmt.Sprintf("%#x", h.Size))
		w.set("_display", fmt.Sprintf("%s:%x", h.Base, h.Size))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(h.Base, h.Size)
	}
	return s.retainElements(HeapContainer(s.sel.SID, pid), keys)
}

// PutModules mirrors the loaded modules of the selected process, each
// with its detail containers.
func (s *Session) PutModules() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	mods, ok, err := fetch(s, "list modules", func(e engine.Engine) ([]engine.Module, error) {
		return e.Modules(pid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(mods))
	for _, m := range mods {
		if err := s.putModule(&keys, pid, m); err != nil {
			return err
		}
	}
	return s.retainElements(ModulesContainer(s.sel.SID, pid), keys)
}

func (s *Session) putModule(keys *[]string, pid int, m engine.Module) error {
	start, err := engine.ParseAddress(m.Base)
	if err != nil {
		s.log.Warnf("skipping module %q: %v", m.Path, err)
		return nil
	}
	addr, err := s.mapAddress(pid, start)
	if err != nil {
		return err
	}
	*keys = append(*keys, ModuleKey(m.Path))
	mpath := ModulePath(s.sel.SID, pid, m.Path)
	obj, err := s.trace.CreateObject(mpath)
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	w.set("_range", addr.Extend(m.Size))
	w.set("_module_name", m.Name)
	w.set("Name", m.Name)
	w.set("Path", m.Path)
	w.set("Base", m.Base)
	w.set("Size", fmt.Sprintf("%#x", m.Size))
	w.set("_display", fmt.Sprintf("%s:%x %s ", m.Base, m.Size, m.Name))
	if err := w.insert(); err != nil {
		return err
	}
	for _, child := range []string{".Sections", ".Exports", ".Imports", ".Symbols", ".Dependencies"} {
		c, err := s.trace.CreateObject(mpath + child)
		if err != nil {
			return err
		}
		if err := c.Insert(); err != nil {
			return err
		}
	}
	s.observe(m.Path, m.Base)
	s.observe(m.Base, m.Size)
	return nil
}

// PutKernelModules mirrors kernel modules onto the session, keyed by
// name since kernel modules have no file path.
func (s *Session) PutKernelModules() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	mods, ok, err := fetch(s, "list kernel modules", func(e engine.Engine) ([]engine.Module, error) {
		return e.KernelModules()
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(mods))
	for _, m := range mods {
		start, err := engine.ParseAddress(m.Base)
		if err != nil {
			s.log.Warnf("skipping kernel module %q: %v", m.Name, err)
			continue
		}
		addr, err := s.mapAddress(0, start)
		if err != nil {
			return err
		}
		keys = append(keys, ModuleKey(m.Name))
		obj, err := s.trace.CreateObject(KernelModulePath(s.sel.SID, m.Name))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_range", addr.Extend(m.Size))
		w.set("Name", m.Name)
		w.set("Base", m.Base)
		w.set("Size", fmt.Sprintf("%#x", m.Size))
		w.set("_display", fmt.Sprintf("%s:%x %s ", m.Base, m.Size, m.Name))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(m.Name, m.Base)
		s.observe(m.Base, m.Size)
	}
	return s.retainElements(KernelModulesContainer(s.sel.SID), keys)
}

// resolveModule finds the base address of the module at modpath, from
// the observation cache when possible. A running target reports ok
// false with a nil error.
func (s *Session) resolveModule(pid int, modpath string) (string, bool, error) {
	if v, ok := s.Observed(modpath); ok {
		if base, ok := v.(string); ok {
			return base, true, nil
		}
	}
	mods, ok, err := fetch(s, "locate module "+modpath, func(e engine.Engine) ([]engine.Module, error) {
		return e.Modules(pid)
	})
	if !ok || err != nil {
		return "", false, err
	}
	for _, m := range mods {
		if m.Path == modpath {
			s.observe(m.Path, m.Base)
			return m.Base, true, nil
		}
	}
	return "", false, fmt.Errorf("no module %s in process %d", modpath, pid)
}

// PutSections mirrors the sections of one module of the selected
// process.
func (s *Session) PutSections(modpath string) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	base, ok, err := s.resolveModule(pid, modpath)
	if !ok || err != nil {
		return err
	}
	secs, ok, err := fetch(s, "list sections", func(e engine.Engine) ([]engine.Region, error) {
		return e.Sections(pid, base)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(secs))
	for _, r := range secs {
		start, err := engine.ParseAddress(r.Base)
		if err != nil {
			s.log.Warnf("skipping section %q: %v", r.Base, err)
			continue
		}
		addr, err := s.mapAddress(pid, start)
		if err != nil {
			return err
		}
		keys = append(keys, RegionKey(r.Base))
		obj, err := s.trace.CreateObject(SectionPath(s.sel.SID, pid, modpath, r.Base))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_range", addr.Extend(r.Size))
		w.set("Base", r.Base)
		w.set("Size", fmt.Sprintf("%#x", r.Size))
		w.set("Protection", r.Protection)
		if f := r.File; f != nil {
			w.set("File", fmt.Sprintf("%s %x:%x", f.Path, f.Offset, f.Size))
		}
		w.set("_display", fmt.Sprintf("%s:%x %s ", r.Base, r.Size, r.Protection))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(r.Base, r.Size)
	}
	return s.retainElements(SectionsContainer(s.sel.SID, pid, modpath), keys)
}

// PutImports mirrors the imported symbols of one module of the
// selected process.
func (s *Session) PutImports(modpath string) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	base, ok, err := s.resolveModule(pid, modpath)
	if !ok || err != nil {
		return err
	}
	imps, ok, err := fetch(s, "list imports", func(e engine.Engine) ([]engine.Import, error) {
		return e.Imports(pid, base)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(imps))
	for _, imp := range imps {
		keys = append(keys, AddressKey(imp.Address))
		obj, err := s.trace.CreateObject(ImportPath(s.sel.SID, pid, modpath, imp.Address))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Name", imp.Name)
		w.set("Address", imp.Address)
		w.set("Type", imp.Type)
		if imp.Module != "" {
			w.set("Module", imp.Module)
		}
		if imp.Slot != "" {
			w.set("Slot", imp.Slot)
		}
		w.set("_display", fmt.Sprintf("%s %s ", imp.Address, imp.Name))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(imp.Address, imp.Name)
	}
	return s.retainElements(ImportsContainer(s.sel.SID, pid, modpath), keys)
}

// PutExports mirrors the exported symbols of one module of the
// selected process.
func (s *Session) PutExports(modpath string) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	base, ok, err := s.resolveModule(pid, modpath)
	if !ok || err != nil {
		return err
	}
	exps, ok, err := fetch(s, "list exports", func(e engine.Engine) ([]engine.Export, error) {
		return e.Exports(pid, base)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(exps))
	for _, exp := range exps {
		keys = append(keys, AddressKey(exp.Address))
		obj, err := s.trace.CreateObject(ExportPath(s.sel.SID, pid, modpath, exp.Address))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Name", exp.Name)
		w.set("Address", exp.Address)
		w.set("Type", exp.Type)
		if exp.Module != "" {
			w.set("Module", exp.Module)
		}
		w.set("_display", fmt.Sprintf("%s %s ", exp.Address, exp.Name))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(exp.Address, exp.Name)
	}
	return s.retainElements(ExportsContainer(s.sel.SID, pid, modpath), keys)
}

// PutSymbols mirrors the debug symbols of one module of the selected
// process.
func (s *Session) PutSymbols(modpath string) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	base, ok, err := s.resolveModule(pid, modpath)
	if !ok || err != nil {
		return err
	}
	syms, ok, err := fetch(s, "list symbols", func(e engine.Engine) ([]engine.Symbol, error) {
		return e.Symbols(pid, base)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(syms))
	for _, sym := range syms {
		keys = append(keys, AddressKey(sym.Address))
		obj, err := s.trace.CreateObject(SymbolPath(s.sel.SID, pid, modpath, sym.Address))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Name", sym.Name)
		w.set("Address", sym.Address)
		w.set("Type", sym.Type)
		w.set("Size", sym.Size)
		w.set("IsGlobal", sym.IsGlobal)
		if sym.Section != "" {
			w.set("Section", sym.Section)
		}
		w.set("_display", fmt.Sprintf("%s %s ", sym.Address, sym.Name))
		if err := w.insert(); err != nil {
			return err
		}
		s.observe(sym.Address, sym.Name)
	}
	return s.retainElements(SymbolsContainer(s.sel.SID, pid, modpath), keys)
}

// PutDependencies mirrors the libraries one module of the selected
// process links against.
func (s *Session) PutDependencies(modpath string) error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	base, ok, err := s.resolveModule(pid, modpath)
	if !ok || err != nil {
		return err
	}
	deps, ok, err := fetch(s, "list dependencies", func(e engine.Engine) ([]engine.Dependency, error) {
		return e.Dependencies(pid, base)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(deps))
	for _, d := range deps {
		keys = append(keys, NameKey(d.Name))
		obj, err := s.trace.CreateObject(DependencyPath(s.sel.SID, pid, modpath, d.Name))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Name", d.Name)
		w.set("Type", d.Type)
		w.set("_display", d.Name+" ")
		if err := w.insert(); err != nil {
			return err
		}
	}
	return s.retainElements(DependenciesContainer(s.sel.SID, pid, modpath), keys)
}

func computeThreadDisplay(index, pid, tid int, name, state string) string {
	d := fmt.Sprintf("%d %x:%x", index, pid, tid)
	if name != "" {
		d += " " + name
	}
	if state != "" {
		d += " " + state
	}
	return d
}

// PutThreads mirrors the threads of the selected process, register
// contexts included. The current thread selection is left alone.
func (s *Session) PutThreads() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	threads, ok, err := fetch(s, "list threads", func(e engine.Engine) ([]engine.Thread, error) {
		return e.Threads(pid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(threads))
	for i, th := range threads {
		if err := s.putThread(&keys, pid, i, th); err != nil {
			return err
		}
	}
	return s.retainElements(ThreadsContainer(s.sel.SID, pid), keys)
}

func (s *Session) putThread(keys *[]string, pid, index int, th engine.Thread) error {
	*keys = append(*keys, ThreadKey(th.TID))
	tpath := ThreadPath(s.sel.SID, pid, th.TID)
	obj, err := s.trace.CreateObject(tpath)
	if err != nil {
		return err
	}
	w := objWriter{obj: obj}
	w.set("_tid", int64(th.TID))
	if th.Name != "" {
		w.set("Name", th.Name)
	}
	w.set("_state", "STOPPED")
	w.set("_short_display", fmt.Sprintf("%x %x:%x", index, pid, th.TID))
	w.set("_display", computeThreadDisplay(index, pid, th.TID, th.Name, th.State))
	if err := w.insert(); err != nil {
		return err
	}
	if err := s.putThreadRegisters(pid, th); err != nil {
		return err
	}
	stack, err := s.trace.CreateObject(FramesContainer(s.sel.SID, pid, th.TID))
	if err != nil {
		return err
	}
	return stack.Insert()
}

// putThreadRegisters writes one thread's register context: the raw
// engine strings as attributes of the Registers object, and the
// values the mapper accepts into the thread's overlay register space.
func (s *Session) putThreadRegisters(pid int, th engine.Thread) error {
	space := RegistersPath(s.sel.SID, pid, th.TID)
	if err := s.trace.CreateOverlaySpace("register", space); err != nil {
		return err
	}
	robj, err := s.trace.CreateObject(space)
	if err != nil {
		return err
	}
	names := maps.Keys(th.Context)
	sort.Strings(names)
	vals := make([]trace.RegVal, 0, len(names))
	for _, name := range names {
		raw := th.Context[name]
		if err := robj.SetValue(name, raw); err != nil {
			return err
		}
		v, parsed := new(big.Int).SetString(raw, 0)
		if !parsed {
			s.log.Warnf("thread %d register %s: cannot parse %q", th.TID, name, raw)
			continue
		}
		rv, err := s.platform.Registers.MapValue(name, v)
		if err != nil {
			s.log.Warnf("thread %d register %s: %v", th.TID, name, err)
			continue
		}
		vals = append(vals, rv)
	}
	if err := robj.Insert(); err != nil {
		return err
	}
	return s.trace.PutRegisters(space, vals)
}

// PutRegisters mirrors the register context of the selected thread.
func (s *Session) PutRegisters() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	tid, err := s.RequireThread()
	if err != nil {
		return err
	}
	threads, ok, err := fetch(s, "list threads", func(e engine.Engine) ([]engine.Thread, error) {
		return e.Threads(pid)
	})
	if !ok || err != nil {
		return err
	}
	for _, th := range threads {
		if th.TID == tid {
			return s.putThreadRegisters(pid, th)
		}
	}
	return fmt.Errorf("no thread %d in process %d", tid, pid)
}

func computeFrameDisplay(level int, f engine.Frame) string {
	d := fmt.Sprintf("#%d %s", level, f.Address)
	if f.Name != "" {
		d += " " + f.Name
	}
	if f.Module != "" {
		d += " " + f.Module
	}
	if f.File != "" {
		d += " " + f.File
	}
	if f.Line != 0 {
		d += fmt.Sprintf(" %d", f.Line)
	}
	if f.Column != 0 {
		d += fmt.Sprintf(" %d", f.Column)
	}
	return d
}

// PutFrames mirrors the backtrace of the selected thread.
func (s *Session) PutFrames() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	tid, err := s.RequireThread()
	if err != nil {
		return err
	}
	frames, ok, err := fetch(s, "list frames", func(e engine.Engine) ([]engine.Frame, error) {
		return e.Frames(pid, tid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(frames))
	for level, f := range frames {
		pc, err := engine.ParseAddress(f.Address)
		if err != nil {
			s.log.Warnf("skipping frame %d address %q: %v", level, f.Address, err)
			continue
		}
		addr, err := s.mapAddress(pid, pc)
		if err != nil {
			return err
		}
		keys = append(keys, FrameKey(level))
		obj, err := s.trace.CreateObject(FramePath(s.sel.SID, pid, tid, level))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("_pc", addr)
		if f.Name != "" {
			w.set("Name", f.Name)
		}
		if f.Module != "" {
			w.set("_func", f.Module)
			w.set("Module", f.Module)
		}
		if f.File != "" {
			w.set("File", f.File)
		}
		if f.Line != 0 {
			w.set("Line #", int64(f.Line))
		}
		if f.Column != 0 {
			w.set("Column #", int64(f.Column))
		}
		w.set("_display", computeFrameDisplay(level, f))
		if err := w.insert(); err != nil {
			return err
		}
	}
	return s.retainElements(FramesContainer(s.sel.SID, pid, tid), keys)
}

// PutLoadedClassesObjC mirrors the Objective-C classes loaded in the
// selected process.
func (s *Session) PutLoadedClassesObjC() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	classes, ok, err := fetch(s, "list loaded classes", func(e engine.Engine) ([]engine.Class, error) {
		return e.LoadedClassesObjC(pid)
	})
	if !ok || err != nil {
		return err
	}
	return s.putClasses(pid, classes)
}

// PutLoadedClassesJava mirrors the Java classes loaded in the
// selected process.
func (s *Session) PutLoadedClassesJava() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	classes, ok, err := fetch(s, "list loaded classes", func(e engine.Engine) ([]engine.Class, error) {
		return e.LoadedClassesJava(pid)
	})
	if !ok || err != nil {
		return err
	}
	return s.putClasses(pid, classes)
}

func (s *Session) putClasses(pid int, classes []engine.Class) error {
	ckeys := make([]string, 0, len(classes))
	for _, c := range classes {
		key := c.Key()
		if key == "" {
			s.log.Warnf("skipping class with no name")
			continue
		}
		ckeys = append(ckeys, ClassKey(key))
		obj, err := s.trace.CreateObject(ClassPath(s.sel.SID, pid, key))
		if err != nil {
			return err
		}
		w := objWriter{obj: obj}
		w.set("Name", c.Name)
		if c.Path != "" {
			w.set("Path", c.Path)
		}
		w.set("_display", key)
		if err := w.insert(); err != nil {
			return err
		}
		mkeys := make([]string, 0, len(c.Methods))
		for _, m := range c.Methods {
			mkeys = append(mkeys, NameKey(m))
			mobj, err := s.trace.CreateObject(MethodPath(s.sel.SID, pid, key, m))
			if err != nil {
				return err
			}
			if err := mobj.Insert(); err != nil {
				return err
			}
		}
		if err := s.retainElements(MethodsContainer(s.sel.SID, pid, key), mkeys); err != nil {
			return err
		}
	}
	return s.retainElements(ClassesContainer(s.sel.SID, pid), ckeys)
}

// PutClassLoaders mirrors the class loaders of the selected process.
func (s *Session) PutClassLoaders() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	pid := s.sel.PID
	loaders, ok, err := fetch(s, "list class loaders", func(e engine.Engine) ([]string, error) {
		return e.ClassLoaders(pid)
	})
	if !ok || err != nil {
		return err
	}
	keys := make([]string, 0, len(loaders))
	for _, l := range loaders {
		keys = append(keys, ClassKey(l))
		obj, err := s.trace.CreateObject(ClassLoaderPath(s.sel.SID, pid, l))
		if err != nil {
			return err
		}
		if err := obj.Insert(); err != nil {
			return err
		}
	}
	return s.retainElements(ClassLoadersContainer(s.sel.SID, pid), keys)
}

// PutAll mirrors everything reachable in one pass. Categories the
// backend does not support are skipped; real failures abort.
func (s *Session) PutAll() error {
	if _, err := s.RequireTx(); err != nil {
		return err
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"sessions", s.PutSessions},
		{"session attributes", s.PutSessionAttributes},
		{"environment", s.PutEnvironment},
		{"available", s.PutAvailable},
		{"applications", s.PutApplications},
		{"processes", s.PutProcesses},
		{"regions", s.PutRegions},
		{"modules", s.PutModules},
		{"threads", s.PutThreads},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			if errors.Is(err, engine.ErrUnsupported) {
				s.log.Debugf("skipping %s: %v", st.name, err)
				continue
			}
			return fmt.Errorf("put %s: %w", st.name, err)
		}
	}
	if s.sel.TID == 0 {
		threads, ok, err := fetch(s, "list threads", func(e engine.Engine) ([]engine.Thread, error) {
			return e.Threads(s.sel.PID)
		})
		if err != nil && !errors.Is(err, engine.ErrUnsupported) {
			return err
		}
		if ok && len(threads) > 0 {
			s.sel.TID = threads[0].TID
		}
	}
	if s.sel.TID == 0 {
		s.log.Debugf("skipping frames: no thread")
		return nil
	}
	if err := s.PutFrames(); err != nil && !errors.Is(err, engine.ErrUnsupported) {
		return fmt.Errorf("put frames: %w", err)
	}
	return nil
}
