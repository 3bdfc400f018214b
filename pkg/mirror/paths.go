package mirror

import (
	"fmt"
	"strconv"
)

// Object path builders. The grammar is fixed: bracket-indexed segments
// under a session root, reproduced byte for byte so store-side
// consumers can pattern-match paths. Container funcs name the parent
// collection, key funcs the bracketed token of one element.

// SessionsPath is the root container of all sessions.
const SessionsPath = "Sessions"

func SessionKey(sid string) string     { return "[" + sid + "]" }
func SessionPath(sid string) string    { return SessionsPath + SessionKey(sid) }
func AttributesPath(sid string) string { return SessionPath(sid) + ".Attributes" }
func EnvironmentPath(sid string) string {
	return SessionPath(sid) + ".Environment"
}

func AvailableContainer(sid string) string { return SessionPath(sid) + ".Available" }
func AvailableKey(pid int) string          { return "[" + strconv.Itoa(pid) + "]" }
func AvailablePath(sid string, pid int) string {
	return AvailableContainer(sid) + AvailableKey(pid)
}

func ApplicationsContainer(sid string) string { return SessionPath(sid) + ".Applications" }
func ApplicationKey(pid int) string           { return "[" + strconv.Itoa(pid) + "]" }
func ApplicationPath(sid string, pid int) string {
	return ApplicationsContainer(sid) + ApplicationKey(pid)
}

func ProcessesContainer(sid string) string { return SessionPath(sid) + ".Processes" }
func ProcessKey(pid int) string            { return "[" + strconv.Itoa(pid) + "]" }
func ProcessPath(sid string, pid int) string {
	return ProcessesContainer(sid) + ProcessKey(pid)
}

// Breakpoint paths are reserved for breakpoint mirroring; no sync
// operation writes them yet.
func BreakpointsContainer(sid string, pid int) string {
	return ProcessPath(sid, pid) + ".Debug.Breakpoints"
}

func BreakpointKey(breaknum int) string { return "[" + strconv.Itoa(breaknum) + "]" }
func BreakpointPath(sid string, pid, breaknum int) string {
	return BreakpointsContainer(sid, pid) + BreakpointKey(breaknum)
}

func ThreadsContainer(sid string, pid int) string { return ProcessPath(sid, pid) + ".Threads" }
func ThreadKey(tid int) string                    { return "[" + strconv.Itoa(tid) + "]" }
func ThreadPath(sid string, pid, tid int) string {
	return ThreadsContainer(sid, pid) + ThreadKey(tid)
}

func FramesContainer(sid string, pid, tid int) string {
	return ThreadPath(sid, pid, tid) + ".Stack"
}

func FrameKey(level int) string { return "[" + strconv.Itoa(level) + "]" }
func FramePath(sid string, pid, tid, level int) string {
	return FramesContainer(sid, pid, tid) + FrameKey(level)
}

// RegistersPath doubles as the overlay register space name of the
// thread.
func RegistersPath(sid string, pid, tid int) string {
	return ThreadPath(sid, pid, tid) + ".Registers"
}

func RegionsContainer(sid string, pid int) string { return ProcessPath(sid, pid) + ".Memory" }
func RegionKey(start string) string               { return "[" + start + "]" }
func RegionPath(sid string, pid int, start string) string {
	return RegionsContainer(sid, pid) + RegionKey(start)
}

// Kernel regions live on the session itself.
func KernelRegionsContainer(sid string) string { return SessionPath(sid) + ".Memory" }
func KernelRegionPath(sid, start string) string {
	return KernelRegionsContainer(sid) + RegionKey(start)
}

func HeapContainer(sid string, pid int) string { return ProcessPath(sid, pid) + ".Heap" }
func HeapRegionPath(sid string, pid int, start string) string {
	return HeapContainer(sid, pid) + RegionKey(start)
}

func ModulesContainer(sid string, pid int) string { return ProcessPath(sid, pid) + ".Modules" }
func ModuleKey(modpath string) string             { return "[" + modpath + "]" }
func ModulePath(sid string, pid int, modpath string) string {
	return ModulesContainer(sid, pid) + ModuleKey(modpath)
}

// Kernel modules live on the session, keyed by module name.
func KernelModulesContainer(sid string) string { return SessionPath(sid) + ".Modules" }
func KernelModulePath(sid, name string) string {
	return KernelModulesContainer(sid) + ModuleKey(name)
}

func SectionsContainer(sid string, pid int, modpath string) string {
	return ModulePath(sid, pid, modpath) + ".Sections"
}

func SectionPath(sid string, pid int, modpath, start string) string {
	return SectionsContainer(sid, pid, modpath) + RegionKey(start)
}

func ImportsContainer(sid string, pid int, modpath string) string {
	return ModulePath(sid, pid, modpath) + ".Imports"
}

func AddressKey(addr string) string { return "[" + addr + "]" }
func ImportPath(sid string, pid int, modpath, addr string) string {
	return ImportsContainer(sid, pid, modpath) + AddressKey(addr)
}

func ExportsContainer(sid string, pid int, modpath string) string {
	return ModulePath(sid, pid, modpath) + ".Exports"
}

func ExportPath(sid string, pid int, modpath, addr string) string {
	return ExportsContainer(sid, pid, modpath) + AddressKey(addr)
}

func SymbolsContainer(sid string, pid int, modpath string) string {
	return ModulePath(sid, pid, modpath) + ".Symbols"
}

func SymbolPath(sid string, pid int, modpath, addr string) string {
	return SymbolsContainer(sid, pid, modpath) + AddressKey(addr)
}

func DependenciesContainer(sid string, pid int, modpath string) string {
	return ModulePath(sid, pid, modpath) + ".Dependencies"
}

func NameKey(name string) string { return "[" + name + "]" }
func DependencyPath(sid string, pid int, modpath, name string) string {
	return DependenciesContainer(sid, pid, modpath) + NameKey(name)
}

func ClassesContainer(sid string, pid int) string { return ProcessPath(sid, pid) + ".Classes" }
func ClassKey(path string) string                 { return "[" + path + "]" }
func ClassPath(sid string, pid int, path string) string {
	return ClassesContainer(sid, pid) + ClassKey(path)
}

func MethodsContainer(sid string, pid int, classKey string) string {
	return ClassPath(sid, pid, classKey) + ".Methods"
}

func MethodPath(sid string, pid int, classKey, name string) string {
	return MethodsContainer(sid, pid, classKey) + NameKey(name)
}

func ClassLoadersContainer(sid string, pid int) string {
	return ProcessPath(sid, pid) + ".ClassLoaders"
}

func ClassLoaderPath(sid string, pid int, path string) string {
	return ClassLoadersContainer(sid, pid) + ClassKey(path)
}

// formatPID renders a pid for display strings in the configured radix.
func formatPID(pid, radix int) string {
	switch radix {
	case 16:
		return fmt.Sprintf("0x%x", pid)
	case 8:
		return fmt.Sprintf("0%o", pid)
	default:
		return strconv.Itoa(pid)
	}
}
