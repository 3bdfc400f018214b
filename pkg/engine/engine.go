// Package engine defines the boundary to an instrumentation backend:
// the Engine interface a backend implements, the typed records it
// reports, and the single-goroutine executor that owns all target
// interaction.
package engine

import (
	"strconv"
	"time"
)

// Reply is one tagged response to a backend query. A query produces
// at most one reply.
type Reply struct {
	// Kind is "value" for a successful reply or "error".
	Kind string `json:"type"`
	// Key names the query that produced the reply.
	Key string `json:"key,omitempty"`
	// Value is the decoded payload of a value reply.
	Value any `json:"value,omitempty"`
	// Data carries the caller-supplied tag echoed back with the
	// reply, typically a module path.
	Data string `json:"data,omitempty"`
	// Description explains an error reply.
	Description string `json:"description,omitempty"`
}

// Err returns the error carried by an error reply, or nil.
func (r Reply) Err() error {
	if r.Kind == "error" {
		return &ReplyError{Description: r.Description}
	}
	return nil
}

// ReplyError is an error reported by the backend itself.
type ReplyError struct {
	Description string
}

func (e *ReplyError) Error() string {
	if e.Description == "" {
		return "backend reported an error"
	}
	return e.Description
}

// Engine is an attached instrumentation backend. All methods except
// Name, Running and Close must be called from the executor's
// goroutine. Enumerations describe a stopped target and fail while it
// runs.
type Engine interface {
	// Name identifies the backend kind, such as agent or delve.
	Name() string

	// Running reports whether the target is currently executing.
	// Safe from any goroutine.
	Running() bool

	// PumpEvents processes pending backend events for up to the
	// given duration. The executor calls this while idle.
	PumpEvents(timeout time.Duration)

	// SystemParameters reports the target platform: at least arch,
	// platform and pointerSize, plus whatever else the backend knows.
	SystemParameters() (map[string]any, error)

	// SessionAttributes reports runtime facts about the attached
	// session, such as versions and heap usage.
	SessionAttributes() (map[string]any, error)

	Sessions() ([]Session, error)
	Processes() ([]Process, error)
	AvailableProcesses() ([]Process, error)
	Applications() ([]Application, error)

	Regions(pid int) ([]Region, error)
	KernelRegions() ([]Region, error)
	HeapRanges(pid int) ([]HeapRange, error)
	Modules(pid int) ([]Module, error)
	KernelModules() ([]Module, error)

	// Module detail enumerations locate the module by an address
	// inside it, as reported in Module.Base.
	Sections(pid int, modAddr string) ([]Region, error)
	Imports(pid int, modAddr string) ([]Import, error)
	Exports(pid int, modAddr string) ([]Export, error)
	Symbols(pid int, modAddr string) ([]Symbol, error)
	Dependencies(pid int, modAddr string) ([]Dependency, error)

	Threads(pid int) ([]Thread, error)
	Frames(pid, tid int) ([]Frame, error)

	// Runtime class enumerations, for targets with a managed runtime.
	LoadedClassesObjC(pid int) ([]Class, error)
	LoadedClassesJava(pid int) ([]Class, error)
	ClassLoaders(pid int) ([]string, error)

	ReadMemory(pid int, addr uint64, length int) ([]byte, error)
	WriteMemory(pid int, addr uint64, data []byte) error

	// Target control.
	Attach(pid int) error
	Spawn(path string, args []string) (int, error)
	Resume() error
	Suspend() error
	Kill() error

	Close() error
}

// ParseAddress converts a backend address string such as 0x7fff0000
// to its numeric value. Plain decimal is accepted too.
func ParseAddress(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// FormatAddress renders an address the way backends report them.
func FormatAddress(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}
