package engine

import (
	"github.com/willibrandon/TraceSync/pkg/diag"
)

// Typed records reported by a backend. Address fields keep the
// backend's hex string form since object keys are built from them
// verbatim.

// Session is one reachable device or connection endpoint.
type Session struct {
	ID   string
	Name string
	Type string
}

// Process is a process on the target, attached or merely visible.
type Process struct {
	PID  int
	Name string
}

// Application is an installable app known to the target.
type Application struct {
	PID        int
	Name       string
	Identifier string
}

// FileMapping describes the file backing a mapped region.
type FileMapping struct {
	Path   string
	Offset uint64
	Size   uint64
}

// Region is one mapped memory range.
type Region struct {
	Base       string
	Size       uint64
	Protection string
	File       *FileMapping
}

// HeapRange is one allocated heap block.
type HeapRange struct {
	Base string
	Size uint64
}

// Module is one loaded object file.
type Module struct {
	Name string
	Path string
	Base string
	Size uint64
}

// Import is one imported symbol of a module.
type Import struct {
	Name    string
	Address string
	Type    string
	Module  string
	Slot    string
}

// Export is one exported symbol of a module.
type Export struct {
	Name    string
	Address string
	Type    string
	Module  string
}

// Symbol is one debug symbol of a module.
type Symbol struct {
	Name     string
	Address  string
	Type     string
	Size     int64
	IsGlobal bool
	Section  string
}

// Dependency is one library a module links against.
type Dependency struct {
	Name string
	Type string
}

// Thread is one thread with its raw register context, register name
// to value string as the backend reports it.
type Thread struct {
	TID     int
	Name    string
	State   string
	Context map[string]string
}

// Frame is one stack frame of a backtrace.
type Frame struct {
	Address string
	Name    string
	Module  string
	File    string
	Line    int
	Column  int
}

// Class is one loaded runtime class.
type Class struct {
	Name    string
	Path    string
	Methods []string
}

// Decoders turn a generic reply payload into typed records. A record
// that does not decode is logged and skipped; it never aborts the
// batch and never reaches callers raw.

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func num(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func DecodeSessions(v any, log diag.Logger) []Session {
	var out []Session
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "id") {
			log.Warnf("skipping malformed session record: %v", e)
			continue
		}
		out = append(out, Session{
			ID:   str(m, "id"),
			Name: str(m, "name"),
			Type: str(m, "type"),
		})
	}
	return out
}

func DecodeProcesses(v any, log diag.Logger) []Process {
	var out []Process
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "pid") {
			log.Warnf("skipping malformed process record: %v", e)
			continue
		}
		out = append(out, Process{PID: int(num(m, "pid")), Name: str(m, "name")})
	}
	return out
}

func DecodeApplications(v any, log diag.Logger) []Application {
	var out []Application
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "pid") {
			log.Warnf("skipping malformed application record: %v", e)
			continue
		}
		out = append(out, Application{
			PID:        int(num(m, "pid")),
			Name:       str(m, "name"),
			Identifier: str(m, "identifier"),
		})
	}
	return out
}

func DecodeRegions(v any, log diag.Logger) []Region {
	var out []Region
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "base") || !has(m, "size") {
			log.Warnf("skipping malformed region record: %v", e)
			continue
		}
		r := Region{
			Base:       str(m, "base"),
			Size:       uint64(num(m, "size")),
			Protection: str(m, "protection"),
		}
		if fm, ok := asMap(m["file"]); ok {
			r.File = &FileMapping{
				Path:   str(fm, "path"),
				Offset: uint64(num(fm, "offset")),
				Size:   uint64(num(fm, "size")),
			}
		}
		out = append(out, r)
	}
	return out
}

func DecodeHeapRanges(v any, log diag.Logger) []HeapRange {
	var out []HeapRange
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "base") {
			log.Warnf("skipping malformed heap record: %v", e)
			continue
		}
		out = append(out, HeapRange{Base: str(m, "base"), Size: uint64(num(m, "size"))})
	}
	return out
}

func DecodeModules(v any, log diag.Logger) []Module {
	var out []Module
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "base") {
			log.Warnf("skipping malformed module record: %v", e)
			continue
		}
		out = append(out, Module{
			Name: str(m, "name"),
			Path: str(m, "path"),
			Base: str(m, "base"),
			Size: uint64(num(m, "size")),
		})
	}
	return out
}

func DecodeImports(v any, log diag.Logger) []Import {
	var out []Import
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "address") {
			log.Warnf("skipping malformed import record: %v", e)
			continue
		}
		out = append(out, Import{
			Name:    str(m, "name"),
			Address: str(m, "address"),
			Type:    str(m, "type"),
			Module:  str(m, "module"),
			Slot:    str(m, "slot"),
		})
	}
	return out
}

func DecodeExports(v any, log diag.Logger) []Export {
	var out []Export
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "address") {
			log.Warnf("skipping malformed export record: %v", e)
			continue
		}
		out = append(out, Export{
			Name:    str(m, "name"),
			Address: str(m, "address"),
			Type:    str(m, "type"),
			Module:  str(m, "module"),
		})
	}
	return out
}

func DecodeSymbols(v any, log diag.Logger) []Symbol {
	var out []Symbol
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "address") {
			log.Warnf("skipping malformed symbol record: %v", e)
			continue
		}
		s := Symbol{
			Name:     str(m, "name"),
			Address:  str(m, "address"),
			Type:     str(m, "type"),
			Size:     num(m, "size"),
			IsGlobal: boolean(m, "isGlobal"),
		}
		if sec, ok := asMap(m["section"]); ok {
			s.Section = str(sec, "id")
		}
		out = append(out, s)
	}
	return out
}

func DecodeDependencies(v any, log diag.Logger) []Dependency {
	var out []Dependency
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "name") {
			log.Warnf("skipping malformed dependency record: %v", e)
			continue
		}
		out = append(out, Dependency{Name: str(m, "name"), Type: str(m, "type")})
	}
	return out
}

func DecodeThreads(v any, log diag.Logger) []Thread {
	var out []Thread
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "id") {
			log.Warnf("skipping malformed thread record: %v", e)
			continue
		}
		t := Thread{
			TID:   int(num(m, "id")),
			Name:  str(m, "name"),
			State: str(m, "state"),
		}
		if ctx, ok := asMap(m["context"]); ok {
			t.Context = make(map[string]string, len(ctx))
			for reg, val := range ctx {
				if s, ok := val.(string); ok {
					t.Context[reg] = s
				} else {
					log.Warnf("skipping register %s of thread %d: not a string", reg, t.TID)
				}
			}
		}
		out = append(out, t)
	}
	return out
}

func DecodeFrames(v any, log diag.Logger) []Frame {
	var out []Frame
	for _, e := range asList(v) {
		m, ok := asMap(e)
		if !ok || !has(m, "address") {
			log.Warnf("skipping malformed frame record: %v", e)
			continue
		}
		out = append(out, Frame{
			Address: str(m, "address"),
			Name:    str(m, "name"),
			Module:  str(m, "moduleName"),
			File:    str(m, "fileName"),
			Line:    int(num(m, "lineNumber")),
			Column:  int(num(m, "column")),
		})
	}
	return out
}

// DecodeClasses accepts both shapes runtimes report: bare class name
// strings and records with name, path and methods.
func DecodeClasses(v any, log diag.Logger) []Class {
	var out []Class
	for _, e := range asList(v) {
		switch c := e.(type) {
		case string:
			out = append(out, Class{Name: c})
		case map[string]any:
			cls := Class{Name: str(c, "name"), Path: str(c, "path")}
			for _, me := range asList(c["methods"]) {
				if s, ok := me.(string); ok {
					cls.Methods = append(cls.Methods, s)
				}
			}
			if cls.Name == "" && cls.Path == "" {
				log.Warnf("skipping malformed class record: %v", e)
				continue
			}
			out = append(out, cls)
		default:
			log.Warnf("skipping malformed class record: %v", e)
		}
	}
	return out
}

// DecodeClassLoaders decodes a list of loader path strings.
func DecodeClassLoaders(v any, log diag.Logger) []string {
	var out []string
	for _, e := range asList(v) {
		s, ok := e.(string)
		if !ok {
			log.Warnf("skipping malformed class loader record: %v", e)
			continue
		}
		out = append(out, s)
	}
	return out
}

// Key returns the element key for a class: the path when present,
// else the name.
func (c Class) Key() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Name
}
