// Package arch resolves the raw platform report of an engine backend
// into a canonical language and compiler pair, and supplies the
// register and memory mappers that translate between the engine's
// conventions and the resolved language's.
package arch

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Auto asks for automatic resolution wherever an override is accepted.
const Auto = "auto"

// Descriptor is the raw platform report of an attached engine.
type Descriptor struct {
	// Arch is the engine's architecture name, such as x64 or arm64.
	Arch string
	// Platform is the engine's OS name, such as linux or windows.
	Platform string
	// Endian is an optional byte order hint, big or little.
	Endian string
	// PointerSize is the pointer width in bytes, if reported.
	PointerSize int
}

// Overrides pins individual resolution results. Empty or Auto fields
// resolve automatically.
type Overrides struct {
	Language string
	Compiler string
	Endian   string
	OSABI    string
}

// Platform is a fully resolved target description.
type Platform struct {
	Language  string
	Compiler  string
	Endian    string
	Registers RegisterMapper
	Memory    MemoryMapper
}

func overridden(v string) bool {
	return v != "" && v != Auto
}

// ResolveEndian picks the byte order: override, then engine hint,
// then little.
func ResolveEndian(d Descriptor, o Overrides) string {
	if overridden(o.Endian) {
		return o.Endian
	}
	if d.Endian == "big" || d.Endian == "little" {
		return d.Endian
	}
	return "little"
}

// ResolveOSABI picks the platform name used for compiler selection.
func ResolveOSABI(d Descriptor, o Overrides) string {
	if o.OSABI != "" && o.OSABI != Auto && o.OSABI != "default" {
		return o.OSABI
	}
	return d.Platform
}

// ResolveLanguage picks the canonical language id for the descriptor.
// Candidates for the architecture are filtered to the resolved byte
// order, then ranked: default variants first, then shortest id. An
// unknown architecture, or one with no candidate in the right byte
// order, falls back to the raw DATA language rather than a language
// of the wrong endian.
func ResolveLanguage(d Descriptor, o Overrides) string {
	if overridden(o.Language) {
		return o.Language
	}
	lebe := ":LE:"
	if ResolveEndian(d, o) == "big" {
		lebe = ":BE:"
	}
	candidates, ok := languageCandidates[d.Arch]
	if !ok {
		return "DATA" + lebe + "64:default"
	}
	matched := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if strings.Contains(id, lebe) {
			matched = append(matched, id)
		}
	}
	if len(matched) == 0 {
		return "DATA" + lebe + "64:default"
	}
	slices.SortStableFunc(matched, func(a, b string) int {
		return languageRank(a) - languageRank(b)
	})
	return matched[0]
}

func languageRank(id string) int {
	if strings.HasSuffix(id, ":default") {
		return 0
	}
	return len(id)
}

// ResolveCompiler picks the compiler id for a resolved language.
func ResolveCompiler(lang string, d Descriptor, o Overrides) string {
	if overridden(o.Compiler) {
		return o.Compiler
	}
	m, ok := compilerMaps[lang]
	if !ok {
		return "default"
	}
	osabi := ResolveOSABI(d, o)
	if c, ok := m[osabi]; ok {
		return c
	}
	if c, ok := m[""]; ok {
		return c
	}
	return "default"
}

// Resolve computes the full platform for a descriptor, including the
// mappers registered for the resolved language.
func Resolve(d Descriptor, o Overrides) Platform {
	lang := ResolveLanguage(d, o)
	return Platform{
		Language:  lang,
		Compiler:  ResolveCompiler(lang, d, o),
		Endian:    ResolveEndian(d, o),
		Registers: RegisterMapperFor(lang),
		Memory:    MemoryMapperFor(lang),
	}
}
