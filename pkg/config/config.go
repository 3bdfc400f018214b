// Package config loads tracesync.yaml and carries the convenience
// variables the command line and REPL adjust at run time. Every
// setting has a working default; "auto" leaves a choice to the target.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/TraceSync/pkg/arch"
	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/journal"
	"github.com/willibrandon/TraceSync/pkg/mirror"
)

// DefaultPath is where Load looks when no config flag is given.
const DefaultPath = "tracesync.yaml"

// Config is the full settings tree.
type Config struct {
	Backend Backend `yaml:"backend"`
	Arch    Arch    `yaml:"arch"`
	Session Session `yaml:"session"`
	Journal Journal `yaml:"journal"`
	Log     Log     `yaml:"log"`
}

// Backend selects and locates the engine implementation.
type Backend struct {
	// Kind is "agent" or "delve".
	Kind string `yaml:"kind"`
	// Address is the agent endpoint. Ignored by the delve backend.
	Address string `yaml:"address"`
}

// Arch overrides pieces of the resolved platform. "auto" defers to
// what the target reports.
type Arch struct {
	Language string `yaml:"language"`
	Compiler string `yaml:"compiler"`
	Endian   string `yaml:"endian"`
	OSABI    string `yaml:"osabi"`
}

// Session tunes the mirror session.
type Session struct {
	// Radix formats pids and tids in display strings: 8, 10 or 16.
	Radix int `yaml:"radix"`
	// CacheSize bounds the observation cache.
	CacheSize int `yaml:"cache_size"`
}

// Journal configures the mutation journal. An empty path disables it.
type Journal struct {
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
	// KeyFile names a file holding a hex AES key; records are sealed
	// when set.
	KeyFile string `yaml:"key_file"`
	// MACKeyFile names a file holding a hex HMAC key.
	MACKeyFile string `yaml:"mac_key_file"`
}

// Log selects the minimum severity written to stderr.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend: Backend{Kind: "agent", Address: "localhost:15115"},
		Arch:    Arch{Language: "auto", Compiler: "auto", Endian: "auto", OSABI: "auto"},
		Session: Session{Radix: 16, CacheSize: mirror.DefaultCacheSize},
		Journal: Journal{Compression: "zstd"},
		Log:     Log{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. The caller decides whether a missing file matters.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every enumerated setting.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "agent", "delve":
	default:
		return fmt.Errorf("backend.kind %q: want agent or delve", c.Backend.Kind)
	}
	switch c.Arch.Endian {
	case "auto", "", "little", "big":
	default:
		return fmt.Errorf("arch.endian %q: want auto, little or big", c.Arch.Endian)
	}
	switch c.Session.Radix {
	case 8, 10, 16:
	default:
		return fmt.Errorf("session.radix %d: want 8, 10 or 16", c.Session.Radix)
	}
	if c.Session.CacheSize <= 0 {
		return fmt.Errorf("session.cache_size %d: want positive", c.Session.CacheSize)
	}
	switch c.Journal.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("journal.compression %q: want none or zstd", c.Journal.Compression)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warning", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warning or error", c.Log.Level)
	}
	return nil
}

// auto maps the "auto" marker back to an empty override.
func auto(s string) string {
	if s == "auto" {
		return ""
	}
	return s
}

// Overrides returns the architecture overrides the settings pin down.
func (c *Config) Overrides() arch.Overrides {
	return arch.Overrides{
		Language: auto(c.Arch.Language),
		Compiler: auto(c.Arch.Compiler),
		Endian:   auto(c.Arch.Endian),
		OSABI:    auto(c.Arch.OSABI),
	}
}

// MirrorOptions returns the session options the settings select.
func (c *Config) MirrorOptions() mirror.Options {
	return mirror.Options{
		Radix:     c.Session.Radix,
		Overrides: c.Overrides(),
		CacheSize: c.Session.CacheSize,
	}
}

// JournalOptions resolves the journal settings, reading key files.
func (c *Config) JournalOptions() (journal.Options, error) {
	opts := journal.Options{}
	if c.Journal.Compression == "zstd" {
		opts.Compression = journal.ZstdCompression
	}
	var err error
	if opts.Key, err = readKeyFile(c.Journal.KeyFile); err != nil {
		return opts, fmt.Errorf("journal.key_file: %w", err)
	}
	if opts.MACKey, err = readKeyFile(c.Journal.MACKeyFile); err != nil {
		return opts, fmt.Errorf("journal.mac_key_file: %w", err)
	}
	return opts, nil
}

func readKeyFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return key, nil
}

// LogLevel returns the parsed minimum severity.
func (c *Config) LogLevel() diag.Severity {
	return diag.ParseSeverity(c.Log.Level)
}

// Set assigns one convenience variable by its dotted name, parsing the
// value as the field requires. The config is unchanged on error.
func (c *Config) Set(name, value string) error {
	old := *c
	switch name {
	case "backend.kind":
		c.Backend.Kind = value
	case "backend.address":
		c.Backend.Address = value
	case "arch.language":
		c.Arch.Language = value
	case "arch.compiler":
		c.Arch.Compiler = value
	case "arch.endian":
		c.Arch.Endian = value
	case "arch.osabi":
		c.Arch.OSABI = value
	case "session.radix":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("session.radix: %w", err)
		}
		c.Session.Radix = n
	case "session.cache_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("session.cache_size: %w", err)
		}
		c.Session.CacheSize = n
	case "journal.path":
		c.Journal.Path = value
	case "journal.compression":
		c.Journal.Compression = value
	case "journal.key_file":
		c.Journal.KeyFile = value
	case "journal.mac_key_file":
		c.Journal.MACKeyFile = value
	case "log.level":
		c.Log.Level = value
	default:
		return fmt.Errorf("unknown variable %q", name)
	}
	if err := c.Validate(); err != nil {
		*c = old
		return err
	}
	return nil
}

// List returns every convenience variable as "name = value", sorted.
func (c *Config) List() []string {
	vars := map[string]string{
		"backend.kind":         c.Backend.Kind,
		"backend.address":      c.Backend.Address,
		"arch.language":        c.Arch.Language,
		"arch.compiler":        c.Arch.Compiler,
		"arch.endian":          c.Arch.Endian,
		"arch.osabi":           c.Arch.OSABI,
		"session.radix":        strconv.Itoa(c.Session.Radix),
		"session.cache_size":   strconv.Itoa(c.Session.CacheSize),
		"journal.path":         c.Journal.Path,
		"journal.compression":  c.Journal.Compression,
		"journal.key_file":     c.Journal.KeyFile,
		"journal.mac_key_file": c.Journal.MACKeyFile,
		"log.level":            c.Log.Level,
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = name + " = " + vars[name]
	}
	return out
}
