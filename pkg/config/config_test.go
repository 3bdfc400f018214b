package config

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/willibrandon/TraceSync/pkg/arch"
	"github.com/willibrandon/TraceSync/pkg/diag"
	"github.com/willibrandon/TraceSync/pkg/journal"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}
	if cfg.Backend.Kind != "agent" {
		t.Errorf("Expected default backend agent, got %q", cfg.Backend.Kind)
	}
	if cfg.Session.Radix != 16 {
		t.Errorf("Expected default radix 16, got %d", cfg.Session.Radix)
	}
	if cfg.Journal.Path != "" {
		t.Errorf("Expected journal disabled by default, got %q", cfg.Journal.Path)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := t.TempDir() + "/tracesync.yaml"
	doc := `backend:
  kind: delve

session:
  radix: 10

journal:
  path: out.jnl
  compression: none

log:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Backend.Kind != "delve" {
		t.Errorf("Expected backend delve, got %q", cfg.Backend.Kind)
	}
	if cfg.Backend.Address != Default().Backend.Address {
		t.Errorf("Expected default address kept, got %q", cfg.Backend.Address)
	}
	if cfg.Session.Radix != 10 {
		t.Errorf("Expected radix 10, got %d", cfg.Session.Radix)
	}
	if cfg.Journal.Path != "out.jnl" || cfg.Journal.Compression != "none" {
		t.Errorf("Expected journal out.jnl/none, got %q/%q", cfg.Journal.Path, cfg.Journal.Compression)
	}
	if cfg.LogLevel() != diag.SeverityDebug {
		t.Errorf("Expected debug level, got %v", cfg.LogLevel())
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/absent.yaml")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected ErrNotExist, got %v", err)
	}
	// Defaults come back so callers can treat the default path as
	// optional.
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Expected defaults on missing file (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"BadBackend", func(c *Config) { c.Backend.Kind = "gdb" }},
		{"BadEndian", func(c *Config) { c.Arch.Endian = "middle" }},
		{"BadRadix", func(c *Config) { c.Session.Radix = 7 }},
		{"BadCacheSize", func(c *Config) { c.Session.CacheSize = 0 }},
		{"BadCompression", func(c *Config) { c.Journal.Compression = "lz4" }},
		{"BadLevel", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestSetRestoresOnError(t *testing.T) {
	cfg := Default()
	if err := cfg.Set("session.radix", "8"); err != nil {
		t.Fatalf("Failed to set radix: %v", err)
	}
	if cfg.Session.Radix != 8 {
		t.Errorf("Expected radix 8, got %d", cfg.Session.Radix)
	}

	if err := cfg.Set("session.radix", "7"); err == nil {
		t.Error("Expected error for radix 7, got nil")
	}
	if cfg.Session.Radix != 8 {
		t.Errorf("Expected radix restored to 8, got %d", cfg.Session.Radix)
	}

	if err := cfg.Set("no.such.var", "x"); err == nil {
		t.Error("Expected error for unknown variable, got nil")
	}

	found := false
	for _, line := range cfg.List() {
		if line == "session.radix = 8" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected session.radix = 8 in listing, got %v", cfg.List())
	}
}

func TestOverridesMapAuto(t *testing.T) {
	cfg := Default()
	if diff := cmp.Diff(arch.Overrides{}, cfg.Overrides()); diff != "" {
		t.Errorf("Expected empty overrides for auto (-want +got):\n%s", diff)
	}

	cfg.Arch.Language = "x86:LE:64:default"
	cfg.Arch.Endian = "big"
	want := arch.Overrides{Language: "x86:LE:64:default", Endian: "big"}
	if diff := cmp.Diff(want, cfg.Overrides()); diff != "" {
		t.Errorf("Overrides differ (-want +got):\n%s", diff)
	}
}

func TestJournalOptionsReadsKeys(t *testing.T) {
	dir := t.TempDir()
	key := strings.Repeat("4b", 32)
	if err := os.WriteFile(dir+"/key.hex", []byte(key+"\n"), 0600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	cfg := Default()
	cfg.Journal.KeyFile = dir + "/key.hex"
	opts, err := cfg.JournalOptions()
	if err != nil {
		t.Fatalf("Failed to resolve journal options: %v", err)
	}
	if opts.Compression != journal.ZstdCompression {
		t.Errorf("Expected zstd compression, got %v", opts.Compression)
	}
	wantKey, _ := hex.DecodeString(key)
	if diff := cmp.Diff(wantKey, opts.Key); diff != "" {
		t.Errorf("Key differs (-want +got):\n%s", diff)
	}
	if opts.MACKey != nil {
		t.Errorf("Expected no MAC key, got %x", opts.MACKey)
	}

	if err := os.WriteFile(dir+"/bad.hex", []byte("not hex"), 0600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}
	cfg.Journal.KeyFile = dir + "/bad.hex"
	if _, err := cfg.JournalOptions(); err == nil {
		t.Error("Expected error for bad key file, got nil")
	}
}
