package trace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want []PathSeg
	}{
		{"Sessions", []PathSeg{{Name: "Sessions"}}},
		{"Sessions[local]", []PathSeg{{Name: "Sessions", Key: "local", HasKey: true}}},
		{
			"Sessions[local].Processes[12].Memory",
			[]PathSeg{
				{Name: "Sessions", Key: "local", HasKey: true},
				{Name: "Processes", Key: "12", HasKey: true},
				{Name: "Memory"},
			},
		},
		{
			"Sessions[local].Processes[12].Modules[/usr/lib/libc.so.6]",
			[]PathSeg{
				{Name: "Sessions", Key: "local", HasKey: true},
				{Name: "Processes", Key: "12", HasKey: true},
				{Name: "Modules", Key: "/usr/lib/libc.so.6", HasKey: true},
			},
		},
		{"Processes[]", []PathSeg{{Name: "Processes", Key: "", HasKey: true}}},
	}
	for _, tt := range tests {
		got, err := ParsePath(tt.path)
		if err != nil {
			t.Errorf("ParsePath(%q) failed: %v", tt.path, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParsePath(%q) mismatch (-want +got):\n%s", tt.path, diff)
		}
	}
}

func TestParsePathErrors(t *testing.T) {
	bad := []string{
		"Sessions.",
		".Processes",
		"Sessions[local",
		"Sessions..Processes",
	}
	for _, path := range bad {
		if _, err := ParsePath(path); err == nil {
			t.Errorf("Expected error for %q, got none", path)
		}
	}
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		path       string
		wantParent string
		wantKey    string
	}{
		{"Sessions", "", "Sessions"},
		{"Sessions[local]", "Sessions", "[local]"},
		{"Sessions[local].Processes[12]", "Sessions[local].Processes", "[12]"},
		{"Sessions[local].Processes[12].Memory", "Sessions[local].Processes[12]", "Memory"},
		{"Modules[/usr/lib/libc.so.6]", "Modules", "[/usr/lib/libc.so.6]"},
	}
	for _, tt := range tests {
		parent, key := SplitKey(tt.path)
		if parent != tt.wantParent || key != tt.wantKey {
			t.Errorf("SplitKey(%q) = (%q, %q), want (%q, %q)",
				tt.path, parent, key, tt.wantParent, tt.wantKey)
		}
		if got := JoinPath(parent, key); got != tt.path {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", parent, key, got, tt.path)
		}
	}
}

func TestPathPattern(t *testing.T) {
	pat, err := CompilePattern("Sessions[local].Processes[]")
	if err != nil {
		t.Fatalf("CompilePattern failed: %v", err)
	}
	matches := []string{
		"Sessions[local].Processes[12]",
		"Sessions[local].Processes[999]",
	}
	for _, path := range matches {
		if !pat.Matches(path) {
			t.Errorf("Expected %q to match %q", path, pat)
		}
	}
	misses := []string{
		"Sessions[local].Processes",
		"Sessions[local].Processes[12].Memory",
		"Sessions[remote].Processes[12]",
		"Sessions[local].Threads[12]",
	}
	for _, path := range misses {
		if pat.Matches(path) {
			t.Errorf("Expected %q not to match %q", path, pat)
		}
	}

	exact, err := CompilePattern("Sessions[local].Environment")
	if err != nil {
		t.Fatalf("CompilePattern failed: %v", err)
	}
	if !exact.Matches("Sessions[local].Environment") {
		t.Error("Expected exact pattern to match itself")
	}
	if exact.Matches("Sessions[local].Environment[x]") {
		t.Error("Expected keyed path not to match bare attribute pattern")
	}
}
