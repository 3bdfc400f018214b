package trace

import (
	"fmt"
	"strings"
)

// PathSeg is one step of an object path: a container name with an
// optional bracketed key, as in Processes[12].
type PathSeg struct {
	Name   string
	Key    string
	HasKey bool
}

// ParsePath splits a path like Sessions[local].Processes[12].Memory
// into segments. Keys run to the closing bracket that ends the
// segment, so module paths containing dots stay intact.
func ParsePath(path string) ([]PathSeg, error) {
	if path == "" {
		return nil, nil
	}
	var segs []PathSeg
	i := 0
	for i < len(path) {
		j := i
		for j < len(path) && path[j] != '.' && path[j] != '[' {
			j++
		}
		name := path[i:j]
		if name == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrBadPath, path)
		}
		seg := PathSeg{Name: name}
		i = j
		for i < len(path) && path[i] == '[' {
			end := closingBracket(path, i)
			if end < 0 {
				return nil, fmt.Errorf("%w: unclosed bracket in %q", ErrBadPath, path)
			}
			if seg.HasKey {
				// Second bracket on one segment starts a nested
				// element step with an empty name.
				segs = append(segs, seg)
				seg = PathSeg{}
			}
			seg.Key = path[i+1 : end]
			seg.HasKey = true
			i = end + 1
		}
		segs = append(segs, seg)
		if i < len(path) {
			if path[i] != '.' {
				return nil, fmt.Errorf("%w: unexpected %q in %q", ErrBadPath, path[i], path)
			}
			i++
			if i == len(path) {
				return nil, fmt.Errorf("%w: trailing dot in %q", ErrBadPath, path)
			}
		}
	}
	return segs, nil
}

// closingBracket finds the bracket that ends the key opened at open.
// Keys may contain brackets, so the match is the last candidate
// before the next structural character.
func closingBracket(path string, open int) int {
	for i := open + 1; i < len(path); i++ {
		if path[i] != ']' {
			continue
		}
		if i+1 == len(path) || path[i+1] == '.' || path[i+1] == '[' {
			return i
		}
	}
	return -1
}

// JoinPath appends a key to a parent path. Bracketed keys attach
// directly, attribute keys with a dot.
func JoinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	if strings.HasPrefix(key, "[") {
		return parent + key
	}
	return parent + "." + key
}

// SplitKey splits a path into its parent and final key. Bracketed
// final keys keep their brackets.
func SplitKey(path string) (parent, key string) {
	if strings.HasSuffix(path, "]") {
		for i := len(path) - 2; i >= 0; i-- {
			if path[i] == '[' {
				return path[:i], path[i:]
			}
		}
		return "", path
	}
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// PathPattern matches entry paths. An empty bracket pair in the
// pattern matches any key in that position.
type PathPattern struct {
	raw  string
	segs []PathSeg
}

// CompilePattern parses a pattern such as Sessions[local].Processes[].
func CompilePattern(pattern string) (*PathPattern, error) {
	segs, err := ParsePath(pattern)
	if err != nil {
		return nil, err
	}
	return &PathPattern{raw: pattern, segs: segs}, nil
}

func (p *PathPattern) String() string { return p.raw }

// Matches reports whether path matches the pattern segment for
// segment.
func (p *PathPattern) Matches(path string) bool {
	segs, err := ParsePath(path)
	if err != nil {
		return false
	}
	if len(segs) != len(p.segs) {
		return false
	}
	for i, want := range p.segs {
		got := segs[i]
		if got.Name != want.Name || got.HasKey != want.HasKey {
			return false
		}
		if want.HasKey && want.Key != "" && got.Key != want.Key {
			return false
		}
	}
	return true
}
