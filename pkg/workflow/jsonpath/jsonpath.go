// Package jsonpath implements the restricted JSONPath dialect used by
// workflow mappings.
//
// The dialect is deliberately small: paths start at `$`, then apply member
// access (`.field`), array indexing (`[3]`), the wildcard (`[*]` or `.*`),
// and recursive descent (`..field`) on the terminal field only. Reads over
// missing intermediate keys yield no value rather than an error; writes
// create intermediate objects and arrays on demand.
package jsonpath

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SegmentKind identifies one operator in a parsed path.
type SegmentKind int

const (
	// SegmentMember is object member access: .field
	SegmentMember SegmentKind = iota
	// SegmentIndex is array index access: [3]
	SegmentIndex
	// SegmentWildcard matches every element of an array or object: [*] or .*
	SegmentWildcard
	// SegmentRecursive collects every occurrence of a field in the subtree: ..field
	// Only valid as the final segment.
	SegmentRecursive
)

// Segment is a single parsed path operator.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

// Path is a parsed, immutable path expression.
type Path struct {
	raw      string
	segments []Segment
}

// String returns the original path text.
func (p *Path) String() string { return p.raw }

// Root returns the first member name after `$`, or "" for the bare root.
// The context store uses this to enforce namespace rules.
func (p *Path) Root() string {
	if len(p.segments) == 0 || p.segments[0].Kind != SegmentMember {
		return ""
	}
	return p.segments[0].Name
}

// Depth returns the number of segments in the path.
func (p *Path) Depth() int { return len(p.segments) }

// Writable reports whether the path can be used as a write target.
// Wildcards and recursive descent address many locations and cannot be
// written through.
func (p *Path) Writable() bool {
	if len(p.segments) == 0 {
		return false
	}
	for _, s := range p.segments {
		if s.Kind == SegmentWildcard || s.Kind == SegmentRecursive {
			return false
		}
	}
	return true
}

// Parse parses a path expression. The expression must begin with `$` and
// contain at least one segment.
func Parse(raw string) (*Path, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "$") {
		return nil, fmt.Errorf("path %q must start with $", raw)
	}
	rest := s[1:]

	var segments []Segment
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, ".."):
			name, n, err := readIdent(rest[2:])
			if err != nil {
				return nil, fmt.Errorf("path %q: recursive descent requires a field name", raw)
			}
			rest = rest[2+n:]
			if len(rest) != 0 {
				return nil, fmt.Errorf("path %q: recursive descent is only allowed on the terminal field", raw)
			}
			segments = append(segments, Segment{Kind: SegmentRecursive, Name: name})

		case strings.HasPrefix(rest, ".*"):
			rest = rest[2:]
			segments = append(segments, Segment{Kind: SegmentWildcard})

		case strings.HasPrefix(rest, "."):
			name, n, err := readIdent(rest[1:])
			if err != nil {
				return nil, fmt.Errorf("path %q: %v", raw, err)
			}
			rest = rest[1+n:]
			segments = append(segments, Segment{Kind: SegmentMember, Name: name})

		case strings.HasPrefix(rest, "[*]"):
			rest = rest[3:]
			segments = append(segments, Segment{Kind: SegmentWildcard})

		case strings.HasPrefix(rest, "["):
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unterminated index", raw)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q: invalid array index %q", raw, rest[1:end])
			}
			rest = rest[end+1:]
			segments = append(segments, Segment{Kind: SegmentIndex, Index: idx})

		default:
			return nil, fmt.Errorf("path %q: unexpected character %q", raw, rest[0])
		}
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("path %q addresses nothing", raw)
	}
	return &Path{raw: s, segments: segments}, nil
}

// MustParse parses a path and panics on error. For tests and static paths.
func MustParse(raw string) *Path {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func readIdent(s string) (string, int, error) {
	n := 0
	for n < len(s) {
		c := s[n]
		if c == '.' || c == '[' {
			break
		}
		if !isIdentChar(c) {
			return "", 0, fmt.Errorf("invalid character %q in field name", c)
		}
		n++
	}
	if n == 0 {
		return "", 0, fmt.Errorf("empty field name")
	}
	return s[:n], n, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Read evaluates the path against doc. The second return value is false when
// any intermediate key is missing; reads never fail.
//
// Wildcard segments fan out and collect matches into a slice. Recursive
// descent collects every occurrence of the field in the subtree, depth-first
// with object keys visited in sorted order so results are deterministic.
func (p *Path) Read(doc any) (any, bool) {
	values := readSegments(doc, p.segments)
	wild := false
	for _, s := range p.segments {
		if s.Kind == SegmentWildcard || s.Kind == SegmentRecursive {
			wild = true
			break
		}
	}
	if wild {
		if values == nil {
			values = []any{}
		}
		return values, true
	}
	if len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

func readSegments(doc any, segments []Segment) []any {
	current := []any{doc}
	for _, seg := range segments {
		var next []any
		for _, v := range current {
			switch seg.Kind {
			case SegmentMember:
				if m, ok := v.(map[string]any); ok {
					if child, ok := m[seg.Name]; ok {
						next = append(next, child)
					}
				}
			case SegmentIndex:
				if arr, ok := v.([]any); ok && seg.Index < len(arr) {
					next = append(next, arr[seg.Index])
				}
			case SegmentWildcard:
				switch t := v.(type) {
				case []any:
					next = append(next, t...)
				case map[string]any:
					for _, k := range sortedKeys(t) {
						next = append(next, t[k])
					}
				}
			case SegmentRecursive:
				next = append(next, collectRecursive(v, seg.Name)...)
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func collectRecursive(doc any, field string) []any {
	var out []any
	switch t := doc.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if k == field {
				out = append(out, t[k])
			}
			out = append(out, collectRecursive(t[k], field)...)
		}
	case []any:
		for _, v := range t {
			out = append(out, collectRecursive(v, field)...)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Write sets the addressed location in doc to value, creating intermediate
// objects and arrays as needed. doc must be the root object. The path must
// be Writable.
func (p *Path) Write(doc map[string]any, value any) error {
	if !p.Writable() {
		return fmt.Errorf("path %q is not a writable location", p.raw)
	}
	if p.segments[0].Kind != SegmentMember {
		return fmt.Errorf("path %q: write target must start with a field", p.raw)
	}

	var parent any = doc
	for i, seg := range p.segments {
		last := i == len(p.segments)-1
		switch seg.Kind {
		case SegmentMember:
			m, ok := parent.(map[string]any)
			if !ok {
				return fmt.Errorf("path %q: cannot descend into %T at %s", p.raw, parent, seg.Name)
			}
			if last {
				m[seg.Name] = value
				return nil
			}
			child, exists := m[seg.Name]
			if !exists || child == nil {
				child = containerFor(p.segments[i+1])
				m[seg.Name] = child
			}
			// Re-fetch after possible slice growth below requires map entry updates,
			// so slices are grown in place via growSlice before descending.
			if p.segments[i+1].Kind == SegmentIndex {
				arr, ok := child.([]any)
				if !ok {
					return fmt.Errorf("path %q: expected array at %s, found %T", p.raw, seg.Name, child)
				}
				arr = growSlice(arr, p.segments[i+1].Index)
				m[seg.Name] = arr
				child = arr
			}
			parent = child

		case SegmentIndex:
			arr, ok := parent.([]any)
			if !ok {
				return fmt.Errorf("path %q: expected array for index %d, found %T", p.raw, seg.Index, parent)
			}
			if last {
				arr[seg.Index] = value
				return nil
			}
			child := arr[seg.Index]
			if child == nil {
				child = containerFor(p.segments[i+1])
				arr[seg.Index] = child
			}
			if p.segments[i+1].Kind == SegmentIndex {
				inner, ok := child.([]any)
				if !ok {
					return fmt.Errorf("path %q: expected array at [%d], found %T", p.raw, seg.Index, child)
				}
				inner = growSlice(inner, p.segments[i+1].Index)
				arr[seg.Index] = inner
				child = inner
			}
			parent = child
		}
	}
	return nil
}

func containerFor(next Segment) any {
	if next.Kind == SegmentIndex {
		return make([]any, 0)
	}
	return make(map[string]any)
}

func growSlice(arr []any, idx int) []any {
	for len(arr) <= idx {
		arr = append(arr, nil)
	}
	return arr
}
