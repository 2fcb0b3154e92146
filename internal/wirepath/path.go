// Package wirepath implements the hierarchical broadcast naming scheme
// shared by every layer of the transport: announce prefixes, subscribe
// targets, and origin-tree keys are all Path values.
package wirepath

import "strings"

// Path is an ordered, normalized sequence of non-empty segments, displayed
// joined by "/". Paths are value types: copying a Path copies its segment
// slice header only, and callers must not mutate a Path's Segments slice
// in place (use Join/StripPrefix, which always allocate a new slice).
type Path struct {
	Segments []string
}

// Root is the empty path — zero segments, displays as "".
var Root = Path{}

// New normalizes s into a Path, collapsing consecutive separators and
// trimming leading/trailing ones.
func New(s string) Path {
	if s == "" {
		return Path{}
	}
	parts := strings.Split(s, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		return Path{}
	}
	return Path{Segments: segs}
}

// FromSegments builds a Path from already-split, already-non-empty segments
// without re-parsing. Callers that already hold normalized segments (such
// as a slice of another Path's Segments) use this to avoid a second
// normalization pass.
func FromSegments(segs []string) Path {
	if len(segs) == 0 {
		return Path{}
	}
	out := make([]string, len(segs))
	copy(out, segs)
	return Path{Segments: out}
}

// String joins the segments with "/". Normalizing twice is idempotent:
// New(p.String()) == p for any Path p.
func (p Path) String() string {
	return strings.Join(p.Segments, "/")
}

// IsRoot reports whether p has no segments.
func (p Path) IsRoot() bool {
	return len(p.Segments) == 0
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.Segments)
}

// Equal reports whether p and other have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p.Segments) != len(other.Segments) {
		return false
	}
	for i := range p.Segments {
		if p.Segments[i] != other.Segments[i] {
			return false
		}
	}
	return true
}

// Clone returns a Path with its own copy of the segment slice.
func (p Path) Clone() Path {
	if len(p.Segments) == 0 {
		return Path{}
	}
	out := make([]string, len(p.Segments))
	copy(out, p.Segments)
	return Path{Segments: out}
}

// HasPrefix reports whether p starts with the segments of prefix. The
// match is segment-aligned: "foobar" does not have prefix "foo", but
// "foo/bar" does have prefix "foo".
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.Segments) > len(p.Segments) {
		return false
	}
	for i := range prefix.Segments {
		if p.Segments[i] != prefix.Segments[i] {
			return false
		}
	}
	return true
}

// StripPrefix removes prefix from the front of p and reports whether p had
// that prefix. On success, prefix.Join(result) == p.
func (p Path) StripPrefix(prefix Path) (Path, bool) {
	if !p.HasPrefix(prefix) {
		return Path{}, false
	}
	rest := p.Segments[len(prefix.Segments):]
	if len(rest) == 0 {
		return Path{}, true
	}
	out := make([]string, len(rest))
	copy(out, rest)
	return Path{Segments: out}, true
}

// Join appends suffix's segments to p's, returning a new Path.
func (p Path) Join(suffix Path) Path {
	if len(suffix.Segments) == 0 {
		return p.Clone()
	}
	if len(p.Segments) == 0 {
		return suffix.Clone()
	}
	out := make([]string, 0, len(p.Segments)+len(suffix.Segments))
	out = append(out, p.Segments...)
	out = append(out, suffix.Segments...)
	return Path{Segments: out}
}

// JoinString is a convenience for Join(New(s)).
func (p Path) JoinString(s string) Path {
	return p.Join(New(s))
}
