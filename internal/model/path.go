package model

import (
	"slices"
	"strings"
)

// ResourcePath is an immutable sequence of path segments such as
// rooms/abc/messages.
type ResourcePath struct {
	segments []string
}

// NewResourcePath creates a path from segments.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: slices.Clone(segments)}
}

// ParseResourcePath splits a slash separated path. Empty segments are dropped.
func ParseResourcePath(path string) ResourcePath {
	var segments []string

	for seg := range strings.SplitSeq(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}

	return ResourcePath{segments: segments}
}

// Len returns the number of segments.
func (p ResourcePath) Len() int {
	return len(p.segments)
}

// IsEmpty reports whether the path has no segments.
func (p ResourcePath) IsEmpty() bool {
	return len(p.segments) == 0
}

// Segment returns the segment at index i.
func (p ResourcePath) Segment(i int) string {
	return p.segments[i]
}

// Segments returns a copy of the segments.
func (p ResourcePath) Segments() []string {
	return slices.Clone(p.segments)
}

// LastSegment returns the final segment.
func (p ResourcePath) LastSegment() string {
	Assert(!p.IsEmpty(), "LastSegment on empty path")

	return p.segments[len(p.segments)-1]
}

// Child returns a path with seg appended.
func (p ResourcePath) Child(seg string) ResourcePath {
	segments := make([]string, len(p.segments), len(p.segments)+1)
	copy(segments, p.segments)

	return ResourcePath{segments: append(segments, seg)}
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	Assert(!p.IsEmpty(), "Parent on empty path")

	return ResourcePath{segments: p.segments[:len(p.segments)-1:len(p.segments)-1]}
}

// PopFirst returns the path without its first n segments.
func (p ResourcePath) PopFirst(n int) ResourcePath {
	Assert(n <= len(p.segments), "PopFirst(%d) on path of length %d", n, len(p.segments))

	return ResourcePath{segments: p.segments[n:]}
}

// IsPrefixOf reports whether p is a prefix of other (or equal to it).
func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}

	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}

	return true
}

// IsImmediateParentOf reports whether other is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p.segments)+1 == len(other.segments) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment; a prefix sorts first.
func (p ResourcePath) Compare(other ResourcePath) int {
	return slices.Compare(p.segments, other.segments)
}

// Equal reports whether both paths have the same segments.
func (p ResourcePath) Equal(other ResourcePath) bool {
	return slices.Equal(p.segments, other.segments)
}

// CanonicalString joins the segments with slashes.
func (p ResourcePath) CanonicalString() string {
	return strings.Join(p.segments, "/")
}

func (p ResourcePath) String() string {
	return p.CanonicalString()
}

// FieldPath addresses a possibly nested field inside an ObjectValue.
type FieldPath struct {
	segments []string
}

// NewFieldPath creates a field path from segments.
func NewFieldPath(segments ...string) FieldPath {
	Assert(len(segments) > 0, "empty field path")

	return FieldPath{segments: slices.Clone(segments)}
}

// ParseFieldPath splits a dotted field path such as a.b.c.
func ParseFieldPath(path string) FieldPath {
	return NewFieldPath(strings.Split(path, ".")...)
}

// Len returns the number of segments.
func (f FieldPath) Len() int {
	return len(f.segments)
}

// Segments returns a copy of the segments.
func (f FieldPath) Segments() []string {
	return slices.Clone(f.segments)
}

// FirstSegment returns the top level field name.
func (f FieldPath) FirstSegment() string {
	return f.segments[0]
}

// PopFirst returns the path below the first segment.
func (f FieldPath) PopFirst() FieldPath {
	return FieldPath{segments: f.segments[1:]}
}

// Compare orders field paths segment by segment.
func (f FieldPath) Compare(other FieldPath) int {
	return slices.Compare(f.segments, other.segments)
}

// Equal reports whether both paths are identical.
func (f FieldPath) Equal(other FieldPath) bool {
	return slices.Equal(f.segments, other.segments)
}

// CanonicalString joins the segments with dots.
func (f FieldPath) CanonicalString() string {
	return strings.Join(f.segments, ".")
}

func (f FieldPath) String() string {
	return f.CanonicalString()
}
