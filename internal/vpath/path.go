// Package vpath provides path helpers for the "/"-delimited virtual namespace
// shared by every storage backend. Paths carry no leading or trailing
// separator; the empty string is the root.
package vpath

import (
	"errors"
	"fmt"
	"strings"
)

// Separator is the only path separator in the virtual namespace.
const Separator = "/"

// ErrInvalidSegment is returned when a path segment is empty or contains the separator.
var ErrInvalidSegment = errors.New("invalid path segment")

// Crumb is one breadcrumb entry: the segment label and the path prefix it opens.
type Crumb struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Normalize strips leading and trailing separators and collapses empty segments.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	return strings.Join(Split(p), Separator)
}

// Split returns the non-empty segments of p.
func Split(p string) []string {
	parts := strings.Split(p, Separator)
	segs := parts[:0]
	for _, part := range parts {
		if part != "" {
			segs = append(segs, part)
		}
	}
	return segs
}

// Join appends a single segment to base.
func Join(base, segment string) (string, error) {
	if segment == "" || strings.Contains(segment, Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, segment)
	}
	base = Normalize(base)
	if base == "" {
		return segment, nil
	}
	return base + Separator + segment, nil
}

// JoinAll appends each segment to base in order.
func JoinAll(base string, segments ...string) (string, error) {
	p := Normalize(base)
	for _, seg := range segments {
		var err error
		if p, err = Join(p, seg); err != nil {
			return "", err
		}
	}
	return p, nil
}

// Base returns the final segment of p, or "" for the root.
func Base(p string) string {
	p = Normalize(p)
	if idx := strings.LastIndex(p, Separator); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// Dir returns p without its final segment.
func Dir(p string) string {
	p = Normalize(p)
	if idx := strings.LastIndex(p, Separator); idx >= 0 {
		return p[:idx]
	}
	return ""
}

// Breadcrumbs returns one crumb per segment of p with growing prefixes.
// The root yields no crumbs; callers render it themselves.
func Breadcrumbs(p string) []Crumb {
	segs := Split(p)
	crumbs := make([]Crumb, 0, len(segs))
	prefix := ""
	for _, seg := range segs {
		if prefix == "" {
			prefix = seg
		} else {
			prefix += Separator + seg
		}
		crumbs = append(crumbs, Crumb{Label: seg, Path: prefix})
	}
	return crumbs
}

// ValidName checks that name can be used as a file or folder name.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSegment, name)
	case strings.Contains(name, Separator):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidSegment, name, Separator)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a null byte", ErrInvalidSegment, name)
	}
	return nil
}
