// Package template implements the safe value-extraction DSL used by
// subgraph input/output mapping: "{{scope.path}}[:cast]" where scope is
// data or metadata, path is dot-separated with [i] indices and optional
// "quoted" segments, and cast is one of int|long|double|bool|any|string.
package template

import (
	"strconv"
	"strings"
)

// Scope is the root map a path is resolved against.
type Scope map[string]Resolvable

// Resolvable is the minimal interface a value needs to support path
// resolution: map access, list indexing, or a leaf. Implemented by
// graph.Value via the adapter in graph/subgraph.go so this package has
// no dependency on the graph package (avoiding an import cycle and
// keeping the DSL independently testable).
type Resolvable interface {
	AsMap() (map[string]Resolvable, bool)
	AsList() ([]Resolvable, bool)
	AsString() (string, bool)
	AsInt() (int64, bool)
	AsFloat() (float64, bool)
	AsBool() (bool, bool)
	IsNull() bool
}

// Cast names the optional ":type" suffix of a template expression.
type Cast string

const (
	CastAny    Cast = "any"
	CastString Cast = "string"
	CastInt    Cast = "int"
	CastLong   Cast = "long"
	CastDouble Cast = "double"
	CastBool   Cast = "bool"
)

// Expression is a parsed "{{scope.path}}[:cast]" template.
type Expression struct {
	Scope string // "data" | "metadata"
	Path  string
	Cast  Cast
}

// Parse splits a raw template string into its scope, path, and cast.
// Accepts both the bare "{{...}}" wrapped form and the unwrapped
// "scope.path:cast" form so callers can pre-strip delimiters if they
// like.
func Parse(raw string) Expression {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	s = strings.TrimSpace(s)

	cast := CastString
	if idx := lastCastSeparator(s); idx >= 0 {
		candidate := Cast(s[idx+1:])
		switch candidate {
		case CastAny, CastString, CastInt, CastLong, CastDouble, CastBool:
			cast = candidate
			s = s[:idx]
		}
	}

	scope := "data"
	path := s
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		head := s[:dot]
		if head == "data" || head == "metadata" {
			scope = head
			path = s[dot+1:]
		}
	} else if s == "data" || s == "metadata" {
		scope = s
		path = ""
	}
	return Expression{Scope: scope, Path: path, Cast: cast}
}

// lastCastSeparator finds the ':' that introduces a cast suffix, ignoring
// colons inside a quoted segment (so {{data["a:b"]}} isn't misparsed).
func lastCastSeparator(s string) int {
	inQuote := false
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

type pathSegment struct {
	name  string
	index int // -1 if not an index segment
}

func splitPath(path string) []pathSegment {
	if path == "" {
		return nil
	}
	var segments []pathSegment
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		raw := cur.String()
		cur.Reset()
		segments = append(segments, parseSegment(raw))
	}
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == '.' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

func parseSegment(raw string) pathSegment {
	name := raw
	idx := -1
	if strings.HasSuffix(raw, "]") {
		if open := strings.IndexByte(raw, '['); open >= 0 {
			name = raw[:open]
			if n, err := strconv.Atoi(raw[open+1 : len(raw)-1]); err == nil {
				idx = n
			}
		}
	}
	name = strings.Trim(name, `"`)
	return pathSegment{name: name, index: idx}
}

// Resolve walks scope according to expr.Path and returns the leaf
// Resolvable, or nil if any segment is missing.
func Resolve(root Resolvable, path string) Resolvable {
	cur := root
	for _, seg := range splitPath(path) {
		if cur == nil || cur.IsNull() {
			return nil
		}
		m, ok := cur.AsMap()
		if !ok {
			return nil
		}
		next, ok := m[seg.name]
		if !ok {
			return nil
		}
		if seg.index >= 0 {
			list, ok := next.AsList()
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return nil
			}
			next = list[seg.index]
		}
		cur = next
	}
	return cur
}
