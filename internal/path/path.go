// Package path implements dotted field paths over JSON-shaped documents.
//
// A path such as "name.last" addresses nested objects. Numeric segments
// index into arrays (0-based) when the value at that point is an array.
package path

import (
	"strconv"
	"strings"
)

// Path is a parsed dotted field path.
type Path struct {
	Segments []string
	Raw      string
}

// Parse splits a dotted path into its segments.
// Examples:
//   - "username" -> [username]
//   - "name.first" -> [name first]
//   - "tags.0" -> [tags 0]
func Parse(raw string) Path {
	if raw == "" {
		return Path{Raw: raw}
	}
	return Path{Segments: strings.Split(raw, "."), Raw: raw}
}

// String returns the dotted form.
func (p Path) String() string {
	return strings.Join(p.Segments, ".")
}

// HasPrefix reports whether other is this path or one of its ancestors.
func (p Path) HasPrefix(other Path) bool {
	if len(other.Segments) > len(p.Segments) {
		return false
	}
	for i, seg := range other.Segments {
		if p.Segments[i] != seg {
			return false
		}
	}
	return true
}

// Get returns the value at a dotted path.
func Get(doc map[string]any, raw string) (any, bool) {
	var cur any = doc
	for _, seg := range Parse(raw).Segments {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set assigns a value at a dotted path, creating intermediate objects.
// A non-object intermediate value is replaced by an object.
func Set(doc map[string]any, raw string, value any) {
	segs := Parse(raw).Segments
	if len(segs) == 0 {
		return
	}
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		switch next := cur[seg].(type) {
		case map[string]any:
			cur = next
		case []any:
			// arrays are only addressable at their last segment
			m := map[string]any{}
			cur[seg] = m
			cur = m
		default:
			m := map[string]any{}
			cur[seg] = m
			cur = m
		}
	}
	last := segs[len(segs)-1]
	cur[last] = value
}

// Unset removes the value at a dotted path. Missing paths are ignored.
func Unset(doc map[string]any, raw string) {
	segs := Parse(raw).Segments
	if len(segs) == 0 {
		return
	}
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Clone deep-copies a document so callers can mutate the copy freely.
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies objects and arrays; scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = CloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Merge copies every top-level field of src into dst, replacing existing values.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = CloneValue(v)
	}
}

// Project keeps only the listed paths (plus _id) of a document.
func Project(doc map[string]any, paths []string) map[string]any {
	out := pick(doc, paths)
	if id, ok := doc["_id"]; ok {
		out["_id"] = id
	}
	return out
}

func pick(doc map[string]any, paths []string) map[string]any {
	out := map[string]any{}
	for _, p := range paths {
		if v, ok := Get(doc, p); ok {
			Set(out, p, CloneValue(v))
		}
	}
	return out
}

// Allowed filters an update key against a whitelist. It returns the value to
// forward and whether the key survives: a key below an allowed path passes
// unchanged, a key above allowed paths passes with its object value projected.
func Allowed(key string, value any, paths []string) (any, bool) {
	kp := Parse(key)
	var below []string
	for _, raw := range paths {
		allowed := Parse(raw)
		if kp.HasPrefix(allowed) {
			return value, true
		}
		if allowed.HasPrefix(kp) {
			below = append(below, strings.Join(allowed.Segments[len(kp.Segments):], "."))
		}
	}
	if len(below) == 0 {
		return nil, false
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return pick(obj, below), true
}
