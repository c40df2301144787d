// Package fieldpath implements the dotted-path get/set contract used by
// the Field Map to read and write values inside an arbitrary JSON document:
// integer segments index lists, other segments index dicts, and — a
// preserved source quirk — when the current value is a list but the next
// segment is not an integer, the walker descends into element 0 of the
// list once and retries the same segment there.
//
// This is deliberately implemented over generic any trees with the
// standard library rather than a path-expression library: the list/
// index-0 fallback has no equivalent in common dotted-path libraries (they
// treat a non-integer segment against an array as a hard miss), so
// adopting one would not remove any of the custom tree-walking logic below
// — it would only add a dependency with no behavior to delegate to.
package fieldpath

import (
	"strconv"
	"strings"
)

// Split breaks a dotted path into segments. An empty path yields an empty
// slice.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get reads the value at path within doc. Any missing segment yields nil
// (callers wanting a string should use GetString).
func Get(doc any, path string) any {
	segs := Split(path)
	cur := doc
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		if list, ok := cur.([]any); ok {
			if idx, err := strconv.Atoi(seg); err == nil {
				cur = indexList(list, idx)
				continue
			}
			// Source quirk: non-integer segment against a list descends
			// into element 0 and retries the same segment there.
			if len(list) == 0 {
				return nil
			}
			cur = list[0]
			i-- // retry seg against the new cur
			continue
		}
		if obj, ok := cur.(map[string]any); ok {
			if idx, err := strconv.Atoi(seg); err == nil {
				// A dict addressed by an integer segment has no defined
				// meaning; treat as a miss.
				_ = idx
				return nil
			}
			v, present := obj[seg]
			if !present {
				return nil
			}
			cur = v
			continue
		}
		return nil
	}
	return cur
}

// GetString reads the value at path and renders it as a string. Missing
// segments, nil values, and type mismatches all yield "".
func GetString(doc any, path string) string {
	v := Get(doc, path)
	return ToString(v)
}

// ToString renders a decoded JSON value (string/float64/bool/nil/map/slice)
// as a string for field-map text extraction.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func indexList(list []any, idx int) any {
	n := len(list)
	if idx < 0 {
		idx = n + idx
	}
	if idx < 0 || idx >= n {
		return nil
	}
	return list[idx]
}

// Set writes value at path within doc, returning the (possibly new) root.
// Intermediate dict segments are created as needed; intermediate list
// segments are only ever indexed (never extended), matching the spec's
// get(set(J,P,v),P) == v duality for paths that stay within existing list
// bounds.
func Set(doc any, path string, value any) any {
	segs := Split(path)
	if len(segs) == 0 {
		return value
	}
	return setAt(doc, segs, value)
}

func setAt(cur any, segs []string, value any) any {
	seg := segs[0]
	rest := segs[1:]

	if list, ok := cur.([]any); ok {
		if idx, err := strconv.Atoi(seg); err == nil {
			n := len(list)
			if idx < 0 {
				idx = n + idx
			}
			if idx < 0 || idx >= n {
				return list
			}
			out := make([]any, n)
			copy(out, list)
			if len(rest) == 0 {
				out[idx] = value
			} else {
				out[idx] = setAt(out[idx], rest, value)
			}
			return out
		}
		// Source quirk mirrored on write: descend into element 0.
		if len(list) == 0 {
			return list
		}
		out := make([]any, len(list))
		copy(out, list)
		out[0] = setAt(out[0], segs, value)
		return out
	}

	obj, ok := cur.(map[string]any)
	if !ok || obj == nil {
		obj = map[string]any{}
	} else {
		clone := make(map[string]any, len(obj))
		for k, v := range obj {
			clone[k] = v
		}
		obj = clone
	}

	if _, err := strconv.Atoi(seg); err == nil {
		// Integer segment against a dict has no defined meaning; ignore.
		return obj
	}

	if len(rest) == 0 {
		obj[seg] = value
		return obj
	}
	obj[seg] = setAt(obj[seg], rest, value)
	return obj
}
