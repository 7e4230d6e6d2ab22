// Package jsonpath implements get/set over a JSON value decoded as
// interface{} (map[string]interface{}, []interface{}, and scalars),
// addressed by dotted paths in "a.b.0.c" syntax — numeric segments index
// arrays, everything else indexes objects.
//
// No JSON-path library appears anywhere in the retrieval pack, so this is
// deliberately a small, dependency-free utility rather than a third-party
// import; see DESIGN.md for the dependency note.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Set writes value at the dotted path within root, creating intermediate
// objects (and, for numeric segments, arrays) as needed. It returns the
// (possibly new) root, since the root itself may need to become a map.
func Set(root interface{}, path string, value interface{}) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonpath: empty path")
	}
	return setSegments(root, strings.Split(path, "."), value)
}

// Get reads the value at the dotted path within root. The second return
// value is false if any segment along the path is missing or type-mismatched.
func Get(root interface{}, path string) (interface{}, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if idx, isIndex := parseIndex(seg); isIndex {
			arr, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
			continue
		}

		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := obj[seg]
		if !exists {
			return nil, false
		}
		current = v
	}
	return current, true
}

func setSegments(node interface{}, segments []string, value interface{}) (interface{}, error) {
	seg := segments[0]
	rest := segments[1:]

	if idx, isIndex := parseIndex(seg); isIndex {
		arr, ok := node.([]interface{})
		if !ok {
			if node != nil {
				return nil, fmt.Errorf("jsonpath: segment %q addresses an array index but the existing value is not an array", seg)
			}
		}
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		if len(rest) == 0 {
			arr[idx] = value
			return arr, nil
		}
		child, err := setSegments(arr[idx], rest, value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		if node != nil {
			return nil, fmt.Errorf("jsonpath: segment %q addresses an object field but the existing value is not an object", seg)
		}
		obj = make(map[string]interface{})
	}

	if len(rest) == 0 {
		obj[seg] = value
		return obj, nil
	}

	child, err := setSegments(obj[seg], rest, value)
	if err != nil {
		return nil, err
	}
	obj[seg] = child
	return obj, nil
}

// parseIndex reports whether seg is a non-negative base-10 integer, i.e.
// an array index rather than an object key.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}
