// Package diff computes flat, path-addressed change records between two
// JSON-like documents.
package diff

import (
	"reflect"
	"sort"
)

// ChangeType classifies a single change record.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
	ChangeModify ChangeType = "modify"
)

// Change captures one leaf difference. OldValue is meaningless for additions and
// NewValue for removals; Type tells which side was absent.
type Change struct {
	Type     ChangeType `json:"type"`
	OldValue any        `json:"oldValue,omitempty"`
	NewValue any        `json:"newValue,omitempty"`
}

// ChangeGroup collects the changes recorded for a dot-delimited path.
type ChangeGroup struct {
	Path    string   `json:"path"`
	Changes []Change `json:"changes"`
}

// Summary counts changes by type.
type Summary struct {
	Added    int
	Removed  int
	Modified int
}

// Total returns the number of changes across all types.
func (s Summary) Total() int {
	return s.Added + s.Removed + s.Modified
}

// Compare walks the union of keys in a and b in sorted order and returns one
// group per differing leaf path. Nested objects are descended into; every other
// value, arrays included, is compared by identity rather than by content.
// Non-object inputs behave like empty objects.
func Compare(a, b any, pathPrefix string) []ChangeGroup {
	c := collector{index: make(map[string]int)}
	c.walk(a, b, pathPrefix)
	return c.groups
}

// Summarize tallies the changes in groups.
func Summarize(groups []ChangeGroup) Summary {
	var s Summary
	for _, group := range groups {
		for _, change := range group.Changes {
			switch change.Type {
			case ChangeAdd:
				s.Added++
			case ChangeRemove:
				s.Removed++
			case ChangeModify:
				s.Modified++
			}
		}
	}
	return s
}

type collector struct {
	groups []ChangeGroup
	index  map[string]int
}

func (c *collector) walk(a, b any, prefix string) {
	left, _ := asObject(a)
	right, _ := asObject(b)

	for _, key := range unionKeys(left, right) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		oldValue, hasOld := left[key]
		newValue, hasNew := right[key]

		oldObject, oldIsObject := asObject(oldValue)
		newObject, newIsObject := asObject(newValue)
		if hasOld && hasNew && oldIsObject && newIsObject {
			c.walk(oldObject, newObject, path)
			continue
		}

		if hasOld && hasNew && sameValue(oldValue, newValue) {
			continue
		}

		change := Change{OldValue: oldValue, NewValue: newValue}
		switch {
		case !hasOld:
			change.Type = ChangeAdd
			change.OldValue = nil
		case !hasNew:
			change.Type = ChangeRemove
			change.NewValue = nil
		default:
			change.Type = ChangeModify
		}
		c.record(path, change)
	}
}

func (c *collector) record(path string, change Change) {
	if idx, ok := c.index[path]; ok {
		c.groups[idx].Changes = append(c.groups[idx].Changes, change)
		return
	}
	c.index[path] = len(c.groups)
	c.groups = append(c.groups, ChangeGroup{Path: path, Changes: []Change{change}})
}

func unionKeys(left, right map[string]any) []string {
	keys := make([]string, 0, len(left)+len(right))
	for key := range left {
		keys = append(keys, key)
	}
	for key := range right {
		if _, ok := left[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// asObject reports whether v is a non-nil string-keyed map and returns it as
// map[string]any.
func asObject(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		if typed == nil {
			return nil, false
		}
		return typed, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// sameValue reports whether a and b are the same value: equal primitives, or the
// same reference for slices, maps and pointers.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Slice:
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() && vb.IsNil()
		}
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return a == b
	}
	// Structs and arrays have no reference identity; fall back to their contents.
	return reflect.DeepEqual(a, b)
}
