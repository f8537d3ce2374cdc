// Package fieldpath provides dotted-path access and structural comparison
// over open JSON-style records. Payloads arrive both decoded from JSON
// (float64 numbers, map[string]any nesting) and built in code (typed numbers,
// named map types), so every comparison normalizes before judging.
package fieldpath

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Lookup resolves a dotted path such as "timeline.start" against a record.
// The second return is false when any segment is missing or the walk hits a
// non-map value before the final segment.
func Lookup(record map[string]any, path string) (any, bool) {
	if record == nil || path == "" {
		return nil, false
	}
	var current any = record
	for _, segment := range strings.Split(path, ".") {
		m, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		v, ok := m[segment]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// Equal reports structural equality of two record values. Numbers compare by
// value regardless of Go type, so a payload decoded from JSON (float64)
// matches the same payload built from int literals. Maps and slices compare
// element-wise; everything else falls back to reflect.DeepEqual.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if af, ok := Number(a); ok {
		bf, ok := Number(b)
		return ok && af == bf
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}

	if as, ok := AsSlice(a); ok {
		bs, ok := AsSlice(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	if am, ok := AsMap(a); ok {
		bm, ok := AsMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bv, ok := bm[k]
			if !ok || !Equal(v, bv) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// Number coerces any numeric value to float64. json.Number is resolved
// through its Float64 accessor.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// AsMap views v as a string-keyed map. Named map types with string keys are
// flattened through reflection so callers never care how the payload was
// constructed.
func AsMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// AsSlice views v as a generic slice. Strings and byte slices are not
// treated as sequences.
func AsSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ContainsElement reports whether seq, viewed as a slice, holds an element
// structurally equal to v.
func ContainsElement(seq, v any) bool {
	items, ok := AsSlice(seq)
	if !ok {
		return false
	}
	for _, item := range items {
		if Equal(item, v) {
			return true
		}
	}
	return false
}
