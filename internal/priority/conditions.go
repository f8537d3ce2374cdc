package priority

import (
	"strings"

	"github.com/fieldworks/caravan/internal/fieldpath"
	"github.com/fieldworks/caravan/internal/types"
)

// ConditionHolds evaluates one rule condition against an item payload.
// A missing field path never errors; it makes the condition false.
func ConditionHolds(payload types.Payload, cond types.Condition) bool {
	value, ok := fieldpath.Lookup(payload, cond.Field)
	if !ok {
		return false
	}
	switch cond.Operator {
	case types.OpEquals:
		return fieldpath.Equal(value, cond.Value)
	case types.OpGreaterThan:
		return greaterThan(value, cond.Value)
	case types.OpContains:
		return contains(value, cond.Value)
	case types.OpInArray:
		return fieldpath.ContainsElement(cond.Value, value)
	}
	return false
}

// greaterThan compares numerically when both sides coerce to numbers,
// lexicographically when both are strings. Anything else is never greater.
func greaterThan(value, threshold any) bool {
	if vf, ok := fieldpath.Number(value); ok {
		tf, ok := fieldpath.Number(threshold)
		return ok && vf > tf
	}
	vs, ok := value.(string)
	if !ok {
		return false
	}
	ts, ok := threshold.(string)
	return ok && vs > ts
}

// contains is substring containment for strings and structural membership
// for arrays.
func contains(value, needle any) bool {
	if vs, ok := value.(string); ok {
		ns, ok := needle.(string)
		return ok && strings.Contains(vs, ns)
	}
	return fieldpath.ContainsElement(value, needle)
}
