package pageconfig

import (
	"fmt"
	"reflect"
	"strconv"
)

// Normalize converts integer numbers (as produced by the YAML decoder) to
// float64 so configuration and JSON-decoded server values compare equal.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		return normalizeSlice(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	}
	return v
}

func normalizeSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, e := range s {
		out[i] = Normalize(e)
	}
	return out
}

// Equal compares two scalar or composite values after normalisation.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Compare orders two values: numerically when both are numbers (or numeric
// strings), lexically otherwise.
func Compare(a, b any) int {
	fa, aok := asFloat(a)
	fb, bok := asFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch x := Normalize(v).(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// IsNumeric reports whether v is a number.
func IsNumeric(v any) bool {
	_, ok := Normalize(v).(float64)
	return ok
}

// Match evaluates the predicate against a metadata row.
func (p Predicate) Match(row map[string]any) bool {
	v := row[p.Column]
	switch p.Operator {
	case "", "=", "==":
		return Equal(v, p.Value)
	case "!=":
		return !Equal(v, p.Value)
	case "in":
		return contains(p.Value, v)
	case "notIn":
		return !contains(p.Value, v)
	case ">":
		return v != nil && Compare(v, p.Value) > 0
	case ">=":
		return v != nil && Compare(v, p.Value) >= 0
	case "<":
		return v != nil && Compare(v, p.Value) < 0
	case "<=":
		return v != nil && Compare(v, p.Value) <= 0
	}
	return false
}

// MatchAll reports whether row satisfies every predicate.
func MatchAll(preds []Predicate, row map[string]any) bool {
	for _, p := range preds {
		if !p.Match(row) {
			return false
		}
	}
	return true
}

func contains(list any, v any) bool {
	items, ok := Normalize(list).([]any)
	if !ok {
		return Equal(list, v)
	}
	for _, item := range items {
		if Equal(item, v) {
			return true
		}
	}
	return false
}
