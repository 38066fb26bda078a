package params

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Stringify renders a parameter value the way tracking UIs display Python
// parameters: None, True/False, 0.001, 1e-07, [1, 2], {'k': 'v'}. It
// reports false for values with no faithful text form (funcs, channels,
// unsafe pointers, structs without a String method).
func Stringify(v any) (string, bool) {
	return stringify(v, false)
}

func stringify(v any, nested bool) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "None", true
	case string:
		if nested {
			return quote(x), true
		}
		return x, true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	case float64:
		return formatFloat(x), true
	case float32:
		return formatFloat(float64(x)), true
	case fmt.Stringer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "None", true
		}
		if nested {
			return quote(x.String()), true
		}
		return x.String(), true
	case error:
		return x.Error(), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return formatFloat(rv.Float()), true
	case reflect.Bool:
		return stringify(rv.Bool(), nested)
	case reflect.String:
		return stringify(rv.String(), nested)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "None", true
		}
		return stringify(rv.Elem().Interface(), nested)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "None", true
		}
		parts := make([]string, rv.Len())
		for i := range rv.Len() {
			s, ok := stringify(rv.Index(i).Interface(), true)
			if !ok {
				return "", false
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", true
	case reflect.Map:
		if rv.IsNil() {
			return "None", true
		}
		type kv struct{ k, v string }
		pairs := make([]kv, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, ok := stringify(iter.Key().Interface(), true)
			if !ok {
				return "", false
			}
			val, ok := stringify(iter.Value().Interface(), true)
			if !ok {
				return "", false
			}
			pairs = append(pairs, kv{k, val})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
		parts := make([]string, len(pairs))
		for i, p := range pairs {
			parts[i] = p.k + ": " + p.v
		}
		return "{" + strings.Join(parts, ", ") + "}", true
	default:
		// Func, Chan, UnsafePointer, Struct, Complex.
		return "", false
	}
}

// formatFloat renders shortest round-trip digits, switching to exponent form
// below 1e-4 and from 1e16 upwards, and always keeping a decimal point.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if f != 0 {
		exp := int(math.Floor(math.Log10(math.Abs(f))))
		if exp < -4 || exp >= 16 {
			return strconv.FormatFloat(f, 'e', -1, 64)
		}
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
