package model

import (
	"context"
	"maps"
	"slices"
)

// Call captures one invocation of a training entry point, preserving how
// each argument was passed. Target is the receiver (the model or
// estimator being trained).
type Call struct {
	Target any
	Args   []any
	Kwargs map[string]any
}

// TrainFunc is a training entry point: fit, fit_generator, train.
type TrainFunc func(ctx context.Context, call Call) (any, error)

// Clone returns a Call with freshly allocated argument containers. Values
// themselves are shared.
func (c Call) Clone() Call {
	out := Call{Target: c.Target, Args: slices.Clone(c.Args)}
	if c.Kwargs != nil {
		out.Kwargs = maps.Clone(c.Kwargs)
	} else {
		out.Kwargs = map[string]any{}
	}
	return out
}

// Arg returns the argument at a declared position or keyword, whichever the
// caller used. Positional arguments win when both are present.
func (c Call) Arg(pos int, name string) (any, bool) {
	if pos >= 0 && pos < len(c.Args) {
		return c.Args[pos], true
	}
	v, ok := c.Kwargs[name]
	return v, ok
}

// Logs is the per-event mapping a host framework passes to callbacks.
// Values may be of any type; only numeric values are tracked.
type Logs map[string]any

// Numeric returns the float64-convertible entries of the logs.
func (l Logs) Numeric() map[string]float64 {
	out := make(map[string]float64, len(l))
	for k, v := range l {
		if f, ok := ToFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// ToFloat converts Go numeric kinds to float64. Bools are not numeric.
func ToFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
