package testutil

import "github.com/ashita-ai/autolog/internal/model"

// IntArg reads an integer argument passed at pos or as name.
func IntArg(call model.Call, pos int, name string, def int) int {
	v, ok := call.Arg(pos, name)
	if !ok || v == nil {
		return def
	}
	if f, ok := model.ToFloat(v); ok {
		return int(f)
	}
	return def
}

// CallbacksArg reads a callback list passed at pos or as name, accepting
// both []any and []model.Callback. Entries that are not callbacks are
// skipped.
func CallbacksArg(call model.Call, pos int, name string) []model.Callback {
	v, ok := call.Arg(pos, name)
	if !ok || v == nil {
		return nil
	}
	switch cbs := v.(type) {
	case []model.Callback:
		return cbs
	case []any:
		out := make([]model.Callback, 0, len(cbs))
		for _, c := range cbs {
			if cb, ok := c.(model.Callback); ok {
				out = append(out, cb)
			}
		}
		return out
	}
	return nil
}
