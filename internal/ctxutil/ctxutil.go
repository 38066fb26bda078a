// Package ctxutil provides shared context key accessors.
//
// The wrapper marks the context of an autologged training call so that a
// training entry point invoked from inside another one (fit_generator
// delegating to fit) is passed through instead of being logged twice.
package ctxutil

import "context"

type contextKey string

const (
	keyFlavor contextKey = "autolog_flavor"
	keyRunID  contextKey = "autolog_run_id"
)

// WithAutologCall returns a context marking an autologged call in progress.
func WithAutologCall(ctx context.Context, flavor, runID string) context.Context {
	ctx = context.WithValue(ctx, keyFlavor, flavor)
	ctx = context.WithValue(ctx, keyRunID, runID)
	return ctx
}

// InAutologCall reports whether ctx belongs to an autologged call, and for
// which flavor.
func InAutologCall(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyFlavor).(string)
	return v, ok
}

// RunIDFromContext returns the run the in-progress autologged call logs into.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRunID).(string); ok {
		return v
	}
	return ""
}
