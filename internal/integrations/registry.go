package integrations

import "sync"

// aliases redirect flavors that are autologged by another one.
var aliases = map[string]string{
	"keras":    FlavorTensorFlow,
	"tf.keras": FlavorTensorFlow,
}

// Canonical resolves flavor aliases.
func Canonical(flavor string) string {
	if c, ok := aliases[flavor]; ok {
		return c
	}
	return flavor
}

// Registry tracks which flavors have autologging disabled.
type Registry struct {
	mu         sync.RWMutex
	disableAll bool
	disabled   map[string]bool
}

// NewRegistry creates a registry with every flavor enabled unless disableAll.
func NewRegistry(disableAll bool) *Registry {
	return &Registry{disableAll: disableAll, disabled: make(map[string]bool)}
}

// Enable turns autologging on for flavor.
func (r *Registry) Enable(flavor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[Canonical(flavor)] = false
}

// Disable turns autologging off for flavor.
func (r *Registry) Disable(flavor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[Canonical(flavor)] = true
}

// IsDisabled reports whether calls of flavor pass through untouched. A
// per-flavor setting overrides the global one.
func (r *Registry) IsDisabled(flavor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.disabled[Canonical(flavor)]; ok {
		return d
	}
	return r.disableAll
}
