// Package engine implements spec component F: the app lifecycle engine
// that turns a YAML app registration into a running app.AppInstance,
// wiring each instance's own Facade/AppCallbacks/Servents capability
// bag and driving it through CREATED -> INITIALIZING -> RUNNING ->
// FINALIZING -> TERMINATED (with INITIALIZING -> FAILED).
//
// register_app/__start_app/__initialize_app/__terminate_app/__reload_app
// are grounded on domovoy/core/engine/engine.py's AppEngine; the class
// registry generalizes the teacher's pkg/plugin.Registry
// (PluginInfo{Name,Priority,Factory,Order}) from "one plugin instance
// per process" to "one Factory per named app class, instantiated once
// per registration."
package engine

import (
	"fmt"
	"sort"
	"sync"

	"habitat/pkg/app"
)

// Priority constants mirror the teacher's override-by-import-order
// convention: a privately vendored app class can replace a built-in one
// registered under the same class name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// ClassInfo describes one registered app class.
type ClassInfo struct {
	// ClassName is the identifier app-definition YAML refers to under
	// `class:`.
	ClassName string

	Description string
	Priority    int
	Factory     app.Factory
}

// AppClassRegistry resolves the `class:` name in an app-definition YAML
// entry to a Factory. Classes are added with Register, in the shape of
// the teacher's plugin registry.
type AppClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]ClassInfo
	order   []string
}

func NewAppClassRegistry() *AppClassRegistry {
	return &AppClassRegistry{classes: make(map[string]ClassInfo)}
}

// Register adds an app class. A later registration with equal or
// higher Priority for the same ClassName wins, matching the teacher's
// override semantics.
func (r *AppClassRegistry) Register(info ClassInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.ClassName == "" {
		return fmt.Errorf("engine: app class name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("engine: app class %s: factory cannot be nil", info.ClassName)
	}

	existing, exists := r.classes[info.ClassName]
	if exists && info.Priority < existing.Priority {
		return nil
	}

	r.classes[info.ClassName] = info
	if !exists {
		r.order = append(r.order, info.ClassName)
	}
	return nil
}

// Get resolves a class name to its registered Factory.
func (r *AppClassRegistry) Get(className string) (ClassInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.classes[className]
	return info, ok
}

// Names returns every registered class name, sorted for stable listing.
func (r *AppClassRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}
