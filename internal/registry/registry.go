// Package registry tracks the variables the bridge can read and write:
// code variables declared by submitted commands and telemetry variables
// from the real-time feed.
package registry

import (
	"fmt"
	"sync"

	"github.com/robot-control/rbc/internal/config"
	"github.com/robot-control/rbc/internal/urscript"
)

// Registry tracks code and telemetry variable definitions. The active
// entry for a name is always its most recent non-removed definition.
type Registry struct {
	mu sync.RWMutex

	// code holds every registered code definition in registration order,
	// superseded ones included.
	code   []*Definition
	active map[string]*Definition

	telemetry      []*Definition
	telemetryIndex map[string]*Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		active:         make(map[string]*Definition),
		telemetryIndex: make(map[string]*Definition),
	}
}

// NewFromCatalog creates a registry with the configured telemetry variables.
func NewFromCatalog(catalog []config.VariableConfig) (*Registry, error) {
	r := New()
	for _, cfg := range catalog {
		def, err := NewTelemetryDefinition(cfg)
		if err != nil {
			return nil, err
		}
		if err := r.RegisterTelemetry(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends a code definition; it becomes active for its name.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.code = append(r.code, def)
	r.active[def.Name] = def
}

// Declare registers a code definition for every name and returns them.
func (r *Registry) Declare(names []string) []*Definition {
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def := NewCodeDefinition(name)
		r.Register(def)
		defs = append(defs, def)
	}
	return defs
}

// Remove deletes the most recently registered definition for name and
// promotes an older one if present. It reports whether anything was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.code) - 1; i >= 0; i-- {
		if r.code[i].Name == name {
			r.removeAt(i)
			return true
		}
	}
	return false
}

// RemoveDefinition deletes exactly def.
func (r *Registry) RemoveDefinition(def *Definition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.code) - 1; i >= 0; i-- {
		if r.code[i] == def {
			r.removeAt(i)
			return true
		}
	}
	return false
}

// Caller must hold r.mu.
func (r *Registry) removeAt(i int) {
	name := r.code[i].Name
	r.code = append(r.code[:i], r.code[i+1:]...)

	delete(r.active, name)
	for j := len(r.code) - 1; j >= 0; j-- {
		if r.code[j].Name == name {
			r.active[name] = r.code[j]
			break
		}
	}
}

// Lookup returns the active code definition for name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.active[name]
	return def, ok
}

// ActiveCode returns the active code definitions in registration order.
func (r *Registry) ActiveCode() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.active))
	for _, def := range r.code {
		if r.active[def.Name] == def {
			out = append(out, def)
		}
	}
	return out
}

// ActiveNames returns the names of the active code definitions.
func (r *Registry) ActiveNames() []string {
	defs := r.ActiveCode()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// ReadCommands returns one read probe per active code variable, ordered
// by registration.
func (r *Registry) ReadCommands() []urscript.Probe {
	defs := r.ActiveCode()
	probes := make([]urscript.Probe, len(defs))
	for i, def := range defs {
		probes[i] = def.Probe()
	}
	return probes
}

// RegisterTelemetry adds a telemetry definition. Names are unique.
func (r *Registry) RegisterTelemetry(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.telemetryIndex[def.Name]; exists {
		return fmt.Errorf("telemetry variable %q already registered", def.Name)
	}
	r.telemetry = append(r.telemetry, def)
	r.telemetryIndex[def.Name] = def
	return nil
}

// Telemetry returns the telemetry definitions in registration order.
func (r *Registry) Telemetry() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Definition(nil), r.telemetry...)
}

// LookupTelemetry returns the telemetry definition for name.
func (r *Registry) LookupTelemetry(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.telemetryIndex[name]
	return def, ok
}

// Reset drops every code definition. Telemetry definitions are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = nil
	r.active = make(map[string]*Definition)
}
