package registry

import (
	"maps"
	"slices"

	"github.com/aretw0/introspection"
)

// Binding describes one registered model.
type Binding struct {
	Model   string `json:"model"`
	Service string `json:"service,omitempty"`
	Type    string `json:"type"`
	Cached  bool   `json:"cached"`
}

// FactoryState exposes the registrations and cached services.
type FactoryState struct {
	Bindings []Binding `json:"bindings"`
	// Cached lists every model with a built service, registered or not.
	Cached []string `json:"cached"`
}

// State implements introspection.Introspectable.
func (f *Factory) State() any {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state := FactoryState{
		Bindings: make([]Binding, 0, len(f.registrations)),
		Cached:   slices.Sorted(maps.Keys(f.services)),
	}
	for _, name := range slices.Sorted(maps.Keys(f.registrations)) {
		reg := f.registrations[name]
		_, cached := f.services[name]
		state.Bindings = append(state.Bindings, Binding{
			Model:   name,
			Service: reg.service,
			Type:    reg.model.GoType().String(),
			Cached:  cached,
		})
	}
	return state
}

// ComponentType implements introspection.Component.
func (f *Factory) ComponentType() string {
	return "service-factory"
}

var _ introspection.Introspectable = (*Factory)(nil)
var _ introspection.Component = (*Factory)(nil)
