package registry

import (
	"errors"
	"maps"
	"slices"

	"github.com/aretw0/tillage/pkg/core"
)

// Catalog names the model types and service constructors that configuration
// may refer to. The "default" service is always present.
type Catalog struct {
	models   map[string]core.ModelType
	services map[string]Constructor
}

// NewCatalog returns a catalog holding the given models and the default service.
func NewCatalog(models ...core.ModelType) *Catalog {
	c := &Catalog{
		models:   make(map[string]core.ModelType),
		services: map[string]Constructor{DefaultService: Default},
	}
	return c.AddModels(models...)
}

// AddModels makes models addressable by name.
func (c *Catalog) AddModels(models ...core.ModelType) *Catalog {
	for _, m := range models {
		c.models[m.Name()] = m
	}
	return c
}

// AddService makes ctor addressable by name.
func (c *Catalog) AddService(name string, ctor Constructor) *Catalog {
	c.services[name] = ctor
	return c
}

// Model looks up a model type by name.
func (c *Catalog) Model(name string) (core.ModelType, bool) {
	m, ok := c.models[name]
	return m, ok
}

// Service looks up a constructor by name.
func (c *Catalog) Service(name string) (Constructor, bool) {
	ctor, ok := c.services[name]
	return ctor, ok
}

// Models returns the catalogued model names in sorted order.
func (c *Catalog) Models() []string {
	return slices.Sorted(maps.Keys(c.models))
}

// Bind registers every model → service pair of bindings, resolving both
// names through the catalog. All pairs are attempted; the returned error
// joins one *core.RegistrationError per pair that could not be registered.
func (f *Factory) Bind(bindings map[string]string, catalog *Catalog) error {
	if catalog == nil {
		catalog = NewCatalog()
	}

	var errs []error
	for _, modelName := range slices.Sorted(maps.Keys(bindings)) {
		serviceName := bindings[modelName]
		if serviceName == "" {
			serviceName = DefaultService
		}

		model, ok := catalog.Model(modelName)
		if !ok {
			errs = append(errs, &core.RegistrationError{Model: modelName, Service: serviceName, Reason: "unknown model"})
			continue
		}
		ctor, ok := catalog.Service(serviceName)
		if !ok {
			errs = append(errs, &core.RegistrationError{Model: modelName, Service: serviceName, Reason: "unknown service"})
			continue
		}
		if err := f.register(model, serviceName, ctor); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
