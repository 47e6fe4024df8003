// Package registry maps model types to entity service implementations and
// hands out one shared, lazily built service per model.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aretw0/tillage/pkg/core"
)

// ErrUnknownModel is returned by BuildByName for names that were never registered.
var ErrUnknownModel = errors.New("unknown model")

// DefaultService is the service name bound to Default.
const DefaultService = "default"

// Dependencies are handed to a Constructor when the factory builds a service.
type Dependencies struct {
	Model      core.ModelType
	Repository core.Repository
	Validator  core.Validator
	Publisher  core.Publisher
	// Options carries the factory-wide service options (logger, metrics,
	// tracer and anything added through WithServiceOptions).
	Options []core.ServiceOption
}

// Constructor builds the entity service for a model.
type Constructor func(ctx context.Context, deps Dependencies) (core.EntityService, error)

// Default builds the generic core.Service.
func Default(_ context.Context, deps Dependencies) (core.EntityService, error) {
	return core.NewService(deps.Model, deps.Repository, deps.Validator, deps.Publisher, deps.Options...), nil
}

type registration struct {
	model   core.ModelType
	service string
	ctor    Constructor
}

// Factory registers service constructors per model type and caches the
// instance built for each one. It is safe for concurrent use.
type Factory struct {
	repos     core.RepositoryFactory
	validator core.Validator
	publisher core.Publisher
	logger    *slog.Logger
	metrics   core.MetricsRecorder
	tracer    core.Tracer
	svcOpts   []core.ServiceOption
	wrapCtor  bool

	mu            sync.RWMutex
	registrations map[string]registration
	services      map[string]core.EntityService
	group         singleflight.Group
}

// New creates a factory resolving repositories through repos.
func New(repos core.RepositoryFactory, opts ...Option) *Factory {
	f := &Factory{
		repos:         repos,
		registrations: make(map[string]registration),
		services:      make(map[string]core.EntityService),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register binds ctor to the model, replacing any previous binding. Services
// already built for the model stay cached.
func (f *Factory) Register(model core.ModelType, ctor Constructor) error {
	return f.register(model, "", ctor)
}

func (f *Factory) register(model core.ModelType, service string, ctor Constructor) error {
	if err := model.Check(); err != nil {
		return &core.RegistrationError{Model: model.Name(), Service: service, Reason: err.Error()}
	}
	if ctor == nil {
		return &core.RegistrationError{Model: model.Name(), Service: service, Reason: "constructor is nil"}
	}

	f.mu.Lock()
	f.registrations[model.Name()] = registration{model: model, service: service, ctor: ctor}
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Debug("service registered", "model", model.Name(), "service", service)
	}
	return nil
}

// Build returns the service for the model, constructing and caching it on
// first use. Models without a registration get the Default service.
//
// Repository resolution failures are returned as *core.FactoryError. Errors
// from the constructor itself are returned unchanged unless the factory was
// created with WithWrapConstructorErrors(true).
func (f *Factory) Build(ctx context.Context, model core.ModelType) (core.EntityService, error) {
	name := model.Name()

	f.mu.RLock()
	svc, ok := f.services[name]
	reg, registered := f.registrations[name]
	f.mu.RUnlock()
	if ok {
		return svc, nil
	}

	if err := model.Check(); err != nil {
		return nil, &core.FactoryError{Model: name, Err: err}
	}
	if !registered {
		reg = registration{model: model, service: DefaultService, ctor: Default}
	} else if reg.model.GoType() != model.GoType() {
		return nil, &core.FactoryError{
			Model: name,
			Err:   fmt.Errorf("model %s is registered with %s, not %s", name, reg.model.GoType(), model.GoType()),
		}
	}

	v, err, _ := f.group.Do(name, func() (any, error) {
		f.mu.RLock()
		cached, ok := f.services[name]
		f.mu.RUnlock()
		if ok {
			return cached, nil
		}

		built, err := f.construct(ctx, reg)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if cached, ok := f.services[name]; ok {
			return cached, nil
		}
		f.services[name] = built
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.EntityService), nil
}

func (f *Factory) construct(ctx context.Context, reg registration) (core.EntityService, error) {
	name := reg.model.Name()

	if f.repos == nil {
		return nil, &core.FactoryError{Model: name, Err: errors.New("no repository factory configured")}
	}
	repo, err := f.repos.Repository(ctx, reg.model)
	if err != nil {
		return nil, &core.FactoryError{Model: name, Err: err}
	}
	if repo == nil {
		return nil, &core.FactoryError{Model: name, Err: errors.New("repository factory returned nil")}
	}

	svc, err := reg.ctor(ctx, f.dependencies(reg.model, repo))
	if err != nil {
		if f.wrapCtor {
			return nil, &core.FactoryError{Model: name, Err: err}
		}
		return nil, err
	}
	if svc == nil {
		return nil, &core.FactoryError{Model: name, Err: errors.New("constructor returned nil service")}
	}
	if got := svc.Model().Name(); got != name {
		return nil, &core.FactoryError{Model: name, Err: fmt.Errorf("constructor built a service for %s", got)}
	}

	if f.logger != nil {
		f.logger.Debug("service built", "model", name, "service", reg.service, "type", fmt.Sprintf("%T", svc))
	}
	return svc, nil
}

func (f *Factory) dependencies(model core.ModelType, repo core.Repository) Dependencies {
	opts := make([]core.ServiceOption, 0, len(f.svcOpts)+3)
	if f.logger != nil {
		opts = append(opts, core.WithLogger(f.logger))
	}
	if f.metrics != nil {
		opts = append(opts, core.WithMetrics(f.metrics))
	}
	if f.tracer != nil {
		opts = append(opts, core.WithTracer(f.tracer))
	}
	opts = append(opts, f.svcOpts...)

	return Dependencies{
		Model:      model,
		Repository: repo,
		Validator:  f.validator,
		Publisher:  f.publisher,
		Options:    opts,
	}
}

// BuildByName builds the service of a registered model looked up by name.
func (f *Factory) BuildByName(ctx context.Context, name string) (core.EntityService, error) {
	f.mu.RLock()
	reg, ok := f.registrations[name]
	f.mu.RUnlock()
	if !ok {
		return nil, &core.FactoryError{Model: name, Err: ErrUnknownModel}
	}
	return f.Build(ctx, reg.model)
}

// Models returns the registered model names in sorted order.
func (f *Factory) Models() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.registrations))
}

// Lookup returns the registered model type for name.
func (f *Factory) Lookup(name string) (core.ModelType, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, ok := f.registrations[name]
	return reg.model, ok
}
