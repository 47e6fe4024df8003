package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/aretw0/tillage/pkg/adapters/kafka"
	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/events"
	"github.com/aretw0/tillage/pkg/registry"
	"github.com/aretw0/tillage/pkg/telemetry"
	"github.com/aretw0/tillage/pkg/validation"
)

// App wires storage, validation, events and the service factory together.
type App struct {
	Config    Config
	Factory   *registry.Factory
	Bus       *events.Bus
	Validator *validation.Validator
	Catalog   *registry.Catalog

	logger    *slog.Logger
	closeOnce sync.Once
	closers   []io.Closer
}

// New builds the application. The uri is adapter-specific: the root
// directory for "fs", the connection string for the sql drivers. An empty
// uri keeps the configured location.
//
//	app, err := tillage.New(ctx, "./data", tillage.WithVersioning(false))
func New(ctx context.Context, uri string, opts ...Option) (*App, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if uri != "" {
		switch strings.ToLower(o.config.Storage.Driver) {
		case DriverFS, "":
			o.config.Storage.Path = uri
		case DriverMemory:
		default:
			o.config.Storage.DSN = uri
		}
	}
	if o.repos == nil {
		if err := o.config.Validate(); err != nil {
			return nil, err
		}
	}

	v := validation.New()
	for name, rules := range o.config.Rules() {
		if err := v.Check(rules); err != nil {
			return nil, fmt.Errorf("rules for %s: %w", name, err)
		}
	}

	app := &App{
		Config:    o.config,
		Bus:       events.NewBus(events.WithLogger(o.logger)),
		Validator: v,
		Catalog:   o.catalog,
		logger:    o.logger,
	}

	repos := o.repos
	if repos == nil {
		var closer io.Closer
		var err error
		repos, closer, err = openStorage(ctx, o)
		if err != nil {
			return nil, err
		}
		app.addCloser(closer)
	}

	publishers := []core.Publisher{app.Bus}
	if k := o.config.Events.Kafka; len(k.Brokers) > 0 {
		pub := kafka.NewPublisher(kafka.NewWriter(k.Brokers, k.Topic), o.logger)
		publishers = append(publishers, pub)
		app.addCloser(pub)
	}
	publishers = append(publishers, o.publishers...)

	factoryOpts := []registry.Option{
		registry.WithValidator(v),
		registry.WithPublisher(events.Fanout(publishers...)),
		registry.WithLogger(o.logger),
		registry.WithServiceOptions(o.serviceOpts...),
	}
	if o.registerer != nil {
		namespace := o.config.Telemetry.Namespace
		if namespace == "" {
			namespace = "tillage"
		}
		recorder, err := telemetry.NewPrometheusRecorder(o.registerer, namespace)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		factoryOpts = append(factoryOpts, registry.WithMetrics(recorder))
	}
	if o.tracer != nil {
		factoryOpts = append(factoryOpts, registry.WithTracer(telemetry.NewTracer(o.tracer)))
	}
	app.Factory = registry.New(repos, factoryOpts...)

	for name := range o.config.Models {
		if _, ok := app.Catalog.Model(name); !ok {
			app.Catalog.AddModels(core.NewRecordModel(name))
		}
	}
	if err := app.Factory.Bind(o.config.Bindings(), app.Catalog); err != nil {
		_ = app.Close()
		return nil, err
	}

	if o.logger != nil {
		o.logger.Debug("tillage ready", "driver", o.config.Storage.Driver, "models", app.Catalog.Models())
	}
	return app, nil
}

// Service returns the entity service of the named model. Names unknown to
// the catalog are served as plain records.
func (a *App) Service(ctx context.Context, model string) (core.EntityService, error) {
	if m, ok := a.Catalog.Model(model); ok {
		return a.Factory.Build(ctx, m)
	}
	if m, ok := a.Factory.Lookup(model); ok {
		return a.Factory.Build(ctx, m)
	}
	return a.Factory.Build(ctx, core.NewRecordModel(model))
}

// Models returns the names of every model known to the application.
func (a *App) Models() []string {
	names := a.Catalog.Models()
	for _, name := range a.Factory.Models() {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Close releases storage connections and event writers.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for _, c := range slices.Backward(a.closers) {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (a *App) addCloser(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// State implements introspection.Introspectable.
func (a *App) State() any {
	return map[string]any{
		"driver":      a.Config.Storage.Driver,
		"models":      a.Models(),
		"subscribers": a.Bus.Len(),
		"factory":     a.Factory.State(),
	}
}

// ComponentType implements introspection.Component.
func (a *App) ComponentType() string { return "tillage-app" }

var _ introspection.Introspectable = (*App)(nil)
var _ introspection.Component = (*App)(nil)
