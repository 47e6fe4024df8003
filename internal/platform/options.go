package platform

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/git"
	"github.com/aretw0/tillage/pkg/registry"
)

// options holds the internal configuration for the tillage application.
type options struct {
	config       Config
	repos        core.RepositoryFactory
	logger       *slog.Logger
	catalog      *registry.Catalog
	publishers   []core.Publisher
	registerer   prometheus.Registerer
	tracer       trace.TracerProvider
	serviceOpts  []core.ServiceOption
	autoInit     bool
	author       git.Author
	errorHandler func(error)
}

// Option defines a functional option for configuring tillage.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		config:  DefaultConfig(),
		catalog: registry.NewCatalog(),
	}
}

// WithConfig replaces the whole configuration, typically one returned by
// LoadConfig. Options applied after it refine it.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithAdapter selects the storage driver ("fs", "memory", "sqlite" or "postgres").
func WithAdapter(driver string) Option {
	return func(o *options) {
		o.config.Storage.Driver = driver
	}
}

// WithRepositoryFactory bypasses storage configuration and resolves
// repositories through f.
func WithRepositoryFactory(f core.RepositoryFactory) Option {
	return func(o *options) {
		o.repos = f
	}
}

// WithAutoInit creates the storage root (and git repository) when missing.
func WithAutoInit(auto bool) Option {
	return func(o *options) {
		o.autoInit = auto
	}
}

// WithVersioning enables or disables git versioning of the fs driver.
// When not set, versioning follows the presence of a .git directory.
func WithVersioning(enabled bool) Option {
	return func(o *options) {
		o.config.Storage.Versioning = &enabled
	}
}

// WithReadOnly rejects every write at the repository level.
func WithReadOnly(readOnly bool) Option {
	return func(o *options) {
		o.config.Storage.ReadOnly = readOnly
	}
}

// WithStrict keeps JSON numbers as json.Number in the fs driver.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.config.Storage.Strict = strict
	}
}

// WithSystemDir sets the directory holding tillage's own files (default ".tillage").
func WithSystemDir(dir string) Option {
	return func(o *options) {
		o.config.Storage.SystemDir = dir
	}
}

// WithFormat sets the file format of new fs entities (".yaml" or ".json").
func WithFormat(format string) Option {
	return func(o *options) {
		o.config.Storage.Format = format
	}
}

// WithAuthor sets the git identity used for commits.
func WithAuthor(name, email string) Option {
	return func(o *options) {
		o.author = git.Author{Name: name, Email: email}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithModels makes model types addressable by name from the configuration.
// Configured models without a registered type are plain records.
func WithModels(models ...core.ModelType) Option {
	return func(o *options) {
		o.catalog.AddModels(models...)
	}
}

// WithService makes a named service constructor available to bindings.
func WithService(name string, ctor registry.Constructor) Option {
	return func(o *options) {
		o.catalog.AddService(name, ctor)
	}
}

// WithBinding binds a model to a named service, adding the model to the
// configuration when missing.
func WithBinding(model, service string) Option {
	return func(o *options) {
		m := o.config.Models[model]
		m.Service = service
		o.setModel(model, m)
	}
}

// WithRules adds rules to a model, adding the model to the configuration
// when missing.
func WithRules(model string, rules core.Rules) Option {
	return func(o *options) {
		m := o.config.Models[model]
		if m.Rules == nil {
			m.Rules = make(map[string]string, len(rules))
		}
		for field, rule := range rules {
			m.Rules[field] = rule
		}
		o.setModel(model, m)
	}
}

// WithPublisher adds a sink receiving every entity event.
func WithPublisher(p core.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publishers = append(o.publishers, p)
		}
	}
}

// WithKafka publishes entity events to a Kafka topic.
func WithKafka(brokers []string, topic string) Option {
	return func(o *options) {
		o.config.Events.Kafka = KafkaConfig{Brokers: brokers, Topic: topic}
	}
}

// WithMetrics registers Prometheus collectors for service operations.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTracerProvider traces service operations with OpenTelemetry.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// WithServiceOptions passes extra options to every default service.
func WithServiceOptions(opts ...core.ServiceOption) Option {
	return func(o *options) {
		o.serviceOpts = append(o.serviceOpts, opts...)
	}
}

// WithErrorHandler receives background errors of the storage layer.
func WithErrorHandler(handler func(error)) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

func (o *options) setModel(name string, m ModelConfig) {
	if o.config.Models == nil {
		o.config.Models = make(map[string]ModelConfig)
	}
	o.config.Models[name] = m
}
