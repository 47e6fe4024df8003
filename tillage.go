package tillage

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/tillage/internal/platform"
	"github.com/aretw0/tillage/pkg/core"
	"github.com/aretw0/tillage/pkg/registry"
	"github.com/aretw0/tillage/pkg/typed"
)

// --- Types ---

// App is the wired application: storage, validation, events and the
// service factory.
type App = platform.App

// Config is the file form of the configuration (tillage.yaml).
type Config = platform.Config

// Document is a typed view of an entity.
type Document[V any] = typed.Document[V]

// TypedService is a typed view of an entity service.
type TypedService[V any] = typed.Service[V]

// ConfigFile is the configuration file name looked up by FindRoot.
const ConfigFile = platform.ConfigFile

// Storage drivers.
const (
	DriverFS       = platform.DriverFS
	DriverMemory   = platform.DriverMemory
	DriverSQLite   = platform.DriverSQLite
	DriverPostgres = platform.DriverPostgres
)

// --- Configuration ---

// Option defines a functional option for configuring tillage.
type Option = platform.Option

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option { return platform.WithConfig(cfg) }

// WithAdapter selects the storage driver ("fs", "memory", "sqlite" or "postgres").
func WithAdapter(driver string) Option { return platform.WithAdapter(driver) }

// WithRepositoryFactory resolves repositories through f instead of a driver.
func WithRepositoryFactory(f core.RepositoryFactory) Option {
	return platform.WithRepositoryFactory(f)
}

// WithAutoInit creates the storage root (and git repository) when missing.
func WithAutoInit(auto bool) Option { return platform.WithAutoInit(auto) }

// WithVersioning enables or disables git versioning of the fs driver.
func WithVersioning(enabled bool) Option { return platform.WithVersioning(enabled) }

// WithReadOnly rejects every write at the repository level.
func WithReadOnly(readOnly bool) Option { return platform.WithReadOnly(readOnly) }

// WithStrict keeps JSON numbers as json.Number in the fs driver.
func WithStrict(strict bool) Option { return platform.WithStrict(strict) }

// WithSystemDir sets the directory holding tillage's own files.
func WithSystemDir(dir string) Option { return platform.WithSystemDir(dir) }

// WithFormat sets the file format of new fs entities.
func WithFormat(format string) Option { return platform.WithFormat(format) }

// WithAuthor sets the git identity used for commits.
func WithAuthor(name, email string) Option { return platform.WithAuthor(name, email) }

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option { return platform.WithLogger(logger) }

// WithModels makes model types addressable by name.
func WithModels(models ...core.ModelType) Option { return platform.WithModels(models...) }

// WithService makes a named service constructor available to bindings.
func WithService(name string, ctor registry.Constructor) Option {
	return platform.WithService(name, ctor)
}

// WithBinding binds a model to a named service.
func WithBinding(model, service string) Option { return platform.WithBinding(model, service) }

// WithRules adds validation rules to a model.
func WithRules(model string, rules core.Rules) Option { return platform.WithRules(model, rules) }

// WithPublisher adds a sink receiving every entity event.
func WithPublisher(p core.Publisher) Option { return platform.WithPublisher(p) }

// WithKafka publishes entity events to a Kafka topic.
func WithKafka(brokers []string, topic string) Option { return platform.WithKafka(brokers, topic) }

// WithMetrics registers Prometheus collectors for service operations.
func WithMetrics(reg prometheus.Registerer) Option { return platform.WithMetrics(reg) }

// WithTracerProvider traces service operations with OpenTelemetry.
func WithTracerProvider(tp trace.TracerProvider) Option { return platform.WithTracerProvider(tp) }

// WithServiceOptions passes extra options to every default service.
func WithServiceOptions(opts ...core.ServiceOption) Option {
	return platform.WithServiceOptions(opts...)
}

// WithErrorHandler receives background errors of the storage layer.
func WithErrorHandler(handler func(error)) Option { return platform.WithErrorHandler(handler) }

// --- Entry points ---

// New builds the application. The uri is the root directory for the fs
// driver and the connection string for the sql drivers.
func New(ctx context.Context, uri string, opts ...Option) (*App, error) {
	return platform.New(ctx, uri, opts...)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return platform.DefaultConfig() }

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return platform.LoadConfig(path) }

// FindRoot walks upwards from startDir to the directory holding
// tillage.yaml or .tillage.
func FindRoot(startDir string) (string, error) { return platform.FindRoot(startDir) }

// Typed returns a typed view of the named model's service.
func Typed[V any](ctx context.Context, app *App, model string) (*TypedService[V], error) {
	svc, err := app.Service(ctx, model)
	if err != nil {
		return nil, err
	}
	return typed.NewService[V](svc), nil
}
