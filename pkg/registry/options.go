package registry

import (
	"log/slog"

	"github.com/aretw0/tillage/pkg/core"
)

// Option configures a Factory.
type Option func(*Factory)

// WithValidator sets the validator handed to every constructor.
func WithValidator(v core.Validator) Option {
	return func(f *Factory) {
		f.validator = v
	}
}

// WithPublisher sets the event publisher handed to every constructor.
func WithPublisher(p core.Publisher) Option {
	return func(f *Factory) {
		f.publisher = p
	}
}

// WithLogger sets the logger for the factory and the services it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMetrics sets the recorder passed to built services.
func WithMetrics(m core.MetricsRecorder) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// WithTracer sets the tracer passed to built services.
func WithTracer(t core.Tracer) Option {
	return func(f *Factory) {
		f.tracer = t
	}
}

// WithServiceOptions appends options applied to every service built by Default.
func WithServiceOptions(opts ...core.ServiceOption) Option {
	return func(f *Factory) {
		f.svcOpts = append(f.svcOpts, opts...)
	}
}

// WithWrapConstructorErrors makes Build wrap constructor failures in
// *core.FactoryError instead of returning them unchanged.
func WithWrapConstructorErrors(wrap bool) Option {
	return func(f *Factory) {
		f.wrapCtor = wrap
	}
}
