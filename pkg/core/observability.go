package core

import (
	"context"
	"time"
)

// MetricsRecorder receives the outcome of every service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, model, operation string, success bool, duration time.Duration)
}

// Tracer starts a span around a service operation.
type Tracer interface {
	Start(ctx context.Context, model, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation's error, nil on success.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
