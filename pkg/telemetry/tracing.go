package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/tillage/pkg/core"
)

// InstrumentationName identifies the spans emitted by this module.
const InstrumentationName = "github.com/aretw0/tillage"

// Tracer starts an OpenTelemetry span per service operation.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer on tp, or on the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Start implements core.Tracer.
func (t *Tracer) Start(ctx context.Context, model, operation string) (context.Context, core.TraceSpan) {
	ctx, span := t.tracer.Start(ctx, "entity."+operation,
		trace.WithAttributes(
			attribute.String("entity.model", model),
			attribute.String("entity.operation", operation),
		))
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

var _ core.Tracer = (*Tracer)(nil)
