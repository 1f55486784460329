package middleware

import (
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/miladsoleymani/chanmux/core"
)

const tracerName = "github.com/miladsoleymani/chanmux/core/middleware"

// Tracing returns middleware that runs each handler in a consumer span whose
// parent is the trace context found in the record headers. Nil arguments use
// the global tracer provider and propagator.
func Tracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) core.MiddlewareFunc {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	tracer := tp.Tracer(tracerName)
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) error {
			rec := c.Record()
			headers := rec.Headers
			ctx := prop.Extract(c.Context(), core.HeaderCarrier{Headers: &headers})
			ctx, span := tracer.Start(ctx, rec.Topic+" process",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "kafka"),
					attribute.String("messaging.destination.name", rec.Topic),
					attribute.String("messaging.kafka.message.key", string(rec.Key)),
					attribute.String("messaging.kafka.destination.partition", strconv.Itoa(rec.Partition)),
					attribute.Int64("messaging.kafka.message.offset", rec.Offset),
					attribute.String("chanmux.channel", string(c.Channel())),
				),
			)
			defer span.End()

			c.SetContext(ctx)
			err := next(c)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}
