package tracing

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// amqpHeaderCarrier adapts an AMQP headers table to the OTel carrier
// interface so trace context survives the broker hop.
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext writes the current span context into AMQP headers.
func InjectTraceContext(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))
	return headers
}

// StartSpanFromDelivery extracts trace context from a delivery's headers and
// starts a consumer span.
func StartSpanFromDelivery(ctx context.Context, name string, headers amqp.Table) (context.Context, trace.Span) {
	if headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, amqpHeaderCarrier(headers))
	}
	return otel.Tracer("imaging-service").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(),
	)
}

var _ propagation.TextMapCarrier = amqpHeaderCarrier{}
