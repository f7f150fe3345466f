// Package traces provides OpenTelemetry tracing for the reconciler.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/payrollx/escrowrecon"

// Init installs the global tracer provider. With an empty endpoint the
// default no-op provider stays in place. The returned function flushes and
// stops the exporter.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("escrowrecon"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks span failed with err's kind. nil is a no-op.
func RecordError(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
}

func EscrowID(id string) attribute.KeyValue {
	return attribute.String("escrow.id", id)
}

func Recipient(addr string) attribute.KeyValue {
	return attribute.String("recipient.addr", addr)
}

func Token(t string) attribute.KeyValue {
	return attribute.String("token.type", t)
}

func ChainEventID(id string) attribute.KeyValue {
	return attribute.String("chain_event.id", id)
}

func Source(name string) attribute.KeyValue {
	return attribute.String("ledger.source", name)
}

func EscrowCount(n int) attribute.KeyValue {
	return attribute.Int("escrow.count", n)
}

func Partial(p bool) attribute.KeyValue {
	return attribute.Bool("result.partial", p)
}

func GateState(s string) attribute.KeyValue {
	return attribute.String("gate.state", s)
}

func Allowed(a bool) attribute.KeyValue {
	return attribute.Bool("gate.allowed", a)
}
