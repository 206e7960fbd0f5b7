// Package traces provides OpenTelemetry tracing for transfers and ledger RPCs.
package traces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/giftescrow/internal/failure"
)

const (
	serviceName = "giftescrow"
	tracerName  = "github.com/mbd888/giftescrow"
)

// Shutdown flushes pending spans and stops the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs an OTLP/gRPC tracer provider and the W3C propagators.
// An empty endpoint leaves the global no-op provider in place.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (Shutdown, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name with optional attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End ends span. A non-nil err is recorded with its failure kind; a
// cancelled caller is not marked as a span error.
func End(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.SetAttributes(attribute.String("error.kind", string(failure.KindOf(err))))
	if errors.Is(err, context.Canceled) {
		span.AddEvent("cancelled")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func UserID(id string) attribute.KeyValue { return attribute.String("user.id", id) }

func Amount(amount string) attribute.KeyValue { return attribute.String("transfer.amount", amount) }

func Mode(mode string) attribute.KeyValue { return attribute.String("transfer.mode", mode) }

func IdempotencyKey(key string) attribute.KeyValue {
	return attribute.String("transfer.idempotency_key", key)
}

func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }

// RPC names the ledger call a span covers.
func RPC(name string) attribute.KeyValue { return attribute.String("ledger.rpc", name) }
