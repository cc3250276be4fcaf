package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var tracingEnabled atomic.Bool

// InitTracing installs an OTLP/gRPC tracer provider exporting to endpoint.
// An empty endpoint leaves the global no-op provider in place. The returned
// func flushes pending spans.
func InitTracing(endpoint, serviceName, serviceVersion string) (func(), error) {
	if endpoint == "" {
		slog.Info("tracing disabled: OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the collector runs next to the daemon
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		// request volume is a handful per game change
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	tracingEnabled.Store(true)
	slog.Info("tracing initialized", slog.String("service", serviceName), slog.String("endpoint", endpoint))

	return func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
		tracingEnabled.Store(false)
	}, nil
}

// TracingEnabled reports whether an exporting provider is installed.
func TracingEnabled() bool { return tracingEnabled.Load() }

// StartSpan starts a span tagged with the request's correlation id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("correlation_id", corr))
	}
	return otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// FinishHTTPSpan records the outcome of an HTTP exchange on span. Status 0
// with err is a transport failure. Statuses at or above errorFrom mark the
// span as failed.
func FinishHTTPSpan(span trace.Span, status int, err error, errorFrom int) {
	switch {
	case status == 0 && err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status == 0:
	case status >= errorFrom:
		span.SetAttributes(attribute.Int("http.status_code", status))
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	default:
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
}

// HTTPMethodAttr returns the http.method attribute.
func HTTPMethodAttr(method string) attribute.KeyValue { return attribute.String("http.method", method) }

// HTTPRouteAttr returns the http.route attribute.
func HTTPRouteAttr(route string) attribute.KeyValue { return attribute.String("http.route", route) }

// HTTPURLAttr returns the http.url attribute. Callers strip query strings first.
func HTTPURLAttr(u string) attribute.KeyValue { return attribute.String("http.url", u) }

// PlatformAttr tags a span with the streaming platform name.
func PlatformAttr(name string) attribute.KeyValue { return attribute.String("platform", name) }

// ExecutorAttr tags a span with the executor pool that ran it.
func ExecutorAttr(name string) attribute.KeyValue { return attribute.String("executor", name) }
