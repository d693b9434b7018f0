// Package tracing wires a minimal OpenTelemetry tracer provider for
// encapure: one span per search call, with child spans for the recall
// and rerank stages. The exporter writes to stdout — enough to
// exercise the dependency without standing up a collector.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "encapure.search"

// searchTracer is the package-level tracer every span helper uses,
// matching the var-level otel.Tracer(...) pattern the pack repos use
// for per-package tracers.
var searchTracer = otel.Tracer(tracerName)

// Init installs a stdout-exporting TracerProvider as the global
// provider. Call once at startup; Shutdown flushes on exit.
func Init(serviceName string) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSearch begins the top-level span for one search or rerank call.
func StartSearch(ctx context.Context, op string) (context.Context, trace.Span) {
	return searchTracer.Start(ctx, "search."+op)
}

// StartRecall begins a child span for the C2 embed + C4 top-N stage.
func StartRecall(ctx context.Context) (context.Context, trace.Span) {
	return searchTracer.Start(ctx, "search.recall")
}

// StartRerank begins a child span for the C3 cross-encoder stage.
func StartRerank(ctx context.Context) (context.Context, trace.Span) {
	return searchTracer.Start(ctx, "search.rerank")
}
