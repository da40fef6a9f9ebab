// Package tracing configures the OpenTelemetry trace provider for the
// schemaloader process.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is the service.name resource attribute.
const ServiceName = "schemaloader"

// Provider wraps the trace provider with a shutdown hook.
type Provider struct {
	provider *sdktrace.TracerProvider
	noop     trace.TracerProvider
}

// NewProvider returns a provider that writes spans to w, or a no-op
// provider when w is nil. An enabled provider is installed globally.
func NewProvider(w io.Writer) (*Provider, error) {
	if w == nil {
		return &Provider{noop: noop.NewTracerProvider()}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider}, nil
}

// TracerProvider returns the provider to hand to components.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p.provider == nil {
		return p.noop
	}
	return p.provider
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
