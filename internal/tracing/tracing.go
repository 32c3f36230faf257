// Package tracing installs the OpenTelemetry tracer provider that backs the
// webpilot.* page spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configures the provider.
type Options struct {
	Enabled     bool
	ServiceName string
	Version     string
	Output      string // stdout, stderr or a file path
}

// Provider owns the installed tracer provider and its output.
type Provider struct {
	provider *sdktrace.TracerProvider
	closer   io.Closer
}

// Setup installs a global tracer provider that exports spans as JSON to
// opts.Output. When tracing is disabled the global no-op provider is left
// in place and the returned Provider's Shutdown does nothing.
func Setup(opts Options) (*Provider, error) {
	if !opts.Enabled {
		return &Provider{}, nil
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch opts.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return install(opts, sdktrace.WithBatcher(exporter), closer), nil
}

func install(opts Options, processor sdktrace.TracerProviderOption, closer io.Closer) *Provider {
	name := opts.ServiceName
	if name == "" {
		name = "webpilot"
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if opts.Version != "" {
		attrs = append(attrs, attribute.String("service.version", opts.Version))
	}

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{provider: tp, closer: closer}
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.provider != nil
}

// Shutdown flushes pending spans and releases the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	err := p.provider.Shutdown(ctx)
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
