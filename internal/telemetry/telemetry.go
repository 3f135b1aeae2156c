// Package telemetry installs the global OpenTelemetry providers used by the
// sync engine's "sync.run" span and its note counters. Traces, metrics and
// logs are exported to one OTLP gRPC collector over a shared connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc] so
// the counters of a short CLI run are flushed before exit. Without a call the
// global providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is the service.name reported when none is configured.
const DefaultServiceName = "ankisync"

// Config mirrors the telemetry block of the ankisync config file.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure dials without TLS. For local collectors.
	Insecure bool

	// ServiceName defaults to [DefaultServiceName].
	ServiceName    string
	ServiceVersion string

	// Headers is sent as gRPC metadata on every export, typically
	// {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes pending spans, metrics and log records and closes the
// collector connection. Call it with a fresh context since the run's context
// may already be cancelled.
type ShutdownFunc func(context.Context) error

// closers runs registered shutdown steps in reverse order of registration.
type closers []func(context.Context) error

func (c *closers) add(name string, fn func(context.Context) error) {
	*c = append(*c, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func (c closers) run(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup dials cfg.OTLPEndpoint once and installs trace, metric and log
// providers that export over that connection. The returned [ShutdownFunc] is
// never nil, so callers may defer it even when Setup fails.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("telemetry: OTLP endpoint is required")
	}

	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var cs closers
	cs.add("closing OTLP connection", func(context.Context) error { return conn.Close() })

	steps := []func(context.Context, *grpc.ClientConn, *resource.Resource, Config, *closers) error{
		installTracing,
		installMetrics,
		installLogs,
	}
	for _, step := range steps {
		if err := step(ctx, conn, res, cfg, &cs); err != nil {
			_ = cs.run(ctx)
			return noopShutdown, err
		}
	}

	return cs.run, nil
}

// newResource describes this process. Built schemaless so that
// resource.Default and the semconv package version cannot conflict.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := resource.NewSchemaless(semconv.ServiceName(name), semconv.ServiceVersion(cfg.ServiceVersion))
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(nil) // system roots
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func installTracing(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, cfg Config, cs *closers) error {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	cs.add("trace provider shutdown", tp.Shutdown)
	return nil
}

func installMetrics(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, cfg Config, cs *closers) error {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	// A sync run is usually shorter than the reader interval; the final
	// collection happens on shutdown.
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	cs.add("metric provider shutdown", mp.Shutdown)
	return nil
}

func installLogs(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, cfg Config, cs *closers) error {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	cs.add("log provider shutdown", lp.Shutdown)
	return nil
}

func noopShutdown(context.Context) error { return nil }
