// Package observability sets up logging and OpenTelemetry export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and stops an SDK provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

func newResource(cfg config.OtelConfig, version string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
}

func headers(cfg config.OtelConfig) map[string]string {
	if cfg.AuthHeader == "" {
		return nil
	}
	return map[string]string{"Authorization": cfg.AuthHeader}
}

// SetupTracingSDK installs a global tracer provider exporting over OTLP/HTTP
// and the W3C propagators Kafka headers are carried with. Without an
// endpoint only the propagators are installed.
func SetupTracingSDK(ctx context.Context, cfg config.OtelConfig, version string) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	res, err := newResource(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithURLPath(cfg.TracesPath),
		otlptracehttp.WithHeaders(headers(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// SetupLoggingSDK installs a global logger provider for the otelzap bridge.
func SetupLoggingSDK(ctx context.Context, cfg config.OtelConfig, version string) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	res, err := newResource(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(cfg.Endpoint),
		otlploghttp.WithURLPath(cfg.LogsPath),
		otlploghttp.WithHeaders(headers(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(30*time.Second),
			sdklog.WithMaxQueueSize(2048),
		)),
	)
	global.SetLoggerProvider(lp)
	return lp.Shutdown, nil
}

// Setup runs both SDK setups. The returned shutdown stops them in reverse order.
func Setup(ctx context.Context, cfg config.OtelConfig, version string) (ShutdownFunc, error) {
	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var err error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			err = errors.Join(err, shutdowns[i](ctx))
		}
		return err
	}

	traceShutdown, err := SetupTracingSDK(ctx, cfg, version)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	shutdowns = append(shutdowns, traceShutdown)

	logShutdown, err := SetupLoggingSDK(ctx, cfg, version)
	if err != nil {
		return shutdown, fmt.Errorf("setting up logging: %w", err)
	}
	shutdowns = append(shutdowns, logShutdown)

	return shutdown, nil
}
