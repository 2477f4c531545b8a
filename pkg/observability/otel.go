// Package observability wires OTLP-HTTP exporters for logs, metrics and
// traces. With telemetry disabled it still hands back a usable slog logger
// and no-op providers, so callers never branch on the setting.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	exportTimeout   = 10 * time.Second
	batchTimeout    = 5 * time.Second
	metricsInterval = 15 * time.Second
)

// Setup holds the initialized providers and the logger to use everywhere.
type Setup struct {
	Logger *slog.Logger

	logs    *sdklog.LoggerProvider
	metrics *sdkmetric.MeterProvider
	traces  *sdktrace.TracerProvider
}

// Init configures global log, metric and trace providers for the service.
// With enabled=false, logs go to stderr as text and the providers are
// no-ops; collector is the OTLP-HTTP host:port.
func Init(ctx context.Context, serviceName, serviceVersion, collector string, enabled bool) (*Setup, error) {
	if !enabled {
		s := &Setup{
			Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
			logs:    sdklog.NewLoggerProvider(),
			metrics: sdkmetric.NewMeterProvider(),
			traces:  sdktrace.NewTracerProvider(),
		}
		otel.SetMeterProvider(s.metrics)
		otel.SetTracerProvider(s.traces)
		return s, nil
	}

	res, err := newResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}
	headers := parseOTLPHeaders()

	// Exporters are created on context.Background() so a cancelled startup
	// context cannot wedge shutdown later.
	logExporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithEndpoint(collector),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	logs := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
			sdklog.WithExportTimeout(batchTimeout))),
		sdklog.WithResource(res),
	)

	metricExporter, err := otlpmetrichttp.New(context.Background(),
		otlpmetrichttp.WithEndpoint(collector),
		otlpmetrichttp.WithTimeout(exportTimeout),
		otlpmetrichttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	metrics := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(metricsInterval))),
	)
	otel.SetMeterProvider(metrics)

	traceExporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(collector),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	traces := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(traces)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Setup{
		Logger:  otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(logs)),
		logs:    logs,
		metrics: metrics,
		traces:  traces,
	}, nil
}

// Shutdown flushes and stops all providers.
func (s *Setup) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	if err := s.logs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logger provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// newResource merges service identity with SDK defaults. Extra attributes
// come from OTEL_RESOURCE_ATTRIBUTES as usual.
func newResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return res, nil
}

// parseOTLPHeaders reads OTEL_EXPORTER_OTLP_HEADERS and URL-decodes the
// values; some backends hand out the encoded form and the SDK does not
// always decode it.
func parseOTLPHeaders() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			value = kv[1]
		}
		headers[strings.TrimSpace(kv[0])] = value
	}
	return headers
}
