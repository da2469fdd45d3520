package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/julia-sam/pronunciation-app/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry bundles what the runtime needs back from observability setup: a
// shutdown hook and the scrape handler for the Prometheus listener.
type telemetry struct {
	shutdown func(context.Context) error
	metrics  http.Handler
}

// LogLevel maps the configured level name onto slog. Unknown names fall back
// to info so a typo never silences the daemon.
func LogLevel(cfg config.TelemetryConfig) slog.Level {
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, exporterName, err := newTraceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := newMeterProvider(res, logger)
	otel.SetMeterProvider(meterProvider)

	logger.Info("telemetry initialized",
		slog.String("service", cfg.RuntimeName),
		slog.String("trace_exporter", exporterName),
		slog.Bool("prometheus", metricHandler != nil))

	return &telemetry{
		shutdown: func(ctx context.Context) error {
			return errors.Join(
				meterProvider.Shutdown(ctx),
				traceProvider.Shutdown(ctx),
			)
		},
		metrics: metricHandler,
	}, nil
}

// newTraceExporter picks OTLP over gRPC when an endpoint is configured and
// falls back to pretty-printed stdout spans for local development.
func newTraceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, "stdout", err
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	return exporter, "otlp:" + endpoint, err
}

func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		// Pipeline counters still record through the default provider; they
		// just have nowhere to be scraped from.
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return provider, promhttp.Handler()
}
