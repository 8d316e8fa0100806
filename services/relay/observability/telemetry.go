// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// TelemetryConfig controls tracing and OTel metric export.
type TelemetryConfig struct {
	// ServiceName identifies this service in traces and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version string for this service.
	ServiceVersion string `yaml:"service_version"`

	// Environment identifies the deployment environment.
	Environment string `yaml:"environment"`

	// TraceExporter selects the trace exporter: "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter selects the OTel metric exporter: "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the gRPC collector address for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultTelemetryConfig exports nothing until an endpoint is configured.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		ServiceName:    "aleutian-relay",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
	}
}

// Init installs the global TracerProvider and MeterProvider.
//
// # Description
//
// After Init returns, otel.Tracer() and otel.Meter() route through the
// configured exporters. With MetricExporter "prometheus", OTel instruments
// are registered on reg and appear on the same /metrics page as the
// RelayMetrics collectors.
//
// # Inputs
//
//   - ctx: Context for exporter setup.
//   - cfg: Telemetry configuration.
//   - reg: Registry for the Prometheus bridge. Nil uses the default.
//   - stdout: Destination for the stdout exporters. Nil uses os.Stdout.
//
// # Outputs
//
//   - shutdown: Flushes and stops every provider. Must be called.
//   - error: Non-nil if an exporter could not be created.
//
// # Thread Safety
//
// Call once at application startup.
func Init(ctx context.Context, cfg TelemetryConfig, reg prometheus.Registerer, stdout io.Writer) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	if cfg.TraceExporter != "" && cfg.TraceExporter != "none" {
		tp, err := initTracer(ctx, cfg, res, stdout)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != "none" {
		mp, err := initMeter(cfg, res, reg, stdout)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func initTracer(ctx context.Context, cfg TelemetryConfig, res *resource.Resource, stdout io.Writer) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter

	switch cfg.TraceExporter {
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, errors.New("otlp trace exporter requires an endpoint")
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func initMeter(cfg TelemetryConfig, res *resource.Resource, reg prometheus.Registerer, stdout io.Writer) (*sdkmetric.MeterProvider, error) {
	switch cfg.MetricExporter {
	case "prometheus":
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil

	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(stdout), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// =============================================================================
// OTel Instruments
// =============================================================================

// Instruments are the OTel metric instruments recorded by the relay.
type Instruments struct {
	// UpstreamOpenDuration records seconds from send to first upstream byte.
	UpstreamOpenDuration metric.Float64Histogram

	// ResponseBytes counts bytes of assistant text relayed.
	ResponseBytes metric.Int64Counter
}

// NewInstruments creates the relay instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	openDuration, err := meter.Float64Histogram(
		"relay.upstream.open.duration",
		metric.WithDescription("Time from upstream request to first body byte"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create relay.upstream.open.duration: %w", err)
	}

	responseBytes, err := meter.Int64Counter(
		"relay.response.bytes",
		metric.WithDescription("Bytes of assistant text relayed to clients"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create relay.response.bytes: %w", err)
	}

	return &Instruments{UpstreamOpenDuration: openDuration, ResponseBytes: responseBytes}, nil
}
