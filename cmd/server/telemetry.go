package main

import (
	"context"
	"errors"
	"fmt"

	"chordauth/cfg"
	"chordauth/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// serviceResource names this process and the backends it was started with.
func serviceResource(ctx context.Context, c *cfg.Config, provider string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(c.Observability.ServiceName),
			semconv.DeploymentEnvironment(c.Observability.Environment),
			attribute.String("chordauth.provider", provider),
			attribute.String("chordauth.storage.driver", c.Storage.Driver),
			attribute.Bool("chordauth.pkce", c.Auth.UsePKCE),
		),
	)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// initTelemetry installs global trace and meter providers exporting over one
// OTLP gRPC connection. The returned func flushes both and closes the connection.
func initTelemetry(ctx context.Context, c *cfg.Config, provider string, log logger.Logger) (func(context.Context) error, error) {
	res, err := serviceResource(ctx, c, provider)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	conn, err := grpc.NewClient(c.Observability.OTLPEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp collector: %w", err)
	}

	spans, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(c.Observability.SampleRatio)),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metrics)),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Info("exporting telemetry",
		logger.Field{Key: "otlp_endpoint", Value: c.Observability.OTLPEndpoint},
		logger.Field{Key: "sample_ratio", Value: c.Observability.SampleRatio},
	)

	return func(ctx context.Context) error {
		return errors.Join(
			wrapErr("flush traces", tp.Shutdown(ctx)),
			wrapErr("flush metrics", mp.Shutdown(ctx)),
			wrapErr("close otlp connection", conn.Close()),
		)
	}, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
