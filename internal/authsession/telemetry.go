package authsession

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "chordauth/internal/authsession"

type telemetry struct {
	tracer    trace.Tracer
	logins    metric.Int64Counter
	refreshes metric.Int64Counter
}

// newTelemetry falls back to the global providers, which are no-ops until a host installs an SDK.
func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	logins, err := meter.Int64Counter("authsession.logins",
		metric.WithDescription("Completed login attempts by method and outcome"))
	if err != nil {
		return nil, err
	}
	refreshes, err := meter.Int64Counter("authsession.refreshes",
		metric.WithDescription("Token refresh attempts by outcome"))
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:    tp.Tracer(instrumentationName),
		logins:    logins,
		refreshes: refreshes,
	}, nil
}

func outcome(code string) attribute.KeyValue {
	if code == "" {
		return attribute.String("outcome", "success")
	}
	return attribute.String("outcome", code)
}

func (t *telemetry) recordLogin(ctx context.Context, method Method, code string) {
	t.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method)), outcome(code)))
}

func (t *telemetry) recordRefresh(ctx context.Context, code string) {
	t.refreshes.Add(ctx, 1, metric.WithAttributes(outcome(code)))
}
