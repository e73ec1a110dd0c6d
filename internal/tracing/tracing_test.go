package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"pricealerts/internal/config"
)

func TestInitDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracing replaced the global provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabled(t *testing.T) {
	before := otel.GetTracerProvider()
	defer otel.SetTracerProvider(before)

	shutdown, err := Init(context.Background(), config.TracingConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		ServiceName: "price-alerts-test",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("provider=%T want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
