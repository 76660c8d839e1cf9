package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	for i := 0; i < 2; i++ {
		shutdown, err := Init(context.Background(), Options{Enabled: false, Sample: 99})
		if err != nil {
			t.Fatalf("Init disabled: %v", err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	if !fields["traceparent"] || !fields["baggage"] {
		t.Fatalf("propagator fields = %v", fields)
	}
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// gRPC connects lazily, so an unreachable collector must not stall startup
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:   true,
		Endpoint:  "localhost:1",
		Insecure:  true,
		Sample:    1.0,
		Service:   "translate",
		Component: "server",
		Version:   "v0.0.0-test",
	})
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
	_, _ = Init(context.Background(), Options{})
}

func TestSampler(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	params := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: tid, Name: "GET /assets/*"}

	tests := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{-1, sdktrace.Drop},
		{0, sdktrace.Drop},
		{1, sdktrace.RecordAndSample},
		{5, sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).ShouldSample(params).Decision; got != tt.want {
			t.Errorf("sampler(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

func TestSampler_FollowsSampledParent(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled, Remote: true,
	}))
	got := sampler(0).ShouldSample(sdktrace.SamplingParameters{ParentContext: parent, TraceID: tid}).Decision
	if got != sdktrace.RecordAndSample {
		t.Fatalf("decision = %v, sampled parent should win", got)
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName(Options{Service: "translate", Component: "server"}); got != "translate.server" {
		t.Fatalf("got %q", got)
	}
	if got := serviceName(Options{Service: "translate"}); got != "translate" {
		t.Fatalf("got %q", got)
	}
}
