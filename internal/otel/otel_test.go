package otel

import (
	"context"
	"strings"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}

	ctx, span := StartClientSpan(context.Background(), p.Tracer, "step.save", AttrStepKey.String("goals"))
	if ctx == nil || !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span from the sdk tracer")
	}
	span.End()
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestStartSpanWithNilTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), nil, "noop")
	span.End()
	if span.SpanContext().IsValid() {
		t.Fatal("expected invalid span context from noop tracer")
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.StepSaves == nil || m.GenerationDuration == nil || m.RateLimitRejects == nil {
		t.Fatal("expected every instrument to be created")
	}
	m.StepSaves.Add(context.Background(), 1)
}

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	exp, err := spanExporter(ctx, Config{Exporter: "none"})
	if err != nil || exp != nil {
		t.Fatalf("none: exporter=%v err=%v, want nil, nil", exp, err)
	}
	exp, err = spanExporter(ctx, Config{Exporter: "stdout"})
	if err != nil || exp == nil {
		t.Fatalf("stdout: exporter=%v err=%v", exp, err)
	}
	_ = exp.Shutdown(ctx)

	for _, name := range []string{"", "zipkin"} {
		_, err := spanExporter(ctx, Config{Exporter: name})
		if err == nil || !strings.Contains(err.Error(), "supported: otlp, stdout, none") {
			t.Fatalf("exporter %q: err = %v, want unsupported error", name, err)
		}
	}
}
