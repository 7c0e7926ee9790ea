package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,=novalue, x=1 ")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["x"] != "1" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestConfigFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := ConfigFromEnv("couponsvc", "dev")
	if cfg.Metrics || cfg.Traces {
		t.Fatalf("expected exporters disabled: %+v", cfg)
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigFromEnvReadsExporterSettings(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "auth=token")
	cfg := ConfigFromEnv("couponsvc", "prod")
	if !cfg.Traces || !cfg.Metrics || cfg.Insecure {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Endpoint != "collector:4318" || cfg.Headers["auth"] != "token" {
		t.Fatalf("unexpected exporter settings %+v", cfg)
	}
}

func TestConfigFromEnvSampleRatio(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	if cfg := ConfigFromEnv("mcoupon", ""); cfg.SampleRatio != 0.25 {
		t.Fatalf("expected ratio 0.25, got %v", cfg.SampleRatio)
	}
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "half")
	if cfg := ConfigFromEnv("mcoupon", ""); cfg.SampleRatio != 0 {
		t.Fatalf("expected unparsable ratio ignored, got %v", cfg.SampleRatio)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}
