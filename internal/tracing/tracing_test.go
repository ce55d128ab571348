package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// isolateGlobals installs a sentinel tracer provider and restores the real
// globals when the test ends.
func isolateGlobals(t *testing.T) noop.TracerProvider {
	t.Helper()
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	sentinel := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinel)
	return sentinel
}

func TestInitDisabled(t *testing.T) {
	sentinel := isolateGlobals(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "  ")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "not-a-number")

	shutdown, err := Init(context.Background(), "v1.2.3")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if otel.GetTracerProvider() != sentinel {
		t.Fatal("Init() replaced the tracer provider without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitEnabled(t *testing.T) {
	isolateGlobals(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
	t.Setenv("OTEL_SERVICE_NAME", "flagtree-test")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	shutdown, err := Init(context.Background(), "v1.2.3")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Fatalf("propagator fields = %v, want traceparent", fields)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestNewResource(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "flagtree-eu")

	res, err := newResource("v1.2.3")
	if err != nil {
		t.Fatalf("newResource() error = %v", err)
	}
	if got, want := res.SchemaURL(), resource.Default().SchemaURL(); got != want {
		t.Errorf("SchemaURL() = %q, want the SDK default %q", got, want)
	}
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:    "flagtree-eu",
		semconv.ServiceVersionKey: "v1.2.3",
	} {
		v, ok := res.Set().Value(key)
		if !ok || v.AsString() != want {
			t.Errorf("resource %s = %q (present %v), want %q", key, v.AsString(), ok, want)
		}
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		sampler  string
		wantErr  string
	}{
		{name: "unparseable endpoint", endpoint: "http://[::1", wantErr: "invalid OTLP endpoint"},
		{name: "grpc scheme", endpoint: "grpc://collector:4317", wantErr: "scheme must be http or https"},
		{name: "sampler out of range", endpoint: "http://127.0.0.1:4318", sampler: "1.5", wantErr: "OTEL_TRACES_SAMPLER_ARG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentinel := isolateGlobals(t)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.endpoint)
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.sampler)

			shutdown, err := Init(context.Background(), "dev")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Init() error = %v, want it to mention %q", err, tt.wantErr)
			}
			if shutdown != nil {
				t.Fatal("Init() returned a shutdown func on error")
			}
			if otel.GetTracerProvider() != sentinel {
				t.Fatal("Init() replaced the tracer provider on error")
			}
		})
	}
}

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{raw: "", want: 1},
		{raw: " 0 ", want: 0},
		{raw: "0.1", want: 0.1},
		{raw: "1", want: 1},
		{raw: "-0.1", wantErr: true},
		{raw: "half", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sampleRatio(tt.raw)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("sampleRatio(%q) = (%v, %v), want (%v, err=%v)", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestServiceName(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", " ")
	if got := serviceName(); got != defaultServiceName {
		t.Fatalf("serviceName() = %q, want %q", got, defaultServiceName)
	}
	t.Setenv("OTEL_SERVICE_NAME", " flagtree-eu ")
	if got := serviceName(); got != "flagtree-eu" {
		t.Fatalf("serviceName() = %q, want flagtree-eu", got)
	}
}

func TestValidateEndpoint(t *testing.T) {
	for endpoint, ok := range map[string]bool{
		"http://127.0.0.1:4318":    true,
		"https://otel.example.com": true,
		"127.0.0.1:4318":           false,
		"http://":                  false,
	} {
		if err := validateEndpoint(endpoint); (err == nil) != ok {
			t.Errorf("validateEndpoint(%q) error = %v", endpoint, err)
		}
	}
}
