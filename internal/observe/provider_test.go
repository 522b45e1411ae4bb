package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// initForTest runs InitProvider against a private registry and restores the
// global providers afterwards. Callers must not run in parallel.
func initForTest(t *testing.T, cfg ProviderConfig) *prometheus.Registry {
	t.Helper()
	origMP, origTP, origProp := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg

	shutdown, err := InitProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
	})
	return reg
}

func TestInitProvider_ExportsMetricsWithResource(t *testing.T) {
	reg := initForTest(t, ProviderConfig{ServiceVersion: "1.2.3", InstanceID: "replica-a", SampleRatio: 1})

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSegment(context.Background(), "silence")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sawSegments bool
	labels := map[string]string{}
	for _, f := range families {
		switch {
		case strings.HasPrefix(f.GetName(), "audiostream_segments_formed"):
			sawSegments = true
		case f.GetName() == "target_info":
			for _, lp := range f.GetMetric()[0].GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
		}
	}
	if !sawSegments {
		t.Error("segments counter not exported to the registry")
	}
	for k, want := range map[string]string{
		"service_name":        "audiostream",
		"service_version":     "1.2.3",
		"service_instance_id": "replica-a",
	} {
		if labels[k] != want {
			t.Errorf("target_info %s = %q, want %q", k, labels[k], want)
		}
	}
}

func TestInitProvider_Sampling(t *testing.T) {
	initForTest(t, ProviderConfig{SampleRatio: 0})
	tr := otel.Tracer("test")

	_, root := tr.Start(context.Background(), "root")
	root.End()
	if root.SpanContext().IsSampled() {
		t.Error("root span sampled at ratio 0")
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	_, child := tr.Start(trace.ContextWithRemoteSpanContext(context.Background(), parent), "child")
	child.End()
	if !child.SpanContext().IsSampled() {
		t.Error("child of a sampled remote parent was not sampled")
	}
}

func TestInitProvider_RejectsBadRatio(t *testing.T) {
	for _, r := range []float64{-0.5, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r, Registerer: prometheus.NewRegistry()}); err == nil {
			t.Errorf("ratio %g accepted", r)
		}
	}
}
