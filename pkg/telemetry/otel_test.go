package telemetry

import (
	"context"
	"slices"
	"strings"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestNewResourceDescribesExecutor(t *testing.T) {
	res, err := NewResource(context.Background(), Config{
		Version:        "1.2.3",
		Environment:    "staging",
		Threads:        8,
		ProcessorKinds: []string{"collect", "numbers"},
		ResourceTags:   map[string]string{"team": "query"},
	})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()

	if v, ok := set.Value(semconv.ServiceNameKey); !ok || v.AsString() != DefaultServiceName {
		t.Fatalf("expected default service name, got %v", v.Emit())
	}
	if v, ok := set.Value(semconv.ServiceVersionKey); !ok || v.AsString() != "1.2.3" {
		t.Fatalf("expected service version, got %v", v.Emit())
	}
	if v, ok := set.Value(AttrExecutorThreads); !ok || v.AsInt64() != 8 {
		t.Fatalf("expected thread count, got %v", v.Emit())
	}
	if v, ok := set.Value(AttrProcessorKinds); !ok || !slices.Equal(v.AsStringSlice(), []string{"collect", "numbers"}) {
		t.Fatalf("expected processor kinds, got %v", v.Emit())
	}
	if v, ok := set.Value("team"); !ok || v.AsString() != "query" {
		t.Fatalf("expected resource tag, got %v", v.Emit())
	}
}

func TestNewResourceOmitsUnsetFields(t *testing.T) {
	res, err := NewResource(context.Background(), Config{ServiceName: "runner"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != "runner" {
		t.Fatalf("expected configured service name, got %v", v.Emit())
	}
	if _, ok := set.Value(AttrExecutorThreads); ok {
		t.Fatalf("thread count must be omitted when unset")
	}
	if _, ok := set.Value(AttrProcessorKinds); ok {
		t.Fatalf("processor kinds must be omitted when unset")
	}
}

func TestSamplerRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 3, want: "AlwaysOnSampler"},
		{ratio: 0, want: "AlwaysOffSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := Sampler(tt.ratio).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
			t.Errorf("ratio %v: expected root sampler %s, got %s", tt.ratio, tt.want, desc)
		}
	}
}
