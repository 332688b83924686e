package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordProcessorWork(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordProcessorWork(ctx, ProcessorMetrics{Pipeline: "p", Processor: "numbers", Duration: 150 * time.Millisecond})
	RecordProcessorWork(ctx, ProcessorMetrics{Pipeline: "p", Processor: "numbers", Failed: true})

	metrics := collectMetrics(t, reader)

	jobs, ok := metrics["polis.processor.jobs_total"]
	if !ok {
		t.Fatalf("missing polis.processor.jobs_total metric")
	}
	jobData, ok := jobs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for jobs metric")
	}
	if len(jobData.DataPoints) != 1 || jobData.DataPoints[0].Value != 2 {
		t.Fatalf("expected a single datapoint with value 2, got %+v", jobData.DataPoints)
	}
	if value, ok := jobData.DataPoints[0].Attributes.Value(attribute.Key("processor.name")); !ok || value.AsString() != "numbers" {
		t.Fatalf("expected processor.name attribute numbers, got %v", value)
	}

	failures := metrics["polis.processor.failures_total"].Data.(metricdata.Sum[int64])
	if failures.DataPoints[0].Value != 1 {
		t.Fatalf("expected failure count 1, got %d", failures.DataPoints[0].Value)
	}

	hist := metrics["polis.processor.work_duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.DataPoints[0].Count)
	}
	if hist.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", hist.DataPoints[0].Sum)
	}
}

func TestRecordPipelineRun(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordPipelineRun(ctx, PipelineMetrics{Pipeline: "p", Threads: 4, Processors: 3, Outcome: "ok", Duration: time.Second})
	RecordPipelineExpansion(ctx, "p", 2)
	RecordPipelineExpansion(ctx, "p", 0)

	metrics := collectMetrics(t, reader)

	runs := metrics["polis.pipeline.runs_total"].Data.(metricdata.Sum[int64])
	if len(runs.DataPoints) != 1 || runs.DataPoints[0].Value != 1 {
		t.Fatalf("expected one run, got %+v", runs.DataPoints)
	}
	if value, ok := runs.DataPoints[0].Attributes.Value(attribute.Key("pipeline.outcome")); !ok || value.AsString() != "ok" {
		t.Fatalf("expected outcome ok, got %v", value)
	}

	expanded := metrics["polis.pipeline.expanded_processors_total"].Data.(metricdata.Sum[int64])
	if expanded.DataPoints[0].Value != 2 {
		t.Fatalf("expected 2 expanded processors, got %d", expanded.DataPoints[0].Value)
	}
}

func TestAnnotateExpansion(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "pipeline.execute")
	AnnotateExpansion(span, "expand", 2)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "pipeline.expand" {
		t.Fatalf("expected a pipeline.expand event, got %+v", events)
	}
	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("processors.added")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected processors.added 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
