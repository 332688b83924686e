package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/polisai/polis-exec/pkg/metrics"
	"github.com/polisai/polis-exec/pkg/processor"
	"github.com/polisai/polis-exec/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTracer := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return recorder, func() {
		otel.SetTracerProvider(prevTracer)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("tracer provider shutdown: %v", err)
		}
	}
}

func setupTestMeter(t *testing.T) (*sdkmetric.ManualReader, func()) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prevMeter := otel.GetMeterProvider()
	otel.SetMeterProvider(meterProvider)
	return reader, func() {
		otel.SetMeterProvider(prevMeter)
		telemetry.ResetMetricsForTest()
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	}
}

func TestExecuteEmitsTelemetry(t *testing.T) {
	ctx := context.Background()
	recorder, tracerCleanup := setupTestTracer(t)
	defer tracerCleanup()

	reader, meterCleanup := setupTestMeter(t)
	defer meterCleanup()

	telemetry.ResetMetricsForTest()

	x := newExpander("expander", 2, 2)
	prom := metrics.NewMetrics()
	e, err := New([]processor.Processor{x},
		WithName("expanding"),
		WithMetrics(prom),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if err := e.Execute(ctx, 2); err != nil {
		t.Fatalf("execute: %v", err)
	}

	spans := recorder.Ended()
	var span sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == "pipeline.execute" {
			span = s
		}
	}
	if span == nil {
		t.Fatalf("pipeline.execute span not recorded")
	}
	attrs := attribute.NewSet(span.Attributes()...)
	if v, ok := attrs.Value("pipeline.outcome"); !ok || v.AsString() != OutcomeOK {
		t.Fatalf("expected outcome ok, got %v", v)
	}
	if v, ok := attrs.Value("pipeline.name"); !ok || v.AsString() != "expanding" {
		t.Fatalf("expected pipeline name, got %v", v)
	}
	foundExpand := false
	for _, ev := range span.Events() {
		if ev.Name == "pipeline.expand" {
			foundExpand = true
		}
	}
	if !foundExpand {
		t.Fatalf("expected pipeline.expand event")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var jobs int64
	var runs int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "polis.processor.jobs_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					jobs += dp.Value
				}
			case "polis.pipeline.runs_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					runs += dp.Value
				}
			}
		}
	}

	var want uint64
	for _, p := range e.Stats().Processors {
		want += p.Jobs
	}
	if uint64(jobs) != want {
		t.Fatalf("expected %d jobs in metrics, got %d", want, jobs)
	}
	if runs != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}

	got, err := testutil.GatherAndCount(prom.Registry(), "polis_exec_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected one prometheus run series, got %d", got)
	}
}
