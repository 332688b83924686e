package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	processorJobCounter     metric.Int64Counter
	processorFailureCounter metric.Int64Counter
	processorWorkHistogram  metric.Float64Histogram
	pipelineRunCounter      metric.Int64Counter
	pipelineDuration        metric.Float64Histogram
	pipelineExpansion       metric.Int64Counter
)

// ProcessorMetrics captures one Work call of a processor.
type ProcessorMetrics struct {
	Pipeline  string
	Processor string
	Duration  time.Duration
	Failed    bool
}

// PipelineMetrics captures one finished pipeline execution.
type PipelineMetrics struct {
	Pipeline   string
	Threads    int
	Processors int
	Outcome    string
	Duration   time.Duration
}

// RecordProcessorWork emits the job counter and work latency of a processor.
func RecordProcessorWork(ctx context.Context, m ProcessorMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Pipeline),
		attribute.String("processor.name", m.Processor),
	)
	processorJobCounter.Add(ctx, 1, attrs)
	if m.Failed {
		processorFailureCounter.Add(ctx, 1, attrs)
	}
	if m.Duration > 0 {
		processorWorkHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordPipelineRun emits the outcome and duration of a pipeline execution.
func RecordPipelineRun(ctx context.Context, m PipelineMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Pipeline),
		attribute.String("pipeline.outcome", m.Outcome),
		attribute.Int("pipeline.threads", m.Threads),
	)
	pipelineRunCounter.Add(ctx, 1, attrs)
	pipelineDuration.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
}

// RecordPipelineExpansion counts processors added to a running pipeline.
func RecordPipelineExpansion(ctx context.Context, pipeline string, added int) {
	if err := ensureMetrics(); err != nil || added <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pipelineExpansion.Add(ctx, int64(added), metric.WithAttributes(attribute.String("pipeline.name", pipeline)))
}

// AnnotateExpansion attaches a pipeline expansion event to span.
func AnnotateExpansion(span trace.Span, processor string, added int) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent("pipeline.expand", trace.WithAttributes(
		attribute.String("processor.name", processor),
		attribute.Int("processors.added", added),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.executor")

		processorJobCounter, metricsInitErr = meter.Int64Counter(
			"polis.processor.jobs_total",
			metric.WithDescription("Work calls executed per processor"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		processorFailureCounter, metricsInitErr = meter.Int64Counter(
			"polis.processor.failures_total",
			metric.WithDescription("Work calls that returned an error or panicked"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		processorWorkHistogram, metricsInitErr = meter.Float64Histogram(
			"polis.processor.work_duration_ms",
			metric.WithDescription("Observed processor work latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineRunCounter, metricsInitErr = meter.Int64Counter(
			"polis.pipeline.runs_total",
			metric.WithDescription("Pipeline executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineDuration, metricsInitErr = meter.Float64Histogram(
			"polis.pipeline.duration_ms",
			metric.WithDescription("Wall time of pipeline executions"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineExpansion, metricsInitErr = meter.Int64Counter(
			"polis.pipeline.expanded_processors_total",
			metric.WithDescription("Processors added to running pipelines"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
