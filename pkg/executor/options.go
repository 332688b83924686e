package executor

import (
	"log/slog"

	"github.com/polisai/polis-exec/pkg/metrics"
)

// Option configures a PipelineExecutor.
type Option func(*PipelineExecutor)

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(e *PipelineExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithProfiling enables per-processor execution and preparation timing.
func WithProfiling(enabled bool) Option {
	return func(e *PipelineExecutor) { e.profile = enabled }
}

// WithQuery attaches the executor to the process list entry of its query.
func WithQuery(q QueryStatus) Option {
	return func(e *PipelineExecutor) { e.query = q }
}

// WithMetrics reports run, job and thread statistics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *PipelineExecutor) { e.metrics = m }
}

// WithName labels spans, metrics and logs with the pipeline name.
func WithName(name string) Option {
	return func(e *PipelineExecutor) { e.name = name }
}

// QueryStatus is the process list entry an executor runs for. Killing the
// query cancels every registered executor.
type QueryStatus interface {
	IsKilled() bool
	AddExecutor(e *PipelineExecutor)
	RemoveExecutor(e *PipelineExecutor)
}
