// Package runner executes pipeline documents end to end: admission, graph
// building, process-list registration, execution and run recording.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-exec/pkg/admission"
	"github.com/polisai/polis-exec/pkg/executor"
	"github.com/polisai/polis-exec/pkg/logging"
	"github.com/polisai/polis-exec/pkg/metrics"
	"github.com/polisai/polis-exec/pkg/pipelinedef"
	"github.com/polisai/polis-exec/pkg/processlist"
	"github.com/polisai/polis-exec/pkg/processors"
	"github.com/polisai/polis-exec/pkg/storage"
)

const defaultStepSlice = 10 * time.Millisecond

// Options wires the runner's collaborators. Only Registry falls back to a
// default; nil Admission skips the policy check.
type Options struct {
	Registry       *processors.Registry
	Admission      *admission.Controller
	Queries        *processlist.List
	Runs           storage.RunStore
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	DefaultThreads int
	Profile        bool
	// StepSlice is how long a step-mode call runs before yielding.
	StepSlice time.Duration
}

// Runner runs pipeline documents.
type Runner struct {
	opts Options
	log  *logging.StructuredLogger
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.Registry == nil {
		opts.Registry = processors.Default()
	}
	if opts.Queries == nil {
		opts.Queries = processlist.New(processlist.WithMetrics(opts.Metrics), processlist.WithLogger(opts.Logger))
	}
	if opts.Runs == nil {
		opts.Runs = storage.NewMemoryRunStore(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StepSlice <= 0 {
		opts.StepSlice = defaultStepSlice
	}
	return &Runner{opts: opts, log: logging.NewStructuredLogger(opts.Logger)}
}

// Queries returns the process list the runner registers queries in.
func (r *Runner) Queries() *processlist.List { return r.opts.Queries }

// Runs returns the run store.
func (r *Runner) Runs() storage.RunStore { return r.opts.Runs }

// Request describes one run.
type Request struct {
	Document *pipelinedef.Document
	// Threads overrides the document and the runner default when positive.
	Threads int
	// Step drives the executor with ExecuteStep on the calling goroutine.
	Step bool
	// OnStart, when set, is called with the query once it is registered.
	OnStart func(q *processlist.Query)
}

// Result is a finished run.
type Result struct {
	Record   *storage.RunRecord
	Pipeline *pipelinedef.Pipeline
	Executor *executor.PipelineExecutor
}

// Threads resolves the thread count for req: the request, then the
// document, then the runner default, never below one.
func (r *Runner) Threads(req Request) int {
	threads := req.Threads
	if threads <= 0 && req.Document != nil {
		threads = req.Document.Threads
	}
	if threads <= 0 {
		threads = r.opts.DefaultThreads
	}
	if threads < 1 {
		threads = 1
	}
	return threads
}

// Run executes req.Document. A run record is stored for every run that
// reached the executor, including failed ones; the execution error is
// returned alongside the result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Document == nil {
		return nil, fmt.Errorf("run: nil pipeline document")
	}
	threads := r.Threads(req)

	if r.opts.Admission != nil {
		if err := r.opts.Admission.Admit(ctx, admission.Request{Document: req.Document, Threads: threads}); err != nil {
			return nil, err
		}
	}

	pl, err := pipelinedef.Build(req.Document, r.opts.Registry)
	if err != nil {
		return nil, err
	}

	q := r.opts.Queries.Start(req.Document.Name)
	defer r.opts.Queries.Finish(q)

	opts := []executor.Option{
		executor.WithName(req.Document.Name),
		executor.WithLogger(r.opts.Logger.With("query_id", q.ID)),
		executor.WithProfiling(r.opts.Profile),
		executor.WithQuery(q),
	}
	if r.opts.Metrics != nil {
		opts = append(opts, executor.WithMetrics(r.opts.Metrics))
	}
	e, err := executor.New(pl.Processors, opts...)
	if err != nil {
		return nil, err
	}
	if req.OnStart != nil {
		req.OnStart(q)
	}

	started := time.Now()
	if req.Step {
		err = r.step(ctx, e)
	} else {
		err = e.Execute(ctx, threads)
	}
	finished := time.Now()

	rec := &storage.RunRecord{
		QueryID:    q.ID,
		Pipeline:   req.Document.Name,
		Threads:    threads,
		Outcome:    e.Outcome(),
		StartedAt:  started,
		FinishedAt: finished,
		Stats:      e.Stats(),
		Results:    processors.Results(e.Processors()),
	}
	if req.Step {
		rec.Threads = 1
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if saveErr := r.opts.Runs.SaveRun(ctx, rec); saveErr != nil {
		r.opts.Logger.Warn("failed to save run record", "query_id", q.ID, "error", saveErr)
	}
	r.log.LogRun(ctx, rec.Pipeline, q.ID, rec.Outcome, rec.Threads, rec.Duration(), err)

	return &Result{Record: rec, Pipeline: pl, Executor: e}, err
}

// step drives e in slices of StepSlice until it finished.
func (r *Runner) step(ctx context.Context, e *executor.PipelineExecutor) error {
	var yield atomic.Bool
	for steps := 1; ; steps++ {
		yield.Store(false)
		timer := time.AfterFunc(r.opts.StepSlice, func() { yield.Store(true) })
		more, err := e.ExecuteStep(ctx, &yield)
		timer.Stop()
		if !more {
			r.opts.Logger.Debug("step execution finished", "steps", steps)
			return err
		}
	}
}
