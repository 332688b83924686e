package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-exec/pkg/metrics"
	"github.com/polisai/polis-exec/pkg/processor"
	"github.com/polisai/polis-exec/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run outcomes reported to telemetry and metrics.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeKilled    = "killed"
	OutcomeStuck     = "stuck"
)

// PipelineExecutor drives a graph of processors to completion on a pool of
// worker goroutines.
type PipelineExecutor struct {
	name    string
	logger  *slog.Logger
	profile bool
	query   QueryStatus
	metrics *metrics.Metrics

	processorsMu sync.Mutex
	processors   []processor.Processor

	graph *graph
	ctx   context.Context

	tasksMu sync.Mutex
	tasks   *taskQueue

	started     atomic.Bool
	initialized bool
	completed   atomic.Bool
	cancelled   atomic.Bool
	exception   errorSlot
	outcome     atomic.Value

	statsMu     sync.Mutex
	threadStats []ThreadStats
}

// New builds the execution graph for processors. Every port of every
// processor must be connected to a processor of the same list.
func New(processors []processor.Processor, opts ...Option) (*PipelineExecutor, error) {
	e := &PipelineExecutor{
		logger:     slog.Default(),
		processors: append([]processor.Processor(nil), processors...),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name != "" {
		e.logger = e.logger.With("pipeline", e.name)
	}

	g, err := newGraph(e.processors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w\nQuery pipeline:\n%s", ErrPipelineBuild, err, dumpProcessors(e.processors))
	}
	e.graph = g

	if e.query != nil {
		e.query.AddExecutor(e)
	}
	return e, nil
}

// Processors returns a snapshot of the processor list, including processors
// added by pipeline expansion.
func (e *PipelineExecutor) Processors() []processor.Processor {
	e.processorsMu.Lock()
	defer e.processorsMu.Unlock()
	return append([]processor.Processor(nil), e.processors...)
}

// Execute runs the pipeline on numThreads worker goroutines and blocks until
// it finished, failed or was cancelled. Values below one are treated as one.
func (e *PipelineExecutor) Execute(ctx context.Context, numThreads int) error {
	if numThreads < 1 {
		numThreads = 1
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyExecuted
	}

	tracer := otel.Tracer("polis.executor")
	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.name", e.name),
		attribute.Int("pipeline.threads", numThreads),
		attribute.Int("pipeline.processors", len(e.graph.nodes)),
	))
	defer span.End()

	stop := context.AfterFunc(ctx, e.Cancel)
	defer stop()

	start := time.Now()
	err := e.executeImpl(ctx, numThreads)
	if err == nil {
		err = e.firstException()
	}
	if err == nil {
		err = e.tasks.firstThreadException()
	}
	if err != nil {
		if e.logger.Enabled(ctx, slog.LevelDebug) {
			e.logger.Debug("exception while executing query", "state", e.DumpPipeline())
		}
	} else {
		err = e.finalizeExecution()
	}
	if err == nil && e.cancelled.Load() && ctx.Err() != nil {
		err = ctx.Err()
	}

	e.complete(ctx, span, numThreads, time.Since(start), err)
	return err
}

// ExecuteStep runs the pipeline on the calling goroutine until it finished or
// yield is set. It returns true while more work remains. yield may be nil.
func (e *PipelineExecutor) ExecuteStep(ctx context.Context, yield *atomic.Bool) (bool, error) {
	if e.completed.Load() {
		return false, ErrAlreadyExecuted
	}
	if !e.initialized {
		if !e.started.CompareAndSwap(false, true) {
			return false, ErrAlreadyExecuted
		}
		if err := e.initializeExecution(ctx, 1); err != nil {
			e.complete(ctx, nil, 1, 0, err)
			return false, err
		}
		if yield != nil && yield.Load() {
			return true, nil
		}
	}
	if ctx.Err() != nil {
		e.Cancel()
	}

	start := time.Now()
	e.executeStepImpl(e.tasks.thread(0), yield)
	if !e.tasks.isFinished() {
		return true, nil
	}
	e.tasks.wait()
	e.recordThread(e.tasks.thread(0))

	err := e.firstException()
	if err == nil {
		err = e.tasks.firstThreadException()
	}
	if err == nil {
		err = e.finalizeExecution()
	}
	if err == nil && e.cancelled.Load() && ctx.Err() != nil {
		err = ctx.Err()
	}
	e.complete(ctx, nil, 1, time.Since(start), err)
	return false, err
}

// Cancel stops scheduling and asks every processor to stop. Work already in
// progress is not interrupted.
func (e *PipelineExecutor) Cancel() {
	e.cancelled.Store(true)
	e.finish()

	e.processorsMu.Lock()
	defer e.processorsMu.Unlock()
	for _, p := range e.processors {
		p.Cancel()
	}
}

func (e *PipelineExecutor) finish() {
	e.tasksMu.Lock()
	tasks := e.tasks
	e.tasksMu.Unlock()
	if tasks != nil {
		tasks.finish()
	}
}

func (e *PipelineExecutor) executeImpl(ctx context.Context, numThreads int) error {
	if err := e.initializeExecution(ctx, numThreads); err != nil {
		return err
	}
	defer e.tasks.wait()

	if numThreads == 1 {
		e.runThread(0)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			e.runThread(num)
		}(i)
	}

	e.tasks.processAsyncTasks()
	wg.Wait()
	return nil
}

// runThread converts a panic of the executor loop into a thread exception
// and stops the other workers.
func (e *PipelineExecutor) runThread(num int) {
	defer func() {
		if r := recover(); r != nil {
			e.finish()
			e.tasks.thread(num).exception.set(&PanicError{Value: r})
		}
	}()
	e.executeSingleThread(num)
}

func (e *PipelineExecutor) executeSingleThread(num int) {
	tc := e.tasks.thread(num)
	e.executeStepImpl(tc, nil)

	e.recordThread(tc)
}

func (e *PipelineExecutor) recordThread(tc *threadContext) {
	stats := tc.stats()
	e.logger.Debug("thread finished",
		"thread", stats.Thread,
		"total", stats.TotalTime,
		"execution", stats.ExecutionTime,
		"processing", stats.ProcessingTime,
		"wait", stats.WaitTime,
	)
	if e.metrics != nil {
		e.metrics.RecordThread(stats.TotalTime, stats.ExecutionTime, stats.ProcessingTime, stats.WaitTime)
	}
	e.statsMu.Lock()
	e.threadStats = append(e.threadStats, stats)
	e.statsMu.Unlock()
}

func (e *PipelineExecutor) executeStepImpl(tc *threadContext, yield *atomic.Bool) {
	start := time.Now()
	yielded := false

	for !e.tasks.isFinished() && !yielded {
		for !e.tasks.isFinished() && !tc.hasTask() {
			e.tasks.tryGetTask(tc, yield)
			if !tc.hasTask() && yield != nil && yield.Load() {
				yielded = true
				break
			}
		}

		for tc.hasTask() && !yielded {
			if e.tasks.isFinished() {
				break
			}
			if !e.executeTask(tc) {
				e.Cancel()
			}
			if e.tasks.isFinished() {
				break
			}

			processingStart := time.Now()
			var ready, async []*node
			e.graph.mu.RLock()
			ok := e.prepareProcessor(tc.node.index, &ready, &async)
			e.graph.mu.RUnlock()
			if !ok {
				e.Cancel()
			}
			if !e.tasks.pushTasks(tc, ready, async) {
				e.Cancel()
			}
			tc.processingTime += time.Since(processingStart)

			if yield != nil && yield.Load() {
				yielded = true
			}
		}
	}

	tc.totalTime += time.Since(start)
	tc.waitTime = tc.totalTime - tc.executionTime - tc.processingTime
}

// executeTask calls Work of the node assigned to tc. It reports false when
// the work failed and the pipeline must stop.
func (e *PipelineExecutor) executeTask(tc *threadContext) bool {
	n := tc.node
	start := time.Now()
	err := runWork(n)
	elapsed := time.Since(start)

	tc.executionTime += elapsed
	if e.profile {
		n.addExecutionTime(elapsed)
	}
	n.numExecutedJobs.Add(1)

	telemetry.RecordProcessorWork(e.ctx, telemetry.ProcessorMetrics{
		Pipeline:  e.name,
		Processor: n.proc.Name(),
		Duration:  elapsed,
		Failed:    err != nil,
	})
	if e.metrics != nil {
		e.metrics.RecordJob(n.proc.Name(), elapsed, err != nil)
	}

	if err != nil {
		e.setNodeException(n, err)
		e.logger.Error("processor work failed", "processor", n.proc.Name(), "node", n.index, "error", err)
		return false
	}
	return true
}

func runWork(n *node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "work", Err: &PanicError{Value: r}}
		}
	}()
	if werr := n.proc.Work(); werr != nil {
		return &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "work", Err: werr}
	}
	return nil
}

func runPrepare(n *node) (status processor.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "prepare", Err: &PanicError{Value: r}}
		}
	}()
	status, err = n.proc.Prepare(n.updatedInputs, n.updatedOutputs)
	if err != nil {
		err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "prepare", Err: err}
	}
	return status, err
}

func runExpand(n *node) (added []processor.Processor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "expand", Err: &PanicError{Value: r}}
		}
	}()
	added, err = n.proc.ExpandPipeline()
	if err != nil {
		err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "expand", Err: err}
	}
	return added, err
}

func runOnUpdatePorts(n *node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "update ports", Err: &PanicError{Value: r}}
		}
	}()
	n.proc.OnUpdatePorts()
	return nil
}

func (e *PipelineExecutor) setNodeException(n *node, err error) {
	n.exception.set(err)
	e.exception.set(err)
}

// firstException returns the first processor failure observed.
func (e *PipelineExecutor) firstException() error {
	if err := e.exception.get(); err != nil {
		return err
	}
	e.graph.mu.RLock()
	defer e.graph.mu.RUnlock()
	for _, n := range e.graph.nodes {
		if err := n.exception.get(); err != nil {
			return err
		}
	}
	return nil
}

// prepareProcessor prepares node pid and every node whose ports changed as a
// consequence, walking the graph with explicit stacks. Newly ready and async
// nodes are appended to ready and async. The caller holds the structural lock
// shared; it may be released and re-acquired during expansion. It reports
// false when a processor failed.
func (e *PipelineExecutor) prepareProcessor(pid int, ready, async *[]*node) bool {
	g := e.graph
	var edges []*edge
	stack := []int{pid}

	for len(stack) > 0 || len(edges) > 0 {
		carried := false

		if len(stack) == 0 {
			ed := edges[len(edges)-1]
			edges = edges[:len(edges)-1]

			n := g.nodes[ed.to]
			n.mu.Lock()
			if n.status != nodeFinished {
				if ed.backward {
					n.updatedOutputs = append(n.updatedOutputs, ed.outputPort)
				} else {
					n.updatedInputs = append(n.updatedInputs, ed.inputPort)
				}
				if n.status == nodeIdle {
					n.status = nodePreparing
					stack = append(stack, ed.to)
					carried = true
				} else if err := runOnUpdatePorts(n); err != nil {
					n.mu.Unlock()
					e.setNodeException(n, err)
					e.logger.Error("processor port update failed", "processor", n.proc.Name(), "node", n.index, "error", err)
					return false
				}
			}
			if !carried {
				n.mu.Unlock()
				continue
			}
		}

		pid = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := g.nodes[pid]
		if !carried {
			n.mu.Lock()
		}

		expand, ok := e.prepareNode(n, &edges, ready, async)
		n.mu.Unlock()
		if !ok {
			return false
		}

		if expand {
			g.mu.RUnlock()
			g.mu.Lock()
			ok = e.expandPipeline(&stack, pid)
			g.mu.Unlock()
			g.mu.RLock()
			if !ok {
				return false
			}
			stack = append(stack, pid)
		}
	}
	return true
}

// prepareNode calls Prepare on n and applies the resulting transition. n.mu
// must be held.
func (e *PipelineExecutor) prepareNode(n *node, edges *[]*edge, ready, async *[]*node) (expand, ok bool) {
	start := time.Now()
	status, err := runPrepare(n)
	if e.profile {
		n.addPreparationTime(time.Since(start))
	}
	if err != nil {
		e.setNodeException(n, err)
		e.logger.Error("processor prepare failed", "processor", n.proc.Name(), "node", n.index, "error", err)
		return false, false
	}

	n.lastStatus = status
	n.updatedInputs = nil
	n.updatedOutputs = nil

	switch status {
	case processor.StatusNeedData, processor.StatusPortFull:
		n.status = nodeIdle
	case processor.StatusFinished:
		n.status = nodeFinished
	case processor.StatusReady:
		n.status = nodeExecuting
		*ready = append(*ready, n)
	case processor.StatusAsync:
		n.status = nodeExecuting
		*async = append(*async, n)
	case processor.StatusExpandPipeline:
		return true, true
	default:
		err := &ProcessorError{Processor: n.proc.Name(), Node: n.index, Op: "prepare", Err: fmt.Errorf("unknown status %v", status)}
		e.setNodeException(n, err)
		return false, false
	}

	// Edges are popped from a stack: push outputs then inputs, both reversed,
	// so that inputs are delivered first and each group in port order.
	for i := len(n.postUpdatedOutputs) - 1; i >= 0; i-- {
		ed := n.postUpdatedOutputs[i]
		*edges = append(*edges, ed)
		ed.update.Trigger()
	}
	for i := len(n.postUpdatedInputs) - 1; i >= 0; i-- {
		ed := n.postUpdatedInputs[i]
		*edges = append(*edges, ed)
		ed.update.Trigger()
	}
	n.postUpdatedInputs = n.postUpdatedInputs[:0]
	n.postUpdatedOutputs = n.postUpdatedOutputs[:0]
	return false, true
}

// expandPipeline splices the processors returned by node pid into the graph
// and stages every node that gained edges. The caller holds the structural
// lock exclusively.
func (e *PipelineExecutor) expandPipeline(stack *[]int, pid int) bool {
	g := e.graph
	cur := g.nodes[pid]

	added, err := runExpand(cur)
	if err != nil {
		e.setNodeException(cur, err)
		e.logger.Error("pipeline expansion failed", "processor", cur.proc.Name(), "node", pid, "error", err)
		return false
	}

	e.processorsMu.Lock()
	e.processors = append(e.processors, added...)
	all := append([]processor.Processor(nil), e.processors...)
	e.processorsMu.Unlock()

	backSizes := make([]int, len(g.nodes))
	directSizes := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		backSizes[i] = len(n.backEdges)
		directSizes[i] = len(n.directEdges)
	}

	updated, err := g.expandPipeline(all)
	if err != nil {
		e.setNodeException(cur, &ProcessorError{Processor: cur.proc.Name(), Node: pid, Op: "expand", Err: err})
		return false
	}

	for _, idx := range updated {
		n := g.nodes[idx]
		var fromBack, fromDirect int
		if idx < len(backSizes) {
			fromBack, fromDirect = backSizes[idx], directSizes[idx]
		}

		n.mu.Lock()
		for port := fromBack; port < len(n.backEdges); port++ {
			n.updatedInputs = append(n.updatedInputs, port)
		}
		for port := fromDirect; port < len(n.directEdges); port++ {
			n.updatedOutputs = append(n.updatedOutputs, port)
		}
		if n.status == nodeIdle {
			n.status = nodePreparing
			*stack = append(*stack, idx)
		}
		n.mu.Unlock()
	}

	e.logger.Debug("pipeline expanded", "processor", cur.proc.Name(), "added", len(added), "nodes", len(g.nodes))
	telemetry.RecordPipelineExpansion(e.ctx, e.name, len(added))
	telemetry.AnnotateExpansion(trace.SpanFromContext(e.ctx), cur.proc.Name(), len(added))
	return true
}

// initializeExecution seeds the ready queue by preparing every sink and the
// nodes reachable from them. It runs before any worker starts.
func (e *PipelineExecutor) initializeExecution(ctx context.Context, numThreads int) error {
	e.initialized = true
	e.ctx = ctx

	e.tasksMu.Lock()
	e.tasks = newTaskQueue(ctx, numThreads)
	e.tasksMu.Unlock()
	if e.cancelled.Load() {
		e.tasks.finish()
		return nil
	}

	stack := e.graph.childless()
	for _, idx := range stack {
		e.graph.nodes[idx].status = nodePreparing
	}
	e.logger.Debug("initializing execution", "threads", numThreads, "processors", len(e.graph.nodes), "sinks", len(stack))

	var ready, async []*node
	e.graph.mu.RLock()
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !e.prepareProcessor(pid, &ready, &async) {
			e.graph.mu.RUnlock()
			e.Cancel()
			return nil
		}
		if len(async) > 0 {
			e.graph.mu.RUnlock()
			e.finish()
			return fmt.Errorf("%w. Processor %s", ErrAsyncBeforeWork, async[0].proc.Name())
		}
	}
	e.graph.mu.RUnlock()

	e.tasks.fill(ready)
	return nil
}

// finalizeExecution checks that execution ended for a legitimate reason.
func (e *PipelineExecutor) finalizeExecution() error {
	if e.query != nil && e.query.IsKilled() {
		return ErrQueryCancelled
	}
	if e.cancelled.Load() {
		return nil
	}

	e.graph.mu.RLock()
	allFinished := true
	for _, n := range e.graph.nodes {
		n.mu.Lock()
		finished := n.status == nodeFinished
		n.mu.Unlock()
		if !finished {
			allFinished = false
			break
		}
	}
	e.graph.mu.RUnlock()

	if !allFinished {
		dump := e.DumpPipeline()
		e.logger.Debug("pipeline stuck", "state", dump)
		return &StuckPipelineError{Dump: dump}
	}
	return nil
}

func (e *PipelineExecutor) complete(ctx context.Context, span trace.Span, threads int, elapsed time.Duration, err error) {
	e.completed.Store(true)
	if e.query != nil {
		e.query.RemoveExecutor(e)
	}

	outcome := outcomeOf(err, e.cancelled.Load())
	e.outcome.Store(outcome)
	telemetry.RecordPipelineRun(ctx, telemetry.PipelineMetrics{
		Pipeline:   e.name,
		Threads:    threads,
		Processors: len(e.Processors()),
		Outcome:    outcome,
		Duration:   elapsed,
	})
	if e.metrics != nil {
		e.metrics.RecordRun(e.name, outcome, elapsed)
	}
	if span != nil {
		span.SetAttributes(attribute.String("pipeline.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if err != nil {
		e.logger.Error("pipeline execution failed", "outcome", outcome, "error", err)
		return
	}
	e.logger.Debug("pipeline execution finished", "outcome", outcome, "elapsed", elapsed)
}

// Outcome reports how the finished execution ended (one of the Outcome
// constants), or "" while it is still running.
func (e *PipelineExecutor) Outcome() string {
	if v, ok := e.outcome.Load().(string); ok {
		return v
	}
	return ""
}

func outcomeOf(err error, cancelled bool) string {
	switch {
	case err == nil && cancelled:
		return OutcomeCancelled
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrQueryCancelled):
		return OutcomeKilled
	case errors.Is(err, ErrPipelineStuck):
		return OutcomeStuck
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}
