package executor

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadyExecuted is returned when Execute or ExecuteStep is used after
	// the executor already ran to completion.
	ErrAlreadyExecuted = errors.New("pipeline was already executed")
	// ErrQueryCancelled is returned when the owning query was killed.
	ErrQueryCancelled = errors.New("query was cancelled")
	// ErrAsyncBeforeWork is returned when a processor reports StatusAsync
	// before any Work call happened.
	ErrAsyncBeforeWork = errors.New("async status is only possible after work")
	// ErrPipelineStuck is wrapped by StuckPipelineError.
	ErrPipelineStuck = errors.New("pipeline stuck")
	// ErrPipelineBuild is wrapped by every graph construction failure.
	ErrPipelineBuild = errors.New("query pipeline was not built correctly")

	ErrNilProcessor       = errors.New("nil processor")
	ErrDuplicateProcessor = errors.New("processor listed twice")
	ErrUnknownProcessor   = errors.New("processor is not part of the pipeline")
	ErrPortNotConnected   = errors.New("port is not connected")
	ErrNotAsync           = errors.New("processor returned async status but cannot schedule")
)

// ProcessorError is a failure raised by a processor hook.
type ProcessorError struct {
	Processor string
	Node      int
	Op        string
	Err       error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s (node %d) failed in %s: %v", e.Processor, e.Node, e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// StuckPipelineError reports that execution ended while some processors were
// not finished. Dump holds the graph state at that point.
type StuckPipelineError struct {
	Dump string
}

func (e *StuckPipelineError) Error() string {
	return "pipeline stuck. Current state:\n" + e.Dump
}

func (e *StuckPipelineError) Unwrap() error { return ErrPipelineStuck }

// PanicError wraps a value recovered from a panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// errorSlot keeps the first error stored into it.
type errorSlot struct {
	p atomic.Pointer[error]
}

func (s *errorSlot) set(err error) bool {
	if err == nil {
		return false
	}
	return s.p.CompareAndSwap(nil, &err)
}

func (s *errorSlot) get() error {
	if p := s.p.Load(); p != nil {
		return *p
	}
	return nil
}
