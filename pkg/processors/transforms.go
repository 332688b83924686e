package processors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-exec/pkg/processor"
)

var (
	// ErrUnexpectedChunk is returned when a port delivers something other than a Block.
	ErrUnexpectedChunk = errors.New("unexpected chunk type")
	// ErrNoWork is returned by Work of processors that do everything in Prepare.
	ErrNoWork = errors.New("processor has no work step")
	// ErrInjected is the failure raised by the fail processor.
	ErrInjected = errors.New("injected failure")
)

func asBlock(c processor.Chunk) (Block, error) {
	b, ok := c.(Block)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedChunk, c)
	}
	return b, nil
}

// Transform applies a function to every block between one input and one output.
type Transform struct {
	processor.Base
	apply     func(Block) (Block, error)
	in, out   Block
	hasInput  bool
	hasOutput bool
}

// NewTransform creates a one-to-one transform running apply in Work.
func NewTransform(name string, apply func(Block) (Block, error)) *Transform {
	t := &Transform{Base: processor.NewBase(name), apply: apply}
	t.AddInput(t)
	t.AddOutput(t)
	return t
}

// Prepare implements processor.Processor.
func (t *Transform) Prepare(_, _ []int) (processor.Status, error) {
	in, out := t.Inputs()[0], t.Outputs()[0]

	if out.IsFinished() {
		in.Close()
		return processor.StatusFinished, nil
	}
	if t.hasOutput {
		if !out.CanPush() {
			in.SetNotNeeded()
			return processor.StatusPortFull, nil
		}
		if err := out.Push(t.out); err != nil {
			return 0, err
		}
		t.out, t.hasOutput = nil, false
	}
	if t.hasInput {
		return processor.StatusReady, nil
	}
	if in.IsFinished() {
		out.Finish()
		return processor.StatusFinished, nil
	}
	in.SetNeeded()
	if !in.HasData() {
		return processor.StatusNeedData, nil
	}
	chunk, err := in.Pull(true)
	if err != nil {
		return 0, err
	}
	if t.in, err = asBlock(chunk); err != nil {
		return 0, err
	}
	t.hasInput = true
	return processor.StatusReady, nil
}

// Work implements processor.Processor.
func (t *Transform) Work() error {
	res, err := t.apply(t.in)
	if err != nil {
		return err
	}
	t.in, t.hasInput = nil, false
	t.out, t.hasOutput = res, true
	return nil
}

// NewMap creates a transform applying op ("add" or "multiply") with operand
// to every value.
func NewMap(name, op string, operand int64) (*Transform, error) {
	var fn func(int64) int64
	switch strings.ToLower(op) {
	case "add", "plus", "+":
		fn = func(v int64) int64 { return v + operand }
	case "multiply", "mul", "*":
		fn = func(v int64) int64 { return v * operand }
	default:
		return nil, fmt.Errorf("%w: unsupported op %q", ErrInvalidConfig, op)
	}
	return NewTransform(name, func(b Block) (Block, error) {
		res := make(Block, len(b))
		for i, v := range b {
			res[i] = fn(v)
		}
		return res, nil
	}), nil
}

// NewPassthrough creates a transform forwarding blocks unchanged.
func NewPassthrough(name string) *Transform {
	return NewTransform(name, func(b Block) (Block, error) { return b, nil })
}

// NewFail creates a transform that forwards blocks and returns ErrInjected
// from its after-th Work call.
func NewFail(name string, after int, message string) *Transform {
	calls := 0
	return NewTransform(name, func(b Block) (Block, error) {
		calls++
		if calls == after {
			if message != "" {
				return nil, fmt.Errorf("%w: %s", ErrInjected, message)
			}
			return nil, fmt.Errorf("%w on call %d", ErrInjected, calls)
		}
		return b, nil
	})
}
