package processors

import (
	"fmt"

	"github.com/polisai/polis-exec/pkg/processor"
)

// mergeInputs moves blocks from any input to out, buffering at most one
// block per input. New blocks are pulled only once the buffer is drained.
func mergeInputs(inputs []*processor.InputPort, out *processor.OutputPort, buf *[]Block) (processor.Status, error) {
	if out.IsFinished() {
		for _, in := range inputs {
			in.Close()
		}
		*buf = nil
		return processor.StatusFinished, nil
	}

	if len(*buf) == 0 {
		for _, in := range inputs {
			if in.IsFinished() {
				continue
			}
			in.SetNeeded()
			if !in.HasData() {
				continue
			}
			chunk, err := in.Pull(true)
			if err != nil {
				return 0, err
			}
			b, err := asBlock(chunk)
			if err != nil {
				return 0, err
			}
			*buf = append(*buf, b)
		}
	}

	if len(*buf) > 0 {
		if !out.CanPush() {
			return processor.StatusPortFull, nil
		}
		if err := out.Push((*buf)[0]); err != nil {
			return 0, err
		}
		*buf = (*buf)[1:]
		if len(*buf) > 0 {
			return processor.StatusPortFull, nil
		}
	}

	for _, in := range inputs {
		if !in.IsFinished() {
			return processor.StatusNeedData, nil
		}
	}
	out.Finish()
	return processor.StatusFinished, nil
}

// Union merges any number of inputs into a single output. It works entirely
// in Prepare.
type Union struct {
	processor.Base
	buf []Block
}

// NewUnion creates a union with the given number of inputs.
func NewUnion(name string, inputs int) *Union {
	u := &Union{Base: processor.NewBase(name)}
	for i := 0; i < inputs; i++ {
		u.AddInput(u)
	}
	u.AddOutput(u)
	return u
}

// Prepare implements processor.Processor.
func (u *Union) Prepare(_, _ []int) (processor.Status, error) {
	return mergeInputs(u.Inputs(), u.Outputs()[0], &u.buf)
}

// Work implements processor.Processor.
func (u *Union) Work() error { return fmt.Errorf("%w: union", ErrNoWork) }

// Fork copies every input block to each output that is still open. A block
// is released only when every open output took it.
type Fork struct {
	processor.Base
	block     Block
	hasBlock  bool
	delivered []bool
}

// NewFork creates a fork with the given number of outputs.
func NewFork(name string, outputs int) *Fork {
	f := &Fork{Base: processor.NewBase(name), delivered: make([]bool, outputs)}
	f.AddInput(f)
	for i := 0; i < outputs; i++ {
		f.AddOutput(f)
	}
	return f
}

// Prepare implements processor.Processor.
func (f *Fork) Prepare(_, _ []int) (processor.Status, error) {
	in := f.Inputs()[0]
	for {
		open := false
		for _, out := range f.Outputs() {
			if !out.IsFinished() {
				open = true
				break
			}
		}
		if !open {
			in.Close()
			return processor.StatusFinished, nil
		}

		if f.hasBlock {
			full := false
			for i, out := range f.Outputs() {
				if f.delivered[i] || out.IsFinished() {
					continue
				}
				if !out.CanPush() {
					full = true
					continue
				}
				if err := out.Push(append(Block(nil), f.block...)); err != nil {
					return 0, err
				}
				f.delivered[i] = true
			}
			if full {
				return processor.StatusPortFull, nil
			}
			f.block, f.hasBlock = nil, false
			clear(f.delivered)
		}

		if in.IsFinished() {
			for _, out := range f.Outputs() {
				out.Finish()
			}
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
		if f.block, err = asBlock(chunk); err != nil {
			return 0, err
		}
		f.hasBlock = true
	}
}

// Work implements processor.Processor.
func (f *Fork) Work() error { return fmt.Errorf("%w: fork", ErrNoWork) }
