package processors

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/polis-exec/pkg/processor"
)

// Infinite as NumbersOptions.Count makes a source run until cancelled.
const Infinite = -1

// NumbersOptions configures the integer sources.
type NumbersOptions struct {
	Start     int64
	Count     int64
	BlockSize int64
}

// generator produces consecutive blocks of integers.
type generator struct {
	opts    NumbersOptions
	emitted int64
}

func (g *generator) exhausted() bool {
	return g.opts.Count != Infinite && g.emitted >= g.opts.Count
}

func (g *generator) next() Block {
	size := g.opts.BlockSize
	if size < 1 {
		size = 1
	}
	if g.opts.Count != Infinite && g.emitted+size > g.opts.Count {
		size = g.opts.Count - g.emitted
	}
	b := make(Block, size)
	for i := range b {
		b[i] = g.opts.Start + g.emitted + int64(i)
	}
	g.emitted += size
	return b
}

// Numbers is a source emitting Count integers from Start.
type Numbers struct {
	processor.Base
	gen      generator
	block    Block
	hasBlock bool
}

// NewNumbers creates a numbers source with one output.
func NewNumbers(name string, opts NumbersOptions) *Numbers {
	n := &Numbers{Base: processor.NewBase(name), gen: generator{opts: opts}}
	n.AddOutput(n)
	return n
}

// Prepare implements processor.Processor.
func (n *Numbers) Prepare(_, _ []int) (processor.Status, error) {
	out := n.Outputs()[0]
	if out.IsFinished() {
		return processor.StatusFinished, nil
	}
	if n.hasBlock {
		if !out.CanPush() {
			return processor.StatusPortFull, nil
		}
		if err := out.Push(n.block); err != nil {
			return 0, err
		}
		n.block, n.hasBlock = nil, false
	}
	if n.gen.exhausted() || n.IsCancelled() {
		out.Finish()
		return processor.StatusFinished, nil
	}
	if !out.CanPush() {
		return processor.StatusPortFull, nil
	}
	return processor.StatusReady, nil
}

// Work implements processor.Processor.
func (n *Numbers) Work() error {
	n.block = n.gen.next()
	n.hasBlock = true
	return nil
}

// Delay is an async source: after a first synchronous Work it waits
// Interval for every block it produces.
type Delay struct {
	processor.Base
	gen      generator
	interval time.Duration
	primed   bool
	block    Block
	hasBlock bool
}

// NewDelay creates a delay source with one output.
func NewDelay(name string, opts NumbersOptions, interval time.Duration) *Delay {
	d := &Delay{Base: processor.NewBase(name), gen: generator{opts: opts}, interval: interval}
	d.AddOutput(d)
	return d
}

// Prepare implements processor.Processor.
func (d *Delay) Prepare(_, _ []int) (processor.Status, error) {
	out := d.Outputs()[0]
	if out.IsFinished() {
		return processor.StatusFinished, nil
	}
	if d.hasBlock {
		if !out.CanPush() {
			return processor.StatusPortFull, nil
		}
		if err := out.Push(d.block); err != nil {
			return 0, err
		}
		d.block, d.hasBlock = nil, false
	}
	if d.gen.exhausted() || d.IsCancelled() {
		out.Finish()
		return processor.StatusFinished, nil
	}
	if !out.CanPush() {
		return processor.StatusPortFull, nil
	}
	if !d.primed {
		return processor.StatusReady, nil
	}
	return processor.StatusAsync, nil
}

// Work implements processor.Processor.
func (d *Delay) Work() error {
	if !d.primed {
		d.primed = true
		return nil
	}
	d.block = d.gen.next()
	d.hasBlock = true
	return nil
}

// Schedule implements processor.AsyncProcessor.
func (d *Delay) Schedule(ctx context.Context) (<-chan struct{}, error) {
	ready := make(chan struct{})
	timer := time.NewTimer(d.interval)
	go func() {
		defer close(ready)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}()
	return ready, nil
}

// Expand is a source that, on its first Prepare, asks the executor to add
// Sources numbers sources feeding it, then forwards their blocks.
type Expand struct {
	processor.Base
	sources  int
	opts     NumbersOptions
	expanded bool
	buf      []Block
}

// NewExpand creates an expanding source with one output.
func NewExpand(name string, sources int, opts NumbersOptions) *Expand {
	x := &Expand{Base: processor.NewBase(name), sources: sources, opts: opts}
	x.AddOutput(x)
	return x
}

// Prepare implements processor.Processor.
func (x *Expand) Prepare(_, _ []int) (processor.Status, error) {
	if !x.expanded {
		return processor.StatusExpandPipeline, nil
	}
	return mergeInputs(x.Inputs(), x.Outputs()[0], &x.buf)
}

// Work implements processor.Processor.
func (x *Expand) Work() error { return fmt.Errorf("%w: expand", ErrNoWork) }

// ExpandPipeline implements processor.Processor. Spawned source i starts at
// Start + i*Count so their values never overlap.
func (x *Expand) ExpandPipeline() ([]processor.Processor, error) {
	if x.expanded {
		return nil, processor.ErrNotExpandable
	}
	x.expanded = true
	added := make([]processor.Processor, 0, x.sources)
	for i := 0; i < x.sources; i++ {
		opts := x.opts
		if opts.Count != Infinite {
			opts.Start += int64(i) * opts.Count
		}
		src := NewNumbers(fmt.Sprintf("%s/numbers-%d", x.Name(), i), opts)
		if err := processor.Connect(src.Outputs()[0], x.AddInput(x)); err != nil {
			return nil, err
		}
		added = append(added, src)
	}
	return added, nil
}
