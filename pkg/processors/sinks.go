package processors

import (
	"sync"

	"github.com/polisai/polis-exec/pkg/processor"
)

// Collect is a sink keeping every value it receives. With a positive limit
// it closes its input once limit values arrived, which finishes the
// upstream stages early.
type Collect struct {
	processor.Base
	limit    int
	block    Block
	hasBlock bool

	mu     sync.Mutex
	values []int64
	blocks int
}

// NewCollect creates a collecting sink. limit <= 0 means no limit.
func NewCollect(name string, limit int) *Collect {
	c := &Collect{Base: processor.NewBase(name), limit: limit}
	c.AddInput(c)
	return c
}

// Prepare implements processor.Processor.
func (c *Collect) Prepare(_, _ []int) (processor.Status, error) {
	in := c.Inputs()[0]
	if c.hasBlock {
		return processor.StatusReady, nil
	}
	if c.limitReached() {
		in.Close()
		return processor.StatusFinished, nil
	}
	if in.IsFinished() {
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
	if c.block, err = asBlock(chunk); err != nil {
		return 0, err
	}
	c.hasBlock = true
	return processor.StatusReady, nil
}

// Work implements processor.Processor.
func (c *Collect) Work() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.block
	if c.limit > 0 && len(c.values)+len(b) > c.limit {
		b = b[:c.limit-len(c.values)]
	}
	c.values = append(c.values, b...)
	c.blocks++
	c.block, c.hasBlock = nil, false
	return nil
}

func (c *Collect) limitReached() bool {
	if c.limit <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values) >= c.limit
}

// Values returns a copy of the collected values in arrival order.
func (c *Collect) Values() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.values...)
}

// Blocks returns how many blocks were received.
func (c *Collect) Blocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks
}

// Results gathers the values of every Collect sink among procs, keyed by name.
func Results(procs []processor.Processor) map[string][]int64 {
	out := make(map[string][]int64)
	for _, p := range procs {
		if c, ok := p.(*Collect); ok {
			out[c.Name()] = c.Values()
		}
	}
	return out
}
