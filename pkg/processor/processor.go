// Package processor defines the contract between the pipeline executor and the
// processing stages it drives, keeping stage logic decoupled from scheduling.
//
// A processor owns input and output ports. Ports of two processors are
// connected pairwise and exchange chunks through a shared slot; the executor
// never looks at the chunks, it only reacts to port state changes that the
// processors report while preparing or working.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Status is what a processor asks the executor to do next.
type Status int

const (
	// StatusNeedData means the processor waits for data on an input port.
	StatusNeedData Status = iota
	// StatusPortFull means an output port is full and must be drained first.
	StatusPortFull
	// StatusFinished means the processor will never do any more work.
	StatusFinished
	// StatusReady means Work can be called.
	StatusReady
	// StatusAsync means the processor waits for an external event; see AsyncProcessor.
	StatusAsync
	// StatusExpandPipeline means ExpandPipeline must be called.
	StatusExpandPipeline
)

func (s Status) String() string {
	switch s {
	case StatusNeedData:
		return "NeedData"
	case StatusPortFull:
		return "PortFull"
	case StatusFinished:
		return "Finished"
	case StatusReady:
		return "Ready"
	case StatusAsync:
		return "Async"
	case StatusExpandPipeline:
		return "ExpandPipeline"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusNeedData; st <= StatusExpandPipeline; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown processor status %q", text)
}

// ErrNotExpandable is returned by processors that never ask for expansion.
var ErrNotExpandable = errors.New("processor does not support pipeline expansion")

// Processor is a single stage of the execution graph.
type Processor interface {
	// Name is used for diagnostics only.
	Name() string

	Inputs() []*InputPort
	Outputs() []*OutputPort

	// Prepare inspects ports and reports the next status. It must not block.
	// updatedInputs and updatedOutputs hold the indices of ports whose state
	// changed since the previous call.
	Prepare(updatedInputs, updatedOutputs []int) (Status, error)

	// Work performs the actual transformation. Called only after Prepare
	// returned StatusReady, or after an async readiness future fired.
	Work() error

	// ExpandPipeline returns new processors, already connected to this one
	// or to each other. Called only after Prepare returned StatusExpandPipeline.
	ExpandPipeline() ([]Processor, error)

	// Cancel asks the processor to stop as soon as possible. Best effort.
	Cancel()

	// OnUpdatePorts is called when ports of a processor that is already
	// preparing or executing change.
	OnUpdatePorts()
}

// AsyncProcessor is implemented by processors that may report StatusAsync.
//
// Schedule registers interest in the external event and returns a channel
// that is closed once Work can run without blocking.
type AsyncProcessor interface {
	Processor
	Schedule(ctx context.Context) (<-chan struct{}, error)
}

// Base carries the port lists and default hooks shared by simple processors.
// Embed it and override what is needed.
type Base struct {
	name      string
	inputs    []*InputPort
	outputs   []*OutputPort
	cancelled atomic.Bool
}

// NewBase creates a Base with the given diagnostic name.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name implements Processor.
func (b *Base) Name() string { return b.name }

// Inputs implements Processor.
func (b *Base) Inputs() []*InputPort { return b.inputs }

// Outputs implements Processor.
func (b *Base) Outputs() []*OutputPort { return b.outputs }

// AddInput appends a new input port owned by owner.
func (b *Base) AddInput(owner Processor) *InputPort {
	p := &InputPort{owner: owner}
	b.inputs = append(b.inputs, p)
	return p
}

// AddOutput appends a new output port owned by owner.
func (b *Base) AddOutput(owner Processor) *OutputPort {
	p := &OutputPort{owner: owner}
	b.outputs = append(b.outputs, p)
	return p
}

// ExpandPipeline implements Processor for processors that never expand.
func (b *Base) ExpandPipeline() ([]Processor, error) {
	return nil, ErrNotExpandable
}

// Cancel implements Processor.
func (b *Base) Cancel() { b.cancelled.Store(true) }

// IsCancelled reports whether Cancel was called.
func (b *Base) IsCancelled() bool { return b.cancelled.Load() }

// OnUpdatePorts implements Processor.
func (b *Base) OnUpdatePorts() {}

// InputPortNumber returns the index of port among p's inputs, or -1.
func InputPortNumber(p Processor, port *InputPort) int {
	for i, in := range p.Inputs() {
		if in == port {
			return i
		}
	}
	return -1
}

// OutputPortNumber returns the index of port among p's outputs, or -1.
func OutputPortNumber(p Processor, port *OutputPort) int {
	for i, out := range p.Outputs() {
		if out == port {
			return i
		}
	}
	return -1
}
