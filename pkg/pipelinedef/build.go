package pipelinedef

import (
	"fmt"

	"github.com/polisai/polis-exec/pkg/processor"
	"github.com/polisai/polis-exec/pkg/processors"
)

// Pipeline is a built document: processors created and connected.
type Pipeline struct {
	Name       string
	Threads    int
	Processors []processor.Processor
	byID       map[string]processor.Processor
}

// Processor returns the processor declared with id.
func (p *Pipeline) Processor(id string) (processor.Processor, bool) {
	proc, ok := p.byID[id]
	return proc, ok
}

// Build validates doc, creates its processors through reg and connects them.
// Each processor gets exactly as many ports as there are edges touching it.
func Build(doc *Document, reg *processors.Registry) (*Pipeline, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = processors.Default()
	}
	if err := ValidateKinds(doc, reg); err != nil {
		return nil, err
	}

	inputs := make(map[string]int, len(doc.Processors))
	outputs := make(map[string]int, len(doc.Processors))
	for _, e := range doc.Edges {
		outputs[e.From]++
		inputs[e.To]++
	}

	pl := &Pipeline{
		Name:       doc.Name,
		Threads:    doc.Threads,
		Processors: make([]processor.Processor, 0, len(doc.Processors)),
		byID:       make(map[string]processor.Processor, len(doc.Processors)),
	}
	for _, d := range doc.Processors {
		proc, err := reg.New(d.Type, d.ID, processors.Config(d.Config), inputs[d.ID], outputs[d.ID])
		if err != nil {
			return nil, err
		}
		pl.Processors = append(pl.Processors, proc)
		pl.byID[d.ID] = proc
	}

	nextIn := make(map[string]int, len(doc.Processors))
	nextOut := make(map[string]int, len(doc.Processors))
	for i, e := range doc.Edges {
		from, to := pl.byID[e.From], pl.byID[e.To]
		out := from.Outputs()[nextOut[e.From]]
		in := to.Inputs()[nextIn[e.To]]
		if err := processor.Connect(out, in); err != nil {
			return nil, fmt.Errorf("edge %d %s -> %s: %w", i, e.From, e.To, err)
		}
		nextOut[e.From]++
		nextIn[e.To]++
	}
	return pl, nil
}
