package executor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-exec/pkg/processor"
)

type nodeStatus int

const (
	nodeIdle nodeStatus = iota
	nodePreparing
	nodeExecuting
	nodeFinished
)

func (s nodeStatus) String() string {
	switch s {
	case nodeIdle:
		return "Idle"
	case nodePreparing:
		return "Preparing"
	case nodeExecuting:
		return "Executing"
	case nodeFinished:
		return "Finished"
	default:
		return fmt.Sprintf("nodeStatus(%d)", int(s))
	}
}

// edge links two nodes and carries nothing but the dirty bit of the port it
// was created for. Backward edges point from a consumer to its producer.
type edge struct {
	to         int
	backward   bool
	inputPort  int
	outputPort int
	update     processor.UpdateInfo
}

// node is the executor bookkeeping around one processor.
type node struct {
	proc  processor.Processor
	index int

	// Append-only, mutated under the exclusive structural lock.
	directEdges []*edge
	backEdges   []*edge

	mu             sync.Mutex
	status         nodeStatus
	lastStatus     processor.Status
	updatedInputs  []int
	updatedOutputs []int

	// Filled by port updates while the node is owned by a single goroutine.
	postUpdatedInputs  []*edge
	postUpdatedOutputs []*edge

	exception errorSlot

	numExecutedJobs atomic.Uint64
	executionTime   atomic.Int64
	preparationTime atomic.Int64
}

func (n *node) addExecutionTime(d time.Duration)   { n.executionTime.Add(int64(d)) }
func (n *node) addPreparationTime(d time.Duration) { n.preparationTime.Add(int64(d)) }

// graph owns nodes and edges. mu is the structural lock: prepare passes hold
// it shared, expansion holds it exclusively. It is never taken while a node
// lock is held.
type graph struct {
	mu    sync.RWMutex
	nodes []*node
	index map[processor.Processor]int
}

func newGraph(processors []processor.Processor) (*graph, error) {
	g := &graph{
		nodes: make([]*node, 0, len(processors)),
		index: make(map[processor.Processor]int, len(processors)),
	}
	for _, p := range processors {
		if p == nil {
			return nil, ErrNilProcessor
		}
		if _, ok := g.index[p]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProcessor, p.Name())
		}
		g.appendNode(p)
	}
	for i := range g.nodes {
		if _, err := g.addEdges(i); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *graph) appendNode(p processor.Processor) {
	g.index[p] = len(g.nodes)
	g.nodes = append(g.nodes, &node{proc: p, index: len(g.nodes)})
}

func (g *graph) lookup(p processor.Processor) (int, error) {
	idx, ok := g.index[p]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProcessor, p.Name())
	}
	return idx, nil
}

// addEdges wires every port of node idx that has no edge yet. Ports are wired
// in order, so it can be called again after the processor grew new ports.
func (g *graph) addEdges(idx int) (bool, error) {
	n := g.nodes[idx]
	added := false

	inputs := n.proc.Inputs()
	for i := len(n.backEdges); i < len(inputs); i++ {
		in := inputs[i]
		if !in.IsConnected() {
			return added, fmt.Errorf("%w: input %d of %s", ErrPortNotConnected, i, n.proc.Name())
		}
		upstream := in.Peer().Processor()
		to, err := g.lookup(upstream)
		if err != nil {
			return added, err
		}
		e := &edge{
			to:         to,
			backward:   true,
			inputPort:  i,
			outputPort: processor.OutputPortNumber(upstream, in.Peer()),
		}
		e.update.Notify = func() { n.postUpdatedInputs = append(n.postUpdatedInputs, e) }
		n.backEdges = append(n.backEdges, e)
		in.SetUpdateInfo(&e.update)
		added = true
	}

	outputs := n.proc.Outputs()
	for i := len(n.directEdges); i < len(outputs); i++ {
		out := outputs[i]
		if !out.IsConnected() {
			return added, fmt.Errorf("%w: output %d of %s", ErrPortNotConnected, i, n.proc.Name())
		}
		downstream := out.Peer().Processor()
		to, err := g.lookup(downstream)
		if err != nil {
			return added, err
		}
		e := &edge{
			to:         to,
			inputPort:  processor.InputPortNumber(downstream, out.Peer()),
			outputPort: i,
		}
		e.update.Notify = func() { n.postUpdatedOutputs = append(n.postUpdatedOutputs, e) }
		n.directEdges = append(n.directEdges, e)
		out.SetUpdateInfo(&e.update)
		added = true
	}
	return added, nil
}

// expandPipeline appends unseen processors as nodes and wires every new port.
// It returns the indices of nodes whose edge set grew. The caller must hold
// the structural lock exclusively.
func (g *graph) expandPipeline(processors []processor.Processor) ([]int, error) {
	for _, p := range processors {
		if p == nil {
			return nil, ErrNilProcessor
		}
		if _, ok := g.index[p]; !ok {
			g.appendNode(p)
		}
	}
	var updated []int
	for i := range g.nodes {
		added, err := g.addEdges(i)
		if err != nil {
			return updated, err
		}
		if added {
			updated = append(updated, i)
		}
	}
	return updated, nil
}

// childless returns the nodes without downstream edges, i.e. the sinks.
func (g *graph) childless() []int {
	var out []int
	for i, n := range g.nodes {
		if len(n.directEdges) == 0 {
			out = append(out, i)
		}
	}
	return out
}
