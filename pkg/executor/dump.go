package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-exec/pkg/processor"
)

// ProcessorStats describes one node of the execution graph.
type ProcessorStats struct {
	Node            int              `json:"node"`
	Name            string           `json:"name"`
	Status          string           `json:"status"`
	LastStatus      processor.Status `json:"last_status"`
	Jobs            uint64           `json:"jobs"`
	ExecutionTime   time.Duration    `json:"execution_time_ns"`
	PreparationTime time.Duration    `json:"preparation_time_ns"`
}

// ExecutionStats is a snapshot of the executor counters.
type ExecutionStats struct {
	Processors []ProcessorStats `json:"processors"`
	Threads    []ThreadStats    `json:"threads"`
}

// Stats returns per-processor and per-thread counters. Timings are only
// collected with WithProfiling. Thread statistics are available once the
// corresponding worker exited.
func (e *PipelineExecutor) Stats() ExecutionStats {
	e.graph.mu.RLock()
	procs := make([]ProcessorStats, 0, len(e.graph.nodes))
	for _, n := range e.graph.nodes {
		n.mu.Lock()
		status, last := n.status, n.lastStatus
		n.mu.Unlock()
		procs = append(procs, ProcessorStats{
			Node:            n.index,
			Name:            n.proc.Name(),
			Status:          status.String(),
			LastStatus:      last,
			Jobs:            n.numExecutedJobs.Load(),
			ExecutionTime:   time.Duration(n.executionTime.Load()),
			PreparationTime: time.Duration(n.preparationTime.Load()),
		})
	}
	e.graph.mu.RUnlock()

	e.statsMu.Lock()
	threads := append([]ThreadStats(nil), e.threadStats...)
	e.statsMu.Unlock()

	return ExecutionStats{Processors: procs, Threads: threads}
}

// DumpPipeline renders the graph in Graphviz dot syntax with per-processor
// job counts and last prepare status.
func (e *PipelineExecutor) DumpPipeline() string {
	stats := e.Stats()

	e.graph.mu.RLock()
	edges := make([][2]int, 0, len(e.graph.nodes))
	for _, n := range e.graph.nodes {
		for _, ed := range n.directEdges {
			edges = append(edges, [2]int{n.index, ed.to})
		}
	}
	e.graph.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph\n{\n  rankdir=\"LR\";\n  { node [shape = rect]\n")
	for _, p := range stats.Processors {
		desc := fmt.Sprintf("%d jobs, %s", p.Jobs, p.LastStatus)
		if e.profile {
			desc += fmt.Sprintf(", execution time: %g sec., preparation time: %g sec.",
				p.ExecutionTime.Seconds(), p.PreparationTime.Seconds())
		}
		fmt.Fprintf(&b, "    n%d[label=%q];\n", p.Node, fmt.Sprintf("%s (%s)", p.Name, desc))
	}
	b.WriteString("  }\n")
	for _, ed := range edges {
		fmt.Fprintf(&b, "  n%d -> n%d;\n", ed[0], ed[1])
	}
	b.WriteString("}\n")
	return b.String()
}

// dumpProcessors renders a processor list that could not be turned into a
// graph, one line per processor with its port wiring.
func dumpProcessors(processors []processor.Processor) string {
	var b strings.Builder
	for i, p := range processors {
		if p == nil {
			fmt.Fprintf(&b, "%d: <nil>\n", i)
			continue
		}
		fmt.Fprintf(&b, "%d: %s", i, p.Name())
		for j, out := range p.Outputs() {
			if !out.IsConnected() {
				fmt.Fprintf(&b, " [out %d -> unconnected]", j)
				continue
			}
			fmt.Fprintf(&b, " [out %d -> %s]", j, out.Peer().Processor().Name())
		}
		for j, in := range p.Inputs() {
			if !in.IsConnected() {
				fmt.Fprintf(&b, " [in %d <- unconnected]", j)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
