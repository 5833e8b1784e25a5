package flow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	_ Runner = (*Sequential)(nil)
	_ Runner = (*Graph)(nil)
)

// Sequential runs the stage table as a plain ordered loop. It is the
// degradation path when the graph substrate is unavailable and must stay
// observably identical to [Graph].
type Sequential struct {
	pipe *pipeline
}

func newSequential(p *pipeline) *Sequential {
	return &Sequential{pipe: p}
}

func (r *Sequential) Run(ctx context.Context, st *State) (*Result, error) {
	start := time.Now()
	for _, node := range r.pipe.stages() {
		if err := runStage(ctx, node.stage, node.fn, st); err != nil {
			return finish(st, start, node.stage, err)
		}
	}
	return finish(st, start, StageUnknown, nil)
}

// Graph runs the stage table as a node/edge graph walked by a small
// topological scheduler. The stage table supplies the nodes; edges
// connect each stage to its successor.
type Graph struct {
	nodes []stageNode
	edges map[Stage][]Stage

	// order is the validated schedule, fixed at construction.
	order []stageNode
}

func newGraph(p *pipeline) (*Graph, error) {
	nodes := p.stages()
	edges := make(map[Stage][]Stage, len(nodes))
	for i := 0; i+1 < len(nodes); i++ {
		edges[nodes[i].stage] = append(edges[nodes[i].stage], nodes[i+1].stage)
	}
	g := &Graph{nodes: nodes, edges: edges}
	order, err := g.schedule()
	if err != nil {
		return nil, err
	}
	if len(order) != len(nodes) {
		return nil, errors.New("flow: graph has unreachable stages")
	}
	g.order = order
	return g, nil
}

// schedule produces a deterministic topological order: a node becomes
// ready once every inbound edge has fired, and ready nodes run in table
// order.
func (g *Graph) schedule() ([]stageNode, error) {
	indegree := make(map[Stage]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.stage] = 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			if _, ok := indegree[to]; !ok {
				return nil, fmt.Errorf("flow: edge to unknown stage %s", to)
			}
			indegree[to]++
		}
	}

	order := make([]stageNode, 0, len(g.nodes))
	done := make(map[Stage]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		progressed := false
		for _, n := range g.nodes {
			if done[n.stage] || indegree[n.stage] > 0 {
				continue
			}
			order = append(order, n)
			done[n.stage] = true
			for _, to := range g.edges[n.stage] {
				indegree[to]--
			}
			progressed = true
		}
		if !progressed {
			return nil, errors.New("flow: graph cycle detected")
		}
	}
	return order, nil
}

func (g *Graph) Run(ctx context.Context, st *State) (*Result, error) {
	start := time.Now()
	for _, node := range g.order {
		if err := runStage(ctx, node.stage, node.fn, st); err != nil {
			return finish(st, start, node.stage, err)
		}
	}
	return finish(st, start, StageUnknown, nil)
}
