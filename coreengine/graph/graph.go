// Package graph compiles stages, edges and gates into an immutable graph and
// runs it against a workflow record.
//
// Termination invariant: the executor imposes no global step limit. Every
// cycle in a valid graph passes through a gate retry edge, and each gate's
// attempt counter only grows until it reaches the gate's finite ceiling, at
// which point the gate stops asking for retries. Build rejects any graph in
// which a cycle remains after removing gate retry edges.
package graph

import (
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// StageID names a stage in a graph.
type StageID string

// Label is returned by a router to pick an outgoing edge.
type Label string

// End is the terminal marker. Reaching it finishes the run.
const End StageID = "end"

// Labels used by gated edges.
const (
	LabelRetry    Label = "retry"
	LabelContinue Label = "continue"
)

// RouteFunc picks the outgoing label for a conditional edge.
type RouteFunc func(view record.View) Label

// Router is a conditional-edge function together with every label it can
// return. Build checks the declared labels against the edge's label map.
type Router struct {
	Labels []Label
	Route  RouteFunc
}

// NewRouter declares fn as returning only the given labels.
func NewRouter(fn RouteFunc, labels ...Label) Router {
	return Router{Labels: append([]Label(nil), labels...), Route: fn}
}

type edgeKind int

const (
	edgeFixed edgeKind = iota
	edgeConditional
	edgeGated
)

func (k edgeKind) String() string {
	switch k {
	case edgeConditional:
		return "conditional"
	case edgeGated:
		return "gated"
	default:
		return "fixed"
	}
}

// node is a compiled stage. Targets are resolved pointers; nil means End.
type node struct {
	id    StageID
	stage *stage.Stage
	out   outgoing
}

type outgoing struct {
	kind edgeKind

	next *node // fixed

	route   RouteFunc // conditional
	targets map[Label]*node

	gate  gate.Gate // gated
	retry *node
	cont  *node
}

func idOf(n *node) StageID {
	if n == nil {
		return End
	}
	return n.id
}

// Graph is a validated, immutable stage graph.
type Graph struct {
	name  string
	entry *node
	nodes map[StageID]*node
	order []StageID
	gates []gate.Gate
}

func (g *Graph) Name() string   { return g.name }
func (g *Graph) Entry() StageID { return g.entry.id }

// Stages returns stage IDs in declaration order.
func (g *Graph) Stages() []StageID {
	out := make([]StageID, len(g.order))
	copy(out, g.order)
	return out
}

// Stage returns the stage registered under id.
func (g *Graph) Stage(id StageID) (*stage.Stage, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.stage, true
}

// Gates returns the gates in declaration order.
func (g *Graph) Gates() []gate.Gate {
	out := make([]gate.Gate, len(g.gates))
	copy(out, g.gates)
	return out
}

// Gate returns the gate with the given name.
func (g *Graph) Gate(name string) (gate.Gate, bool) {
	for _, gt := range g.gates {
		if gt.Name() == name {
			return gt, true
		}
	}
	return nil, false
}

// EdgeInfo describes one compiled edge for display.
type EdgeInfo struct {
	From  StageID
	Kind  string
	Label Label
	Gate  string
	To    StageID
}

// Edges lists every outgoing edge in stage declaration order. Conditional
// labels are sorted.
func (g *Graph) Edges() []EdgeInfo {
	var out []EdgeInfo
	for _, id := range g.order {
		n := g.nodes[id]
		switch n.out.kind {
		case edgeFixed:
			out = append(out, EdgeInfo{From: id, Kind: n.out.kind.String(), To: idOf(n.out.next)})
		case edgeConditional:
			for _, l := range sortedLabels(n.out.targets) {
				out = append(out, EdgeInfo{From: id, Kind: n.out.kind.String(), Label: l, To: idOf(n.out.targets[l])})
			}
		case edgeGated:
			name := n.out.gate.Name()
			out = append(out,
				EdgeInfo{From: id, Kind: n.out.kind.String(), Label: LabelRetry, Gate: name, To: idOf(n.out.retry)},
				EdgeInfo{From: id, Kind: n.out.kind.String(), Label: LabelContinue, Gate: name, To: idOf(n.out.cont)},
			)
		}
	}
	return out
}
