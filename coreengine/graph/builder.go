package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

type edgeDecl struct {
	kind edgeKind

	to StageID

	route  Router
	labels map[Label]StageID

	gate  gate.Gate
	retry StageID
	cont  StageID
}

// Builder collects stages and edges. Mistakes are accumulated and reported
// together by Build; nothing is validated per call.
type Builder struct {
	name   string
	entry  StageID
	stages map[StageID]*stage.Stage
	order  []StageID
	edges  map[StageID][]edgeDecl
	errs   []string
}

// NewBuilder starts a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		stages: make(map[StageID]*stage.Stage),
		edges:  make(map[StageID][]edgeDecl),
	}
}

// AddStage registers a stage under its name.
func (b *Builder) AddStage(st *stage.Stage) *Builder {
	if st == nil {
		b.errs = append(b.errs, "nil stage")
		return b
	}
	id := StageID(st.Name)
	switch {
	case id == "":
		b.errs = append(b.errs, "stage with empty name")
		return b
	case id == End:
		b.errs = append(b.errs, fmt.Sprintf("stage name '%s' is reserved", End))
		return b
	}
	if _, dup := b.stages[id]; dup {
		b.errs = append(b.errs, fmt.Sprintf("duplicate stage '%s'", id))
		return b
	}
	b.stages[id] = st
	b.order = append(b.order, id)
	return b
}

// AddEdge adds a fixed edge. Use End as the target of terminal stages.
func (b *Builder) AddEdge(from, to StageID) *Builder {
	b.edges[from] = append(b.edges[from], edgeDecl{kind: edgeFixed, to: to})
	return b
}

// AddConditionalEdge routes from a stage by the label returned from route.
// labels maps every label the router declares to its target.
func (b *Builder) AddConditionalEdge(from StageID, route Router, labels map[Label]StageID) *Builder {
	copied := make(map[Label]StageID, len(labels))
	for l, to := range labels {
		copied[l] = to
	}
	b.edges[from] = append(b.edges[from], edgeDecl{kind: edgeConditional, route: route, labels: copied})
	return b
}

// AddGate evaluates g after stage after. When g asks for an eligible retry
// the run jumps to retry (which may be an earlier stage); otherwise it goes
// to cont.
func (b *Builder) AddGate(after StageID, g gate.Gate, retry, cont StageID) *Builder {
	b.edges[after] = append(b.edges[after], edgeDecl{kind: edgeGated, gate: g, retry: retry, cont: cont})
	return b
}

// SetEntry sets the first stage of every run.
func (b *Builder) SetEntry(id StageID) *Builder {
	b.entry = id
	return b
}

// Build validates and compiles the graph. The returned error is a
// *BuildError listing every problem.
func (b *Builder) Build() (*Graph, error) {
	problems := append([]string(nil), b.errs...)
	known := func(id StageID) bool {
		_, ok := b.stages[id]
		return ok
	}
	isTarget := func(id StageID) bool { return id == End || known(id) }

	if b.entry == "" {
		problems = append(problems, "entry stage not set")
	} else if !known(b.entry) {
		problems = append(problems, fmt.Sprintf("entry '%s' is not a registered stage", b.entry))
	}

	for _, from := range sortedIDs(b.edges) {
		if !known(from) {
			problems = append(problems, fmt.Sprintf("edge from unknown stage '%s'", from))
		}
	}

	gateNames := make(map[string]StageID)
	for _, id := range b.order {
		decls := b.edges[id]
		switch len(decls) {
		case 0:
			problems = append(problems, fmt.Sprintf("stage '%s' has no outgoing edge", id))
			continue
		case 1:
		default:
			problems = append(problems, fmt.Sprintf("stage '%s' has %d outgoing edges, want exactly one", id, len(decls)))
			continue
		}

		d := decls[0]
		switch d.kind {
		case edgeFixed:
			if !isTarget(d.to) {
				problems = append(problems, fmt.Sprintf("edge '%s' routes to unknown target '%s'", id, d.to))
			}

		case edgeConditional:
			if d.route.Route == nil {
				problems = append(problems, fmt.Sprintf("conditional edge '%s' has no router", id))
			}
			if len(d.labels) == 0 {
				problems = append(problems, fmt.Sprintf("conditional edge '%s' declares no labels", id))
			}
			declared := make(map[Label]bool, len(d.route.Labels))
			for _, l := range d.route.Labels {
				declared[l] = true
				if _, ok := d.labels[l]; !ok {
					problems = append(problems, fmt.Sprintf("conditional edge '%s' has no target for label '%s'", id, l))
				}
			}
			if d.route.Route != nil && len(d.route.Labels) == 0 {
				problems = append(problems, fmt.Sprintf("router of conditional edge '%s' declares no labels", id))
			}
			for _, l := range sortedLabels(d.labels) {
				if l == "" {
					problems = append(problems, fmt.Sprintf("conditional edge '%s' declares an empty label", id))
				}
				if len(declared) > 0 && !declared[l] {
					problems = append(problems, fmt.Sprintf("conditional edge '%s' maps label '%s' its router never returns", id, l))
				}
				if !isTarget(d.labels[l]) {
					problems = append(problems, fmt.Sprintf("conditional edge '%s' label '%s' routes to unknown target '%s'", id, l, d.labels[l]))
				}
			}

		case edgeGated:
			if d.gate == nil {
				problems = append(problems, fmt.Sprintf("gate after '%s' is nil", id))
				continue
			}
			name := d.gate.Name()
			if name == "" {
				problems = append(problems, fmt.Sprintf("gate after '%s' has no name", id))
			} else if prev, dup := gateNames[name]; dup {
				problems = append(problems, fmt.Sprintf("gate '%s' attached after both '%s' and '%s'", name, prev, id))
			} else {
				gateNames[name] = id
			}
			if d.gate.MaxRetries() < 0 {
				problems = append(problems, fmt.Sprintf("gate '%s' has a negative retry budget", name))
			}
			if !known(d.retry) {
				problems = append(problems, fmt.Sprintf("gate '%s' retry target '%s' is not a registered stage", name, d.retry))
			}
			if !isTarget(d.cont) {
				problems = append(problems, fmt.Sprintf("gate '%s' continue target '%s' not found", name, d.cont))
			}
		}
	}

	if len(problems) > 0 {
		return nil, NewBuildError(b.name, problems...)
	}

	if cyclic := b.unguardedCycle(); len(cyclic) > 0 {
		problems = append(problems, fmt.Sprintf("cycle not guarded by a gate retry edge through: %s", joinIDs(cyclic)))
	}
	if unreachable := b.unreachable(); len(unreachable) > 0 {
		problems = append(problems, fmt.Sprintf("stages unreachable from entry '%s': %s", b.entry, joinIDs(unreachable)))
	}
	if len(problems) > 0 {
		return nil, NewBuildError(b.name, problems...)
	}

	return b.compile(), nil
}

// forward returns the successors of id, excluding gate retry edges.
func (b *Builder) forward(id StageID) []StageID {
	d := b.edges[id][0]
	switch d.kind {
	case edgeConditional:
		out := make([]StageID, 0, len(d.labels))
		for _, l := range sortedLabels(d.labels) {
			out = append(out, d.labels[l])
		}
		return out
	case edgeGated:
		return []StageID{d.cont}
	default:
		return []StageID{d.to}
	}
}

// unguardedCycle runs Kahn's algorithm over the graph without retry edges
// and returns the stages left on a cycle, if any.
func (b *Builder) unguardedCycle() []StageID {
	inDegree := make(map[StageID]int, len(b.order))
	for _, id := range b.order {
		for _, to := range b.forward(id) {
			if to != End {
				inDegree[to]++
			}
		}
	}

	queue := make([]StageID, 0, len(b.order))
	for _, id := range b.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range b.forward(current) {
			if to == End {
				continue
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited == len(b.order) {
		return nil
	}
	var cyclic []StageID
	for _, id := range b.order {
		if inDegree[id] > 0 {
			cyclic = append(cyclic, id)
		}
	}
	return cyclic
}

// unreachable returns stages not reachable from the entry over any edge.
func (b *Builder) unreachable() []StageID {
	seen := map[StageID]bool{b.entry: true}
	queue := []StageID{b.entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		next := b.forward(current)
		if d := b.edges[current][0]; d.kind == edgeGated {
			next = append(next, d.retry)
		}
		for _, to := range next {
			if to == End || seen[to] {
				continue
			}
			seen[to] = true
			queue = append(queue, to)
		}
	}

	var out []StageID
	for _, id := range b.order {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func (b *Builder) compile() *Graph {
	g := &Graph{
		name:  b.name,
		nodes: make(map[StageID]*node, len(b.order)),
		order: append([]StageID(nil), b.order...),
	}
	for _, id := range b.order {
		g.nodes[id] = &node{id: id, stage: b.stages[id]}
	}
	resolve := func(id StageID) *node {
		if id == End {
			return nil
		}
		return g.nodes[id]
	}

	for _, id := range b.order {
		n := g.nodes[id]
		d := b.edges[id][0]
		n.out.kind = d.kind
		switch d.kind {
		case edgeFixed:
			n.out.next = resolve(d.to)
		case edgeConditional:
			n.out.route = d.route.Route
			n.out.targets = make(map[Label]*node, len(d.labels))
			for l, to := range d.labels {
				n.out.targets[l] = resolve(to)
			}
		case edgeGated:
			n.out.gate = d.gate
			n.out.retry = resolve(d.retry)
			n.out.cont = resolve(d.cont)
			g.gates = append(g.gates, d.gate)
		}
	}
	g.entry = g.nodes[b.entry]
	return g
}

func sortedIDs[V any](m map[StageID]V) []StageID {
	out := make([]StageID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinIDs(ids []StageID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
