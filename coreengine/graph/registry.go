package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// GateFactory builds a gate from its resolved settings.
type GateFactory func(settings config.GateSettings) gate.Gate

// Registry maps the names used in pipeline files to code. Names are resolved
// once, when the graph is built.
type Registry struct {
	stages  map[string]stage.Func
	routers map[string]Router
	gates   map[string]GateFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages:  make(map[string]stage.Func),
		routers: make(map[string]Router),
		gates:   make(map[string]GateFactory),
	}
}

func (r *Registry) RegisterStage(name string, fn stage.Func) *Registry {
	r.stages[name] = fn
	return r
}

// RegisterRouter registers fn under name. labels lists every label fn can
// return; pipeline files must map exactly these.
func (r *Registry) RegisterRouter(name string, fn RouteFunc, labels ...Label) *Registry {
	r.routers[name] = NewRouter(fn, labels...)
	return r
}

func (r *Registry) RegisterGate(name string, factory GateFactory) *Registry {
	r.gates[name] = factory
	return r
}

// RegisterEvaluator registers a gate built with gate.New around eval.
func (r *Registry) RegisterEvaluator(name string, eval gate.Evaluator) *Registry {
	return r.RegisterGate(name, func(settings config.GateSettings) gate.Gate {
		return gate.New(settings, eval)
	})
}

// StageNames lists registered stage functions, sorted.
func (r *Registry) StageNames() []string {
	out := make([]string, 0, len(r.stages))
	for name := range r.stages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FromPipelineFile builds a graph from a declarative pipeline file.
//
// Gate settings are read from the environment through lookup and then
// overridden by the enabled/max_retries fields of the file.
func FromPipelineFile(pf *config.PipelineFile, reg *Registry, lookup config.LookupFunc) (*Graph, error) {
	if err := pf.Validate(); err != nil {
		return nil, NewBuildError(pf.Name, err.Error())
	}

	var problems []string
	b := NewBuilder(pf.Name).SetEntry(StageID(pf.Entry))

	for _, decl := range pf.Stages {
		fn, ok := reg.stages[decl.FuncName()]
		if !ok {
			problems = append(problems, fmt.Sprintf("stage '%s' uses unregistered function '%s'", decl.Name, decl.FuncName()))
			continue
		}
		policy, err := stage.ParseFaultPolicy(decl.FaultPolicy)
		if err != nil {
			problems = append(problems, fmt.Sprintf("stage '%s': %v", decl.Name, err))
			continue
		}
		opts := []stage.Option{stage.WithPolicy(policy)}
		if decl.TimeoutSeconds > 0 {
			opts = append(opts, stage.WithTimeout(time.Duration(decl.TimeoutSeconds)*time.Second))
		}
		if decl.Batch != nil {
			opts = append(opts, stage.WithBatch(stage.BatchOptions{Workers: decl.Batch.Workers, BatchSize: decl.Batch.BatchSize}))
		}
		b.AddStage(stage.New(decl.Name, fn, opts...))
	}

	for _, e := range pf.Edges {
		b.AddEdge(StageID(e.From), StageID(e.To))
	}

	for _, c := range pf.Conditional {
		route, ok := reg.routers[c.Router]
		if !ok {
			problems = append(problems, fmt.Sprintf("conditional edge '%s' uses unregistered router '%s'", c.From, c.Router))
			continue
		}
		labels := make(map[Label]StageID, len(c.Labels))
		for l, to := range c.Labels {
			labels[Label(l)] = StageID(to)
		}
		b.AddConditionalEdge(StageID(c.From), route, labels)
	}

	for _, gs := range pf.Gates {
		factory, ok := reg.gates[gs.Gate]
		if !ok {
			problems = append(problems, fmt.Sprintf("gate '%s' is not registered", gs.Gate))
			continue
		}
		settings, err := config.LoadGateSettings(gs.Gate, lookup)
		if err != nil {
			problems = append(problems, fmt.Sprintf("gate '%s': %v", gs.Gate, err))
			continue
		}
		settings = settings.Override(gs.Enabled, gs.MaxRetries)
		b.AddGate(StageID(gs.After), factory(settings), StageID(gs.Retry), StageID(gs.Continue))
	}

	if len(problems) > 0 {
		return nil, NewBuildError(pf.Name, problems...)
	}
	return b.Build()
}
