package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func noop(name string) *stage.Stage {
	return stage.New(name, func(ctx context.Context, v record.View) stage.Outcome {
		return stage.Success(nil)
	})
}

func testGate(name string, maxRetries int) *gate.Base {
	return gate.New(config.GateSettings{Name: name, Enabled: true, MaxRetries: maxRetries}, nil)
}

// constRouter always returns l and declares l plus also.
func constRouter(l Label, also ...Label) Router {
	return NewRouter(func(record.View) Label { return l }, append([]Label{l}, also...)...)
}

// =============================================================================
// BUILD VALIDATION
// =============================================================================

func TestBuildValid(t *testing.T) {
	g, err := NewBuilder("docs").
		AddStage(noop("a")).
		AddStage(noop("b")).
		AddStage(noop("c")).
		AddEdge("a", "b").
		AddGate("b", testGate("quality", 2), "a", "c").
		AddEdge("c", End).
		SetEntry("a").
		Build()

	require.NoError(t, err)
	assert.Equal(t, "docs", g.Name())
	assert.Equal(t, StageID("a"), g.Entry())
	assert.Equal(t, []StageID{"a", "b", "c"}, g.Stages())
	require.Len(t, g.Gates(), 1)
	_, ok := g.Gate("quality")
	assert.True(t, ok)
	_, ok = g.Stage("b")
	assert.True(t, ok)

	assert.Equal(t, []EdgeInfo{
		{From: "a", Kind: "fixed", To: "b"},
		{From: "b", Kind: "gated", Label: LabelRetry, Gate: "quality", To: "a"},
		{From: "b", Kind: "gated", Label: LabelContinue, Gate: "quality", To: "c"},
		{From: "c", Kind: "fixed", To: End},
	}, g.Edges())
}

func TestBuildFaults(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		problem string
	}{
		{
			name:    "entry not set",
			build:   func() *Builder { return NewBuilder("g").AddStage(noop("a")).AddEdge("a", End) },
			problem: "entry stage not set",
		},
		{
			name: "unknown entry",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddEdge("a", End).SetEntry("zz")
			},
			problem: "entry 'zz' is not a registered stage",
		},
		{
			name: "unknown target",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddEdge("a", "nowhere").SetEntry("a")
			},
			problem: "routes to unknown target 'nowhere'",
		},
		{
			name: "edge from unknown stage",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddEdge("a", End).AddEdge("ghost", "a").SetEntry("a")
			},
			problem: "edge from unknown stage 'ghost'",
		},
		{
			name:    "no outgoing edge",
			build:   func() *Builder { return NewBuilder("g").AddStage(noop("a")).SetEntry("a") },
			problem: "stage 'a' has no outgoing edge",
		},
		{
			name: "two outgoing edges",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("b")).
					AddEdge("a", "b").AddEdge("a", End).AddEdge("b", End).SetEntry("a")
			},
			problem: "stage 'a' has 2 outgoing edges",
		},
		{
			name: "conditional without labels",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", constRouter("x"), nil).SetEntry("a")
			},
			problem: "declares no labels",
		},
		{
			name: "conditional without router",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", Router{Labels: []Label{"x"}}, map[Label]StageID{"x": End}).SetEntry("a")
			},
			problem: "has no router",
		},
		{
			name: "conditional label to unknown target",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", constRouter("x", "y"), map[Label]StageID{"x": End, "y": "missing"}).SetEntry("a")
			},
			problem: "label 'y' routes to unknown target 'missing'",
		},
		{
			name: "router label without target",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", constRouter("load", "convert"), map[Label]StageID{"load": End}).SetEntry("a")
			},
			problem: "conditional edge 'a' has no target for label 'convert'",
		},
		{
			name: "mapped label the router never returns",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", constRouter("load"), map[Label]StageID{"load": End, "loadx": End}).SetEntry("a")
			},
			problem: "maps label 'loadx' its router never returns",
		},
		{
			name: "router without declared labels",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddConditionalEdge("a", NewRouter(func(record.View) Label { return "x" }), map[Label]StageID{"x": End}).SetEntry("a")
			},
			problem: "router of conditional edge 'a' declares no labels",
		},
		{
			name: "unguarded fixed cycle",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("b")).
					AddEdge("a", "b").AddEdge("b", "a").SetEntry("a")
			},
			problem: "cycle not guarded by a gate retry edge",
		},
		{
			name: "unguarded conditional back-edge",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("b")).
					AddEdge("a", "b").
					AddConditionalEdge("b", constRouter("done", "again"), map[Label]StageID{"again": "a", "done": End}).
					SetEntry("a")
			},
			problem: "cycle not guarded by a gate retry edge through: a, b",
		},
		{
			name: "self loop",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddEdge("a", "a").SetEntry("a")
			},
			problem: "cycle not guarded",
		},
		{
			name: "unreachable stage",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("orphan")).
					AddEdge("a", End).AddEdge("orphan", End).SetEntry("a")
			},
			problem: "stages unreachable from entry 'a': orphan",
		},
		{
			name: "gate retry to end",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).
					AddGate("a", testGate("q", 1), End, End).SetEntry("a")
			},
			problem: "retry target 'end' is not a registered stage",
		},
		{
			name: "gate used twice",
			build: func() *Builder {
				q := testGate("q", 1)
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("b")).
					AddGate("a", q, "a", "b").AddGate("b", q, "b", End).SetEntry("a")
			},
			problem: "gate 'q' attached after both 'a' and 'b'",
		},
		{
			name: "nil gate",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddGate("a", nil, "a", End).SetEntry("a")
			},
			problem: "gate after 'a' is nil",
		},
		{
			name: "duplicate stage",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("a")).AddEdge("a", End).SetEntry("a")
			},
			problem: "duplicate stage 'a'",
		},
		{
			name: "reserved name",
			build: func() *Builder {
				return NewBuilder("g").AddStage(noop("a")).AddStage(noop("end")).AddEdge("a", End).SetEntry("a")
			},
			problem: "stage name 'end' is reserved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.build().Build()
			require.Error(t, err)
			assert.Nil(t, g)

			var be *BuildError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, "g", be.Graph)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestBuildReportsEveryProblem(t *testing.T) {
	_, err := NewBuilder("g").
		AddStage(noop("a")).
		AddStage(noop("b")).
		AddEdge("a", "x").
		AddEdge("b", "y").
		SetEntry("a").
		Build()

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Len(t, be.Problems, 2)
}

func TestGuardedCycleAccepted(t *testing.T) {
	// The retry edge may jump several stages back.
	_, err := NewBuilder("g").
		AddStage(noop("classify")).
		AddStage(noop("answer")).
		AddStage(noop("cite")).
		AddEdge("classify", "answer").
		AddEdge("answer", "cite").
		AddGate("cite", testGate("citation", 2), "classify", End).
		SetEntry("classify").
		Build()
	assert.NoError(t, err)
}

func TestStageOnlyReachableByRetryEdge(t *testing.T) {
	_, err := NewBuilder("g").
		AddStage(noop("a")).
		AddStage(noop("fixup")).
		AddGate("a", testGate("q", 1), "fixup", End).
		AddEdge("fixup", "a").
		SetEntry("a").
		Build()
	assert.NoError(t, err)
}
