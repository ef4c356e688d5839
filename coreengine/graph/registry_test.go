package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

const reviewPipeline = `
name: review
entry: preflight
stages:
  - name: preflight
  - name: convert
    fault_policy: continue
  - name: load
    func: loader
    timeout_seconds: 30
  - name: process
    batch:
      workers: 2
      batch_size: 5
edges:
  - from: load
    to: process
  - from: process
    to: end
conditional:
  - from: preflight
    router: needs_conversion
    labels:
      pdf: convert
      text: load
gates:
  - gate: pdf
    after: convert
    retry: convert
    continue: load
    max_retries: 1
`

func success(ctx context.Context, v record.View) stage.Outcome { return stage.Success(nil) }

func reviewRegistry() *Registry {
	return NewRegistry().
		RegisterStage("preflight", func(ctx context.Context, v record.View) stage.Outcome {
			return stage.Success(record.Update{"is_pdf": true})
		}).
		RegisterStage("convert", success).
		RegisterStage("loader", success).
		RegisterStage("process", func(ctx context.Context, v record.View) stage.Outcome {
			opts := stage.BatchFrom(ctx)
			return stage.Success(record.Update{"workers": opts.Workers, "batch_size": opts.BatchSize})
		}).
		RegisterRouter("needs_conversion", func(v record.View) Label {
			if v.Bool("is_pdf") {
				return "pdf"
			}
			return "text"
		}, "pdf", "text").
		RegisterEvaluator("pdf", gate.EvaluatorFunc(func(record.View) gate.ValidationResult {
			return gate.Fold(gate.Finding{Severity: gate.SeverityCritical, Issue: "no text layer"})
		}))
}

func TestFromPipelineFile(t *testing.T) {
	pf, err := config.ParsePipelineFile([]byte(reviewPipeline))
	require.NoError(t, err)

	g, err := FromPipelineFile(pf, reviewRegistry(), config.MapLookup(map[string]string{
		"PDF_CRITIC_MAX_RETRIES": "4",
	}))
	require.NoError(t, err)

	pdf, ok := g.Gate("pdf")
	require.True(t, ok)
	assert.Equal(t, 1, pdf.MaxRetries(), "file overrides the environment")
	assert.True(t, pdf.Enabled())

	convert, _ := g.Stage("convert")
	assert.Equal(t, stage.FaultPolicyContinue, convert.Policy)
	load, _ := g.Stage("load")
	assert.Equal(t, 30*time.Second, load.Timeout)

	rec := record.New(nil)
	res, err := NewExecutor(g).Run(context.Background(), rec)
	require.NoError(t, err)

	var stages []string
	for _, h := range rec.History() {
		stages = append(stages, h.Stage)
	}
	assert.Equal(t, []string{"preflight", "convert", "convert", "load", "process"}, stages)
	assert.Equal(t, OutcomeReviewRequired, res.Outcome)
	assert.Equal(t, 2, rec.Int("workers"))
	assert.Equal(t, 5, rec.Int("batch_size"))
}

func TestFromPipelineFileEnvironment(t *testing.T) {
	pf, err := config.ParsePipelineFile([]byte(reviewPipeline))
	require.NoError(t, err)
	pf.Gates[0].MaxRetries = nil

	g, err := FromPipelineFile(pf, reviewRegistry(), config.MapLookup(map[string]string{
		"PDF_CRITIC_ENABLED":     "false",
		"PDF_CRITIC_MAX_RETRIES": "4",
	}))
	require.NoError(t, err)

	pdf, _ := g.Gate("pdf")
	assert.False(t, pdf.Enabled())
	assert.Equal(t, 4, pdf.MaxRetries())
}

func TestFromPipelineFileMissingRegistrations(t *testing.T) {
	pf, err := config.ParsePipelineFile([]byte(reviewPipeline))
	require.NoError(t, err)

	_, err = FromPipelineFile(pf, NewRegistry().RegisterStage("preflight", success), nil)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "unregistered function 'loader'")
	assert.Contains(t, err.Error(), "unregistered router 'needs_conversion'")
	assert.Contains(t, err.Error(), "gate 'pdf' is not registered")
}

func TestFromPipelineFileBadGateEnv(t *testing.T) {
	pf, err := config.ParsePipelineFile([]byte(reviewPipeline))
	require.NoError(t, err)

	_, err = FromPipelineFile(pf, reviewRegistry(), config.MapLookup(map[string]string{
		"PDF_CRITIC_MAX_RETRIES": "-2",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PDF_CRITIC_MAX_RETRIES")
}

func TestRegistryStageNames(t *testing.T) {
	assert.Equal(t, []string{"convert", "loader", "preflight", "process"}, reviewRegistry().StageNames())
}

func TestFromPipelineFileRejectsUnmappedRouterLabel(t *testing.T) {
	pf, err := config.ParsePipelineFile([]byte(`
name: typo
entry: a
stages:
  - name: a
  - name: b
conditional:
  - from: a
    router: pick
    labels:
      loadx: b
edges:
  - { from: b, to: end }
`))
	require.NoError(t, err)

	reg := NewRegistry().
		RegisterStage("a", success).
		RegisterStage("b", success).
		RegisterRouter("pick", func(record.View) Label { return "load" }, "load")

	_, err = FromPipelineFile(pf, reg, nil)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, err.Error(), "has no target for label 'load'")
	assert.Contains(t, err.Error(), "maps label 'loadx' its router never returns")
}
