// Package docanalysis is the contract analysis pipeline: preflight, PDF
// conversion or loading, entity extraction, sentence classification, an
// optional rule compliance pass, the questionnaire and its citations, and
// the YAML export.
//
// Stages here are deterministic stand-ins built from keyword matching. The
// gates carry the real quality rules and decide when a stage is retried and
// with which overrides.
package docanalysis

import (
	"embed"
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
)

// Pipeline names.
const (
	PipelineName      = "docanalysis"
	RulesPipelineName = "docanalysis_rules"
)

// RulesModeEnv enables the rule compliance variant.
const RulesModeEnv = "RULES_MODE_ENABLED"

// RouterDecideToConvert is the registry name of DecideToConvert.
const RouterDecideToConvert = "decide_to_convert"

//go:embed pipelines/*.yaml
var pipelineFiles embed.FS

// Options selects the pipeline variant and where gate settings come from.
type Options struct {
	RulesMode bool
	// Lookup resolves gate settings; nil uses the defaults.
	Lookup config.LookupFunc
}

// OptionsFromEnv reads RULES_MODE_ENABLED through lookup.
func OptionsFromEnv(lookup config.LookupFunc) Options {
	opts := Options{Lookup: lookup}
	if lookup != nil {
		if v, ok := lookup(RulesModeEnv); ok {
			v = strings.ToLower(strings.TrimSpace(v))
			opts.RulesMode = v == "true" || v == "1"
		}
	}
	return opts
}

// Registry binds every stage, router and gate name used by the pipeline
// files.
func Registry() *graph.Registry {
	return graph.NewRegistry().
		RegisterStage(StagePreflight, Preflight).
		RegisterStage(StagePDFConverter, ConvertPDF).
		RegisterStage(StageLoader, LoadDocument).
		RegisterStage(StageEntityExtractor, ExtractEntities).
		RegisterStage(StageTargetClassifier, ClassifySentences).
		RegisterStage(StageRulesLoader, LoadRules).
		RegisterStage(StageRuleEvaluator, EvaluateRules).
		RegisterStage(StageReference, SummarizeReference).
		RegisterStage(StageQuestionnaire, AnswerQuestionnaire).
		RegisterStage(StageCitations, CollectCitations).
		RegisterStage(StageYAMLPopulator, PopulateYAML).
		RegisterRouter(RouterDecideToConvert, DecideToConvert, LabelConvert, LabelLoad).
		RegisterEvaluator(GatePDF, DefaultPDFConversion()).
		RegisterEvaluator(GateClassification, DefaultClassificationCoverage()).
		RegisterEvaluator(GateRuleCompliance, NewRuleCompliance()).
		RegisterEvaluator(GateQuestionnaire, DefaultQuestionnaireCompleteness()).
		RegisterEvaluator(GateCitation, DefaultCitationQuality())
}

// PipelineFile returns the embedded declaration of the selected variant.
func PipelineFile(rulesMode bool) (*config.PipelineFile, error) {
	name := PipelineName
	if rulesMode {
		name = RulesPipelineName
	}
	data, err := pipelineFiles.ReadFile("pipelines/" + name + ".yaml")
	if err != nil {
		return nil, err
	}
	return config.ParsePipelineFile(data)
}

// Build compiles the selected variant.
func Build(opts Options) (*graph.Graph, error) {
	pf, err := PipelineFile(opts.RulesMode)
	if err != nil {
		return nil, err
	}
	return graph.FromPipelineFile(pf, Registry(), opts.Lookup)
}

// BuildAll compiles both variants, for servers that offer either.
func BuildAll(lookup config.LookupFunc) ([]*graph.Graph, error) {
	var out []*graph.Graph
	for _, rules := range []bool{false, true} {
		g, err := Build(Options{RulesMode: rules, Lookup: lookup})
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
