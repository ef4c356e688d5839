package docanalysis

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func run(t *testing.T, opts Options, seed map[string]any) (*graph.Result, error) {
	t.Helper()
	g, err := Build(opts)
	require.NoError(t, err)
	return graph.NewExecutor(g).Run(context.Background(), record.New(seed))
}

var shortPages = []string{
	"Acme Inc and Globex Corp sign this short agreement.",
	"Either party may terminate it.",
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

func TestSplitSentencesTracksPages(t *testing.T) {
	got := splitSentences(withAnchors([]string{"First one. Second one.", "Third one."}))
	assert.Equal(t, []sentence{
		{Text: "First one", Page: 1},
		{Text: "Second one", Page: 1},
		{Text: "Third one", Page: 2},
	}, got)

	assert.Equal(t, []sentence{{Text: "No anchors here", Page: 0}}, splitSentences("No anchors here"))
	assert.Empty(t, splitSentences("  \n\n "))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text    string
		classes []string
	}{
		{"Either party may terminate this Agreement.", []string{"termination"}},
		{"The governing law is New York.", []string{"governing_law"}},
		{"Liability is capped at the fees paid.", []string{"liability", "payment"}},
		{"The weather was pleasant.", []string{NoClass}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			classes, conf := classify(tt.text)
			assert.Equal(t, tt.classes, classes)
			if tt.classes[0] == NoClass {
				assert.Zero(t, conf)
			} else {
				assert.GreaterOrEqual(t, conf, 0.65)
			}
		})
	}
}

func TestExtractParties(t *testing.T) {
	text := "Agreement between Acme Inc and Globex Corp. Acme Inc shall pay."
	assert.Equal(t, []string{"Acme Inc", "Globex Corp"}, extractParties(text))
	assert.Empty(t, extractParties("no parties here"))
}

func TestDecideToConvert(t *testing.T) {
	tests := []struct {
		ext  string
		want graph.Label
	}{
		{".pdf", LabelConvert},
		{".txt", LabelLoad},
		{".docx", LabelLoad},
		{"", LabelLoad},
	}
	for _, tt := range tests {
		rec := record.New(map[string]any{KeyFileExtension: tt.ext})
		assert.Equal(t, tt.want, DecideToConvert(rec), tt.ext)
	}
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestBuildVariants(t *testing.T) {
	plain, err := Build(Options{})
	require.NoError(t, err)
	assert.Equal(t, PipelineName, plain.Name())
	_, hasRules := plain.Gate(GateRuleCompliance)
	assert.False(t, hasRules)

	rules, err := Build(Options{RulesMode: true})
	require.NoError(t, err)
	assert.Equal(t, RulesPipelineName, rules.Name())
	for _, name := range []string{GatePDF, GateClassification, GateRuleCompliance, GateQuestionnaire, GateCitation} {
		_, ok := rules.Gate(name)
		assert.True(t, ok, name)
	}

	all, err := BuildAll(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOptionsFromEnv(t *testing.T) {
	assert.True(t, OptionsFromEnv(config.MapLookup(map[string]string{RulesModeEnv: "true"})).RulesMode)
	assert.True(t, OptionsFromEnv(config.MapLookup(map[string]string{RulesModeEnv: "1"})).RulesMode)
	assert.False(t, OptionsFromEnv(config.MapLookup(map[string]string{RulesModeEnv: "no"})).RulesMode)
	assert.False(t, OptionsFromEnv(nil).RulesMode)
}

func TestBuildReadsGateSettings(t *testing.T) {
	g, err := Build(Options{Lookup: config.MapLookup(map[string]string{
		"CITATION_CRITIC_MAX_RETRIES": "5",
		"PDF_CRITIC_ENABLED":          "false",
	})})
	require.NoError(t, err)

	citation, ok := g.Gate(GateCitation)
	require.True(t, ok)
	assert.Equal(t, 5, citation.MaxRetries())

	pdf, ok := g.Gate(GatePDF)
	require.True(t, ok)
	assert.False(t, pdf.Enabled())
}

func TestSampleRunIsClean(t *testing.T) {
	for _, rulesMode := range []bool{false, true} {
		name := PipelineName
		if rulesMode {
			name = RulesPipelineName
		}
		t.Run(name, func(t *testing.T) {
			res, err := run(t, Options{RulesMode: rulesMode}, SampleSeed("contract.pdf", SamplePages))
			require.NoError(t, err)
			assert.Equal(t, graph.OutcomeClean, res.Outcome)

			rec := res.Record
			assert.Equal(t, []string{"Acme Inc", "Globex Corp"}, rec.Strings(KeyEntities))
			assert.False(t, rec.ManualReviewRequired())
			assert.Empty(t, rec.AllAttempts())

			summary := graph.Inspect(rec)
			assert.Equal(t, 1, summary.Invocations[StagePDFConverter])
			assert.Equal(t, 1, summary.Invocations[StageYAMLPopulator])
			if rulesMode {
				assert.Equal(t, 1, summary.Invocations[StageRuleEvaluator])
				snap, ok := rec.Validation(GateRuleCompliance)
				require.True(t, ok)
				assert.True(t, snap.Valid)
			} else {
				assert.Zero(t, summary.Invocations[StageRuleEvaluator])
			}
		})
	}
}

func TestSampleRunPopulatesYAML(t *testing.T) {
	res, err := run(t, Options{}, SampleSeed("contract.pdf", SamplePages))
	require.NoError(t, err)

	var out populatedQuestionnaire
	require.NoError(t, yaml.Unmarshal([]byte(res.Record.String(KeyQuestionnaireYAML)), &out))
	assert.Equal(t, "contract.pdf", out.Document)
	assert.Equal(t, "Acme Inc", out.Sections["parties"]["target_company_name"].Answer)
	assert.Equal(t, "Globex Corp", out.Sections["parties"]["counterparty_name"].Answer)
	assert.Equal(t, "2024-03-01", out.Sections["parties"]["contract_start_date"].Answer)
	assert.Contains(t, out.Sections["terms"]["governing_law"].Answer, "governing law")
	assert.Equal(t, "standard", out.Sections["risk"]["limitation_of_liability"].Risk)
	assert.NotEmpty(t, out.Sections["terms"]["termination"].Citations)
	assert.Empty(t, out.ReviewIssues)
}

func TestTextDocumentSkipsConversion(t *testing.T) {
	res, err := run(t, Options{}, SampleSeed("contract.txt", SamplePages))
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeClean, res.Outcome)

	summary := graph.Inspect(res.Record)
	assert.Zero(t, summary.Invocations[StagePDFConverter])
	assert.Equal(t, 1, summary.Invocations[StageLoader])
	assert.Contains(t, res.Record.String(KeyDocumentText), "[[page=1]]")
}

func TestShortPDFRetriesConversion(t *testing.T) {
	res, err := run(t, Options{}, SampleSeed("short.pdf", shortPages))
	require.NoError(t, err)
	assert.Equal(t, graph.OutcomeReviewRequired, res.Outcome)

	rec := res.Record
	assert.Equal(t, config.DefaultGateMaxRetries, rec.Attempts(GatePDF))
	assert.Equal(t, config.DefaultGateMaxRetries+1, graph.Inspect(rec).Invocations[StagePDFConverter])
	assert.True(t, rec.Bool(OverrideEnableOCR))
	assert.True(t, rec.ManualReviewRequired())

	snap, ok := rec.Validation(GatePDF)
	require.True(t, ok)
	assert.False(t, snap.Valid)
	assert.Contains(t, strings.Join(snap.Issues, "\n"), "characters extracted")
}

func TestDisabledGateSkipsRetries(t *testing.T) {
	lookup := config.MapLookup(map[string]string{"PDF_CRITIC_ENABLED": "false"})
	res, err := run(t, Options{Lookup: lookup}, SampleSeed("short.pdf", shortPages))
	require.NoError(t, err)

	assert.Equal(t, 1, graph.Inspect(res.Record).Invocations[StagePDFConverter])
	assert.Zero(t, res.Record.Attempts(GatePDF))
}

func TestMissingPathFailsRun(t *testing.T) {
	res, err := run(t, Options{}, map[string]any{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, graph.OutcomeFailed, res.Outcome)

	errs := res.Record.Errors()
	require.NotEmpty(t, errs)
	assert.Equal(t, StagePreflight, errs[0].Stage)
}

func TestPDFWithoutPagesFails(t *testing.T) {
	res, err := run(t, Options{}, map[string]any{KeyDocumentPath: "empty.pdf"})
	require.Error(t, err)
	assert.Equal(t, graph.OutcomeFailed, res.Outcome)
}

// =============================================================================
// STAGES
// =============================================================================

func TestConvertPDFFallbackOmitsAnchors(t *testing.T) {
	rec := record.New(map[string]any{
		KeyPages:                 []any{"one", "two"},
		OverrideConversionMethod: ConversionFallback,
	})
	out := ConvertPDF(context.Background(), rec)
	require.NoError(t, out.Err())
	assert.NotContains(t, out.Update()[KeyDocumentText], "[[page=")

	rec.Merge(record.Update{OverrideExtractPageAnchors: true})
	out = ConvertPDF(context.Background(), rec)
	assert.Contains(t, out.Update()[KeyDocumentText], "[[page=2]]")
}

func TestEvaluateRulesEnhancedMode(t *testing.T) {
	rec := record.New(map[string]any{
		KeyDocumentText: "The governing law is New York.",
		KeyRules:        []any{"governing_law", "force_majeure"},
	})
	results := EvaluateRules(context.Background(), rec).Update()[KeyRuleResults].(map[string]any)
	assert.Equal(t, "compliant", results["governing_law"].(map[string]any)["status"])
	assert.Equal(t, "not_evaluated", results["force_majeure"].(map[string]any)["status"])

	rec.Merge(record.Update{OverrideRuleMode: "enhanced"})
	results = EvaluateRules(context.Background(), rec).Update()[KeyRuleResults].(map[string]any)
	assert.Equal(t, "requires_review", results["force_majeure"].(map[string]any)["status"])
}

func TestSummarizeReferenceSkipsWithoutDocument(t *testing.T) {
	out := SummarizeReference(context.Background(), record.New(nil))
	assert.Equal(t, "no reference document", out.Reason())
}

// =============================================================================
// GATES
// =============================================================================

func TestPDFConversionGate(t *testing.T) {
	long := withAnchors([]string{strings.Repeat("Substantive contract text. ", 50)})
	tests := []struct {
		name     string
		seed     map[string]any
		valid    bool
		severity gate.Severity
		override string
	}{
		{"empty", map[string]any{}, false, gate.SeverityCritical, OverrideEnableOCR},
		{"short", map[string]any{KeyDocumentText: "[[page=1]]\nshort"}, false, gate.SeverityError, OverrideEnableOCR},
		{"no anchors", map[string]any{KeyDocumentText: strings.Repeat("Text without anchors. ", 60)}, false, gate.SeverityError, OverrideExtractPageAnchors},
		{"converter errors", map[string]any{
			KeyDocumentText: long,
			KeyConversion:   map[string]any{"errors": "table parse failed"},
		}, false, gate.SeverityError, OverrideConversionMethod},
		{"clean", map[string]any{KeyDocumentText: long}, true, gate.SeverityInfo, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := DefaultPDFConversion().Evaluate(record.New(tt.seed))
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.severity, res.Severity)
			if tt.override != "" {
				assert.Contains(t, res.Overrides, tt.override)
			}
		})
	}
}

func TestPDFConversionGateImageRatio(t *testing.T) {
	text := withAnchors([]string{strings.Repeat("<!-- image -->\n", 30) + strings.Repeat("Real words in a sentence. ", 50)})
	res := DefaultPDFConversion().Evaluate(record.New(map[string]any{KeyDocumentText: text}))
	assert.False(t, res.Valid)
	assert.Greater(t, res.Metrics["image_ratio"], 0.5)
}

func sentences(classes ...string) []any {
	out := make([]any, len(classes))
	for i, c := range classes {
		conf := 0.8
		if c == NoClass {
			conf = 0
		}
		out[i] = map[string]any{"index": i, "text": c, "classes": []any{c}, "confidence": conf}
	}
	return out
}

func TestClassificationCoverageGate(t *testing.T) {
	critical := DefaultClassificationCoverage().CriticalTerms

	t.Run("nothing classified", func(t *testing.T) {
		res := DefaultClassificationCoverage().Evaluate(record.New(nil))
		assert.Equal(t, gate.SeverityCritical, res.Severity)
		assert.Equal(t, true, res.Overrides[OverrideRetrievalFallback])
	})

	t.Run("low coverage", func(t *testing.T) {
		classes := append([]string{}, critical...)
		for i := 0; i < 30; i++ {
			classes = append(classes, NoClass)
		}
		res := DefaultClassificationCoverage().Evaluate(record.New(map[string]any{KeyClassified: sentences(classes...)}))
		assert.False(t, res.Valid)
		assert.Equal(t, gate.SeverityError, res.Severity)
		assert.Equal(t, 0.4, res.Overrides[OverrideConfidenceThreshold])
		assert.NotContains(t, res.Overrides, OverrideRetrievalFallback)
	})

	t.Run("very low coverage", func(t *testing.T) {
		classes := []string{"termination"}
		for i := 0; i < 20; i++ {
			classes = append(classes, NoClass)
		}
		res := DefaultClassificationCoverage().Evaluate(record.New(map[string]any{KeyClassified: sentences(classes...)}))
		assert.Equal(t, gate.SeverityCritical, res.Severity)
		assert.Equal(t, true, res.Overrides[OverrideRetrievalFallback])
	})

	t.Run("missing critical terms", func(t *testing.T) {
		res := DefaultClassificationCoverage().Evaluate(record.New(map[string]any{KeyClassified: sentences("termination", "payment")}))
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Issues, "\n"), "Missing 6 critical terms")
	})

	t.Run("complete", func(t *testing.T) {
		res := DefaultClassificationCoverage().Evaluate(record.New(map[string]any{KeyClassified: sentences(critical...)}))
		assert.True(t, res.Valid)
		assert.Equal(t, 1.0, res.Metrics["coverage"])
	})
}

func responses(questions ...map[string]any) map[string]any {
	list := make([]any, len(questions))
	for i, q := range questions {
		list[i] = q
	}
	return map[string]any{"main": map[string]any{"questions": list}}
}

func answered(id, answer string) map[string]any {
	return map[string]any{"id": id, "answer": answer, "confidence": 0.8, "citations": []any{"c-0"}, "risk_assessment": "standard"}
}

func TestQuestionnaireCompletenessGate(t *testing.T) {
	q := DefaultQuestionnaireCompleteness()

	t.Run("no responses", func(t *testing.T) {
		res := q.Evaluate(record.New(nil))
		assert.Equal(t, gate.SeverityCritical, res.Severity)
		assert.False(t, res.Valid)
	})

	t.Run("complete", func(t *testing.T) {
		var qs []map[string]any
		for _, id := range q.RequiredFields {
			qs = append(qs, answered(id, "A long and specific answer for "+id))
		}
		res := q.Evaluate(record.New(map[string]any{KeyResponses: responses(qs...)}))
		assert.True(t, res.Valid, res.Issues)
		assert.Zero(t, res.Metrics["not_specified_ratio"])
	})

	t.Run("mostly unanswered", func(t *testing.T) {
		qs := []map[string]any{answered("governing_law", "The laws of the State of New York")}
		for _, id := range []string{"term", "termination", "indemnity"} {
			qs = append(qs, map[string]any{"id": id, "answer": NotSpecified, "confidence": 0.0, "citations": []any{}})
		}
		res := q.Evaluate(record.New(map[string]any{KeyResponses: responses(qs...)}))
		assert.False(t, res.Valid)
		assert.True(t, res.ShouldRetry)
		assert.InDelta(t, 0.75, res.Metrics["not_specified_ratio"], 1e-9)
		assert.Equal(t, true, res.Overrides[OverrideQuestionnaireFallbk])

		targets, ok := res.Overrides[OverrideQuestionnaireRetry].([]any)
		require.True(t, ok)
		assert.Contains(t, targets, "contract_start_date")
		assert.Contains(t, targets, "term")
		assert.LessOrEqual(t, len(targets), 10)
	})

	t.Run("contradiction", func(t *testing.T) {
		qs := []map[string]any{
			answered("term", "The agreement is perpetual"),
			answered("termination", "Either party may terminate with immediate effect"),
		}
		res := q.Evaluate(record.New(map[string]any{KeyResponses: responses(qs...)}))
		assert.False(t, res.Valid)
		assert.Contains(t, strings.Join(res.Issues, "\n"), "perpetual term vs immediate termination")
		assert.Equal(t, true, res.Overrides[OverrideResolveConflicts])
	})

	t.Run("risk without assessment", func(t *testing.T) {
		qs := []map[string]any{{"id": "indemnity", "answer": "Mutual indemnity for third party claims", "confidence": 0.8, "citations": []any{"c-1"}}}
		res := q.Evaluate(record.New(map[string]any{KeyResponses: responses(qs...)}))
		assert.Contains(t, strings.Join(res.Issues, "\n"), "Risk questions without assessment: indemnity")
	})
}

func TestCitationQualityGate(t *testing.T) {
	anchored := map[string]any{"location": "[[page=1]]", "page_number": 1}
	unknown := map[string]any{"location": "unknown location", "page_number": 0}

	t.Run("clean", func(t *testing.T) {
		rec := record.New(map[string]any{
			KeyResponses:     responses(answered("termination", "Either party may terminate")),
			KeyCitationIndex: map[string]any{"c-0": anchored},
		})
		res := DefaultCitationQuality().Evaluate(rec)
		assert.True(t, res.Valid)
		assert.Empty(t, res.Issues)
	})

	t.Run("unresolved ids", func(t *testing.T) {
		a := answered("termination", "Either party may terminate")
		a["citations"] = []any{"c-7", "c-8"}
		rec := record.New(map[string]any{KeyResponses: responses(a), KeyCitationIndex: map[string]any{}})
		res := DefaultCitationQuality().Evaluate(rec)
		assert.False(t, res.Valid)
		assert.Equal(t, 2.0, res.Metrics["invalid_citations"])
	})

	t.Run("unknown locations", func(t *testing.T) {
		var qs []map[string]any
		index := map[string]any{}
		for i, id := range []string{"term", "termination", "indemnity", "governing_law", "ip_rights"} {
			a := answered(id, "Answer for "+id)
			cid := citationID(i)
			a["citations"] = []any{cid}
			index[cid] = unknown
			qs = append(qs, a)
		}
		rec := record.New(map[string]any{KeyResponses: responses(qs...), KeyCitationIndex: index})
		res := DefaultCitationQuality().Evaluate(rec)
		assert.False(t, res.Valid)
		assert.Equal(t, 5.0, res.Metrics["unknown_locations"])
		assert.Equal(t, true, res.Overrides[OverrideRetrievalFallback])
	})

	t.Run("unanswered questions are ignored", func(t *testing.T) {
		rec := record.New(map[string]any{
			KeyResponses: responses(map[string]any{"id": "term", "answer": NotSpecified, "citations": []any{}}),
		})
		assert.True(t, DefaultCitationQuality().Evaluate(rec).Valid)
	})
}

func ruleResult(status string, evidence ...string) map[string]any {
	list := make([]any, len(evidence))
	for i, e := range evidence {
		list[i] = e
	}
	return map[string]any{"status": status, "evidence": list}
}

func TestRuleComplianceGate(t *testing.T) {
	eval := NewRuleCompliance()

	t.Run("no results", func(t *testing.T) {
		res := eval.Evaluate(record.New(nil))
		assert.True(t, res.Valid)
		assert.Zero(t, res.Metrics["rules_evaluated"])
		assert.InDelta(t, 1.0, res.Metrics[gate.OverallScoreMetric], 1e-9)
	})

	t.Run("critical rules not evaluated", func(t *testing.T) {
		results := map[string]any{}
		for _, id := range CriticalRules {
			results[id] = ruleResult("not_evaluated")
		}
		res := eval.Evaluate(record.New(map[string]any{KeyRuleResults: results}))
		assert.False(t, res.Valid)
		assert.True(t, res.ShouldRetry)
		assert.Equal(t, gate.SeverityError, res.Severity)
		assert.InDelta(t, 0.5, res.Metrics[gate.OverallScoreMetric], 1e-9)

		issues := strings.Join(res.Issues, "\n")
		assert.Contains(t, issues, "6/6 rules were not evaluated")
		assert.Contains(t, issues, "Critical rules not properly evaluated: confidentiality, dispute_resolution, governing_law")

		assert.Equal(t, "enhanced", res.Overrides[OverrideRuleMode])
		assert.Equal(t, true, res.Overrides[OverrideRuleFallback])
		assert.Len(t, res.Overrides[OverrideRetryRules], 6)
	})

	t.Run("all compliant is suspicious", func(t *testing.T) {
		results := map[string]any{}
		for _, id := range DefaultRules {
			results[id] = ruleResult("compliant", "satisfies "+id)
		}
		res := eval.Evaluate(record.New(map[string]any{KeyRuleResults: results}))
		assert.True(t, res.Valid)
		assert.False(t, res.ShouldRetry)
		assert.Equal(t, gate.SeverityWarning, res.Severity)
		assert.Nil(t, res.Overrides)
		assert.Contains(t, res.Issues, "All evaluated rules marked as compliant (suspicious)")
	})

	t.Run("conflicting evidence", func(t *testing.T) {
		results := map[string]any{
			"payment_terms": ruleResult("compliant", "satisfies clause 4", "violates clause 9"),
			"governing_law": ruleResult("compliant", "satisfies clause 12"),
		}
		res := eval.Evaluate(record.New(map[string]any{KeyRuleResults: results}))
		assert.True(t, res.Valid)
		assert.Equal(t, gate.SeverityError, res.Severity)
		assert.InDelta(t, 0.5, res.Metrics["consistency"], 1e-9)
		assert.Contains(t, strings.Join(res.Issues, "\n"), "1 rules have conflicting evidence")
	})

	t.Run("missing evidence expands the search", func(t *testing.T) {
		results := map[string]any{}
		for _, id := range CriticalRules {
			results[id] = ruleResult("compliant")
		}
		res := eval.Evaluate(record.New(map[string]any{KeyRuleResults: results}))
		assert.False(t, res.Valid)
		assert.Equal(t, true, res.Overrides[OverrideExpandEvidence])
		assert.Equal(t, 3, res.Overrides[OverrideEvidenceWindow])
	})
}

func TestConflictingEvidence(t *testing.T) {
	assert.False(t, conflictingEvidence([]any{"satisfies"}))
	assert.False(t, conflictingEvidence([]any{"non-compliant here", "violates there"}))
	assert.True(t, conflictingEvidence([]any{"meets the bar", "fails the bar"}))
}
