package docanalysis

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/graph"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// Stage names as declared in the pipeline files.
const (
	StagePreflight        = "preflight_check"
	StagePDFConverter     = "pdf_converter"
	StageLoader           = "loader"
	StageEntityExtractor  = "entity_extractor"
	StageTargetClassifier = "target_classifier"
	StageRulesLoader      = "rules_loader"
	StageRuleEvaluator    = "rule_compliance_evaluator"
	StageReference        = "reference_classifier"
	StageQuestionnaire    = "questionnaire_processor"
	StageCitations        = "citation_collector"
	StageYAMLPopulator    = "yaml_populator"
)

// Labels returned by DecideToConvert.
const (
	LabelConvert graph.Label = "convert"
	LabelLoad    graph.Label = "load"
)

// DefaultConfidenceThreshold drops classifications below it.
const DefaultConfidenceThreshold = 0.5

// =============================================================================
// INTAKE
// =============================================================================

// Preflight checks the input path and records its extension.
func Preflight(ctx context.Context, v record.View) stage.Outcome {
	path := v.String(KeyDocumentPath)
	if path == "" {
		return stage.Faultf("%s is required", KeyDocumentPath)
	}
	return stage.Success(record.Update{
		KeyFileExtension: strings.ToLower(filepath.Ext(path)),
		"document_name":  filepath.Base(path),
	})
}

// DecideToConvert routes PDFs through conversion and everything else
// straight to the loader.
func DecideToConvert(v record.View) graph.Label {
	if v.String(KeyFileExtension) == ".pdf" {
		return LabelConvert
	}
	return LabelLoad
}

// ConvertPDF renders the input pages to text. The docling method emits page
// anchors; the fallback method only does when extract_page_anchors is set.
func ConvertPDF(ctx context.Context, v record.View) stage.Outcome {
	method := v.String(OverrideConversionMethod)
	if method == "" {
		method = ConversionDocling
	}
	pages := v.Strings(KeyPages)
	if len(pages) == 0 {
		return stage.Faultf("no pages to convert in %s", v.String(KeyDocumentPath))
	}

	var text string
	if method == ConversionFallback && !v.Bool(OverrideExtractPageAnchors) {
		text = strings.Join(pages, "\n")
	} else {
		text = withAnchors(pages)
	}
	return stage.Success(record.Update{
		KeyDocumentText: text,
		KeyConversion: map[string]any{
			"method": method,
			"pages":  len(pages),
			"ocr":    v.Bool(OverrideEnableOCR),
		},
	})
}

// LoadDocument keeps converted text, or builds it from the input pages.
func LoadDocument(ctx context.Context, v record.View) stage.Outcome {
	text := v.String(KeyDocumentText)
	if text == "" {
		if pages := v.Strings(KeyPages); len(pages) > 0 {
			text = withAnchors(pages)
		}
	}
	if strings.TrimSpace(text) == "" {
		return stage.Faultf("document %s is empty", v.String(KeyDocumentPath))
	}
	return stage.Success(record.Update{
		KeyDocumentText:   text,
		"document_length": len(text),
	})
}

// ExtractEntities finds party names such as "Acme Inc".
func ExtractEntities(ctx context.Context, v record.View) stage.Outcome {
	parties := extractParties(v.String(KeyDocumentText))
	entities := make([]any, len(parties))
	for i, p := range parties {
		entities[i] = p
	}
	return stage.Success(record.Update{KeyEntities: entities})
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// ClassifySentences labels every sentence on the stage's batch pool.
// Classifications under the confidence threshold become no-class.
func ClassifySentences(ctx context.Context, v record.View) stage.Outcome {
	threshold := DefaultConfidenceThreshold
	if t := v.Float(OverrideConfidenceThreshold); t > 0 {
		threshold = t
	}
	opts := stage.BatchFrom(ctx)
	if n := v.Int(OverrideBatchSize); n > 0 {
		opts.BatchSize = n
	}

	sentences := splitSentences(v.String(KeyDocumentText))
	indexed := make([]int, len(sentences))
	for i := range indexed {
		indexed[i] = i
	}

	results := stage.RunBatch(ctx, indexed, opts, func(ctx context.Context, i int) (map[string]any, error) {
		s := sentences[i]
		classes, confidence := classify(s.Text)
		if confidence < threshold {
			classes, confidence = []string{NoClass}, 0
		}
		tags := make([]any, len(classes))
		for j, c := range classes {
			tags[j] = c
		}
		return map[string]any{
			"index":      i,
			"text":       s.Text,
			"page":       s.Page,
			"classes":    tags,
			"confidence": confidence,
		}, nil
	})
	if err := ctx.Err(); err != nil {
		return stage.Fault(err)
	}

	values, failed := stage.Values(results)
	classified := make([]any, len(values))
	for i, m := range values {
		classified[i] = m
	}
	return stage.Success(record.Update{
		KeyClassified:              classified,
		"classification_threshold": threshold,
		"classification_failures":  len(failed),
	})
}

// SummarizeReference builds a class histogram for the reference document.
// Runs without a reference document skip the stage.
func SummarizeReference(ctx context.Context, v record.View) stage.Outcome {
	path := v.String(KeyReferencePath)
	if path == "" {
		return stage.Skip("no reference document")
	}
	counts := make(map[string]any)
	for _, s := range listOf(v, KeyClassified) {
		for _, c := range strs(s, "classes") {
			if c == NoClass {
				continue
			}
			n, _ := counts[c].(int)
			counts[c] = n + 1
		}
	}
	return stage.Success(record.Update{
		KeyReferenceSummary: map[string]any{"path": path, "classes": counts},
	})
}

// =============================================================================
// RULES
// =============================================================================

// DefaultRules are evaluated when the record names none.
var DefaultRules = []string{
	"governing_law",
	"dispute_resolution",
	"termination_notice",
	"confidentiality_term",
	"liability_cap",
	"indemnification_mutual",
	"assignment_consent",
	"payment_terms",
}

// LoadRules resolves the rule set for the run.
func LoadRules(ctx context.Context, v record.View) stage.Outcome {
	rules := v.Strings(KeyRules)
	if len(rules) == 0 {
		rules = DefaultRules
	}
	list := make([]any, len(rules))
	for i, r := range rules {
		list[i] = r
	}
	return stage.Success(record.Update{KeyRules: list})
}

// EvaluateRules gathers evidence for each rule from sentences mentioning one
// of the rule's words. In enhanced mode rules without evidence are marked
// for review instead of left unevaluated.
func EvaluateRules(ctx context.Context, v record.View) stage.Outcome {
	sentences := splitSentences(v.String(KeyDocumentText))
	enhanced := v.String(OverrideRuleMode) == "enhanced"
	limit := 1
	if n := v.Int(OverrideEvidenceWindow); n > limit {
		limit = n
	}

	results := make(map[string]any)
	for _, rule := range v.Strings(KeyRules) {
		var evidence []any
		for _, s := range sentences {
			if len(evidence) == limit {
				break
			}
			if mentionsRule(s.Text, rule) {
				evidence = append(evidence, "satisfies "+rule+": "+truncate(s.Text, 160))
			}
		}
		status := "compliant"
		switch {
		case len(evidence) > 0:
		case enhanced:
			status = "requires_review"
			evidence = []any{"no clause matched " + rule}
		default:
			status = "not_evaluated"
		}
		if evidence == nil {
			evidence = []any{}
		}
		results[rule] = map[string]any{"status": status, "evidence": evidence}
	}
	return stage.Success(record.Update{KeyRuleResults: results})
}

func mentionsRule(text, rule string) bool {
	lower := strings.ToLower(text)
	for _, word := range strings.Split(rule, "_") {
		if len(word) > 3 && strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// =============================================================================
// QUESTIONNAIRE
// =============================================================================

// Question is one questionnaire entry. Class names the sentence class that
// answers it; deterministic questions are filled from metadata.
type Question struct {
	ID            string
	Section       string
	Class         string
	Risk          bool
	Deterministic bool
}

// DefaultQuestionnaire is the contract evaluation questionnaire.
var DefaultQuestionnaire = []Question{
	{ID: "contract_start_date", Section: "parties", Deterministic: true},
	{ID: "target_company_name", Section: "parties", Deterministic: true},
	{ID: "counterparty_name", Section: "parties", Deterministic: true},
	{ID: "governing_law", Section: "terms", Class: "governing_law"},
	{ID: "term", Section: "terms", Class: "term"},
	{ID: "termination", Section: "terms", Class: "termination"},
	{ID: "payment_terms", Section: "terms", Class: "payment"},
	{ID: "confidentiality", Section: "terms", Class: "confidentiality"},
	{ID: "limitation_of_liability", Section: "risk", Class: "liability", Risk: true},
	{ID: "indemnity", Section: "risk", Class: "indemnity", Risk: true},
	{ID: "ip_rights", Section: "risk", Class: "ip_rights", Risk: true},
	{ID: "assignment_coc", Section: "risk", Class: "assignment", Risk: true},
	{ID: "exclusivity_non_competes", Section: "risk", Class: "exclusivity", Risk: true},
	{ID: "forced_pricing_adjustments", Section: "risk", Class: "pricing", Risk: true},
}

// NotSpecified is the answer given when nothing in the document answers a
// question.
const NotSpecified = "Not specified"

// AnswerQuestionnaire answers each question from the first sentence carrying
// its class. With retrieval fallback enabled, unanswered questions are
// matched against all sentences regardless of the classification threshold.
func AnswerQuestionnaire(ctx context.Context, v record.View) stage.Outcome {
	classified := listOf(v, KeyClassified)
	entities := v.Strings(KeyEntities)
	fallback := v.Bool(OverrideQuestionnaireFallbk)
	text := v.String(KeyDocumentText)

	sections := make(map[string][]any)
	for _, q := range DefaultQuestionnaire {
		answer := map[string]any{"id": q.ID, "answer": NotSpecified, "confidence": 0.0, "citations": []any{}}

		switch {
		case q.Deterministic:
			if value := deterministicValue(q.ID, text, entities); value != "" {
				answer["answer"] = value
				answer["confidence"] = 0.9
				if idx := sentenceContaining(classified, value); idx >= 0 {
					answer["citations"] = []any{citationID(idx)}
				}
			}
		default:
			if s := firstWithClass(classified, q.Class); s != nil {
				answer["answer"] = truncate(str(s, "text"), 200)
				answer["confidence"] = num(s, "confidence")
				answer["citations"] = []any{citationID(int(num(s, "index")))}
			} else if fallback {
				if idx, s := fallbackMatch(text, q.Class); idx >= 0 {
					answer["answer"] = truncate(s, 200)
					answer["confidence"] = 0.55
					answer["citations"] = []any{citationID(idx)}
				}
			}
		}

		if q.Risk && !isUnanswered(str(answer, "answer")) {
			answer["risk_assessment"] = assessRisk(str(answer, "answer"))
		}
		sections[q.Section] = append(sections[q.Section], answer)
	}

	responses := make(map[string]any, len(sections))
	for name, questions := range sections {
		responses[name] = map[string]any{"questions": questions}
	}
	return stage.Success(record.Update{KeyResponses: responses})
}

func deterministicValue(id, text string, entities []string) string {
	switch id {
	case "contract_start_date":
		return datePattern.FindString(text)
	case "target_company_name":
		if len(entities) > 0 {
			return entities[0]
		}
	case "counterparty_name":
		if len(entities) > 1 {
			return entities[1]
		}
	}
	return ""
}

func firstWithClass(classified []map[string]any, class string) map[string]any {
	for _, s := range classified {
		if hasClass(strs(s, "classes"), class) {
			return s
		}
	}
	return nil
}

func sentenceContaining(classified []map[string]any, value string) int {
	for _, s := range classified {
		if strings.Contains(str(s, "text"), value) {
			return int(num(s, "index"))
		}
	}
	return -1
}

func fallbackMatch(text, class string) (int, string) {
	for i, s := range splitSentences(text) {
		classes, _ := classify(s.Text)
		if hasClass(classes, class) {
			return i, s.Text
		}
	}
	return -1, ""
}

func assessRisk(answer string) string {
	lower := strings.ToLower(answer)
	for _, flag := range []string{"unlimited", "sole discretion", "perpetual", "exclusive"} {
		if strings.Contains(lower, flag) {
			return "high"
		}
	}
	return "standard"
}

func citationID(index int) string {
	return fmt.Sprintf("c-%d", index)
}

// =============================================================================
// CITATIONS AND OUTPUT
// =============================================================================

// CollectCitations indexes the sentences cited by questionnaire answers.
func CollectCitations(ctx context.Context, v record.View) stage.Outcome {
	bySentence := make(map[string]map[string]any)
	for _, s := range listOf(v, KeyClassified) {
		bySentence[citationID(int(num(s, "index")))] = s
	}

	index := make(map[string]any)
	for _, q := range responseQuestions(v) {
		for _, id := range strs(q, "citations") {
			s, ok := bySentence[id]
			if !ok {
				continue
			}
			page := int(num(s, "page"))
			location := "unknown location"
			if page > 0 {
				location = fmt.Sprintf("[[page=%d]]", page)
			}
			index[id] = map[string]any{
				"location":    location,
				"page_number": page,
				"source_text": truncate(str(s, "text"), 160),
			}
		}
	}
	return stage.Success(record.Update{KeyCitationIndex: index})
}

// responseQuestions flattens the questionnaire responses, sections in name
// order.
func responseQuestions(v record.View) []map[string]any {
	responses := v.Map(KeyResponses)
	names := make([]string, 0, len(responses))
	for name := range responses {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []map[string]any
	for _, name := range names {
		section, _ := responses[name].(map[string]any)
		for _, q := range maps(section["questions"]) {
			q["section"] = name
			out = append(out, q)
		}
	}
	return out
}

type populatedAnswer struct {
	Answer     string   `yaml:"answer"`
	Confidence float64  `yaml:"confidence"`
	Risk       string   `yaml:"risk,omitempty"`
	Citations  []string `yaml:"citations,omitempty"`
}

type populatedQuestionnaire struct {
	Document     string                                `yaml:"document"`
	Entities     []string                              `yaml:"entities,omitempty"`
	Sections     map[string]map[string]populatedAnswer `yaml:"sections"`
	ReviewIssues []string                              `yaml:"review_issues,omitempty"`
}

// PopulateYAML renders the answered questionnaire as YAML.
func PopulateYAML(ctx context.Context, v record.View) stage.Outcome {
	out := populatedQuestionnaire{
		Document: v.String(KeyDocumentPath),
		Entities: v.Strings(KeyEntities),
		Sections: make(map[string]map[string]populatedAnswer),
	}
	for _, q := range responseQuestions(v) {
		section := str(q, "section")
		if out.Sections[section] == nil {
			out.Sections[section] = make(map[string]populatedAnswer)
		}
		out.Sections[section][str(q, "id")] = populatedAnswer{
			Answer:     str(q, "answer"),
			Confidence: num(q, "confidence"),
			Risk:       str(q, "risk_assessment"),
			Citations:  strs(q, "citations"),
		}
	}
	for _, gateName := range []string{GateQuestionnaire, GateCitation} {
		if snap, ok := v.Validation(gateName); ok && !snap.Valid {
			out.ReviewIssues = append(out.ReviewIssues, snap.Issues...)
		}
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return stage.Fault(fmt.Errorf("render questionnaire: %w", err))
	}
	return stage.Success(record.Update{KeyQuestionnaireYAML: string(data)})
}
