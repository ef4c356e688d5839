package docanalysis

import (
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// Record keys read and written by the document analysis stages.
const (
	KeyDocumentPath      = "target_document_path"
	KeyReferencePath     = "reference_document_path"
	KeyFileExtension     = "file_extension"
	KeyPages             = "pages"
	KeyDocumentText      = "document_text"
	KeyConversion        = "conversion_metadata"
	KeyEntities          = "entities"
	KeyClassified        = "classified_sentences"
	KeyReferenceSummary  = "reference_summary"
	KeyRules             = "rules"
	KeyRuleResults       = "rule_compliance_results"
	KeyResponses         = "questionnaire_responses"
	KeyCitationIndex     = "citation_index"
	KeyQuestionnaireYAML = "questionnaire_yaml"
)

// Retry overrides written by the gates and honoured by the stages.
const (
	OverrideConversionMethod    = "conversion_method"
	OverrideExtractPageAnchors  = "extract_page_anchors"
	OverrideEnableOCR           = "enable_ocr"
	OverrideFixEncoding         = "fix_encoding"
	OverrideConfidenceThreshold = "confidence_threshold"
	OverrideEfficientMode       = "use_efficient_mode"
	OverrideBatchSize           = "batch_size"
	OverrideRetrievalFallback   = "enable_retrieval_fallback"
	OverrideQuestionnaireRetry  = "questionnaire_target_questions"
	OverrideQuestionnaireFallbk = "questionnaire_use_retrieval_fallback"
	OverrideEnhancePrompts      = "questionnaire_enhance_prompts"
	OverrideResolveConflicts    = "questionnaire_resolve_contradictions"
	OverrideRuleMode            = "rule_compliance_mode"
	OverrideRetryRules          = "retry_unevaluated_rules"
	OverrideRuleFallback        = "use_retrieval_fallback"
	OverrideExpandEvidence      = "expand_evidence_search"
	OverrideEvidenceWindow      = "evidence_context_window"
)

// Conversion methods.
const (
	ConversionDocling  = "docling"
	ConversionFallback = "fallback"
)

// Answers treated as "no answer". Compared lower-cased.
var unanswered = map[string]bool{
	"not specified": true,
	"not found":     true,
	"unknown":       true,
	"":              true,
	"n/a":           true,
}

// DeterministicAnswer marks questions filled from metadata rather than
// extracted text.
const DeterministicAnswer = "deterministic_field"

func isUnanswered(answer string) bool {
	return unanswered[strings.ToLower(strings.TrimSpace(answer))]
}

// maps returns the elements of a list value that are objects. Stages write
// []any; records decoded from JSON carry the same shape.
func maps(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func listOf(view record.View, key string) []map[string]any {
	v, _ := view.Get(key)
	return maps(v)
}

func str(m map[string]any, key string) string {
	s, _ := record.AsString(m[key])
	return s
}

func num(m map[string]any, key string) float64 {
	f, _ := record.AsFloat(m[key])
	return f
}

func strs(m map[string]any, key string) []string {
	s, _ := record.AsStrings(m[key])
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
