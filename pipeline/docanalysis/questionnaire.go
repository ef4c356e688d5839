package docanalysis

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// QuestionnaireCompleteness judges the questionnaire answers: unanswered
// ratio, required fields, confidence, contradictions, repeated answers and
// risk questions without an assessment.
type QuestionnaireCompleteness struct {
	MaxNotSpecifiedRatio float64
	MinConfidence        float64
	RequiredFields       []string
	RiskQuestions        []string
}

// DefaultQuestionnaireCompleteness returns the stock thresholds.
func DefaultQuestionnaireCompleteness() *QuestionnaireCompleteness {
	return &QuestionnaireCompleteness{
		MaxNotSpecifiedRatio: 0.4,
		MinConfidence:        0.6,
		RequiredFields: []string{
			"contract_start_date", "target_company_name", "counterparty_name",
			"governing_law", "term", "termination",
		},
		RiskQuestions: []string{
			"limitation_of_liability", "indemnity", "ip_rights",
			"assignment_coc", "exclusivity_non_competes", "forced_pricing_adjustments",
		},
	}
}

// contradictionPairs are questions that should not both be affirmative.
var contradictionPairs = [][2]string{
	{"unlimited_liability", "limitation_of_liability"},
	{"exclusive_agreement", "non_exclusive_agreement"},
	{"perpetual_term", "fixed_term"},
	{"assignment_allowed", "assignment_prohibited"},
}

var affirmativeWords = []string{"yes", "true", "present", "exists", "included"}

type answerInfo struct {
	answer      string
	confidence  float64
	hasRisk     bool
	hasCitation bool
}

func (q *QuestionnaireCompleteness) Evaluate(v record.View) gate.ValidationResult {
	questions := responseQuestions(v)
	if len(questions) == 0 {
		return gate.Fold(gate.Finding{
			Severity:       gate.SeverityCritical,
			Issue:          "No questionnaire responses found",
			Recommendation: "Use retrieval fallback for failed questions only",
			Overrides:      map[string]any{OverrideQuestionnaireFallbk: true},
		})
	}

	answers := make(map[string]answerInfo, len(questions))
	order := make([]string, 0, len(questions))
	for _, m := range questions {
		id := str(m, "id")
		if id == "" {
			id = "unknown"
		}
		if _, dup := answers[id]; !dup {
			order = append(order, id)
		}
		answers[id] = answerInfo{
			answer:      fmt.Sprint(m["answer"]),
			confidence:  num(m, "confidence"),
			hasRisk:     str(m, "risk_assessment") != "",
			hasCitation: len(strs(m, "citations")) > 0,
		}
	}
	total := len(order)

	var findings []gate.Finding

	// Completeness.
	notSpecified := 0
	answered := 0
	for _, id := range order {
		a := answers[id]
		switch {
		case isUnanswered(a.answer):
			notSpecified++
		case !isDeterministic(a.answer):
			answered++
		}
	}
	ratio := float64(notSpecified) / float64(total)
	if ratio > q.MaxNotSpecifiedRatio {
		findings = append(findings, gate.Finding{
			Severity:       gate.SeverityError,
			Issue:          fmt.Sprintf("%.1f%% of answers are 'Not specified' (max: %.1f%%)", ratio*100, q.MaxNotSpecifiedRatio*100),
			Recommendation: "Enable retrieval fallback for better coverage",
		})
	}

	// Required fields.
	var missing []string
	for _, id := range q.RequiredFields {
		a, ok := answers[id]
		if !ok || isUnanswered(a.answer) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		findings = append(findings, gate.Finding{
			Severity: gate.SeverityError,
			Issue:    "Required fields missing: " + strings.Join(firstN(missing, 3), ", "),
		})
	}

	// Confidence.
	var confidenceSum float64
	scored, lowConfidence := 0, 0
	for _, id := range order {
		a := answers[id]
		if isDeterministic(a.answer) {
			continue
		}
		scored++
		confidenceSum += a.confidence
		if a.confidence > 0 && a.confidence < q.MinConfidence {
			lowConfidence++
		}
	}
	avgConfidence := 0.0
	if scored > 0 {
		avgConfidence = confidenceSum / float64(scored)
	}
	if avgConfidence < q.MinConfidence {
		findings = append(findings, gate.Finding{
			Severity:       gate.SeverityWarning,
			Issue:          fmt.Sprintf("Average confidence %.2f below minimum %.2f", avgConfidence, q.MinConfidence),
			Recommendation: "Use enhanced prompts or different model",
		})
	}
	if float64(lowConfidence) > float64(total)*0.3 {
		findings = append(findings, gate.Finding{
			Severity: gate.SeverityWarning,
			Issue:    fmt.Sprintf("%d questions have low confidence", lowConfidence),
		})
	}

	// Contradictions.
	contradictions := detectContradictions(answers)
	if len(contradictions) > 0 {
		findings = append(findings, gate.Finding{
			Severity:       gate.SeverityError,
			Issue:          "Contradictions detected: " + strings.Join(firstN(contradictions, 2), "; "),
			Recommendation: "Re-evaluate contradictory questions with context",
			Overrides:      map[string]any{OverrideResolveConflicts: true},
		})
	}

	// Suspicious patterns.
	if patterns := detectPatterns(order, answers); len(patterns) > 0 {
		findings = append(findings, gate.Finding{
			Severity: gate.SeverityWarning,
			Issue:    "Suspicious patterns: " + patterns[0],
		})
	}

	// Risk assessments.
	var noAssessment []string
	for _, id := range q.RiskQuestions {
		a, ok := answers[id]
		if ok && !isUnanswered(a.answer) && !isDeterministic(a.answer) && !a.hasRisk {
			noAssessment = append(noAssessment, id)
		}
	}
	if len(noAssessment) > 0 {
		findings = append(findings, gate.Finding{
			Severity:       gate.SeverityWarning,
			Issue:          "Risk questions without assessment: " + strings.Join(firstN(noAssessment, 3), ", "),
			Recommendation: "Run risk assessment for identified questions",
		})
	}

	retry := q.retryQuestions(order, answers, missing)
	if len(retry) > 0 {
		targets := make([]any, len(retry))
		for i, id := range retry {
			targets[i] = id
		}
		findings = append(findings, gate.Finding{
			Severity:       gate.SeverityInfo,
			Recommendation: fmt.Sprintf("Retry %d specific questions with retrieval fallback", len(retry)),
			Overrides: map[string]any{
				OverrideQuestionnaireFallbk: true,
				OverrideQuestionnaireRetry:  targets,
				OverrideEnhancePrompts:      true,
			},
		})
	}

	res := withMetrics(map[string]float64{
		"total_questions":      float64(total),
		"answered_questions":   float64(answered),
		"not_specified_ratio":  ratio,
		"average_confidence":   avgConfidence,
		"low_confidence_count": float64(lowConfidence),
		"missing_required":     float64(len(missing)),
	}, findings...)
	if ratio > 0.5 {
		res.Severity = gate.MaxSeverity(res.Severity, gate.SeverityError)
		res.Valid = false
		res.ShouldRetry = true
	}
	return res
}

// retryQuestions picks at most ten questions for a targeted retry: missing
// required fields, then very low confidence answers, then answers without
// citations.
func (q *QuestionnaireCompleteness) retryQuestions(order []string, answers map[string]answerInfo, missing []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range missing {
		add(id)
	}
	for _, id := range order {
		if c := answers[id].confidence; c > 0 && c < 0.3 {
			add(id)
		}
	}
	for _, id := range order {
		a := answers[id]
		lower := strings.ToLower(a.answer)
		if !isDeterministic(a.answer) && lower != "not specified" && lower != "not found" && !a.hasCitation {
			add(id)
		}
	}
	return firstN(out, 10)
}

func isDeterministic(answer string) bool {
	return strings.EqualFold(answer, DeterministicAnswer)
}

func detectContradictions(answers map[string]answerInfo) []string {
	affirmative := func(s string) bool {
		s = strings.ToLower(s)
		for _, w := range affirmativeWords {
			if strings.Contains(s, w) {
				return true
			}
		}
		return false
	}

	var out []string
	for _, pair := range contradictionPairs {
		a, okA := answers[pair[0]]
		b, okB := answers[pair[1]]
		if okA && okB && affirmative(a.answer) && affirmative(b.answer) {
			out = append(out, pair[0]+" vs "+pair[1])
		}
	}
	term, okT := answers["term"]
	termination, okN := answers["termination"]
	if okT && okN &&
		strings.Contains(strings.ToLower(term.answer), "perpetual") &&
		strings.Contains(strings.ToLower(termination.answer), "immediate") {
		out = append(out, "perpetual term vs immediate termination")
	}
	return out
}

func detectPatterns(order []string, answers map[string]answerInfo) []string {
	total := len(order)
	groups := make(map[string][]string)
	var groupOrder []string
	short := 0
	for _, id := range order {
		a := answers[id]
		lower := strings.ToLower(a.answer)
		if !isDeterministic(a.answer) && len(a.answer) < 20 {
			short++
		}
		if lower == "" || isDeterministic(a.answer) {
			continue
		}
		if _, ok := groups[lower]; !ok {
			groupOrder = append(groupOrder, lower)
		}
		groups[lower] = append(groups[lower], id)
	}

	var patterns []string
	for _, text := range groupOrder {
		n := len(groups[text])
		if n > 5 && float64(n) > float64(total)*0.3 {
			patterns = append(patterns, fmt.Sprintf("'%s' repeated %d times", truncate(text, 30), n))
		}
	}
	if float64(short) > float64(total)*0.7 {
		patterns = append(patterns, "Majority of answers are very short")
	}
	return patterns
}
