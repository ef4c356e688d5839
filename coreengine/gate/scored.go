package gate

import (
	"sort"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// Default thresholds on the weighted quality score.
const (
	DefaultValidAt       = 0.6
	DefaultRetryBelow    = 0.5
	DefaultCriticalBelow = 0.4
)

// OverallScoreMetric is the metric key holding the weighted score.
const OverallScoreMetric = "quality_score"

// Scorecard is what a scoring function observed on the record.
type Scorecard struct {
	// Scores holds sub-scores in [0, 1] keyed like the evaluator's weights.
	Scores   map[string]float64
	Findings []Finding
	Metrics  map[string]float64
	// RetryOverrides are applied only when the score forces a retry.
	RetryOverrides map[string]any
}

// ScoreFunc inspects the record. ok=false means there is nothing to judge
// and the evaluation passes.
type ScoreFunc func(view record.View) (card Scorecard, ok bool)

// ScoredEvaluator derives validity, severity and retry from a weighted
// average of sub-scores:
//
//	score <  ValidAt        invalid, severity at least error
//	score <  RetryBelow     retry requested
//	score <  CriticalBelow  severity critical
//
// Findings contribute issues, recommendations and their own severity.
type ScoredEvaluator struct {
	Weights       map[string]float64
	ValidAt       float64
	RetryBelow    float64
	CriticalBelow float64
	Score         ScoreFunc
}

// NewScoredEvaluator uses the default thresholds.
func NewScoredEvaluator(weights map[string]float64, score ScoreFunc) *ScoredEvaluator {
	return &ScoredEvaluator{
		Weights:       weights,
		ValidAt:       DefaultValidAt,
		RetryBelow:    DefaultRetryBelow,
		CriticalBelow: DefaultCriticalBelow,
		Score:         score,
	}
}

// Evaluate implements Evaluator.
func (e *ScoredEvaluator) Evaluate(view record.View) ValidationResult {
	if e.Score == nil {
		return Pass()
	}
	card, ok := e.Score(view)
	if !ok {
		return Pass()
	}

	score := e.Weighted(card.Scores)
	folded := Fold(card.Findings...)

	res := ValidationResult{
		Valid:           score >= e.ValidAt,
		Severity:        folded.Severity,
		Issues:          folded.Issues,
		Recommendations: folded.Recommendations,
		Metrics:         make(map[string]float64, len(card.Metrics)+len(card.Scores)+1),
		ShouldRetry:     score < e.RetryBelow,
	}
	for k, v := range card.Metrics {
		res.Metrics[k] = v
	}
	for k, v := range card.Scores {
		res.Metrics[k] = clamp01(v)
	}
	res.Metrics[OverallScoreMetric] = score

	switch {
	case score < e.CriticalBelow:
		res.Severity = SeverityCritical
	case score < e.ValidAt:
		res.Severity = MaxSeverity(res.Severity, SeverityError)
	}

	if res.ShouldRetry {
		res.Overrides = make(map[string]any, len(folded.Overrides)+len(card.RetryOverrides))
		for k, v := range folded.Overrides {
			res.Overrides[k] = v
		}
		for k, v := range card.RetryOverrides {
			res.Overrides[k] = v
		}
	}
	return res
}

// Weighted returns the weighted average of scores over the configured
// weights. A missing sub-score counts as 0; scores are clamped to [0, 1].
func (e *ScoredEvaluator) Weighted(scores map[string]float64) float64 {
	names := make([]string, 0, len(e.Weights))
	for name := range e.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var total, weights float64
	for _, name := range names {
		w := e.Weights[name]
		if w <= 0 {
			continue
		}
		total += w * clamp01(scores[name])
		weights += w
	}
	if weights == 0 {
		return 1
	}
	return total / weights
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
