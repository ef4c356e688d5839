package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

var testWeights = map[string]float64{"completeness": 0.5, "coverage": 0.5}

func fixedScores(completeness, coverage float64) ScoreFunc {
	return func(record.View) (Scorecard, bool) {
		return Scorecard{
			Scores:         map[string]float64{"completeness": completeness, "coverage": coverage},
			RetryOverrides: map[string]any{"search_mode": "exhaustive"},
		}, true
	}
}

func TestScoredThresholds(t *testing.T) {
	tests := []struct {
		name      string
		a, b      float64
		valid     bool
		retry     bool
		severity  Severity
		overrides bool
	}{
		{"clean", 1, 1, true, false, SeverityInfo, false},
		{"just valid", 0.6, 0.6, true, false, SeverityInfo, false},
		{"invalid no retry", 0.55, 0.55, false, false, SeverityError, false},
		{"retry", 0.45, 0.45, false, true, SeverityError, true},
		{"critical", 0.2, 0.2, false, true, SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewScoredEvaluator(testWeights, fixedScores(tt.a, tt.b))
			res := e.Evaluate(record.New(nil))
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.retry, res.ShouldRetry)
			assert.Equal(t, tt.severity, res.Severity)
			assert.Equal(t, tt.overrides, res.Overrides != nil)
			assert.InDelta(t, (tt.a+tt.b)/2, res.Metrics[OverallScoreMetric], 1e-9)
		})
	}
}

func TestScoredFindingsContribute(t *testing.T) {
	e := NewScoredEvaluator(testWeights, func(record.View) (Scorecard, bool) {
		return Scorecard{
			Scores: map[string]float64{"completeness": 0.9, "coverage": 0.9},
			Findings: []Finding{
				{Severity: SeverityWarning, Issue: "2 rules lack evidence", Recommendation: "expand evidence search"},
			},
			Metrics: map[string]float64{"total_rules": 10},
		}, true
	})

	res := e.Evaluate(record.New(nil))

	assert.True(t, res.Valid)
	assert.Equal(t, SeverityWarning, res.Severity)
	assert.Equal(t, []string{"2 rules lack evidence"}, res.Issues)
	assert.Equal(t, 10.0, res.Metrics["total_rules"])
	assert.Equal(t, 0.9, res.Metrics["completeness"])
}

func TestScoredNothingToJudge(t *testing.T) {
	e := NewScoredEvaluator(testWeights, func(record.View) (Scorecard, bool) { return Scorecard{}, false })
	assert.Equal(t, Pass(), e.Evaluate(record.New(nil)))
	assert.Equal(t, Pass(), (&ScoredEvaluator{}).Evaluate(record.New(nil)))
}

func TestWeightedMissingAndClamped(t *testing.T) {
	e := NewScoredEvaluator(map[string]float64{"a": 1, "b": 3, "ignored": 0}, nil)
	assert.InDelta(t, 0.25, e.Weighted(map[string]float64{"a": 1}), 1e-9)
	assert.InDelta(t, 1.0, e.Weighted(map[string]float64{"a": 7, "b": 2}), 1e-9)
	assert.Equal(t, 1.0, NewScoredEvaluator(nil, nil).Weighted(nil))
}

func TestScoredSeverityMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 1).Draw(t, "a")
		b := rapid.Float64Range(0, 1).Draw(t, "b")
		res := NewScoredEvaluator(testWeights, fixedScores(a, b)).Evaluate(record.New(nil))
		score := res.Metrics[OverallScoreMetric]

		if score < DefaultCriticalBelow && res.Severity != SeverityCritical {
			t.Fatalf("score %.3f severity %s", score, res.Severity)
		}
		if res.ShouldRetry && res.Valid {
			t.Fatalf("valid result asks for retry at %.3f", score)
		}
		if !res.Valid && res.Severity < SeverityError {
			t.Fatalf("invalid result below error at %.3f", score)
		}
	})
}

func TestScoredGateEndToEnd(t *testing.T) {
	g := New(settings("rule_compliance", true, 2), NewScoredEvaluator(testWeights, fixedScores(0.3, 0.3)))
	rec := record.New(nil)

	res := g.Evaluate(rec)
	require.True(t, g.IsRetryEligible(res, rec.Attempts(g.Name())))
	g.PrepareRetry(rec, res)

	assert.Equal(t, 1, rec.Attempts("rule_compliance"))
	assert.Equal(t, "exhaustive", rec.String("search_mode"))
}
