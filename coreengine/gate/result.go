package gate

import (
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// ValidationResult is one gate evaluation. It is produced fresh on every
// evaluation and only survives as a record.ValidationSnapshot.
type ValidationResult struct {
	Valid           bool
	Severity        Severity
	Issues          []string
	Recommendations []string
	Metrics         map[string]float64
	ShouldRetry     bool
	// Overrides are merged into the record when a retry is prepared.
	Overrides map[string]any
}

// Pass is the valid, issue-free result returned by disabled gates.
func Pass() ValidationResult {
	return ValidationResult{Valid: true, Severity: SeverityInfo}
}

// Snapshot converts the result into the form stored on the record.
func (r ValidationResult) Snapshot(attempt int) record.ValidationSnapshot {
	return record.ValidationSnapshot{
		Valid:           r.Valid,
		Severity:        r.Severity.String(),
		Issues:          r.Issues,
		Recommendations: r.Recommendations,
		Metrics:         r.Metrics,
		Attempt:         attempt,
	}
}

// Finding is one distinct problem detected by a gate.
type Finding struct {
	Severity       Severity
	Issue          string
	Recommendation string
	// Retry asks for a retry even when the severity alone would not.
	Retry bool
	// Overrides steer the next attempt, applied in finding order.
	Overrides map[string]any
}

// Fold merges findings into a single result so one evaluation never fires
// competing retry requests.
//
// The folded severity is the maximum of the findings. The result is invalid
// when that severity is error or above, and asks for a retry when invalid or
// when any finding requests one.
func Fold(findings ...Finding) ValidationResult {
	res := Pass()
	for _, f := range findings {
		res.Severity = MaxSeverity(res.Severity, f.Severity)
		if f.Issue != "" {
			res.Issues = append(res.Issues, f.Issue)
		}
		if f.Recommendation != "" {
			res.Recommendations = append(res.Recommendations, f.Recommendation)
		}
		if f.Retry {
			res.ShouldRetry = true
		}
		for k, v := range f.Overrides {
			if res.Overrides == nil {
				res.Overrides = make(map[string]any)
			}
			res.Overrides[k] = v
		}
	}
	res.Valid = res.Severity < SeverityError
	if !res.Valid {
		res.ShouldRetry = true
	}
	return res
}
