// Package gate provides quality gates: evaluators that judge a stage's
// output after it ran and may request a bounded retry.
//
// A gate never re-runs anything itself. It evaluates a read-only view of the
// record, and when the executor decides to retry it prepares the record for
// the next attempt (counter, recommendation trail, field overrides).
package gate

import (
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Gate is the quality gate contract used by the graph executor.
type Gate interface {
	Name() string
	Enabled() bool
	// MaxRetries is the retry ceiling, fixed at construction.
	MaxRetries() int
	// Evaluate must not mutate the record. A disabled gate returns Pass().
	Evaluate(view record.View) ValidationResult
	// IsRetryEligible is true only when the gate is enabled, attempts is
	// below the ceiling and the result asks for a retry.
	IsRetryEligible(result ValidationResult, attempts int) bool
	// PrepareRetry increments the attempt counter, extends the
	// recommendation trail and applies the result's overrides.
	PrepareRetry(rec *record.Record, result ValidationResult) *record.Record
}

// Evaluator is the check plugged into a Base gate.
type Evaluator interface {
	Evaluate(view record.View) ValidationResult
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(view record.View) ValidationResult

// Evaluate calls f(view).
func (f EvaluatorFunc) Evaluate(view record.View) ValidationResult { return f(view) }

// =============================================================================
// BASE
// =============================================================================

// Base implements Gate from settings and an evaluator. Domain gates embed it
// or are built directly with New.
type Base struct {
	settings  config.GateSettings
	evaluator Evaluator
}

// New creates a gate. Settings are copied; they never change afterwards.
func New(settings config.GateSettings, evaluator Evaluator) *Base {
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	return &Base{settings: settings, evaluator: evaluator}
}

// FromEnv creates a gate whose settings are read from <NAME>_CRITIC_ENABLED
// and <NAME>_CRITIC_MAX_RETRIES via lookup.
func FromEnv(name string, lookup config.LookupFunc, evaluator Evaluator) (*Base, error) {
	settings, err := config.LoadGateSettings(name, lookup)
	if err != nil {
		return nil, err
	}
	return New(settings, evaluator), nil
}

func (b *Base) Name() string                  { return b.settings.Name }
func (b *Base) Enabled() bool                 { return b.settings.Enabled }
func (b *Base) MaxRetries() int               { return b.settings.MaxRetries }
func (b *Base) Settings() config.GateSettings { return b.settings }

func (b *Base) Evaluate(view record.View) ValidationResult {
	if !b.settings.Enabled || b.evaluator == nil {
		return Pass()
	}
	return b.evaluator.Evaluate(view)
}

func (b *Base) IsRetryEligible(result ValidationResult, attempts int) bool {
	if !b.settings.Enabled {
		return false
	}
	if attempts >= b.settings.MaxRetries {
		return false
	}
	return result.ShouldRetry
}

func (b *Base) PrepareRetry(rec *record.Record, result ValidationResult) *record.Record {
	rec.IncrementAttempts(b.settings.Name)
	rec.AppendRecommendations(b.settings.Name, result.Recommendations...)
	if len(result.Overrides) > 0 {
		rec.Merge(record.Update(result.Overrides))
	}
	return rec
}

var _ Gate = (*Base)(nil)

// =============================================================================
// FAULT CONTAINMENT
// =============================================================================

// SafeEvaluate runs g.Evaluate with panic recovery. A faulting gate is
// treated as disabled for this invocation: the result is Pass() and the
// recovered *recovery.PanicError is returned for the caller to record.
func SafeEvaluate(logger logging.Logger, g Gate, view record.View) (ValidationResult, error) {
	res, err := recovery.SafeExecuteWithResult(logger, "gate."+g.Name(), func() (ValidationResult, error) {
		return g.Evaluate(view), nil
	})
	if err != nil {
		return Pass(), err
	}
	return res, nil
}
