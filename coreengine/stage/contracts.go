// Package stage provides the stage contract and the envelope that runs one
// stage invocation.
//
// A stage reads the record through a record.View and reports what it did
// through an Outcome: a partial update on success, an error on fault, or a
// reason when it chose to skip. The envelope applies the outcome to the
// record, publishes progress and writes the audit trail.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// Func is the unit of work plugged into a graph.
type Func func(ctx context.Context, view record.View) Outcome

// =============================================================================
// OUTCOME
// =============================================================================

// OutcomeKind discriminates an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFault
	OutcomeSkip
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFault:
		return "fault"
	case OutcomeSkip:
		return "skip"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the explicit result of a stage.
type Outcome struct {
	kind   OutcomeKind
	update record.Update
	err    error
	reason string
}

// Success reports a partial update to merge into the record.
func Success(update record.Update) Outcome {
	return Outcome{kind: OutcomeSuccess, update: update}
}

// Fault reports a failure. A nil error is replaced by a generic one.
func Fault(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("stage reported a fault without an error")
	}
	return Outcome{kind: OutcomeFault, err: err}
}

// Faultf is Fault(fmt.Errorf(format, args...)).
func Faultf(format string, args ...any) Outcome {
	return Fault(fmt.Errorf(format, args...))
}

// Skip reports that the stage decided not to run.
func Skip(reason string) Outcome {
	return Outcome{kind: OutcomeSkip, reason: reason}
}

func (o Outcome) Kind() OutcomeKind     { return o.kind }
func (o Outcome) Update() record.Update { return o.update }
func (o Outcome) Err() error            { return o.err }
func (o Outcome) Reason() string        { return o.reason }

// =============================================================================
// FAULT POLICY
// =============================================================================

// FaultPolicy decides what a fault does to the run.
type FaultPolicy string

const (
	// FaultPolicyAbort terminates the run (default).
	FaultPolicyAbort FaultPolicy = "abort"
	// FaultPolicyContinue records the fault and continues without the update.
	FaultPolicyContinue FaultPolicy = "continue"
)

// ParseFaultPolicy maps a config string to a policy. Empty means abort.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch s {
	case "", string(FaultPolicyAbort):
		return FaultPolicyAbort, nil
	case string(FaultPolicyContinue):
		return FaultPolicyContinue, nil
	default:
		return "", fmt.Errorf("invalid fault policy '%s'. Must be one of: abort, continue", s)
	}
}

// =============================================================================
// STAGE
// =============================================================================

// Stage is a named stage function with its execution policy.
type Stage struct {
	Name    string
	Func    Func
	Policy  FaultPolicy
	Timeout time.Duration // 0 = none
	Batch   *BatchOptions
}

// Option configures a Stage.
type Option func(*Stage)

// WithPolicy sets the fault policy.
func WithPolicy(p FaultPolicy) Option {
	return func(s *Stage) { s.Policy = p }
}

// ContinueOnFault is WithPolicy(FaultPolicyContinue).
func ContinueOnFault() Option {
	return WithPolicy(FaultPolicyContinue)
}

// WithTimeout bounds one invocation. The stage sees a cancelled context when
// it expires.
func WithTimeout(d time.Duration) Option {
	return func(s *Stage) { s.Timeout = d }
}

// WithBatch attaches batch options, readable by the stage via BatchFrom.
func WithBatch(opts BatchOptions) Option {
	return func(s *Stage) {
		o := opts.normalized()
		s.Batch = &o
	}
}

// New creates a stage with the abort policy unless overridden.
func New(name string, fn Func, opts ...Option) *Stage {
	s := &Stage{Name: name, Func: fn, Policy: FaultPolicyAbort}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
