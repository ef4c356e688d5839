package stage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
)

// Invocation summarises one stage run by the envelope.
type Invocation struct {
	Stage      string
	Status     record.EntryStatus
	DurationMS int64
	Err        *StageError // set on fault, regardless of policy
}

// Envelope wraps every stage invocation with progress, timing, error
// capture and the audit trail.
type Envelope struct {
	bus    commbus.Publisher
	logger logging.Logger
}

// NewEnvelope creates an envelope publishing to bus. A nil bus discards
// events and a nil logger discards logs.
func NewEnvelope(bus commbus.Publisher, logger logging.Logger) *Envelope {
	if bus == nil {
		bus = commbus.Discard
	}
	return &Envelope{bus: bus, logger: logging.OrNop(logger)}
}

// Execute runs st against rec.
//
// The returned error is non-nil only when the run must stop: the context was
// cancelled before the stage started, or the stage faulted under the abort
// policy (a *StageError). Under the continue policy the fault is recorded in
// the Invocation and the record keeps its previous data.
func (e *Envelope) Execute(ctx context.Context, st *Stage, rec *record.Record) (Invocation, error) {
	inv := Invocation{Stage: st.Name}
	runID := rec.RunID()
	log := e.logger.Bind("run_id", runID, "stage", st.Name)

	if err := ctx.Err(); err != nil {
		return inv, fmt.Errorf("stage %s not started: %w", st.Name, err)
	}

	ctx, span := observability.StartStageSpan(ctx, st.Name, runID)

	e.publish(ctx, commbus.NewProgressEvent(runID, st.Name, commbus.StageStatusRunning,
		fmt.Sprintf("Starting %s", st.Name),
		commbus.WithProgress(0.0),
		commbus.WithDetails(map[string]any{"invocation": invocationNumber(rec, st.Name)}),
	))
	log.Info("stage_started")

	start := time.Now()
	outcome := e.invoke(ctx, st, rec)
	inv.DurationMS = time.Since(start).Milliseconds()

	switch outcome.Kind() {
	case OutcomeSuccess:
		rec.Merge(outcome.Update())
		rec.MarkStageSucceeded(st.Name)
		inv.Status = record.EntryCompleted
		rec.AppendHistory(record.ExecutionEntry{Stage: st.Name, Status: inv.Status, DurationMS: inv.DurationMS})
		e.publish(ctx, commbus.NewProgressEvent(runID, st.Name, commbus.StageStatusCompleted,
			fmt.Sprintf("Completed %s", st.Name),
			commbus.WithProgress(1.0),
			commbus.WithDetails(map[string]any{
				"duration_ms":  inv.DurationMS,
				"updated_keys": updatedKeys(outcome.Update()),
			}),
		))
		log.Info("stage_completed", "duration_ms", inv.DurationMS)

	case OutcomeSkip:
		inv.Status = record.EntrySkipped
		rec.AppendHistory(record.ExecutionEntry{Stage: st.Name, Status: inv.Status, DurationMS: inv.DurationMS})
		e.publish(ctx, commbus.NewProgressEvent(runID, st.Name, commbus.StageStatusSkipped,
			fmt.Sprintf("Skipped %s: %s", st.Name, outcome.Reason()),
			commbus.WithDetails(map[string]any{"reason": outcome.Reason(), "duration_ms": inv.DurationMS}),
		))
		log.Info("stage_skipped", "reason", outcome.Reason())

	default:
		se := NewStageError(st.Name, outcome.Err())
		inv.Status = record.EntryFailed
		inv.Err = se
		rec.AppendError(record.ErrorEntry{
			Stage:     st.Name,
			ErrorType: se.ErrorType,
			Message:   se.Message,
			Stack:     se.Stack,
		})
		rec.AppendHistory(record.ExecutionEntry{Stage: st.Name, Status: inv.Status, DurationMS: inv.DurationMS})
		e.publish(ctx, commbus.NewProgressEvent(runID, st.Name, commbus.StageStatusFailed,
			fmt.Sprintf("Failed: %s", se.Message),
			commbus.WithDetails(map[string]any{
				"error":       se.Message,
				"error_type":  se.ErrorType,
				"duration_ms": inv.DurationMS,
				"policy":      string(st.policy()),
			}),
		))
		log.Error("stage_failed",
			"error", se.Message,
			"error_type", se.ErrorType,
			"policy", string(st.policy()),
			"duration_ms", inv.DurationMS,
		)
	}

	observability.RecordStageExecution(st.Name, string(inv.Status), inv.DurationMS)
	var spanErr error
	if inv.Err != nil {
		spanErr = inv.Err
	}
	observability.EndSpan(span, spanErr, attribute.String("stagegraph.status", string(inv.Status)))

	if inv.Err != nil && st.policy() == FaultPolicyAbort {
		return inv, inv.Err
	}
	return inv, nil
}

// invoke calls the stage function with recovery, timeout and the batch
// reporter installed on the context.
func (e *Envelope) invoke(ctx context.Context, st *Stage, rec *record.Record) Outcome {
	if st.Func == nil {
		return Faultf("stage %s has no function", st.Name)
	}
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, stageNameKey, st.Name)
	ctx = withReporter(ctx, newBusReporter(e.bus, rec.RunID(), st.Name))
	if st.Batch != nil {
		ctx = WithBatchOptions(ctx, *st.Batch)
	}

	outcome, err := recovery.SafeExecuteWithResult(e.logger, "stage."+st.Name, func() (Outcome, error) {
		return st.Func(ctx, rec), nil
	})
	if err != nil {
		return Fault(err)
	}
	return outcome
}

// publish never fails the stage: bus errors come only from middleware and
// are logged.
func (e *Envelope) publish(ctx context.Context, ev commbus.ProgressEvent) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("progress_publish_failed", "stage", ev.Stage(), "error", err.Error())
	}
}

func (s *Stage) policy() FaultPolicy {
	if s.Policy == "" {
		return FaultPolicyAbort
	}
	return s.Policy
}

func invocationNumber(rec *record.Record, name string) int {
	n := 1
	for _, h := range rec.History() {
		if h.Stage == name {
			n++
		}
	}
	return n
}

func updatedKeys(u record.Update) []string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
