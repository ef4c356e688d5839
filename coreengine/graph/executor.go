package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/gate"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// Outcome is the user-visible result of a run.
type Outcome string

const (
	OutcomeClean          Outcome = "clean"
	OutcomeReviewRequired Outcome = "review_required"
	OutcomeFailed         Outcome = "failed"
)

// OutcomeFromStatus maps a terminal run status to an outcome. Unfinished
// statuses map to "".
func OutcomeFromStatus(s record.RunStatus) Outcome {
	switch s {
	case record.RunStatusCompleted:
		return OutcomeClean
	case record.RunStatusCompletedReviewRequired:
		return OutcomeReviewRequired
	case record.RunStatusFailed:
		return OutcomeFailed
	default:
		return ""
	}
}

// Result is returned by Run.
type Result struct {
	Record     *record.Record
	Outcome    Outcome
	Steps      int // stage invocations
	DurationMS int64
	Err        error
}

// Checkpointer persists the record after every step. Failures are logged
// and never stop the run.
type Checkpointer interface {
	Save(ctx context.Context, rec *record.Record) error
}

// Executor runs a compiled graph. It holds no per-run state and may run
// several records concurrently, each on its own goroutine.
type Executor struct {
	graph       *Graph
	bus         commbus.Publisher
	logger      logging.Logger
	checkpoints Checkpointer
	envelope    *stage.Envelope
}

// Option configures an Executor.
type Option func(*Executor)

// WithBus publishes progress to bus.
func WithBus(bus commbus.Publisher) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithCheckpoints enables advisory checkpoints.
func WithCheckpoints(c Checkpointer) Option {
	return func(e *Executor) { e.checkpoints = c }
}

// NewExecutor creates an executor. Without WithBus progress is discarded.
func NewExecutor(g *Graph, opts ...Option) *Executor {
	e := &Executor{graph: g, bus: commbus.Discard, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = commbus.Discard
	}
	e.logger = logging.OrNop(e.logger).Bind("pipeline", g.name)
	e.envelope = stage.NewEnvelope(e.bus, e.logger)
	return e
}

// Graph returns the compiled graph.
func (e *Executor) Graph() *Graph { return e.graph }

// =============================================================================
// RUN
// =============================================================================

// Run drives rec from the entry stage to End.
//
// The returned Result is non-nil unless rec already finished (ErrRunFinished).
// The error is non-nil when the run failed: an abort-policy stage fault
// (*stage.StageError), a router fault (*RouteError) or context cancellation.
func (e *Executor) Run(ctx context.Context, rec *record.Record) (*Result, error) {
	if rec.Status().IsFinished() {
		return nil, ErrRunFinished
	}

	runID := rec.RunID()
	log := e.logger.Bind("run_id", runID)
	rec.Start(e.graph.name)

	ctx, span := observability.StartRunSpan(ctx, e.graph.name, runID)
	observability.RunStarted()
	defer observability.RunFinished()

	start := time.Now()
	log.Info("pipeline_started", "entry", string(e.graph.entry.id))

	res := &Result{Record: rec}
	current := e.graph.entry
	var runErr error

	for current != nil {
		if err := ctx.Err(); err != nil {
			log.Info("pipeline_cancelled", "stage", string(current.id), "reason", err.Error())
			rec.AppendError(record.ErrorEntry{
				Stage:     string(current.id),
				ErrorType: "cancelled",
				Message:   err.Error(),
			})
			runErr = err
			break
		}

		rec.SetCurrentStage(string(current.id))
		_, err := e.envelope.Execute(ctx, current.stage, rec)
		res.Steps++
		if err != nil {
			runErr = err
			break
		}

		next, err := e.follow(ctx, current, rec)
		if err != nil {
			rec.AppendError(record.ErrorEntry{
				Stage:     string(current.id),
				ErrorType: "route",
				Message:   err.Error(),
			})
			log.Error("pipeline_route_error", "stage", string(current.id), "error", err.Error())
			runErr = err
			break
		}

		e.checkpoint(ctx, rec, log)
		current = next
	}

	status := record.RunStatusCompleted
	switch {
	case runErr != nil:
		status = record.RunStatusFailed
	case rec.ManualReviewRequired():
		status = record.RunStatusCompletedReviewRequired
	}
	if runErr == nil {
		rec.SetCurrentStage(string(End))
	}
	rec.Finish(status)
	e.checkpoint(context.WithoutCancel(ctx), rec, log)

	res.Outcome = OutcomeFromStatus(status)
	res.Err = runErr
	res.DurationMS = time.Since(start).Milliseconds()

	observability.RecordRun(e.graph.name, string(res.Outcome), res.DurationMS)
	observability.EndSpan(span, runErr,
		attribute.String("stagegraph.outcome", string(res.Outcome)),
		attribute.Int("stagegraph.steps", res.Steps),
	)

	if runErr != nil {
		log.Error("pipeline_failed",
			"stage", rec.CurrentStage(),
			"error", runErr.Error(),
			"steps", res.Steps,
			"duration_ms", res.DurationMS,
		)
		return res, runErr
	}
	log.Info("pipeline_completed",
		"outcome", string(res.Outcome),
		"steps", res.Steps,
		"manual_review", rec.ManualReviewRequired(),
		"duration_ms", res.DurationMS,
	)
	return res, nil
}

// follow evaluates the outgoing edge of n. A nil node means End.
func (e *Executor) follow(ctx context.Context, n *node, rec *record.Record) (*node, error) {
	switch n.out.kind {
	case edgeConditional:
		return e.route(n, rec)
	case edgeGated:
		return e.evaluateGate(ctx, n, rec), nil
	default:
		return n.out.next, nil
	}
}

func (e *Executor) route(n *node, rec *record.Record) (*node, error) {
	label, err := recovery.SafeExecuteWithResult(e.logger, "router."+string(n.id), func() (Label, error) {
		return n.out.route(rec), nil
	})
	if err != nil {
		return nil, &RouteError{From: n.id, Declared: sortedLabels(n.out.targets), Cause: err}
	}
	target, ok := n.out.targets[label]
	if !ok {
		return nil, &RouteError{From: n.id, Label: label, Declared: sortedLabels(n.out.targets)}
	}
	e.logger.Debug("route_selected", "run_id", rec.RunID(), "stage", string(n.id), "label", string(label), "target", string(idOf(target)))
	return target, nil
}

// evaluateGate runs the gate after n and returns the next node.
func (e *Executor) evaluateGate(ctx context.Context, n *node, rec *record.Record) *node {
	g := n.out.gate
	name := g.Name()
	runID := rec.RunID()
	log := e.logger.Bind("run_id", runID, "gate", name)

	if !g.Enabled() {
		e.publish(ctx, commbus.NewProgressEvent(runID, name, commbus.StageStatusSkipped,
			fmt.Sprintf("Gate %s disabled", name),
			commbus.WithDetails(map[string]any{"gate": name, "after": string(n.id)}),
		))
		observability.RecordGateEvaluation(name, "disabled")
		return n.out.cont
	}

	attempts := rec.Attempts(name)
	result, err := gate.SafeEvaluate(e.logger, g, rec)
	if err != nil {
		rec.AppendWarning(fmt.Sprintf("%s gate faulted and was skipped: %v", name, err))
		log.Warn("gate_fault", "error", err.Error(), "attempt", attempts)
		e.publish(ctx, commbus.NewProgressEvent(runID, name, commbus.StageStatusSkipped,
			fmt.Sprintf("Gate %s faulted: %v", name, err),
			commbus.WithDetails(map[string]any{"gate": name, "attempt": attempts, "error": err.Error()}),
		))
		observability.RecordGateEvaluation(name, "fault")
		return n.out.cont
	}

	rec.SetValidation(name, result.Snapshot(attempts))

	status := commbus.StageStatusCompleted
	message := fmt.Sprintf("Validation passed for %s", n.id)
	outcome := "valid"
	if !result.Valid {
		status = commbus.StageStatusFailed
		message = fmt.Sprintf("Validation failed for %s: %s", n.id, issuesSummary(result.Issues))
		outcome = "invalid"
	}
	e.publish(ctx, commbus.NewProgressEvent(runID, name, status, message,
		commbus.WithDetails(map[string]any{
			"gate":         name,
			"after":        string(n.id),
			"attempt":      attempts,
			"max_retries":  g.MaxRetries(),
			"valid":        result.Valid,
			"severity":     result.Severity.String(),
			"issues":       result.Issues,
			"should_retry": result.ShouldRetry,
		}),
	))
	observability.RecordGateEvaluation(name, outcome)
	log.Info("gate_evaluated",
		"valid", result.Valid,
		"severity", result.Severity.String(),
		"attempt", attempts,
		"issues", len(result.Issues),
	)

	if g.IsRetryEligible(result, attempts) {
		g.PrepareRetry(rec, result)
		attempt := rec.Attempts(name)
		rec.AppendWarning(fmt.Sprintf("%s rerun triggered (attempt %d)", name, attempt))
		target := idOf(n.out.retry)
		e.publish(ctx, commbus.NewProgressEvent(runID, string(target), commbus.StageStatusRetrying,
			fmt.Sprintf("Retrying %s (attempt %d/%d)", target, attempt, g.MaxRetries()),
			commbus.WithDetails(map[string]any{
				"gate":        name,
				"attempt":     attempt,
				"max_retries": g.MaxRetries(),
			}),
		))
		observability.RecordGateRetry(name)
		log.Info("gate_retry", "target", string(target), "attempt", attempt)
		return n.out.retry
	}

	if !result.Valid {
		if attempts >= g.MaxRetries() {
			issues := make([]string, 0, len(result.Issues))
			for _, issue := range result.Issues {
				issues = append(issues, fmt.Sprintf("%s: %s", name, issue))
			}
			if len(issues) == 0 {
				issues = append(issues, fmt.Sprintf("%s: validation failed after %d attempts", name, attempts))
			}
			rec.MarkManualReview(issues...)
			observability.RecordManualReview(name)
			log.Warn("gate_retries_exhausted", "attempt", attempts, "max_retries", g.MaxRetries())
		} else {
			rec.AppendWarning(fmt.Sprintf("%s validation failed without a retry request", name))
		}
	}
	return n.out.cont
}

func (e *Executor) publish(ctx context.Context, ev commbus.ProgressEvent) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("progress_publish_failed", "stage", ev.Stage(), "error", err.Error())
	}
}

func (e *Executor) checkpoint(ctx context.Context, rec *record.Record, log logging.Logger) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(ctx, rec); err != nil {
		log.Warn("checkpoint_failed", "stage", rec.CurrentStage(), "error", err.Error())
	}
}

func issuesSummary(issues []string) string {
	if len(issues) == 0 {
		return "no issues reported"
	}
	return strings.Join(issues, "; ")
}

// =============================================================================
// INSPECT
// =============================================================================

// Summary describes a record without executing anything.
type Summary struct {
	RunID        string
	Pipeline     string
	Status       record.RunStatus
	Outcome      Outcome
	History      []record.ExecutionEntry
	Errors       []record.ErrorEntry
	Warnings     []string
	Invocations  map[string]int
	Attempts     map[string]int
	ManualReview bool
	ReviewIssues []string
}

// Inspect summarises a record, typically one reloaded from a checkpoint.
func Inspect(rec *record.Record) Summary {
	history := rec.History()
	invocations := make(map[string]int)
	for _, h := range history {
		invocations[h.Stage]++
	}
	return Summary{
		RunID:        rec.RunID(),
		Pipeline:     rec.Pipeline(),
		Status:       rec.Status(),
		Outcome:      OutcomeFromStatus(rec.Status()),
		History:      history,
		Errors:       rec.Errors(),
		Warnings:     rec.Warnings(),
		Invocations:  invocations,
		Attempts:     rec.AllAttempts(),
		ManualReview: rec.ManualReviewRequired(),
		ReviewIssues: rec.ReviewIssues(),
	}
}

// Inspect summarises rec against this executor's graph without running it.
// It fails when the history names stages or gates the graph does not have.
func (e *Executor) Inspect(rec *record.Record) (Summary, error) {
	s := Inspect(rec)
	var unknown []string
	for name := range s.Invocations {
		if _, ok := e.graph.nodes[StageID(name)]; !ok {
			unknown = append(unknown, "stage "+name)
		}
	}
	for name := range s.Attempts {
		if _, ok := e.graph.Gate(name); !ok {
			unknown = append(unknown, "gate "+name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return s, fmt.Errorf("record %s does not match graph '%s': unknown %s",
			s.RunID, e.graph.name, strings.Join(unknown, ", "))
	}
	return s, nil
}

// IsRouteError reports whether err is a *RouteError.
func IsRouteError(err error) bool {
	var re *RouteError
	return errors.As(err, &re)
}
