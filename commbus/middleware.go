// Package commbus provides progress bus middleware and observer helpers.
//
// Available Middleware:
//   - LoggingMiddleware: structured logging of every published event
//
// Observer helpers:
//   - RunFilter: demultiplexes a shared bus by run ID
//   - StatusFilter: forwards only selected statuses
package commbus

import (
	"context"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all event traffic at debug level, and delivery
// failures at warn level.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logging.OrNop(logger)}
}

// Before logs event receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, event ProgressEvent) (ProgressEvent, bool, error) {
	kv := []any{
		"run_id", event.RunID(),
		"stage", event.Stage(),
		"status", string(event.Status()),
	}
	if p, ok := event.Progress(); ok {
		kv = append(kv, "progress", p)
	}
	m.logger.Debug("progress_event", kv...)
	return event, true, nil
}

// After logs delivery outcome.
func (m *LoggingMiddleware) After(ctx context.Context, event ProgressEvent, delivered, failed int) {
	if failed > 0 {
		m.logger.Warn("progress_event_delivery_failures",
			"run_id", event.RunID(),
			"stage", event.Stage(),
			"delivered", delivered,
			"failed", failed,
		)
	}
}

// =============================================================================
// OBSERVER HELPERS
// =============================================================================

// RunFilter wraps an observer so it only sees events of one run.
func RunFilter(runID string, observer Observer) Observer {
	return func(ctx context.Context, event ProgressEvent) error {
		if event.RunID() != runID {
			return nil
		}
		return observer(ctx, event)
	}
}

// StatusFilter wraps an observer so it only sees the given statuses.
func StatusFilter(observer Observer, statuses ...StageStatus) Observer {
	allowed := make(map[StageStatus]struct{}, len(statuses))
	for _, s := range statuses {
		allowed[s] = struct{}{}
	}
	return func(ctx context.Context, event ProgressEvent) error {
		if _, ok := allowed[event.Status()]; !ok {
			return nil
		}
		return observer(ctx, event)
	}
}

var _ Middleware = (*LoggingMiddleware)(nil)
