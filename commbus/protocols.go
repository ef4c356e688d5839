// Package commbus provides the progress bus protocols and implementation.
//
// Protocol Categories:
//   - Observer: a callback notified of every published ProgressEvent
//   - Middleware: Before/After hooks around each publish
//   - Bus: the publish/register contract executors depend on
package commbus

import (
	"context"
)

// =============================================================================
// BUS PROTOCOLS
// =============================================================================

// Observer receives progress events. A returned error (or a panic) is caught
// and logged by the bus; it never reaches the publisher.
type Observer func(ctx context.Context, event ProgressEvent) error

// Middleware intercepts events before and after fan-out.
type Middleware interface {
	// Before can transform the event. Returning keep=false drops the event
	// (nothing is recorded or delivered). A non-nil error is returned from
	// Publish.
	Before(ctx context.Context, event ProgressEvent) (out ProgressEvent, keep bool, err error)
	// After is called after every observer ran with the number of failed
	// deliveries.
	After(ctx context.Context, event ProgressEvent, delivered, failed int)
}

// Publisher is the narrow interface used by stages and executors.
type Publisher interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// Bus is the full progress bus contract.
type Bus interface {
	Publisher
	Register(observer Observer) (unregister func())
	AddMiddleware(middleware Middleware)
	History() []ProgressEvent
	HistoryForRun(runID string) []ProgressEvent
	Last(n int) []ProgressEvent
	PruneRun(runID string) int
	Clear()
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event ProgressEvent) error

// Publish calls f(ctx, event).
func (f PublisherFunc) Publish(ctx context.Context, event ProgressEvent) error {
	return f(ctx, event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, ProgressEvent) error { return nil })
