package commbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
)

// ProgressBus is an in-memory, run-scoped implementation of Bus.
//
// Delivery is synchronous: Publish returns after every observer registered
// at the time of the call has been invoked, in registration order. A failing
// observer is logged and skipped over; later observers still run.
//
// Usage:
//
//	bus := NewProgressBus(logger)
//	unregister := bus.Register(func(ctx context.Context, e ProgressEvent) error {
//		fmt.Println(e.Stage(), e.Status())
//		return nil
//	})
//	defer unregister()
type ProgressBus struct {
	observers  []registration
	history    []ProgressEvent
	maxHistory int // 0 = unbounded
	middleware []Middleware
	nextID     uint64
	logger     logging.Logger
	onFailure  func(*ObserverError)
	mu         sync.RWMutex
}

type registration struct {
	id       uint64
	observer Observer
}

// BusOption configures a ProgressBus.
type BusOption func(*ProgressBus)

// WithFailureHook installs a callback invoked for every observer failure,
// after it has been logged.
func WithFailureHook(hook func(*ObserverError)) BusOption {
	return func(b *ProgressBus) { b.onFailure = hook }
}

// WithHistoryLimit keeps only the newest n events in the history. Zero or a
// negative n keeps everything.
func WithHistoryLimit(n int) BusOption {
	return func(b *ProgressBus) {
		if n < 0 {
			n = 0
		}
		b.maxHistory = n
	}
}

// NewProgressBus creates a new ProgressBus. A nil logger discards logs.
func NewProgressBus(logger logging.Logger, opts ...BusOption) *ProgressBus {
	b := &ProgressBus{
		observers:  make([]registration, 0),
		history:    make([]ProgressEvent, 0),
		middleware: make([]Middleware, 0),
		logger:     logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish records the event and delivers it to every observer.
// Observer errors are logged but never returned; the only error source is a
// middleware Before hook.
func (b *ProgressBus) Publish(ctx context.Context, event ProgressEvent) error {
	processed, keep, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if !keep {
		b.logger.Debug("progress_event_dropped", "stage", event.Stage(), "status", string(event.Status()))
		return nil
	}

	b.mu.Lock()
	b.history = append(b.history, processed)
	if b.maxHistory > 0 && len(b.history) > b.maxHistory {
		trimmed := make([]ProgressEvent, b.maxHistory)
		copy(trimmed, b.history[len(b.history)-b.maxHistory:])
		b.history = trimmed
	}
	snapshot := make([]registration, len(b.observers))
	copy(snapshot, b.observers)
	b.mu.Unlock()

	failed := 0
	for i, reg := range snapshot {
		if obsErr := b.notify(ctx, i, reg.observer, processed); obsErr != nil {
			failed++
			b.logger.Warn("observer_failed",
				"run_id", obsErr.RunID,
				"stage", obsErr.Stage,
				"status", string(obsErr.Status),
				"observer", obsErr.Index,
				"panic", obsErr.Panic,
				"error", obsErr.Cause.Error(),
			)
			if b.onFailure != nil {
				b.onFailure(obsErr)
			}
		}
	}

	b.runMiddlewareAfter(ctx, processed, len(snapshot), failed)
	return nil
}

// notify invokes a single observer, converting panics into errors.
func (b *ProgressBus) notify(ctx context.Context, index int, observer Observer, event ProgressEvent) (obsErr *ObserverError) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("observer_panic_stack", "stack", string(debug.Stack()))
			obsErr = NewObserverError(index, event, fmt.Errorf("panic: %v", r), true)
		}
	}()
	if err := observer(ctx, event); err != nil {
		return NewObserverError(index, event, err, false)
	}
	return nil
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register appends an observer. The same function may be registered more
// than once and is then called once per registration.
// Returns an unregister function; calling it more than once is a no-op.
func (b *ProgressBus) Register(observer Observer) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.observers = append(b.observers, registration{id: id, observer: observer})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, reg := range b.observers {
			if reg.id == id {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// AddMiddleware adds middleware to the bus.
// Middleware Before hooks run in registration order, After hooks in reverse.
func (b *ProgressBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// ObserverCount returns the number of registered observers.
func (b *ProgressBus) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// History returns a copy of every event published so far.
func (b *ProgressBus) History() []ProgressEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ProgressEvent, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryForRun returns the events carrying the given run ID.
func (b *ProgressBus) HistoryForRun(runID string) []ProgressEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ProgressEvent, 0)
	for _, e := range b.history {
		if e.RunID() == runID {
			out = append(out, e)
		}
	}
	return out
}

// Last returns up to n of the most recent events, oldest first.
func (b *ProgressBus) Last(n int) []ProgressEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return []ProgressEvent{}
	}
	start := len(b.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]ProgressEvent, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear removes all observers. Middleware and history are kept.
func (b *ProgressBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = make([]registration, 0)
}

// PruneRun drops the history of one run and returns how many events were
// removed.
func (b *ProgressBus) PruneRun(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]ProgressEvent, 0, len(b.history))
	for _, e := range b.history {
		if e.RunID() != runID {
			kept = append(kept, e)
		}
	}
	removed := len(b.history) - len(kept)
	b.history = kept
	return removed
}

// Reset removes observers, middleware and history.
func (b *ProgressBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = make([]registration, 0)
	b.middleware = make([]Middleware, 0)
	b.history = make([]ProgressEvent, 0)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *ProgressBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

func (b *ProgressBus) runMiddlewareBefore(ctx context.Context, event ProgressEvent) (ProgressEvent, bool, error) {
	current := event
	for _, mw := range b.middlewareSnapshot() {
		next, keep, err := mw.Before(ctx, current)
		if err != nil {
			return ProgressEvent{}, false, err
		}
		if !keep {
			return ProgressEvent{}, false, nil
		}
		current = next
	}
	return current, true, nil
}

func (b *ProgressBus) runMiddlewareAfter(ctx context.Context, event ProgressEvent, delivered, failed int) {
	mws := b.middlewareSnapshot()
	for i := len(mws) - 1; i >= 0; i-- {
		mws[i].After(ctx, event, delivered, failed)
	}
}

// Ensure ProgressBus implements Bus interface.
var _ Bus = (*ProgressBus)(nil)
