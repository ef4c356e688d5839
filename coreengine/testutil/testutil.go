// Package testutil provides in-memory doubles for engine tests: a checkpoint
// store, a progress recorder, a capturing logger, a flaky stage and linear
// pipeline declarations.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/stage"
)

// =============================================================================
// MOCK CHECKPOINTS
// =============================================================================

// MockCheckpoints is an in-memory checkpoint.Store. Records are stored as
// JSON so that Load returns what a real backend would.
type MockCheckpoints struct {
	// SaveError causes Save to return this error.
	SaveError error

	saved    map[string][]byte
	started  map[string]int64
	statuses []record.RunStatus
	mu       sync.Mutex
}

// NewMockCheckpoints creates an empty store.
func NewMockCheckpoints() *MockCheckpoints {
	return &MockCheckpoints{
		saved:   make(map[string][]byte),
		started: make(map[string]int64),
	}
}

// WithSaveError configures Save to fail.
func (m *MockCheckpoints) WithSaveError(err error) *MockCheckpoints {
	m.SaveError = err
	return m
}

func (m *MockCheckpoints) Save(ctx context.Context, rec *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses = append(m.statuses, rec.Status())
	if m.SaveError != nil {
		return m.SaveError
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		return err
	}
	m.saved[rec.RunID()] = data
	m.started[rec.RunID()] = rec.StartedAt().UnixNano()
	return nil
}

func (m *MockCheckpoints) Load(ctx context.Context, runID string) (*record.Record, error) {
	m.mu.Lock()
	data, ok := m.saved[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, checkpoint.ErrNotFound)
	}
	return record.FromJSON(data)
}

// List returns stored run IDs, most recently started first.
func (m *MockCheckpoints) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.saved))
	for id := range m.saved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.started[ids[i]] > m.started[ids[j]] })
	return ids, nil
}

func (m *MockCheckpoints) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, runID)
	delete(m.started, runID)
	return nil
}

func (m *MockCheckpoints) Close() error { return nil }

// Saves returns the number of Save calls, failed ones included.
func (m *MockCheckpoints) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.statuses)
}

// SavedStatuses returns the run status seen by each Save call, in order.
func (m *MockCheckpoints) SavedStatuses() []record.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]record.RunStatus(nil), m.statuses...)
}

var _ checkpoint.Store = (*MockCheckpoints)(nil)

// =============================================================================
// EVENT RECORDER
// =============================================================================

// EventRecorder captures progress events delivered to its observer.
type EventRecorder struct {
	events []commbus.ProgressEvent
	mu     sync.Mutex
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Observer returns the recording observer for Bus.Register.
func (r *EventRecorder) Observer() commbus.Observer {
	return func(_ context.Context, event commbus.ProgressEvent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		return nil
	}
}

// Events returns the captured events.
func (r *EventRecorder) Events() []commbus.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]commbus.ProgressEvent(nil), r.events...)
}

// Trace renders the captured events as "stage:status" lines.
func (r *EventRecorder) Trace() []string {
	return Trace(r.Events())
}

// Statuses returns the statuses reported for one stage or gate.
func (r *EventRecorder) Statuses(name string) []commbus.StageStatus {
	var out []commbus.StageStatus
	for _, e := range r.Events() {
		if e.Stage() == name {
			out = append(out, e.Status())
		}
	}
	return out
}

// Clear drops the captured events.
func (r *EventRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Trace renders events as "stage:status" lines.
func Trace(events []commbus.ProgressEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Stage()+":"+string(e.Status()))
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one captured log call, bound fields included.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MockLogger implements logging.Logger by capturing every call. Loggers
// returned by Bind share the parent's capture buffer.
type MockLogger struct {
	sink  *logSink
	bound []any
}

type logSink struct {
	entries []LogEntry
	mu      sync.Mutex
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{sink: &logSink{}}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues) }

func (m *MockLogger) Bind(keysAndValues ...any) logging.Logger {
	bound := append(append([]any(nil), m.bound...), keysAndValues...)
	return &MockLogger{sink: m.sink, bound: bound}
}

func (m *MockLogger) log(level, msg string, keysAndValues []any) {
	fields := make(map[string]any)
	for _, kv := range [][]any{m.bound, keysAndValues} {
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				fields[key] = kv[i+1]
			}
		}
	}

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.entries = append(m.sink.entries, LogEntry{Level: level, Message: msg, Fields: fields})
}

// Entries returns the captured log entries.
func (m *MockLogger) Entries() []LogEntry {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	return append([]LogEntry(nil), m.sink.entries...)
}

// Find returns the first entry with the given level and message.
func (m *MockLogger) Find(level, message string) (LogEntry, bool) {
	for _, e := range m.Entries() {
		if e.Level == level && e.Message == message {
			return e, true
		}
	}
	return LogEntry{}, false
}

// HasLog reports whether a message was logged at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	_, ok := m.Find(level, message)
	return ok
}

var _ logging.Logger = (*MockLogger)(nil)

// =============================================================================
// FLAKY STAGE
// =============================================================================

// FlakyStage faults a fixed number of times before succeeding with Update.
type FlakyStage struct {
	Failures int
	Err      error
	Update   record.Update

	calls int
	mu    sync.Mutex
}

// NewFlakyStage creates a stage that faults with err on its first failures
// calls.
func NewFlakyStage(failures int, err error, update record.Update) *FlakyStage {
	return &FlakyStage{Failures: failures, Err: err, Update: update}
}

// Func returns the stage function.
func (f *FlakyStage) Func() stage.Func {
	return func(ctx context.Context, v record.View) stage.Outcome {
		f.mu.Lock()
		f.calls++
		n := f.calls
		f.mu.Unlock()
		if n <= f.Failures {
			return stage.Fault(f.Err)
		}
		return stage.Success(f.Update)
	}
}

// Calls returns how often the stage ran.
func (f *FlakyStage) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// =============================================================================
// PIPELINE DECLARATION HELPERS
// =============================================================================

// LinearPipeline declares stages chained in order (A -> B -> C -> end).
func LinearPipeline(name string, stages ...string) *config.PipelineFile {
	if len(stages) == 0 {
		stages = []string{"stageA", "stageB", "stageC"}
	}
	pf := &config.PipelineFile{Name: name, Entry: stages[0]}
	for i, s := range stages {
		pf.Stages = append(pf.Stages, config.StageSpec{Name: s})
		to := "end"
		if i+1 < len(stages) {
			to = stages[i+1]
		}
		pf.Edges = append(pf.Edges, config.EdgeSpec{From: s, To: to})
	}
	return pf
}

// GatedPipeline is LinearPipeline with a gate after the first stage that
// retries it and continues to the second.
func GatedPipeline(name, gateName string, maxRetries int, stages ...string) *config.PipelineFile {
	pf := LinearPipeline(name, stages...)
	if len(pf.Stages) < 2 {
		return pf
	}
	first, second := pf.Stages[0].Name, pf.Stages[1].Name
	pf.Edges = pf.Edges[1:]
	pf.Gates = append(pf.Gates, config.GateSpec{
		Gate:       gateName,
		After:      first,
		Retry:      first,
		Continue:   second,
		MaxRetries: &maxRetries,
	})
	return pf
}
