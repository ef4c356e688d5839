// Package record provides the workflow record threaded through a stage graph.
//
// A Record has two parts:
//   - engine-owned audit fields (history, error trail, gate attempts,
//     recommendations, warnings, manual review) which only grow, and only
//     through the methods in this file;
//   - an open Data map that stages extend by returning partial updates.
//
// Stages and gates receive a read-only View. Only the engine holds *Record.
package record

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENUMS
// =============================================================================

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunStatusPending                 RunStatus = "pending"
	RunStatusRunning                 RunStatus = "running"
	RunStatusCompleted               RunStatus = "completed"
	RunStatusCompletedReviewRequired RunStatus = "completed_review_required"
	RunStatusFailed                  RunStatus = "failed"
)

// IsFinished reports whether the run reached a terminal status.
func (s RunStatus) IsFinished() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedReviewRequired || s == RunStatusFailed
}

// EntryStatus is the terminal status of one stage invocation.
type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntrySkipped   EntryStatus = "skipped"
)

// =============================================================================
// AUDIT TYPES
// =============================================================================

// ExecutionEntry is one line of the execution history.
type ExecutionEntry struct {
	Stage      string      `json:"stage"`
	Status     EntryStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ErrorEntry is one line of the error trail.
type ErrorEntry struct {
	Stage     string    `json:"stage"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidationSnapshot is the last gate result stored for a gate.
type ValidationSnapshot struct {
	Valid           bool               `json:"valid"`
	Severity        string             `json:"severity"`
	Issues          []string           `json:"issues,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Attempt         int                `json:"attempt"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Update is a partial update returned by a stage.
type Update map[string]any

// =============================================================================
// VIEW
// =============================================================================

// View is the read-only surface handed to stages, gates and routers.
type View interface {
	RunID() string
	Pipeline() string
	Status() RunStatus
	CurrentStage() string
	LastSuccessfulStage() string

	Has(key string) bool
	Get(key string) (any, bool)
	String(key string) string
	Int(key string) int
	Float(key string) float64
	Bool(key string) bool
	Strings(key string) []string
	Map(key string) map[string]any
	Data() map[string]any

	History() []ExecutionEntry
	Errors() []ErrorEntry
	Warnings() []string
	Attempts(gate string) int
	Recommendations(gate string) []string
	Validation(gate string) (ValidationSnapshot, bool)
	ManualReviewRequired() bool
	ReviewIssues() []string
}

// =============================================================================
// RECORD
// =============================================================================

// Record is the state of one run.
//
// Methods are safe for concurrent use so that observers and run managers may
// read a record while the executor writes it.
type Record struct {
	runID               string
	pipeline            string
	status              RunStatus
	currentStage        string
	lastSuccessfulStage string

	history         []ExecutionEntry
	errors          []ErrorEntry
	attempts        map[string]int
	recommendations map[string][]string
	validations     map[string]ValidationSnapshot
	manualReview    bool
	reviewIssues    []string
	warnings        []string

	data map[string]any

	startedAt   time.Time
	completedAt *time.Time

	mu sync.RWMutex
}

// Option configures a new Record.
type Option func(*Record)

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(r *Record) { r.runID = id }
}

// WithPipeline names the pipeline the record belongs to.
func WithPipeline(name string) Option {
	return func(r *Record) { r.pipeline = name }
}

// New creates a record seeded with caller data. The seed is deep-copied.
func New(seed map[string]any, opts ...Option) *Record {
	r := &Record{
		runID:           uuid.New().String(),
		status:          RunStatusPending,
		history:         make([]ExecutionEntry, 0),
		errors:          make([]ErrorEntry, 0),
		attempts:        make(map[string]int),
		recommendations: make(map[string][]string),
		validations:     make(map[string]ValidationSnapshot),
		reviewIssues:    make([]string, 0),
		warnings:        make([]string, 0),
		data:            deepCopyAnyMap(seed),
		startedAt:       time.Now().UTC(),
	}
	if r.data == nil {
		r.data = make(map[string]any)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// DATA MERGE
// =============================================================================

// Merge applies a partial update key by key. Nested values are replaced
// wholesale and keys are never removed: a nil value is stored as nil.
func (r *Record) Merge(update Update) {
	if len(update) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range update {
		r.data[k] = v
	}
}

// =============================================================================
// AUDIT MUTATORS
// =============================================================================

// AppendHistory appends an execution entry.
func (r *Record) AppendHistory(entry ExecutionEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entry)
}

// AppendError appends an error-trail entry.
func (r *Record) AppendError(entry ErrorEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, entry)
}

// AppendWarning appends a processing warning.
func (r *Record) AppendWarning(warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, warning)
}

// IncrementAttempts bumps the gate's attempt counter and returns the new value.
func (r *Record) IncrementAttempts(gate string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[gate]++
	return r.attempts[gate]
}

// AppendRecommendations extends the gate's recommendation audit trail.
func (r *Record) AppendRecommendations(gate string, recs ...string) {
	if len(recs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recommendations[gate] = append(r.recommendations[gate], recs...)
}

// MarkManualReview sets the manual-review flag and appends issues.
// The flag is never cleared.
func (r *Record) MarkManualReview(issues ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manualReview = true
	r.reviewIssues = append(r.reviewIssues, issues...)
}

// SetValidation stores the latest result of a gate.
func (r *Record) SetValidation(gate string, snap ValidationSnapshot) {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	snap.Issues = copyStrings(snap.Issues)
	snap.Recommendations = copyStrings(snap.Recommendations)
	snap.Metrics = copyFloatMap(snap.Metrics)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations[gate] = snap
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start marks the record as running.
func (r *Record) Start(pipeline string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pipeline != "" {
		r.pipeline = pipeline
	}
	r.status = RunStatusRunning
}

// SetCurrentStage moves the stage pointer.
func (r *Record) SetCurrentStage(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentStage = stage
}

// MarkStageSucceeded records the last stage that completed without a fault.
func (r *Record) MarkStageSucceeded(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSuccessfulStage = stage
}

// Finish sets a terminal status and the completion time.
func (r *Record) Finish(status RunStatus) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.completedAt = &now
}

// =============================================================================
// READERS
// =============================================================================

func (r *Record) RunID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

func (r *Record) Pipeline() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipeline
}

func (r *Record) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Record) CurrentStage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentStage
}

func (r *Record) LastSuccessfulStage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSuccessfulStage
}

func (r *Record) StartedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt
}

// CompletedAt returns the completion time, if the run finished.
func (r *Record) CompletedAt() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.completedAt == nil {
		return time.Time{}, false
	}
	return *r.completedAt, true
}

// History returns a copy of the execution history.
func (r *Record) History() []ExecutionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutionEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Errors returns a copy of the error trail.
func (r *Record) Errors() []ErrorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ErrorEntry, len(r.errors))
	copy(out, r.errors)
	return out
}

// Warnings returns a copy of the processing warnings.
func (r *Record) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyStrings(r.warnings)
}

// Attempts returns the gate's attempt counter (0 if never incremented).
func (r *Record) Attempts(gate string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts[gate]
}

// AllAttempts returns a copy of every attempt counter.
func (r *Record) AllAttempts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.attempts))
	for k, v := range r.attempts {
		out[k] = v
	}
	return out
}

// Recommendations returns a copy of the gate's recommendation trail.
func (r *Record) Recommendations(gate string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyStrings(r.recommendations[gate])
}

// Validation returns the last stored result for a gate.
func (r *Record) Validation(gate string) (ValidationSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.validations[gate]
	if !ok {
		return ValidationSnapshot{}, false
	}
	snap.Issues = copyStrings(snap.Issues)
	snap.Recommendations = copyStrings(snap.Recommendations)
	snap.Metrics = copyFloatMap(snap.Metrics)
	return snap, true
}

// ValidatedGates returns the names of gates with a stored result, sorted.
func (r *Record) ValidatedGates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validations))
	for name := range r.validations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Record) ManualReviewRequired() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manualReview
}

func (r *Record) ReviewIssues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyStrings(r.reviewIssues)
}

// Data returns a deep copy of the extension map.
func (r *Record) Data() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deepCopyAnyMap(r.data)
}

// =============================================================================
// CLONE
// =============================================================================

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clone := &Record{
		runID:               r.runID,
		pipeline:            r.pipeline,
		status:              r.status,
		currentStage:        r.currentStage,
		lastSuccessfulStage: r.lastSuccessfulStage,
		manualReview:        r.manualReview,
		startedAt:           r.startedAt,
	}

	clone.history = make([]ExecutionEntry, len(r.history))
	copy(clone.history, r.history)
	clone.errors = make([]ErrorEntry, len(r.errors))
	copy(clone.errors, r.errors)
	clone.reviewIssues = copyStrings(r.reviewIssues)
	clone.warnings = copyStrings(r.warnings)

	clone.attempts = make(map[string]int, len(r.attempts))
	for k, v := range r.attempts {
		clone.attempts[k] = v
	}
	clone.recommendations = make(map[string][]string, len(r.recommendations))
	for k, v := range r.recommendations {
		clone.recommendations[k] = copyStrings(v)
	}
	clone.validations = make(map[string]ValidationSnapshot, len(r.validations))
	for k, v := range r.validations {
		v.Issues = copyStrings(v.Issues)
		v.Recommendations = copyStrings(v.Recommendations)
		v.Metrics = copyFloatMap(v.Metrics)
		clone.validations[k] = v
	}
	clone.data = deepCopyAnyMap(r.data)
	if clone.data == nil {
		clone.data = make(map[string]any)
	}

	if r.completedAt != nil {
		t := *r.completedAt
		clone.completedAt = &t
	}
	return clone
}

// Ensure Record implements View.
var _ View = (*Record)(nil)
