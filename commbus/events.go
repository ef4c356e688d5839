// Package commbus provides progress event definitions.
//
// A ProgressEvent is the only message type on the progress bus. It is built
// once by the stage envelope (or the executor for gate and retry
// notifications) and never mutated afterwards: fields are unexported and
// the detail map is copied in and out.
package commbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// STAGE STATUS
// =============================================================================

// StageStatus represents the status of one stage invocation.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusRetrying  StageStatus = "retrying"
)

// StageStatusFromString parses a status string.
func StageStatusFromString(value string) (StageStatus, error) {
	normalized := StageStatus(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StageStatusPending, StageStatusRunning, StageStatusCompleted,
		StageStatusFailed, StageStatusSkipped, StageStatusRetrying:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid stage status '%s'. Must be one of: pending, running, completed, failed, skipped, retrying", value)
	}
}

// IsTerminal reports whether the status ends a single invocation.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// validTransitions defines allowed per-invocation status transitions.
var validTransitions = map[StageStatus]map[StageStatus]bool{
	StageStatusPending: {
		StageStatusRunning: true,
		StageStatusSkipped: true,
	},
	StageStatusRunning: {
		StageStatusCompleted: true,
		StageStatusFailed:    true,
		StageStatusSkipped:   true,
	},
	StageStatusRetrying: {
		StageStatusRunning: true,
	},
	StageStatusCompleted: {
		StageStatusRetrying: true,
	},
	StageStatusFailed: {
		StageStatusRetrying: true,
	},
	StageStatusSkipped: {},
}

// IsValidTransition checks if a status transition is valid.
func IsValidTransition(from, to StageStatus) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// PROGRESS EVENT
// =============================================================================

// ProgressEvent is an immutable notification of a stage's status.
type ProgressEvent struct {
	runID     string
	stage     string
	status    StageStatus
	message   string
	progress  *float64
	details   map[string]any
	timestamp time.Time
}

// EventOption configures a ProgressEvent at construction.
type EventOption func(*ProgressEvent)

// WithProgress sets the fractional progress, clamped to [0, 1].
func WithProgress(p float64) EventOption {
	return func(e *ProgressEvent) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		e.progress = &p
	}
}

// WithDetails attaches a structured detail map. The map is copied.
func WithDetails(details map[string]any) EventOption {
	return func(e *ProgressEvent) {
		e.details = copyDetails(details)
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts time.Time) EventOption {
	return func(e *ProgressEvent) { e.timestamp = ts.UTC() }
}

// NewProgressEvent creates an event stamped with the current time.
func NewProgressEvent(runID, stage string, status StageStatus, message string, opts ...EventOption) ProgressEvent {
	e := ProgressEvent{
		runID:     runID,
		stage:     stage,
		status:    status,
		message:   message,
		timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e ProgressEvent) RunID() string        { return e.runID }
func (e ProgressEvent) Stage() string        { return e.stage }
func (e ProgressEvent) Status() StageStatus  { return e.status }
func (e ProgressEvent) Message() string      { return e.message }
func (e ProgressEvent) Timestamp() time.Time { return e.timestamp }

// Progress returns the fractional progress and whether it was set.
func (e ProgressEvent) Progress() (float64, bool) {
	if e.progress == nil {
		return 0, false
	}
	return *e.progress, true
}

// Details returns a copy of the detail map (never nil).
func (e ProgressEvent) Details() map[string]any {
	if e.details == nil {
		return map[string]any{}
	}
	return copyDetails(e.details)
}

// ToMap converts the event to a plain map.
func (e ProgressEvent) ToMap() map[string]any {
	result := map[string]any{
		"run_id":    e.runID,
		"stage":     e.stage,
		"status":    string(e.status),
		"message":   e.message,
		"details":   e.Details(),
		"timestamp": e.timestamp.Format(time.RFC3339Nano),
	}
	if e.progress != nil {
		result["progress"] = *e.progress
	} else {
		result["progress"] = nil
	}
	return result
}

type progressEventJSON struct {
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Status    StageStatus    `json:"status"`
	Message   string         `json:"message"`
	Progress  *float64       `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(progressEventJSON{
		RunID:     e.runID,
		Stage:     e.stage,
		Status:    e.status,
		Message:   e.message,
		Progress:  e.progress,
		Details:   e.details,
		Timestamp: e.timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Used by sinks reading events back.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	var raw progressEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ProgressEvent{
		runID:     raw.RunID,
		stage:     raw.Stage,
		status:    raw.Status,
		message:   raw.Message,
		progress:  raw.Progress,
		details:   raw.Details,
		timestamp: raw.Timestamp,
	}
	return nil
}

func copyDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
