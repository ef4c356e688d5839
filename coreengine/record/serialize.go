package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// recordJSON is the persisted form of a Record.
type recordJSON struct {
	RunID                string                        `json:"run_id"`
	Pipeline             string                        `json:"pipeline,omitempty"`
	Status               RunStatus                     `json:"status"`
	CurrentStage         string                        `json:"current_stage"`
	LastSuccessfulStage  string                        `json:"last_successful_stage"`
	History              []ExecutionEntry              `json:"node_execution_history"`
	Errors               []ErrorEntry                  `json:"processing_errors"`
	Attempts             map[string]int                `json:"critic_attempts"`
	Recommendations      map[string][]string           `json:"critic_recommendations"`
	Validations          map[string]ValidationSnapshot `json:"validations"`
	ManualReviewRequired bool                          `json:"manual_review_required"`
	ReviewIssues         []string                      `json:"manual_review_issues"`
	Warnings             []string                      `json:"processing_warnings"`
	Data                 map[string]any                `json:"data"`
	StartedAt            time.Time                     `json:"started_at"`
	CompletedAt          *time.Time                    `json:"completed_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	c := r.Clone()
	return json.Marshal(recordJSON{
		RunID:                c.runID,
		Pipeline:             c.pipeline,
		Status:               c.status,
		CurrentStage:         c.currentStage,
		LastSuccessfulStage:  c.lastSuccessfulStage,
		History:              c.history,
		Errors:               c.errors,
		Attempts:             c.attempts,
		Recommendations:      c.recommendations,
		Validations:          c.validations,
		ManualReviewRequired: c.manualReview,
		ReviewIssues:         c.reviewIssues,
		Warnings:             c.warnings,
		Data:                 c.data,
		StartedAt:            c.startedAt,
		CompletedAt:          c.completedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Numbers inside Data decode as
// float64.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.runID = raw.RunID
	r.pipeline = raw.Pipeline
	r.status = raw.Status
	if r.status == "" {
		r.status = RunStatusPending
	}
	r.currentStage = raw.CurrentStage
	r.lastSuccessfulStage = raw.LastSuccessfulStage
	r.history = nonNilEntries(raw.History)
	r.errors = nonNilErrors(raw.Errors)
	r.attempts = raw.Attempts
	if r.attempts == nil {
		r.attempts = make(map[string]int)
	}
	r.recommendations = raw.Recommendations
	if r.recommendations == nil {
		r.recommendations = make(map[string][]string)
	}
	r.validations = raw.Validations
	if r.validations == nil {
		r.validations = make(map[string]ValidationSnapshot)
	}
	r.manualReview = raw.ManualReviewRequired
	r.reviewIssues = raw.ReviewIssues
	if r.reviewIssues == nil {
		r.reviewIssues = make([]string, 0)
	}
	r.warnings = raw.Warnings
	if r.warnings == nil {
		r.warnings = make([]string, 0)
	}
	r.data = raw.Data
	if r.data == nil {
		r.data = make(map[string]any)
	}
	r.startedAt = raw.StartedAt
	r.completedAt = raw.CompletedAt
	return nil
}

// ToStateDict converts the record to its persisted map form.
func (r *Record) ToStateDict() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.RunID(), err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal record %s state: %w", r.RunID(), err)
	}
	return state, nil
}

// FromStateDict rebuilds a record from its persisted map form.
func FromStateDict(state map[string]any) (*Record, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state dict: %w", err)
	}
	return FromJSON(data)
}

// FromJSON decodes a record.
func FromJSON(data []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(bytes.TrimSpace(data), r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.runID == "" {
		return nil, fmt.Errorf("decode record: missing run_id")
	}
	return r, nil
}

func nonNilEntries(s []ExecutionEntry) []ExecutionEntry {
	if s == nil {
		return make([]ExecutionEntry, 0)
	}
	return s
}

func nonNilErrors(s []ErrorEntry) []ErrorEntry {
	if s == nil {
		return make([]ErrorEntry, 0)
	}
	return s
}
