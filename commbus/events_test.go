package commbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageStatusFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    StageStatus
		wantErr bool
	}{
		{"running", StageStatusRunning, false},
		{" Completed ", StageStatusCompleted, false},
		{"RETRYING", StageStatusRetrying, false},
		{"done", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := StageStatusFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStageStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to StageStatus
		valid    bool
	}{
		{StageStatusPending, StageStatusRunning, true},
		{StageStatusRunning, StageStatusCompleted, true},
		{StageStatusRunning, StageStatusFailed, true},
		{StageStatusRunning, StageStatusSkipped, true},
		{StageStatusRetrying, StageStatusRunning, true},
		{StageStatusCompleted, StageStatusRetrying, true},
		{StageStatusCompleted, StageStatusRunning, false},
		{StageStatusSkipped, StageStatusRunning, false},
		{StageStatusPending, StageStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestStageStatusIsTerminal(t *testing.T) {
	assert.True(t, StageStatusCompleted.IsTerminal())
	assert.True(t, StageStatusFailed.IsTerminal())
	assert.True(t, StageStatusSkipped.IsTerminal())
	assert.False(t, StageStatusRunning.IsTerminal())
	assert.False(t, StageStatusRetrying.IsTerminal())
}

func TestProgressIsClamped(t *testing.T) {
	low := NewProgressEvent("r", "s", StageStatusRunning, "", WithProgress(-0.5))
	high := NewProgressEvent("r", "s", StageStatusRunning, "", WithProgress(3))
	none := NewProgressEvent("r", "s", StageStatusRunning, "")

	p, ok := low.Progress()
	assert.True(t, ok)
	assert.Equal(t, 0.0, p)

	p, _ = high.Progress()
	assert.Equal(t, 1.0, p)

	_, ok = none.Progress()
	assert.False(t, ok)
}

func TestDetailsAreCopied(t *testing.T) {
	src := map[string]any{"duration_ms": 12}
	e := NewProgressEvent("r", "loader", StageStatusCompleted, "done", WithDetails(src))

	src["duration_ms"] = 99
	assert.Equal(t, 12, e.Details()["duration_ms"])

	out := e.Details()
	out["injected"] = true
	_, found := e.Details()["injected"]
	assert.False(t, found)

	assert.NotNil(t, NewProgressEvent("r", "s", StageStatusRunning, "").Details())
}

func TestProgressEventJSON(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewProgressEvent("run-7", "pdf_critic", StageStatusFailed, "invalid",
		WithProgress(1),
		WithDetails(map[string]any{"severity": "error"}),
		WithTimestamp(ts),
	)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back ProgressEvent
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, "run-7", back.RunID())
	assert.Equal(t, "pdf_critic", back.Stage())
	assert.Equal(t, StageStatusFailed, back.Status())
	assert.Equal(t, "invalid", back.Message())
	assert.True(t, ts.Equal(back.Timestamp()))
	assert.Equal(t, "error", back.Details()["severity"])
	p, ok := back.Progress()
	assert.True(t, ok)
	assert.Equal(t, 1.0, p)
}

func TestProgressEventToMap(t *testing.T) {
	m := NewProgressEvent("r", "loader", StageStatusRunning, "start", WithProgress(0)).ToMap()
	assert.Equal(t, "r", m["run_id"])
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, 0.0, m["progress"])

	m = NewProgressEvent("r", "loader", StageStatusSkipped, "").ToMap()
	assert.Nil(t, m["progress"])
}
