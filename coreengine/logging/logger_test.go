package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{" warn ", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewZapRejectsBadLevel(t *testing.T) {
	_, err := NewZap("loud", true)
	require.Error(t, err)
}

func TestZapLoggerBindCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core))

	bound := logger.Bind("run_id", "run-1")
	bound.Info("stage_started", "stage", "loader")
	bound.Warn("gate_fault", "gate", "citation")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "stage_started", entries[0].Message)
	assert.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
	assert.Equal(t, "loader", entries[0].ContextMap()["stage"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	core, logs := observer.New(zapcore.InfoLevel)
	custom := FromZap(zap.New(core))
	OrNop(custom).Error("boom")
	assert.Equal(t, 1, logs.Len())
}

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop()
	l.Debug("a")
	l.Info("b", "k", "v")
	l.Warn("c")
	l.Error("d")
	l.Bind("x", 1).Info("e")
}
