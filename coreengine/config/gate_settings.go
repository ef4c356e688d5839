package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// DefaultGateMaxRetries is the retry ceiling used when nothing is configured.
const DefaultGateMaxRetries = 2

// GateSettings holds the per-gate configuration read once at construction.
type GateSettings struct {
	Name       string
	Enabled    bool
	MaxRetries int
}

// DefaultGateSettings returns an enabled gate with the default ceiling.
func DefaultGateSettings(name string) GateSettings {
	return GateSettings{Name: name, Enabled: true, MaxRetries: DefaultGateMaxRetries}
}

// GateEnvPrefix returns the environment prefix for a gate name:
// "classification" -> "CLASSIFICATION_CRITIC".
func GateEnvPrefix(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune('_')
		}
	}
	return b.String() + "_CRITIC"
}

// LoadGateSettings reads <NAME>_CRITIC_ENABLED and <NAME>_CRITIC_MAX_RETRIES.
//
// ENABLED is true unless set to something other than "true"/"1"
// (case-insensitive). MAX_RETRIES must be a non-negative integer.
func LoadGateSettings(name string, lookup LookupFunc) (GateSettings, error) {
	s := DefaultGateSettings(name)
	if lookup == nil {
		return s, nil
	}
	prefix := GateEnvPrefix(name)

	if v, ok := lookup(prefix + "_ENABLED"); ok {
		v = strings.ToLower(strings.TrimSpace(v))
		s.Enabled = v == "true" || v == "1"
	}

	if v, ok := lookup(prefix + "_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return s, fmt.Errorf("%s_MAX_RETRIES: invalid integer '%s': %w", prefix, v, err)
		}
		if n < 0 {
			return s, fmt.Errorf("%s_MAX_RETRIES: must be >= 0, got %d", prefix, n)
		}
		s.MaxRetries = n
	}

	return s, nil
}

// Override returns a copy with non-nil fields applied. Used by pipeline files
// that pin a gate's behaviour regardless of the environment.
func (s GateSettings) Override(enabled *bool, maxRetries *int) GateSettings {
	if enabled != nil {
		s.Enabled = *enabled
	}
	if maxRetries != nil {
		s.MaxRetries = *maxRetries
	}
	return s
}
