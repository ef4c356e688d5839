package gate

import (
	"fmt"
	"strings"
)

// Severity is the weight of a gate finding. The order is total:
// info < warning < error < critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"info", "warning", "error", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a name to a Severity, case-insensitively.
func ParseSeverity(value string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("invalid severity '%s'. Must be one of: info, warning, error, critical", value)
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxSeverity returns the highest of the given severities (info when empty).
func MaxSeverity(severities ...Severity) Severity {
	out := SeverityInfo
	for _, s := range severities {
		if s > out {
			out = s
		}
	}
	return out
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}
