package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRunFinished is returned when a record that already reached a terminal
// status is handed to Run again.
var ErrRunFinished = errors.New("run already finished")

// BuildError lists every problem found while compiling a graph.
type BuildError struct {
	Graph    string
	Problems []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("invalid graph '%s': %s", e.Graph, strings.Join(e.Problems, "; "))
}

// NewBuildError creates a BuildError.
func NewBuildError(graph string, problems ...string) *BuildError {
	return &BuildError{Graph: graph, Problems: problems}
}

// RouteError is raised when a router returns a label its edge did not
// declare, or the router itself faulted.
type RouteError struct {
	From     StageID
	Label    Label
	Declared []Label
	Cause    error
}

func (e *RouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("router after stage %s failed: %v", e.From, e.Cause)
	}
	return fmt.Sprintf("router after stage %s returned undeclared label '%s' (declared: %s)",
		e.From, e.Label, joinLabels(e.Declared))
}

func (e *RouteError) Unwrap() error {
	return e.Cause
}

func joinLabels(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}

func sortedLabels[V any](m map[Label]V) []Label {
	out := make([]Label, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
