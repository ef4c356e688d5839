package commbus

import (
	"errors"
	"fmt"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// ErrNoDefaultBus is returned by Default when InitDefault was never called.
var ErrNoDefaultBus = errors.New("commbus: default progress bus not initialised")

// ObserverError wraps a failure raised by one observer during delivery.
type ObserverError struct {
	Index  int
	RunID  string
	Stage  string
	Status StageStatus
	Panic  bool
	Cause  error
}

func (e *ObserverError) Error() string {
	kind := "failed"
	if e.Panic {
		kind = "panicked"
	}
	return fmt.Sprintf("observer %d %s on %s/%s: %v", e.Index, kind, e.Stage, e.Status, e.Cause)
}

func (e *ObserverError) Unwrap() error {
	return e.Cause
}

// NewObserverError creates a new ObserverError for the given event.
func NewObserverError(index int, event ProgressEvent, cause error, panicked bool) *ObserverError {
	return &ObserverError{
		Index:  index,
		RunID:  event.RunID(),
		Stage:  event.Stage(),
		Status: event.Status(),
		Panic:  panicked,
		Cause:  cause,
	}
}
