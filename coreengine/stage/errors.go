package stage

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/recovery"
)

// TypedError lets a stage error name its own type in the error trail.
type TypedError interface {
	error
	ErrorType() string
}

// StageError is a fault raised by a stage, with the trail details.
type StageError struct {
	Stage     string
	ErrorType string
	Message   string
	Stack     string
	Cause     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError builds a StageError from a cause. Panics keep the stack
// captured at recovery; other errors get the current stack.
func NewStageError(stageName string, cause error) *StageError {
	se := &StageError{
		Stage:     stageName,
		ErrorType: errorType(cause),
		Message:   cause.Error(),
		Cause:     cause,
	}
	var pe *recovery.PanicError
	if errors.As(cause, &pe) {
		se.Stack = pe.Stack
	} else {
		se.Stack = string(debug.Stack())
	}
	return se
}

func errorType(err error) string {
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	var pe *recovery.PanicError
	if errors.As(err, &pe) {
		return "panic"
	}
	return fmt.Sprintf("%T", err)
}
