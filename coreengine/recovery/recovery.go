// Package recovery provides panic recovery for stage, gate and observer
// invocations.
//
// A panic in user-supplied code is converted to a *PanicError carrying the
// recovered value and the stack at the point of the panic, so the engine can
// record it in the error trail instead of crashing the run.
package recovery

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/logging"
)

// PanicError is returned when a recovered function panicked.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsPanic reports whether err is or wraps a *PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// SafeExecute executes a function with panic recovery.
// If the function panics, the panic is logged and a *PanicError is returned.
func SafeExecute(logger logging.Logger, operation string, fn func() error) error {
	_, err := SafeExecuteWithResult(logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SafeExecuteWithResult executes a function with panic recovery and returns both result and error.
func SafeExecuteWithResult[T any](logger logging.Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if logger != nil {
				logger.Error("panic_recovered",
					"operation", operation,
					"panic", fmt.Sprint(r),
					"stack", stack,
				)
			}
			var zero T
			result = zero
			err = &PanicError{Operation: operation, Value: r, Stack: stack}
		}
	}()
	return fn()
}

// SafeGo runs a goroutine with panic recovery.
// If the goroutine panics, the panic is logged and onPanic is called.
func SafeGo(logger logging.Logger, operation string, fn func(), onPanic func(*PanicError)) {
	go func() {
		err := SafeExecute(logger, operation, func() error {
			fn()
			return nil
		})
		var pe *PanicError
		if errors.As(err, &pe) && onPanic != nil {
			onPanic(pe)
		}
	}()
}
