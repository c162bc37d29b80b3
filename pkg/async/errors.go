package async

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when AwaitWithTimeout exceeds its duration.
	ErrTimeout = errors.New("async: timeout waiting for result")

	// ErrPanic is matched by errors.Is for futures rejected by a panic.
	ErrPanic = errors.New("async: function panicked")
)

// PanicError carries the recovered value of a panicking function.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("async: function panicked: %v", e.Value)
}

func (e *PanicError) Is(target error) bool {
	return target == ErrPanic
}
