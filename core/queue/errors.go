package queue

import "errors"

var (
	ErrValidation     = errors.New("request validation failed")
	ErrQueueFull      = errors.New("queue is full")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTimeout        = errors.New("request timed out")
	ErrProcessor      = errors.New("request processor failed")
	ErrBackend        = errors.New("storage backend failure")
	ErrConfiguration  = errors.New("invalid queue configuration")
	ErrNotFound       = errors.New("request not found")
	ErrBatchNotFound  = errors.New("batch not found")
	ErrAlreadyExists  = errors.New("request already exists")
	ErrNoRequest      = errors.New("no request available")
	ErrStatusConflict = errors.New("request status changed concurrently")
	ErrNoProcessor    = errors.New("no processor registered for request")
	ErrCancelled      = errors.New("request cancelled")
	ErrShutdown       = errors.New("queue is shutting down")
	ErrBackendClosed  = errors.New("storage backend is closed")
	ErrRepositoryNil  = errors.New("storage backend cannot be nil")
	ErrInvalidRequest = errors.New("request cannot be nil")
)

// permanentError marks a processor error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the request without retrying it.
// Returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
