package manager

import "errors"

var (
	ErrAlreadyStarted = errors.New("queue manager already started")
	ErrNotStarted     = errors.New("queue manager not started")
)
