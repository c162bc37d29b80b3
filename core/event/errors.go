package event

import "errors"

var (
	// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrNoHandlers is returned when a processor starts without handlers.
	ErrNoHandlers = errors.New("no handlers registered for event")

	// ErrProcessorAlreadyStarted is returned when attempting to start a processor that is already running.
	ErrProcessorAlreadyStarted = errors.New("processor already started")

	// ErrProcessorNotStarted is returned when attempting to stop a processor that is not running.
	ErrProcessorNotStarted = errors.New("processor not started")

	// ErrBusNil is returned when a processor is created without a bus.
	ErrBusNil = errors.New("event bus cannot be nil")

	// ErrHealthcheckFailed is the base error for processor health failures.
	ErrHealthcheckFailed = errors.New("healthcheck failed")

	// ErrProcessorNotRunning reports a stopped processor in health checks.
	ErrProcessorNotRunning = errors.New("processor is not running")
)
