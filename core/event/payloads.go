package event

import "time"

// RequestPayload accompanies every request.* event.
type RequestPayload struct {
	RequestID  string
	Zone       string
	Endpoint   string
	Verb       string
	Priority   int
	Status     string
	RetryCount int
	Duration   time.Duration // processing time for completed and failed attempts
	Delay      time.Duration // wait before the next attempt for retrying and deferred
	Error      string
}

// BatchPayload accompanies batch.* events.
type BatchPayload struct {
	BatchID string
	Key     string
	Zone    string
	Size    int
	Reason  string
}

// QueueFullPayload accompanies queue.full.
type QueueFullPayload struct {
	Size    int
	MaxSize int
	Zone    string
}

// CircuitPayload accompanies circuit.state_changed.
type CircuitPayload struct {
	Zone string
	From string
	To   string
}

// AlertPayload accompanies monitor.alert_* events.
type AlertPayload struct {
	Rule      string
	Severity  string
	Message   string
	Value     float64
	Threshold float64
}
