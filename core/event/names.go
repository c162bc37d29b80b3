package event

// Event names emitted by the queue.
const (
	RequestEnqueued     = "request.enqueued"
	RequestDeduplicated = "request.deduplicated"
	RequestProcessing   = "request.processing"
	RequestCompleted    = "request.completed"
	RequestFailed       = "request.failed"
	RequestRetrying     = "request.retrying"
	RequestDeferred     = "request.deferred"
	RequestExpired      = "request.expired"
	RequestCancelled    = "request.cancelled"
	BatchCreated        = "batch.created"
	BatchReady          = "batch.ready"
	QueueFull           = "queue.full"
	CircuitStateChanged = "circuit.state_changed"
	AlertRaised         = "monitor.alert_raised"
	AlertResolved       = "monitor.alert_resolved"
)

// AllNames lists every event name the queue emits.
var AllNames = []string{
	RequestEnqueued,
	RequestDeduplicated,
	RequestProcessing,
	RequestCompleted,
	RequestFailed,
	RequestRetrying,
	RequestDeferred,
	RequestExpired,
	RequestCancelled,
	BatchCreated,
	BatchReady,
	QueueFull,
	CircuitStateChanged,
	AlertRaised,
	AlertResolved,
}
