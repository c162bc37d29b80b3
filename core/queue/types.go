package queue

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Status tracks the lifecycle state of a request through the queue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
	StatusCancelled,
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Priority represents request priority (0-100, higher is more important).
type Priority int

const (
	PriorityMin      Priority = 0
	PriorityLow      Priority = 25
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 75
	PriorityCritical Priority = 90
	PriorityMax      Priority = 100
	PriorityDefault  Priority = PriorityNormal
)

// Valid checks if the priority is within the allowed range (0-100).
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// Band groups priorities into coarse classes used for batching and metrics.
type Band string

const (
	BandCritical Band = "critical"
	BandHigh     Band = "high"
	BandNormal   Band = "normal"
	BandLow      Band = "low"
)

// Band returns the priority class p belongs to.
func (p Priority) Band() Band {
	switch {
	case p >= PriorityCritical:
		return BandCritical
	case p >= PriorityHigh:
		return BandHigh
	case p >= PriorityNormal:
		return BandNormal
	default:
		return BandLow
	}
}

// Attempt is a single processing attempt recorded in request history.
type Attempt struct {
	Timestamp time.Time     `json:"timestamp" bson:"timestamp"`
	Duration  time.Duration `json:"duration" bson:"duration"`
	Outcome   Status        `json:"outcome" bson:"outcome"`
	Error     string        `json:"error,omitempty" bson:"error,omitempty"`
}

// Request is a unit of work addressed to an endpoint in a zone.
type Request struct {
	ID          string            `json:"id" bson:"_id"`
	GroupID     string            `json:"group_id,omitempty" bson:"group_id,omitempty"`
	Endpoint    string            `json:"endpoint" bson:"endpoint"`
	Verb        string            `json:"verb" bson:"verb"`
	Zone        string            `json:"zone" bson:"zone"`
	Priority    Priority          `json:"priority" bson:"priority"`
	Payload     json.RawMessage   `json:"payload,omitempty" bson:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" bson:"updated_at"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty" bson:"scheduled_at,omitempty"`
	Timeout     time.Duration     `json:"timeout" bson:"timeout"`
	MaxRetries  int               `json:"max_retries" bson:"max_retries"`
	RetryCount  int               `json:"retry_count" bson:"retry_count"`
	Retryable   bool              `json:"retryable" bson:"retryable"`
	Batchable   bool              `json:"batchable" bson:"batchable"`
	BatchID     string            `json:"batch_id,omitempty" bson:"batch_id,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Status      Status            `json:"status" bson:"status"`
	History     []Attempt         `json:"history,omitempty" bson:"history,omitempty"`
	LastError   string            `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Fingerprint string            `json:"fingerprint" bson:"fingerprint"`
}

// Clone returns a deep copy of r. Backends hand out clones so callers never
// share mutable state with stored records.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = slices.Clone(r.Payload)
	c.Headers = maps.Clone(r.Headers)
	c.Metadata = maps.Clone(r.Metadata)
	c.History = slices.Clone(r.History)
	if r.ScheduledAt != nil {
		at := *r.ScheduledAt
		c.ScheduledAt = &at
	}
	return &c
}

// Due reports whether the request may be dispatched at now.
func (r *Request) Due(now time.Time) bool {
	return r.ScheduledAt == nil || !r.ScheduledAt.After(now)
}

// Expired reports whether the request outlived its timeout measured from creation.
func (r *Request) Expired(now time.Time) bool {
	return r.Timeout > 0 && now.Sub(r.CreatedAt) > r.Timeout
}

// ReadyAt returns the earliest time the request may be dispatched.
func (r *Request) ReadyAt() time.Time {
	if r.ScheduledAt != nil && r.ScheduledAt.After(r.CreatedAt) {
		return *r.ScheduledAt
	}
	return r.CreatedAt
}

// Result is the outcome delivered to the enqueuer once a request completes.
type Result struct {
	RequestID   string        `json:"request_id"`
	Data        any           `json:"data,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// BatchStatus tracks a batch through collection and dispatch.
type BatchStatus string

const (
	BatchCollecting BatchStatus = "collecting"
	BatchReady      BatchStatus = "ready"
	BatchDispatched BatchStatus = "dispatched"
)

// Batch groups compatible requests for combined dispatch.
type Batch struct {
	ID           string         `json:"id" bson:"_id"`
	Key          string         `json:"key" bson:"key"`
	Zone         string         `json:"zone" bson:"zone"`
	Endpoint     string         `json:"endpoint" bson:"endpoint"`
	Verb         string         `json:"verb" bson:"verb"`
	Priority     Priority       `json:"priority" bson:"priority"`
	Requests     []string       `json:"requests" bson:"requests"`
	MaxSize      int            `json:"max_size" bson:"max_size"`
	Timeout      time.Duration  `json:"timeout" bson:"timeout"`
	Status       BatchStatus    `json:"status" bson:"status"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
	ReadyAt      *time.Time     `json:"ready_at,omitempty" bson:"ready_at,omitempty"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty" bson:"dispatched_at,omitempty"`
}

// Clone returns a deep copy of b.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	c := *b
	c.Requests = slices.Clone(b.Requests)
	c.Metadata = maps.Clone(b.Metadata)
	if b.ReadyAt != nil {
		at := *b.ReadyAt
		c.ReadyAt = &at
	}
	if b.DispatchedAt != nil {
		at := *b.DispatchedAt
		c.DispatchedAt = &at
	}
	return &c
}
