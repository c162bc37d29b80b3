package queue

import (
	"maps"
	"slices"
	"time"
)

// Patch describes a partial update of a stored request. Nil fields are left untouched.
// A non-empty IfStatus makes the update conditional: backends check it against
// the stored status in the same atomic step as the write and return
// ErrStatusConflict when it does not match.
type Patch struct {
	IfStatus      []Status
	Status        *Status
	ScheduledAt   *time.Time
	ClearSchedule bool
	RetryCount    *int
	LastError     *string
	BatchID       *string
	AppendHistory []Attempt
	Metadata      map[string]any
}

// WithStatus returns a copy of p that sets the status.
func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

// OnlyIf returns a copy of p that applies only while the stored status is one of statuses.
func (p Patch) OnlyIf(statuses ...Status) Patch {
	p.IfStatus = statuses
	return p
}

// Allows reports whether the patch may be applied to a request in status s.
func (p Patch) Allows(s Status) bool {
	return len(p.IfStatus) == 0 || slices.Contains(p.IfStatus, s)
}

// WithSchedule returns a copy of p that sets the earliest dispatch time.
func (p Patch) WithSchedule(at time.Time) Patch {
	p.ScheduledAt = &at
	p.ClearSchedule = false
	return p
}

// WithRetryCount returns a copy of p that sets the retry count.
func (p Patch) WithRetryCount(n int) Patch {
	p.RetryCount = &n
	return p
}

// WithError returns a copy of p that records the last error message.
func (p Patch) WithError(msg string) Patch {
	p.LastError = &msg
	return p
}

// WithAttempt returns a copy of p that appends a history entry.
func (p Patch) WithAttempt(a Attempt) Patch {
	p.AppendHistory = append(p.AppendHistory[:len(p.AppendHistory):len(p.AppendHistory)], a)
	return p
}

// Apply mutates r according to the patch and stamps UpdatedAt.
func (p Patch) Apply(r *Request, now time.Time) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.ClearSchedule {
		r.ScheduledAt = nil
	}
	if p.ScheduledAt != nil {
		at := *p.ScheduledAt
		r.ScheduledAt = &at
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	if p.BatchID != nil {
		r.BatchID = *p.BatchID
	}
	if len(p.AppendHistory) > 0 {
		r.History = append(r.History, p.AppendHistory...)
	}
	if len(p.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(r.Metadata, p.Metadata)
	}
	r.UpdatedAt = now
}

// BatchPatch describes a partial update of a stored batch.
type BatchPatch struct {
	Status       *BatchStatus
	Requests     []string
	ReadyAt      *time.Time
	DispatchedAt *time.Time
}

// Apply mutates b according to the patch.
func (p BatchPatch) Apply(b *Batch) {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.Requests != nil {
		b.Requests = append([]string(nil), p.Requests...)
	}
	if p.ReadyAt != nil {
		at := *p.ReadyAt
		b.ReadyAt = &at
	}
	if p.DispatchedAt != nil {
		at := *p.DispatchedAt
		b.DispatchedAt = &at
	}
}
