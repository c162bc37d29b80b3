package queue

import (
	"cmp"
	"slices"
	"time"
)

// SortField selects the ordering applied by Filter.Apply.
type SortField string

const (
	SortByCreatedAt   SortField = "created_at"
	SortByPriority    SortField = "priority"
	SortByScheduledAt SortField = "scheduled_at"
)

// Filter selects requests for GetRequests. Zero-valued fields match everything.
type Filter struct {
	Statuses      []Status
	Zones         []string
	Endpoints     []string
	Verbs         []string
	GroupID       string
	MinPriority   *Priority
	MaxPriority   *Priority
	CreatedAfter  time.Time
	CreatedBefore time.Time
	DueAt         time.Time // only requests whose schedule has passed at this time
	SortBy        SortField
	Descending    bool
	Offset        int
	Limit         int
}

// Match reports whether r satisfies every predicate of the filter.
func (f Filter) Match(r *Request) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	if len(f.Zones) > 0 && !slices.Contains(f.Zones, r.Zone) {
		return false
	}
	if len(f.Endpoints) > 0 && !slices.Contains(f.Endpoints, r.Endpoint) {
		return false
	}
	if len(f.Verbs) > 0 && !slices.Contains(f.Verbs, r.Verb) {
		return false
	}
	if f.GroupID != "" && f.GroupID != r.GroupID {
		return false
	}
	if f.MinPriority != nil && r.Priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && r.Priority > *f.MaxPriority {
		return false
	}
	if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.DueAt.IsZero() && !r.Due(f.DueAt) {
		return false
	}
	return true
}

// Apply filters, sorts and paginates reqs. The input slice is not modified.
func (f Filter) Apply(reqs []*Request) []*Request {
	out := make([]*Request, 0, len(reqs))
	for _, r := range reqs {
		if f.Match(r) {
			out = append(out, r)
		}
	}

	slices.SortStableFunc(out, f.compare)

	return f.paginate(out)
}

func (f Filter) compare(a, b *Request) int {
	var c int
	switch f.SortBy {
	case SortByPriority:
		c = cmp.Compare(a.Priority, b.Priority)
		if c == 0 {
			c = -a.CreatedAt.Compare(b.CreatedAt)
		}
	case SortByScheduledAt:
		c = a.ReadyAt().Compare(b.ReadyAt())
	default:
		c = a.CreatedAt.Compare(b.CreatedAt)
	}
	if f.Descending {
		return -c
	}
	return c
}

func (f Filter) paginate(out []*Request) []*Request {
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Request{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}
