package queue

// Before reports whether a should be dispatched ahead of b:
// higher priority first, then the older request, then the smaller id.
func Before(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}
