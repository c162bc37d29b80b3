package manager

import (
	"context"
	"strings"
	"sync"

	"github.com/dmitrymomot/zonequeue/core/queue"
)

// Processor executes requests taken off the queue.
// Return queue.Permanent(err) to fail a request without retrying it.
type Processor interface {
	// CanProcess reports whether the processor accepts req.
	CanProcess(req *queue.Request) bool
	// ProcessRequest performs the work. The returned result may be nil.
	ProcessRequest(ctx context.Context, req *queue.Request) (*queue.Result, error)
}

// ProcessorFunc adapts a function to Processor. It accepts every request.
type ProcessorFunc func(ctx context.Context, req *queue.Request) (*queue.Result, error)

// CanProcess always returns true.
func (f ProcessorFunc) CanProcess(*queue.Request) bool { return true }

// ProcessRequest calls f.
func (f ProcessorFunc) ProcessRequest(ctx context.Context, req *queue.Request) (*queue.Result, error) {
	return f(ctx, req)
}

// registry routes requests to processors: exact endpoint first, then verb,
// then the default processor.
type registry struct {
	mu         sync.RWMutex
	byEndpoint map[string]Processor
	byVerb     map[string]Processor
	fallback   Processor
}

func newRegistry() *registry {
	return &registry{
		byEndpoint: make(map[string]Processor),
		byVerb:     make(map[string]Processor),
	}
}

func (r *registry) register(key string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isVerb(key) {
		r.byVerb[strings.ToUpper(key)] = p
		return
	}
	r.byEndpoint[key] = p
}

func (r *registry) setDefault(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

func (r *registry) lookup(req *queue.Request) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := []Processor{
		r.byEndpoint[req.Endpoint],
		r.byVerb[strings.ToUpper(req.Verb)],
		r.fallback,
	}
	for _, p := range candidates {
		if p != nil && p.CanProcess(req) {
			return p, true
		}
	}
	return nil, false
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.byEndpoint) + len(r.byVerb)
	if r.fallback != nil {
		n++
	}
	return n
}

// isVerb reports whether key is an HTTP-style verb rather than an endpoint.
func isVerb(key string) bool {
	switch strings.ToUpper(key) {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "QUERY":
		return true
	}
	return false
}
