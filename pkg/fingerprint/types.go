package fingerprint

import (
	"errors"
	"maps"
)

// options configures request fingerprinting.
type options struct {
	// includePayload hashes the canonical payload.
	// Default: true
	includePayload bool

	// includeHeaders hashes the given headers. Header names are case-insensitive.
	// Default: false
	includeHeaders bool
	headers        map[string]string
}

// Option is a functional option for configuring fingerprint generation.
type Option func(*options)

// WithHeaders includes the given headers in the fingerprint. Use it when
// headers change the meaning of a request, such as an impersonation header.
func WithHeaders(h map[string]string) Option {
	return func(o *options) {
		if len(h) == 0 {
			return
		}
		o.includeHeaders = true
		o.headers = maps.Clone(h)
	}
}

// WithoutPayload excludes the payload so every call to the same endpoint collapses into one.
func WithoutPayload() Option {
	return func(o *options) {
		o.includePayload = false
	}
}

func defaultOptions() *options {
	return &options{
		includePayload: true,
	}
}

func applyOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validation errors that can be checked with errors.Is()
var (
	// ErrInvalidFingerprint indicates the fingerprint has invalid format.
	ErrInvalidFingerprint = errors.New("invalid fingerprint format")

	// ErrMismatch indicates two fingerprints differ.
	ErrMismatch = errors.New("fingerprint mismatch")
)
