package ratelimiter

import "errors"

// Package-level error definitions for rate limiter operations.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAlreadyStarted    = errors.New("rate limiter cleanup already started")
	ErrNotStarted        = errors.New("rate limiter cleanup not started")
)
