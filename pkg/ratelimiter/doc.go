// Package ratelimiter provides keyed token bucket rate limiting.
//
// Every key (for example a zone name) gets an independent bucket from
// golang.org/x/time/rate with the same refill rate and burst. Buckets are
// created on first use and purged after a period of inactivity by the
// background cleanup loop.
//
// # Usage
//
//	limiter, err := ratelimiter.New(ratelimiter.Config{Rate: 10, Burst: 20})
//	if err != nil {
//		return err
//	}
//
//	if ok, wait := limiter.Delay("eu-west"); !ok {
//		// try again after wait
//	}
//
// Blocking acquisition:
//
//	if err := limiter.Wait(ctx, "eu-west"); err != nil {
//		return err
//	}
//
// # Lifecycle
//
// Start blocks and purges stale keys on every cleanup interval. Run adapts it
// for errgroup:
//
//	g.Go(limiter.Run(ctx))
//
// # Error Handling
//
//   - ErrInvalidConfig: non-positive rate or burst
//   - ErrRateLimitExceeded: Wait could not obtain a token before ctx ended
//   - ErrAlreadyStarted, ErrNotStarted: lifecycle misuse
package ratelimiter
