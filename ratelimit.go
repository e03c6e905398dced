package urlfetch

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is the engine-wide safety valve of SPEC_FULL §4.5.1: a blunt
// ceiling on total throughput across every domain combined, independent of
// and layered on top of the per-domain scheduler. Grounded on
// snapetech-plexTuner's golang.org/x/time dependency.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing at most ratePerSec sustained
// requests per second, with burst as the instantaneous allowance. A
// ratePerSec <= 0 means unlimited (no safety valve configured).
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until the global rate allows one more job to proceed, or ctx
// is done. A nil RateLimiter always proceeds immediately.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}
