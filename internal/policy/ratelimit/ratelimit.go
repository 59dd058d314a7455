// Package ratelimit implements a token bucket pacer for browser navigations.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter paces page loads across every tab of the shared browsing context.
// Worker concurrency governs how many collections are in flight; the limiter
// governs how fast they hit the site, so raising one never multiplies the
// other. The rate should stay within what one attentive human could produce.
type Limiter struct {
	limiter *rate.Limiter
}

// Config holds pacer configuration.
type Config struct {
	// NavsPerMinute caps page loads per minute; zero or negative disables
	// pacing.
	NavsPerMinute float64
	// Burst allows short runs above the steady rate, for batch starts.
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.NavsPerMinute / 60)
	if cfg.NavsPerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a navigation token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("navigation pace wait: %w", err)
	}
	return nil
}
