// Package ratelimit implements the global token bucket shared by every
// outbound request.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/content-harvester/internal/metrics"
)

// Config holds rate limiter configuration: at most Calls requests per Period.
type Config struct {
	Calls  int
	Period time.Duration
}

// Limiter is a single token bucket shared across all transports.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter. A non-positive budget disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Calls <= 0 || cfg.Period <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := cfg.Period / time.Duration(cfg.Calls)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(every), cfg.Calls)}
}

// Wait blocks until a token is available, respecting the context. It only
// fails when ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}
