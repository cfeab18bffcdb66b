// Package guard composes the circuit breaker and retry-with-backoff around
// outbound adapter calls. The breaker is the outermost layer: a tripped
// service fast-fails before any retry budget is spent.
package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/internal/circuit"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/ratelimit"
)

// Guard wraps adapter calls for one process
type Guard struct {
	breaker    *circuit.Registry
	limits     *ratelimit.Manager
	maxRetries int
	logger     zerolog.Logger
}

// New creates a call guard. maxRetries counts retries, not attempts: 1
// means up to two tries.
func New(breaker *circuit.Registry, limits *ratelimit.Manager, maxRetries int, logger zerolog.Logger) *Guard {
	return &Guard{
		breaker:    breaker,
		limits:     limits,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "guard").Logger(),
	}
}

// Call runs fn against venue under the breaker with bounded retries.
// service is the breaker key, venue the rate-limit key. Only retryable
// errors (network, timeout, rate limit, upstream 5xx) consume the retry
// budget; validation and circuit-open errors return immediately.
func (g *Guard) Call(ctx context.Context, service, venue string, fn func() error) error {
	if err := g.breaker.Allow(service); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if !g.limits.Wait(ctx, venue) {
			lastErr = &exchange.RateLimitError{Exchange: venue, RetryAfter: g.remainingCooldown(venue)}
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			g.limits.RecordSuccess(venue)
			g.breaker.RecordSuccess(service)
			return nil
		}
		lastErr = err

		if ratelimit.IsRateLimitError(err) {
			backoff := g.limits.RecordRateLimit(venue)
			g.logger.Debug().
				Str("service", service).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("rate limited")
			continue
		}
		if !exchange.IsRetryable(err) {
			break
		}
		g.logger.Debug().
			Str("service", service).
			Int("attempt", attempt+1).
			Err(err).
			Msg("retryable call failure")
	}

	g.breaker.RecordFailure(service, lastErr)
	return lastErr
}

func (g *Guard) remainingCooldown(venue string) time.Duration {
	_, remaining := g.limits.CanProceed(venue)
	return remaining
}
