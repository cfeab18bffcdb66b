// Package ratelimit tracks per-exchange cooldowns independent of any
// individual proxy. Backoff grows exponentially per consecutive rate-limit
// hit and resets on the first success.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/cache"
)

type state struct {
	hits  int       // consecutive rate-limit hits
	until time.Time // cooldown deadline
}

// Manager holds per-exchange rate-limit state. State is mirrored to Redis
// so concurrent workers back off together.
type Manager struct {
	mu       sync.Mutex
	byVenue  map[string]*state

	maxBackoff    time.Duration
	maxWaitPerTry time.Duration

	store  *cache.Service
	logger zerolog.Logger
}

// NewManager creates a rate-limit manager. store may be nil.
func NewManager(cfg config.RateLimitConfig, store *cache.Service, logger zerolog.Logger) *Manager {
	return &Manager{
		byVenue:       make(map[string]*state),
		maxBackoff:    cfg.MaxBackoff,
		maxWaitPerTry: cfg.MaxWaitPerTry,
		store:         store,
		logger:        logger.With().Str("component", "ratelimit").Logger(),
	}
}

func (m *Manager) get(exchange string) *state {
	st, ok := m.byVenue[exchange]
	if !ok {
		st = &state{}
		m.byVenue[exchange] = st

		// Adopt a cooldown another worker already established
		if m.store != nil && m.store.IsHealthy() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			var untilMs string
			if err := m.store.GetJSON(ctx, cache.RateLimitUntilKey(exchange), &untilMs); err == nil {
				if ms, err := strconv.ParseInt(untilMs, 10, 64); err == nil {
					st.until = time.UnixMilli(ms)
				}
			}
		}
	}
	return st
}

// CanProceed reports whether exchange is out of cooldown, and if not, how
// long remains.
func (m *Manager) CanProceed(exchange string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchange)
	remaining := time.Until(st.until)
	if remaining <= 0 {
		return true, 0
	}
	return false, remaining
}

// RecordSuccess clears the consecutive hit counter for exchange
func (m *Manager) RecordSuccess(exchange string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchange)
	if st.hits != 0 {
		m.logger.Debug().Str("exchange", exchange).Msg("rate limit cleared")
	}
	st.hits = 0
	st.until = time.Time{}
}

// RecordRateLimit registers a rate-limit hit and returns the backoff
// applied: 2^n seconds capped at MaxBackoff.
func (m *Manager) RecordRateLimit(exchange string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchange)
	st.hits++

	backoff := time.Duration(1<<uint(st.hits-1)) * time.Second
	if backoff > m.maxBackoff {
		backoff = m.maxBackoff
	}
	st.until = time.Now().Add(backoff)

	m.logger.Warn().
		Str("exchange", exchange).
		Int("consecutive_hits", st.hits).
		Dur("backoff", backoff).
		Msg("rate limited, backing off")

	if m.store != nil && m.store.IsHealthy() {
		go func(until time.Time, ttl time.Duration) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = m.store.SetJSON(ctx, cache.RateLimitUntilKey(exchange), strconv.FormatInt(until.UnixMilli(), 10), ttl+time.Minute)
			_, _ = m.store.Incr(ctx, cache.RateLimitKey(exchange), m.maxBackoff*2)
		}(st.until, backoff)
	}
	return backoff
}

// Wait blocks until exchange is out of cooldown, the per-attempt wait cap
// elapses, or ctx is done. Returns true when the caller may proceed; false
// means the remaining cooldown exceeded the cap and the work should be
// re-enqueued instead of held.
func (m *Manager) Wait(ctx context.Context, exchange string) bool {
	ok, remaining := m.CanProceed(exchange)
	if ok {
		return true
	}
	if remaining > m.maxWaitPerTry {
		return false
	}

	select {
	case <-time.After(remaining):
		return true
	case <-ctx.Done():
		return false
	}
}

// VenueStats is one exchange's snapshot for the ops API
type VenueStats struct {
	ConsecutiveHits int       `json:"consecutive_hits"`
	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
}

// GetStats snapshots every tracked exchange
func (m *Manager) GetStats() map[string]VenueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]VenueStats, len(m.byVenue))
	for venue, st := range m.byVenue {
		stats[venue] = VenueStats{ConsecutiveHits: st.hits, CooldownUntil: st.until}
	}
	return stats
}
