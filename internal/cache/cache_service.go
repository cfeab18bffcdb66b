// Package cache provides the Redis-backed shared state store.
// Circuit breaker records, proxy runtime state, rate-limit counters and
// signal dedup tokens live here so concurrent workers agree.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"whale-copy-trader/config"
)

// Key namespaces shared across workers
const (
	PrefixCircuit    = "cb:%s"          // cb:<service> -> circuit record JSON
	PrefixProxyState = "proxy:%s:state" // proxy:<id>:state -> runtime state JSON
	PrefixRateLimit  = "rl:%s"          // rl:<exchange> -> backoff counter
	PrefixRateUntil  = "rl:%s:until"    // rl:<exchange>:until -> cooldown deadline (unix ms)
	PrefixDedup      = "sig:dedup:%s"   // sig:dedup:<token> -> 1
)

// Default TTLs
const (
	DefaultCircuitTTL = 10 * time.Minute
	DefaultProxyTTL   = 24 * time.Hour
	DefaultDedupTTL   = 15 * time.Minute
)

// Service provides Redis access with graceful degradation. When Redis is
// unavailable callers fall back to their local in-process state.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// ErrDisabled is returned by the nil-safe accessors when Redis is not configured.
var ErrDisabled = fmt.Errorf("shared state store disabled")

// NewService creates the shared state store. A failed initial connection
// returns a degraded (but usable) service, matching the engine's
// local-fallback design.
func NewService(cfg config.RedisConfig, logger zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	s := &Service{
		client:        redis.NewClient(opts),
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("addr", opts.Addr).Msg("redis connected")
	return s, nil
}

// IsHealthy returns whether Redis is currently available
func (s *Service) IsHealthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// GetJSON retrieves and unmarshals a value. redis.Nil passes through so
// callers can distinguish miss from failure.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if s == nil {
		return ErrDisabled
	}
	s.checkHealth()
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return err
		}
		s.recordFailure()
		return fmt.Errorf("redis get failed: %w", err)
	}
	s.recordSuccess()

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals and stores a value with TTL
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s == nil {
		return ErrDisabled
	}
	s.checkHealth()
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Incr atomically increments a counter, setting TTL on first increment
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	if !s.IsHealthy() {
		return 0, fmt.Errorf("redis unavailable")
	}

	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	if val == 1 && ttl > 0 {
		s.client.Expire(ctx, key, ttl)
	}
	s.recordSuccess()
	return val, nil
}

// SetNX stores a key only if absent. Returns true when this caller won the
// claim; used for signal dedup tokens.
func (s *Service) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, ErrDisabled
	}
	if !s.IsHealthy() {
		return false, fmt.Errorf("redis unavailable")
	}

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		s.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	s.recordSuccess()
	return ok, nil
}

// Delete removes a key
func (s *Service) Delete(ctx context.Context, key string) error {
	if s == nil {
		return ErrDisabled
	}
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Expire refreshes a key's TTL
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil {
		return ErrDisabled
	}
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}
	return s.client.Expire(ctx, key, ttl).Err()
}

// IsMiss reports whether err is a cache miss rather than a failure
func IsMiss(err error) bool {
	return err == redis.Nil
}

// Close closes the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Stats surfaces store health for the ops API
type Stats struct {
	Healthy      bool `json:"healthy"`
	FailureCount int  `json:"failure_count"`
}

// GetStats returns current store statistics
func (s *Service) GetStats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Healthy: s.healthy, FailureCount: s.failureCount}
}

// CircuitKey builds the shared key for a service's circuit record
func CircuitKey(service string) string {
	return fmt.Sprintf(PrefixCircuit, service)
}

// ProxyStateKey builds the shared key for a proxy's runtime state
func ProxyStateKey(proxyID string) string {
	return fmt.Sprintf(PrefixProxyState, proxyID)
}

// RateLimitKey builds the shared key for an exchange's backoff counter
func RateLimitKey(exchange string) string {
	return fmt.Sprintf(PrefixRateLimit, exchange)
}

// RateLimitUntilKey builds the shared key for an exchange's cooldown deadline
func RateLimitUntilKey(exchange string) string {
	return fmt.Sprintf(PrefixRateUntil, exchange)
}

// DedupKey builds the shared key for a signal idempotency token
func DedupKey(token string) string {
	return fmt.Sprintf(PrefixDedup, token)
}
