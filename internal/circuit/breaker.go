// Package circuit implements per-service circuit breakers shared across
// workers through Redis. Local state is authoritative when Redis degrades.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/cache"
	"whale-copy-trader/internal/exchange"
)

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// record is the per-service state machine. Guarded by Registry.mu.
type record struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at"`
	LastFailure  time.Time `json:"last_failure"`
}

// Registry holds one breaker per service key. Service keys are
// venue-scoped, e.g. "binance:fetch" or "okx:trade".
type Registry struct {
	mu       sync.Mutex
	services map[string]*record

	failureThreshold int
	failureWindow    time.Duration
	resetTimeout     time.Duration
	successThreshold int

	store  *cache.Service
	logger zerolog.Logger
}

// NewRegistry creates a breaker registry. store may be nil for purely
// local operation.
func NewRegistry(cfg config.CircuitBreakerConfig, store *cache.Service, logger zerolog.Logger) *Registry {
	return &Registry{
		services:         make(map[string]*record),
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		resetTimeout:     cfg.ResetTimeout,
		successThreshold: cfg.SuccessThreshold,
		store:            store,
		logger:           logger.With().Str("component", "circuit").Logger(),
	}
}

func (r *Registry) get(service string) *record {
	rec, ok := r.services[service]
	if !ok {
		rec = &record{State: StateClosed}
		r.services[service] = rec

		// Adopt shared state if another worker already tripped this service
		if r.store != nil && r.store.IsHealthy() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var shared record
			if err := r.store.GetJSON(ctx, cache.CircuitKey(service), &shared); err == nil {
				*rec = shared
			}
		}
	}
	return rec
}

func (r *Registry) publish(service string, rec *record) {
	if r.store == nil || !r.store.IsHealthy() {
		return
	}
	go func(snapshot record) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.store.SetJSON(ctx, cache.CircuitKey(service), snapshot, cache.DefaultCircuitTTL)
	}(*rec)
}

// Allow reports whether a call to service may proceed. When the circuit is
// open it returns a CircuitOpenError carrying the remaining cool-down.
// An expired open window transitions to HALF_OPEN and admits the call.
func (r *Registry) Allow(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(service)
	switch rec.State {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := time.Since(rec.OpenedAt)
		if elapsed >= r.resetTimeout {
			rec.State = StateHalfOpen
			rec.SuccessCount = 0
			r.logger.Info().Str("service", service).Msg("circuit half-open, probing")
			r.publish(service, rec)
			return nil
		}
		return &exchange.CircuitOpenError{Service: service, RetryIn: r.resetTimeout - elapsed}
	}
	return nil
}

// RecordSuccess registers a successful call
func (r *Registry) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(service)
	switch rec.State {
	case StateClosed:
		rec.FailureCount = 0
	case StateHalfOpen:
		rec.SuccessCount++
		if rec.SuccessCount >= r.successThreshold {
			rec.State = StateClosed
			rec.FailureCount = 0
			rec.SuccessCount = 0
			r.logger.Info().Str("service", service).Msg("circuit closed")
			r.publish(service, rec)
		}
	case StateOpen:
		// Late success from a call admitted before the trip; ignore
	}
}

// RecordFailure registers a failed call. Validation errors and circuit
// rejections never count against the breaker. Closed-state failures expire
// on a sliding window so sporadic errors do not accumulate forever.
func (r *Registry) RecordFailure(service string, err error) {
	var valErr *exchange.ValidationError
	var cbErr *exchange.CircuitOpenError
	if err == nil || errors.As(err, &valErr) || errors.As(err, &cbErr) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.get(service)
	now := time.Now()
	switch rec.State {
	case StateClosed:
		if r.failureWindow > 0 && !rec.LastFailure.IsZero() && now.Sub(rec.LastFailure) > r.failureWindow {
			rec.FailureCount = 0
		}
		rec.FailureCount++
		rec.LastFailure = now
		if rec.FailureCount >= r.failureThreshold {
			r.trip(service, rec)
		}
	case StateHalfOpen:
		// Failed probe reopens immediately
		rec.LastFailure = now
		r.trip(service, rec)
	case StateOpen:
	}
}

// trip moves a record to OPEN. Caller holds r.mu.
func (r *Registry) trip(service string, rec *record) {
	rec.State = StateOpen
	rec.OpenedAt = time.Now()
	rec.SuccessCount = 0
	r.logger.Warn().
		Str("service", service).
		Int("failure_count", rec.FailureCount).
		Dur("reset_timeout", r.resetTimeout).
		Msg("circuit opened")
	r.publish(service, rec)
}

// Execute runs fn under the breaker for service: rejected when open,
// recorded as success or failure otherwise.
func (r *Registry) Execute(service string, fn func() error) error {
	if err := r.Allow(service); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		r.RecordFailure(service, err)
		return err
	}
	r.RecordSuccess(service)
	return nil
}

// StateOf returns the current state of a service's breaker
func (r *Registry) StateOf(service string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(service).State
}

// ServiceStats is one breaker's snapshot for the ops API
type ServiceStats struct {
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// GetStats snapshots every tracked service
func (r *Registry) GetStats() map[string]ServiceStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]ServiceStats, len(r.services))
	for name, rec := range r.services {
		stats[name] = ServiceStats{
			State:        rec.State,
			FailureCount: rec.FailureCount,
			OpenedAt:     rec.OpenedAt,
		}
	}
	return stats
}
