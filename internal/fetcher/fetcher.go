// Package fetcher runs the parallel whale-position fetch fan-out. It holds
// a global in-flight cap plus a per-venue cap, routes each whale through a
// pool proxy, and records every outcome with both the proxy pool and the
// rate-limit manager.
package fetcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/proxy"
	"whale-copy-trader/internal/ratelimit"
)

// FetchResult is the outcome of one whale fetch attempt chain
type FetchResult struct {
	Whale       *database.Whale
	Success     bool
	Positions   []exchange.WhalePosition
	Err         error
	LatencyMs   int64
	ProxyID     string
	RateLimited bool
}

// Fetcher fans a whale batch out across position sources
type Fetcher struct {
	sources   map[string]exchange.PositionSource
	proxies   *proxy.Pool
	limits    *ratelimit.Manager
	logger    zerolog.Logger
	maxRetry  int

	globalSem   chan struct{}
	exchangeSem map[string]chan struct{}

	fetched      atomic.Int64
	failed       atomic.Int64
	rateLimited  atomic.Int64
}

func New(cfg config.FetcherConfig, sources map[string]exchange.PositionSource, proxies *proxy.Pool, limits *ratelimit.Manager, logger zerolog.Logger) *Fetcher {
	exchangeSem := make(map[string]chan struct{}, len(cfg.ExchangeLimits))
	for venue, limit := range cfg.ExchangeLimits {
		if limit <= 0 {
			limit = 1
		}
		exchangeSem[venue] = make(chan struct{}, limit)
	}

	return &Fetcher{
		sources:     sources,
		proxies:     proxies,
		limits:      limits,
		logger:      logger.With().Str("component", "fetcher").Logger(),
		maxRetry:    cfg.MaxRetries,
		globalSem:   make(chan struct{}, cfg.GlobalConcurrency),
		exchangeSem: exchangeSem,
	}
}

// FetchBatch fetches every whale concurrently and returns results in input
// order. Blocks until all fetches complete or ctx is done.
func (f *Fetcher) FetchBatch(ctx context.Context, whales []*database.Whale) []FetchResult {
	results := make([]FetchResult, len(whales))
	var wg sync.WaitGroup
	for i, whale := range whales {
		wg.Add(1)
		go func(idx int, w *database.Whale) {
			defer wg.Done()
			results[idx] = f.fetchOne(ctx, w)
		}(i, whale)
	}
	wg.Wait()
	return results
}

// fetchOne acquires both semaphores, then runs up to 1+maxRetry attempts,
// re-picking the proxy on each retry.
func (f *Fetcher) fetchOne(ctx context.Context, whale *database.Whale) FetchResult {
	result := FetchResult{Whale: whale}

	source, ok := f.sources[whale.Exchange]
	if !ok {
		result.Err = &exchange.ValidationError{Field: "exchange", Reason: "no position source for " + whale.Exchange}
		f.failed.Add(1)
		return result
	}
	venueSem, ok := f.exchangeSem[whale.Exchange]
	if !ok {
		venueSem = f.globalSem
	}

	select {
	case f.globalSem <- struct{}{}:
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}
	defer func() { <-f.globalSem }()

	select {
	case venueSem <- struct{}{}:
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}
	defer func() { <-venueSem }()

	for attempt := 0; attempt <= f.maxRetry; attempt++ {
		if !f.limits.Wait(ctx, whale.Exchange) {
			result.Err = &exchange.RateLimitError{Exchange: whale.Exchange}
			result.RateLimited = true
			break
		}

		var proxyURL, proxyID string
		if p := f.proxies.Pick(whale.Exchange); p != nil {
			proxyURL = p.URL()
			proxyID = p.ID
		}
		result.ProxyID = proxyID

		started := time.Now()
		positions, err := source.FetchWhalePositions(ctx, whale.ExchangeUID, proxyURL)
		latency := time.Since(started).Milliseconds()
		result.LatencyMs = latency

		rateLimited := exchange.IsRateLimited(err)
		if proxyID != "" {
			f.proxies.Record(proxyID, whale.Exchange, err == nil, latency, rateLimited)
		}

		if err == nil {
			f.limits.RecordSuccess(whale.Exchange)
			result.Success = true
			result.Positions = positions
			result.Err = nil
			f.fetched.Add(1)
			return result
		}

		result.Err = err
		if rateLimited {
			result.RateLimited = true
			backoff := f.limits.RecordRateLimit(whale.Exchange)
			f.logger.Debug().
				Str("exchange", whale.Exchange).
				Int64("whale_id", whale.ID).
				Dur("backoff", backoff).
				Msg("Fetch rate limited")
		}
		if ctx.Err() != nil {
			break
		}
	}

	if result.RateLimited {
		f.rateLimited.Add(1)
	}
	f.failed.Add(1)
	f.logger.Debug().
		Err(result.Err).
		Str("exchange", whale.Exchange).
		Int64("whale_id", whale.ID).
		Msg("Fetch failed after retries")
	return result
}

// Stats is a snapshot of fetcher counters
type Stats struct {
	Fetched     int64 `json:"fetched"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	InFlight    int   `json:"in_flight"`
}

func (f *Fetcher) GetStats() Stats {
	return Stats{
		Fetched:     f.fetched.Load(),
		Failed:      f.failed.Load(),
		RateLimited: f.rateLimited.Load(),
		InFlight:    len(f.globalSem),
	}
}
