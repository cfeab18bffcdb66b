// Package proxy manages the outbound proxy pool: selection by last-use and
// success rate, per-exchange rate-limit cooldowns and automatic disabling
// of persistently failing proxies.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/cache"
)

// Status is a proxy's lifecycle state
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusDisabled    Status = "DISABLED"
)

// Proxy is one outbound proxy with its runtime counters. Guarded by Pool.mu.
type Proxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Protocol string `json:"protocol"`

	Status              Status               `json:"status"`
	TotalRequests       int64                `json:"total_requests"`
	SuccessfulRequests  int64                `json:"successful_requests"`
	FailedRequests      int64                `json:"failed_requests"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	AvgResponseTimeMs   float64              `json:"avg_response_time_ms"`
	LastUsed            time.Time            `json:"last_used"`
	LimitedUntil        map[string]time.Time `json:"limited_until"` // per-exchange cooldowns
}

// URL renders the proxy as a URL suitable for an HTTP client transport
func (p *Proxy) URL() string {
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%s", scheme, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%s", scheme, p.Host, p.Port)
}

// SuccessRate is the lifetime success ratio; unused proxies rank as perfect
// so fresh proxies get tried.
func (p *Proxy) SuccessRate() float64 {
	if p.TotalRequests == 0 {
		return 1.0
	}
	return float64(p.SuccessfulRequests) / float64(p.TotalRequests)
}

// Pool is the process-wide proxy pool
type Pool struct {
	mu      sync.Mutex
	proxies []*Proxy

	maxConsecutiveFails int
	rateLimitCooldown   time.Duration

	store  *cache.Service
	logger zerolog.Logger
}

// NewPool builds the pool from config: inline entries plus an optional
// file of host:port:user:pass lines. An empty pool is valid; the fetcher
// then connects directly.
func NewPool(cfg config.ProxyConfig, store *cache.Service, logger zerolog.Logger) (*Pool, error) {
	p := &Pool{
		maxConsecutiveFails: cfg.MaxConsecutiveFails,
		rateLimitCooldown:   time.Duration(cfg.RateLimitCooldown) * time.Second,
		store:               store,
		logger:              logger.With().Str("component", "proxy").Logger(),
	}
	if p.maxConsecutiveFails <= 0 {
		p.maxConsecutiveFails = 5
	}
	if p.rateLimitCooldown <= 0 {
		p.rateLimitCooldown = 60 * time.Second
	}

	for _, entry := range cfg.ProxyList {
		if proxy := parseProxy(entry); proxy != nil {
			p.proxies = append(p.proxies, proxy)
		}
	}
	if cfg.ProxyPoolFile != "" {
		if err := p.loadFile(cfg.ProxyPoolFile); err != nil {
			return nil, fmt.Errorf("failed to load proxy pool file: %w", err)
		}
	}

	p.logger.Info().Int("proxies", len(p.proxies)).Msg("proxy pool initialized")
	return p, nil
}

func (p *Pool) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if proxy := parseProxy(line); proxy != nil {
			p.proxies = append(p.proxies, proxy)
		}
	}
	return scanner.Err()
}

// parseProxy accepts host:port or host:port:user:pass
func parseProxy(entry string) *Proxy {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 2 {
		return nil
	}
	proxy := &Proxy{
		ID:           parts[0] + ":" + parts[1],
		Host:         parts[0],
		Port:         parts[1],
		Protocol:     "http",
		Status:       StatusActive,
		LimitedUntil: make(map[string]time.Time),
	}
	if len(parts) >= 4 {
		proxy.Username = parts[2]
		proxy.Password = parts[3]
	}
	return proxy
}

// Pick returns the best viable proxy for exchange: ACTIVE, not cooling down
// for that venue, least recently used first and success rate as tiebreak.
// Returns nil when no viable proxy exists.
func (p *Pool) Pick(exchange string) *Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var best *Proxy
	for _, candidate := range p.proxies {
		if candidate.Status == StatusDisabled {
			continue
		}
		if until, ok := candidate.LimitedUntil[exchange]; ok && now.Before(until) {
			continue
		}
		// Cooldown expired; restore ACTIVE
		if candidate.Status == StatusRateLimited {
			candidate.Status = StatusActive
		}
		if best == nil || candidate.LastUsed.Before(best.LastUsed) ||
			(candidate.LastUsed.Equal(best.LastUsed) && candidate.SuccessRate() > best.SuccessRate()) {
			best = candidate
		}
	}
	if best == nil {
		return nil
	}
	best.LastUsed = now
	return best
}

// Record updates a proxy's counters after a request. Five consecutive
// failures disable the proxy for the life of the process; a rate-limited
// outcome cools the proxy down for this exchange only.
func (p *Pool) Record(proxyID, exchange string, success bool, latencyMs int64, rateLimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proxy := p.find(proxyID)
	if proxy == nil {
		return
	}

	proxy.TotalRequests++
	if success {
		proxy.SuccessfulRequests++
		proxy.ConsecutiveFailures = 0
		// Exponential moving average over response times
		if proxy.AvgResponseTimeMs == 0 {
			proxy.AvgResponseTimeMs = float64(latencyMs)
		} else {
			proxy.AvgResponseTimeMs = proxy.AvgResponseTimeMs*0.8 + float64(latencyMs)*0.2
		}
	} else {
		proxy.FailedRequests++
		proxy.ConsecutiveFailures++
		if proxy.ConsecutiveFailures >= p.maxConsecutiveFails {
			proxy.Status = StatusDisabled
			p.logger.Warn().
				Str("proxy", proxy.ID).
				Int("consecutive_failures", proxy.ConsecutiveFailures).
				Msg("proxy disabled")
		}
	}

	if rateLimited {
		proxy.LimitedUntil[exchange] = time.Now().Add(p.rateLimitCooldown)
		if proxy.Status == StatusActive {
			proxy.Status = StatusRateLimited
		}
		p.logger.Debug().
			Str("proxy", proxy.ID).
			Str("exchange", exchange).
			Dur("cooldown", p.rateLimitCooldown).
			Msg("proxy rate limited for exchange")
	}

	p.publish(proxy)
}

// find assumes p.mu is held
func (p *Pool) find(proxyID string) *Proxy {
	for _, proxy := range p.proxies {
		if proxy.ID == proxyID {
			return proxy
		}
	}
	return nil
}

// Enable restores a DISABLED proxy to ACTIVE. Operator action via the ops API.
func (p *Pool) Enable(proxyID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	proxy := p.find(proxyID)
	if proxy == nil {
		return false
	}
	proxy.Status = StatusActive
	proxy.ConsecutiveFailures = 0
	p.logger.Info().Str("proxy", proxy.ID).Msg("proxy re-enabled")
	p.publish(proxy)
	return true
}

// publish mirrors runtime state to the shared store. Caller holds p.mu.
func (p *Pool) publish(proxy *Proxy) {
	if p.store == nil || !p.store.IsHealthy() {
		return
	}
	go func(snapshot Proxy) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.store.SetJSON(ctx, cache.ProxyStateKey(snapshot.ID), snapshot, cache.DefaultProxyTTL)
	}(*proxy)
}

// Size returns the total number of configured proxies
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// PoolStats summarizes the pool for the ops API
type PoolStats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	RateLimited int `json:"rate_limited"`
	Disabled    int `json:"disabled"`
}

// GetStats returns pool counts by status
func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Total: len(p.proxies)}
	for _, proxy := range p.proxies {
		switch proxy.Status {
		case StatusActive:
			stats.Active++
		case StatusRateLimited:
			stats.RateLimited++
		case StatusDisabled:
			stats.Disabled++
		}
	}
	return stats
}
