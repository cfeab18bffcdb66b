package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/proxy"
	"whale-copy-trader/internal/ratelimit"
)

type fakeSource struct {
	name string

	mu        sync.Mutex
	calls     int
	failFirst int
	err       error
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	delay     time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchWhalePositions(ctx context.Context, uid, proxyURL string) ([]exchange.WhalePosition, error) {
	cur := f.inFlight.Add(1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.err != nil && call <= f.failFirst {
		return nil, f.err
	}
	return []exchange.WhalePosition{{
		Symbol:      "BTCUSDT",
		Side:        exchange.PositionLong,
		Quantity:    decimal.NewFromInt(2),
		EntryPrice:  decimal.NewFromInt(60000),
		MarkPrice:   decimal.NewFromInt(65000),
		NotionalUSD: decimal.NewFromInt(130000),
		Leverage:    10,
	}}, nil
}

func testFetcher(t *testing.T, src *fakeSource, cfg config.FetcherConfig) *Fetcher {
	t.Helper()
	logger := zerolog.Nop()
	pool, err := proxy.NewPool(config.ProxyConfig{
		ProxyList: []string{"10.0.0.1:8080", "10.0.0.2:8080"},
	}, nil, logger)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	limits := ratelimit.NewManager(config.RateLimitConfig{
		MaxBackoff:    time.Second,
		MaxWaitPerTry: 50 * time.Millisecond,
	}, nil, logger)
	return New(cfg, map[string]exchange.PositionSource{src.name: src}, pool, limits, logger)
}

func testWhales(exchangeName string, n int) []*database.Whale {
	whales := make([]*database.Whale, n)
	for i := range whales {
		whales[i] = &database.Whale{
			ID:          int64(i + 1),
			Exchange:    exchangeName,
			ExchangeUID: "uid",
			IsActive:    true,
		}
	}
	return whales
}

func TestFetchBatchSuccess(t *testing.T) {
	src := &fakeSource{name: exchange.Binance}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.Binance: 10},
		MaxRetries:        1,
	})

	results := f.FetchBatch(context.Background(), testWhales(exchange.Binance, 5))
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result %d failed: %v", i, r.Err)
		}
		if len(r.Positions) != 1 {
			t.Errorf("result %d: expected 1 position, got %d", i, len(r.Positions))
		}
		if r.ProxyID == "" {
			t.Errorf("result %d: expected a proxy to be used", i)
		}
	}
	if got := f.GetStats().Fetched; got != 5 {
		t.Errorf("expected 5 fetched, got %d", got)
	}
}

func TestFetchRetriesWithFreshProxy(t *testing.T) {
	src := &fakeSource{name: exchange.Bybit, failFirst: 1, err: errors.New("connection reset")}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.Bybit: 5},
		MaxRetries:        1,
	})

	results := f.FetchBatch(context.Background(), testWhales(exchange.Bybit, 1))
	if !results[0].Success {
		t.Fatalf("expected success after retry, got %v", results[0].Err)
	}
	if src.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", src.calls)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	src := &fakeSource{name: exchange.OKX, failFirst: 10, err: errors.New("boom")}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.OKX: 3},
		MaxRetries:        1,
	})

	results := f.FetchBatch(context.Background(), testWhales(exchange.OKX, 1))
	if results[0].Success {
		t.Fatal("expected failure")
	}
	if results[0].Err == nil {
		t.Fatal("expected error to be reported")
	}
	if src.calls != 2 {
		t.Errorf("expected initial attempt plus one retry, got %d calls", src.calls)
	}
}

func TestFetchMarksRateLimited(t *testing.T) {
	src := &fakeSource{
		name:      exchange.Binance,
		failFirst: 10,
		err:       &exchange.RateLimitError{Exchange: exchange.Binance, RetryAfter: time.Second},
	}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.Binance: 10},
		MaxRetries:        1,
	})

	results := f.FetchBatch(context.Background(), testWhales(exchange.Binance, 1))
	if results[0].Success {
		t.Fatal("expected failure")
	}
	if !results[0].RateLimited {
		t.Error("expected result to be marked rate limited")
	}
	if f.GetStats().RateLimited != 1 {
		t.Errorf("expected rate-limited counter 1, got %d", f.GetStats().RateLimited)
	}
}

func TestFetchUnknownExchange(t *testing.T) {
	src := &fakeSource{name: exchange.Binance}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.Binance: 10},
	})

	results := f.FetchBatch(context.Background(), testWhales("kraken", 1))
	if results[0].Success {
		t.Fatal("expected failure for unsupported venue")
	}
	var valErr *exchange.ValidationError
	if !errors.As(results[0].Err, &valErr) {
		t.Errorf("expected validation error, got %v", results[0].Err)
	}
}

func TestPerExchangeConcurrencyCap(t *testing.T) {
	src := &fakeSource{name: exchange.Bitget, delay: 30 * time.Millisecond}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 25,
		ExchangeLimits:    map[string]int{exchange.Bitget: 3},
		MaxRetries:        0,
	})

	f.FetchBatch(context.Background(), testWhales(exchange.Bitget, 12))
	if max := src.maxSeen.Load(); max > 3 {
		t.Errorf("per-exchange cap violated: saw %d concurrent fetches", max)
	}
}

func TestFetchBatchHonorsContext(t *testing.T) {
	src := &fakeSource{name: exchange.Binance, delay: 50 * time.Millisecond}
	f := testFetcher(t, src, config.FetcherConfig{
		GlobalConcurrency: 1,
		ExchangeLimits:    map[string]int{exchange.Binance: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.FetchBatch(ctx, testWhales(exchange.Binance, 3))
	for i, r := range results {
		if r.Success {
			t.Errorf("result %d: expected cancellation, got success", i)
		}
	}
}
