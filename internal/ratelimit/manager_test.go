package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/exchange"
)

func newTestManager(maxBackoff, maxWait time.Duration) *Manager {
	return NewManager(config.RateLimitConfig{
		MaxBackoff:    maxBackoff,
		MaxWaitPerTry: maxWait,
	}, nil, zerolog.Nop())
}

// ===== BACKOFF =====

func TestExponentialBackoffCapped(t *testing.T) {
	m := newTestManager(60*time.Second, 10*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		got := m.RecordRateLimit("binance")
		if got != w {
			t.Errorf("hit %d: backoff = %s, want %s", i+1, got, w)
		}
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	m := newTestManager(60*time.Second, 10*time.Second)

	m.RecordRateLimit("okx")
	m.RecordRateLimit("okx")
	m.RecordSuccess("okx")

	if got := m.RecordRateLimit("okx"); got != time.Second {
		t.Errorf("backoff after reset = %s, want 1s", got)
	}
	if ok, _ := m.CanProceed("bybit"); !ok {
		t.Error("untouched exchange should proceed")
	}
}

func TestCanProceedDuringCooldown(t *testing.T) {
	m := newTestManager(60*time.Second, 10*time.Second)

	m.RecordRateLimit("bitget")
	ok, remaining := m.CanProceed("bitget")
	if ok {
		t.Fatal("cooldown should block")
	}
	if remaining <= 0 || remaining > time.Second {
		t.Errorf("remaining = %s, want (0, 1s]", remaining)
	}
}

// ===== BOUNDED WAIT =====

func TestWaitRefusesLongCooldown(t *testing.T) {
	m := newTestManager(60*time.Second, 2*time.Second)

	// Drive backoff past the per-attempt cap
	for i := 0; i < 4; i++ {
		m.RecordRateLimit("binance")
	}
	start := time.Now()
	if m.Wait(context.Background(), "binance") {
		t.Fatal("wait should refuse a cooldown longer than the cap")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("refusal should be immediate")
	}
}

func TestWaitSleepsShortCooldown(t *testing.T) {
	m := newTestManager(60*time.Second, 10*time.Second)

	m.mu.Lock()
	m.get("bybit").until = time.Now().Add(30 * time.Millisecond)
	m.mu.Unlock()

	if !m.Wait(context.Background(), "bybit") {
		t.Fatal("short cooldown should be waited out")
	}
	if ok, _ := m.CanProceed("bybit"); !ok {
		t.Error("cooldown should have elapsed")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	m := newTestManager(60*time.Second, 10*time.Second)
	m.RecordRateLimit("okx")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m.Wait(ctx, "okx") {
		t.Fatal("cancelled wait should report false")
	}
}

// ===== CLASSIFICATION =====

func TestIsRateLimitResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"429", 429, "", true},
		{"418 teapot ban", 418, "", true},
		{"403 with rate body", 403, "request rate exceeded", true},
		{"403 plain forbidden", 403, "invalid api key", false},
		{"binance -1015", 400, `{"code":-1015,"msg":"Too many new orders"}`, true},
		{"okx 50011", 200, `{"code":"50011","msg":"Requests too frequent"}`, true},
		{"ordinary 500", 500, "internal error", false},
		{"ordinary 200", 200, `{"ok":true}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitResponse(tt.status, tt.body); got != tt.want {
				t.Errorf("IsRateLimitResponse(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed rate limit", &exchange.RateLimitError{Exchange: "binance"}, true},
		{"api error 429", &exchange.APIError{Exchange: "bybit", StatusCode: 429}, true},
		{"api error with okx code", &exchange.APIError{Exchange: "okx", StatusCode: 400, Code: "50011"}, true},
		{"message sniff too many", errors.New("Too Many Requests"), true},
		{"message sniff 429", fmt.Errorf("upstream: %w", errors.New("status 429")), true},
		{"plain network error", errors.New("connection refused"), false},
		{"validation", &exchange.ValidationError{Field: "quantity", Reason: "zero"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitError(tt.err); got != tt.want {
				t.Errorf("IsRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
