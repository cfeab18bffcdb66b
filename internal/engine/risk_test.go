package engine

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MinTradingBalanceUSDT: 50,
		MinTradeSizeUSDT:      10,
		MaxTradeSizeUSDT:      10000,
	}
}

func gateUser(balance float64) *database.User {
	return &database.User{
		ID:               1,
		AvailableBalance: decimal.NewFromFloat(balance),
		FuturesEnabled:   true,
		MaxPositions:     10,
		IsActive:         true,
		Settings: database.UserSettings{
			MaxTradeSizeUSDT: decimal.NewFromInt(500),
			MaxLeverage:      10,
			TradingMode:      "FUTURES",
		},
	}
}

func TestGateDenials(t *testing.T) {
	limit := decimal.NewFromInt(200)

	banned := gateUser(1000)
	banned.IsBanned = true

	inactive := gateUser(1000)
	inactive.IsActive = false

	noFutures := gateUser(1000)
	noFutures.FuturesEnabled = false

	lossCapped := gateUser(1000)
	lossCapped.Settings.DailyLossLimitUSDT = &limit

	tests := []struct {
		name       string
		in         RiskInput
		wantReason string
	}{
		{
			name:       "banned user",
			in:         RiskInput{User: banned, SizeUSDT: decimal.NewFromInt(100)},
			wantReason: "inactive or banned",
		},
		{
			name:       "inactive user",
			in:         RiskInput{User: inactive, SizeUSDT: decimal.NewFromInt(100)},
			wantReason: "inactive or banned",
		},
		{
			name:       "balance below trading minimum",
			in:         RiskInput{User: gateUser(20), SizeUSDT: decimal.NewFromInt(100)},
			wantReason: "below trading minimum",
		},
		{
			name:       "futures without entitlement",
			in:         RiskInput{User: noFutures, SizeUSDT: decimal.NewFromInt(100), IsFutures: true, Leverage: 5},
			wantReason: "futures not enabled",
		},
		{
			name:       "position slots exhausted",
			in:         RiskInput{User: gateUser(1000), SizeUSDT: decimal.NewFromInt(100), OpenPositions: 10},
			wantReason: "tier limit",
		},
		{
			name:       "daily loss limit reached",
			in:         RiskInput{User: lossCapped, SizeUSDT: decimal.NewFromInt(100), DailyLoss: decimal.NewFromInt(250)},
			wantReason: "daily loss limit",
		},
		{
			name:       "size below minimum",
			in:         RiskInput{User: gateUser(1000), SizeUSDT: decimal.NewFromInt(5)},
			wantReason: "below minimum",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Gate(testRiskConfig(), tt.in)
			if v.Allowed {
				t.Fatalf("expected denial, got allowed with size %s", v.Size)
			}
			if !strings.Contains(v.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", v.Reason, tt.wantReason)
			}
		})
	}
}

func TestGateClampsToUserMax(t *testing.T) {
	v := Gate(testRiskConfig(), RiskInput{
		User:     gateUser(5000),
		SizeUSDT: decimal.NewFromInt(800),
	})
	if !v.Allowed {
		t.Fatalf("denied: %s", v.Reason)
	}
	if !v.Size.Equal(decimal.NewFromInt(500)) {
		t.Errorf("size = %s, want clamped to 500", v.Size)
	}
	if len(v.Warnings) == 0 {
		t.Error("expected a clamp warning")
	}
}

func TestGateClampsToRemainingLossAllowance(t *testing.T) {
	user := gateUser(5000)
	limit := decimal.NewFromInt(300)
	user.Settings.DailyLossLimitUSDT = &limit

	v := Gate(testRiskConfig(), RiskInput{
		User:      user,
		SizeUSDT:  decimal.NewFromInt(400),
		DailyLoss: decimal.NewFromInt(250),
	})
	if !v.Allowed {
		t.Fatalf("denied: %s", v.Reason)
	}
	if !v.Size.Equal(decimal.NewFromInt(50)) {
		t.Errorf("size = %s, want 50 (remaining allowance)", v.Size)
	}
}

func TestGateClampsLeverage(t *testing.T) {
	v := Gate(testRiskConfig(), RiskInput{
		User:      gateUser(5000),
		SizeUSDT:  decimal.NewFromInt(100),
		IsFutures: true,
		Leverage:  50,
	})
	if !v.Allowed {
		t.Fatalf("denied: %s", v.Reason)
	}
	if v.Leverage != 10 {
		t.Errorf("leverage = %d, want clamped to 10", v.Leverage)
	}
}

func TestGateFuturesMinNotionalScalesByLeverage(t *testing.T) {
	// 100 USDT notional at 5x needs only 20 USDT of margin
	v := Gate(testRiskConfig(), RiskInput{
		User:        gateUser(5000),
		SizeUSDT:    decimal.NewFromInt(25),
		IsFutures:   true,
		Leverage:    5,
		MinNotional: decimal.NewFromInt(100),
	})
	if !v.Allowed {
		t.Fatalf("denied: %s", v.Reason)
	}

	v = Gate(testRiskConfig(), RiskInput{
		User:        gateUser(5000),
		SizeUSDT:    decimal.NewFromInt(15),
		IsFutures:   true,
		Leverage:    5,
		MinNotional: decimal.NewFromInt(100),
	})
	if v.Allowed {
		t.Fatal("15 USDT margin cannot reach the 100 USDT venue minimum at 5x")
	}
}

func TestGateSpotMinNotionalIsAbsolute(t *testing.T) {
	v := Gate(testRiskConfig(), RiskInput{
		User:        gateUser(5000),
		SizeUSDT:    decimal.NewFromInt(8),
		MinNotional: decimal.NewFromInt(10),
	})
	if v.Allowed {
		t.Fatal("8 USDT is below the 10 USDT spot minimum")
	}
}
