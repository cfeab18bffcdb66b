package engine

import (
	"errors"

	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
)

// ErrNoSizing is returned when no strategy yields a size. The engine never
// silently substitutes a default amount.
var ErrNoSizing = errors.New("no sizing configured")

var (
	percentFloor = decimal.NewFromFloat(0.5)
	percentCeil  = decimal.NewFromInt(25)
	kellyCap     = decimal.NewFromFloat(0.25)
)

// ComputeSize resolves the sizing strategy (per-whale override, then user
// default, then FIXED) and returns the pre-risk-gate trade size in USDT.
// The result is clamped to the global bounds and the available balance.
func ComputeSize(cfg config.RiskConfig, user *database.User, follow *database.WhaleFollow, whale *database.Whale) (decimal.Decimal, error) {
	strategy := database.SizingFixed
	if s := user.Settings.SizingStrategy; s != nil && *s != "" {
		strategy = *s
	}
	if follow != nil && follow.SizingOverride != nil && *follow.SizingOverride != "" {
		strategy = *follow.SizingOverride
	}

	var size decimal.Decimal
	switch strategy {
	case database.SizingFixed:
		size = fixedSize(user, follow)
	case database.SizingPercentBalance:
		size = percentSize(user, follow)
	case database.SizingKelly:
		size = kellySize(cfg, user, follow, whale)
	default:
		return decimal.Zero, ErrNoSizing
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNoSizing
	}

	return clampSize(cfg, user, size), nil
}

func fixedSize(user *database.User, follow *database.WhaleFollow) decimal.Decimal {
	if follow != nil && follow.TradeSizeUSDT != nil && follow.TradeSizeUSDT.IsPositive() {
		return *follow.TradeSizeUSDT
	}
	return user.Settings.DefaultTradeSizeUSDT
}

func percentSize(user *database.User, follow *database.WhaleFollow) decimal.Decimal {
	if follow == nil || follow.TradeSizePercent == nil {
		return decimal.Zero
	}
	percent := *follow.TradeSizePercent
	if percent.LessThan(percentFloor) {
		percent = percentFloor
	}
	if percent.GreaterThan(percentCeil) {
		percent = percentCeil
	}
	return user.AvailableBalance.Mul(percent).Div(decimal.NewFromInt(100))
}

// kellySize bets f = (W - (1-W)/R) x fraction of the balance, with the
// whale's win rate W and win/loss ratio R clamped into sane ranges. A
// non-positive edge falls back to the configured minimum trade.
func kellySize(cfg config.RiskConfig, user *database.User, follow *database.WhaleFollow, whale *database.Whale) decimal.Decimal {
	winRate := 0.5
	if whale != nil && whale.WinRate != nil {
		winRate = *whale.WinRate
	}
	winRate = clampFloat(winRate, 0.1, 0.9)

	ratio := 1.0
	if whale != nil && whale.AvgWinLossRatio != nil {
		ratio = *whale.AvgWinLossRatio
	}
	ratio = clampFloat(ratio, 0.5, 3.0)

	fraction := user.Settings.KellyFraction
	if follow != nil && follow.KellyFractionOverride != nil {
		fraction = *follow.KellyFractionOverride
	}
	if fraction == 0 {
		fraction = 0.5
	}
	fraction = clampFloat(fraction, 0.1, 1.0)

	f := (winRate - (1-winRate)/ratio) * fraction
	if f <= 0 {
		return decimal.NewFromFloat(cfg.MinTradeSizeUSDT)
	}
	fDec := decimal.NewFromFloat(f)
	if fDec.GreaterThan(kellyCap) {
		fDec = kellyCap
	}
	return user.AvailableBalance.Mul(fDec)
}

func clampSize(cfg config.RiskConfig, user *database.User, size decimal.Decimal) decimal.Decimal {
	if max := decimal.NewFromFloat(cfg.MaxTradeSizeUSDT); max.IsPositive() && size.GreaterThan(max) {
		size = max
	}
	if userMax := user.Settings.MaxTradeSizeUSDT; userMax.IsPositive() && size.GreaterThan(userMax) {
		size = userMax
	}
	if size.GreaterThan(user.AvailableBalance) {
		size = user.AvailableBalance
	}
	if min := decimal.NewFromFloat(cfg.MinTradeSizeUSDT); size.LessThan(min) {
		// gate rejects below-minimum sizes; surface the raw value
		return size
	}
	return size
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
