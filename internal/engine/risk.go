package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
)

// RiskInput gathers everything the pre-trade gate inspects
type RiskInput struct {
	User          *database.User
	SizeUSDT      decimal.Decimal
	IsFutures     bool
	Leverage      int
	MinNotional   decimal.Decimal // venue minimum for the market type
	DailyLoss     decimal.Decimal // realized loss so far today, positive
	OpenPositions int
}

// RiskVerdict is the gate's decision. When allowed, Size and Leverage carry
// the possibly-clamped values to execute with.
type RiskVerdict struct {
	Allowed  bool
	Reason   string
	Size     decimal.Decimal
	Leverage int
	Warnings []string
}

func denied(reason string) RiskVerdict {
	return RiskVerdict{Allowed: false, Reason: reason}
}

// Gate runs the pre-trade risk checks. Oversized trades are clamped with a
// warning; trades that end up below the minimum are denied, never silently
// resized upward.
func Gate(cfg config.RiskConfig, in RiskInput) RiskVerdict {
	user := in.User
	if !user.IsActive || user.IsBanned {
		return denied("user inactive or banned")
	}

	minBalance := decimal.NewFromFloat(cfg.MinTradingBalanceUSDT)
	if user.AvailableBalance.LessThan(minBalance) {
		return denied(fmt.Sprintf("balance %s below trading minimum %s",
			user.AvailableBalance.StringFixed(2), minBalance.StringFixed(2)))
	}

	if in.IsFutures && !user.FuturesEnabled {
		return denied("futures not enabled for subscription tier")
	}

	if user.MaxPositions > 0 && in.OpenPositions >= user.MaxPositions {
		return denied(fmt.Sprintf("open positions at tier limit (%d)", user.MaxPositions))
	}

	size := in.SizeUSDT
	var warnings []string

	if userMax := user.Settings.MaxTradeSizeUSDT; userMax.IsPositive() && size.GreaterThan(userMax) {
		warnings = append(warnings, fmt.Sprintf("size clamped from %s to user max %s",
			size.StringFixed(2), userMax.StringFixed(2)))
		size = userMax
	}

	if limit := user.Settings.DailyLossLimitUSDT; limit != nil && limit.IsPositive() {
		if in.DailyLoss.GreaterThanOrEqual(*limit) {
			return denied(fmt.Sprintf("daily loss limit reached (%s of %s)",
				in.DailyLoss.StringFixed(2), limit.StringFixed(2)))
		}
		remaining := limit.Sub(in.DailyLoss)
		if size.GreaterThan(remaining) {
			warnings = append(warnings, fmt.Sprintf("size clamped to remaining daily loss allowance %s",
				remaining.StringFixed(2)))
			size = remaining
		}
	}

	leverage := in.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if maxLev := user.Settings.MaxLeverage; maxLev > 0 && leverage > maxLev {
		warnings = append(warnings, fmt.Sprintf("leverage clamped from %dx to %dx", leverage, maxLev))
		leverage = maxLev
	}

	minSize := decimal.NewFromFloat(cfg.MinTradeSizeUSDT)
	if in.IsFutures && !in.MinNotional.IsZero() {
		// margin needed for the venue's minimum notional
		venueMin := in.MinNotional.Div(decimal.NewFromInt(int64(leverage)))
		if venueMin.GreaterThan(minSize) {
			minSize = venueMin
		}
	} else if !in.MinNotional.IsZero() && in.MinNotional.GreaterThan(minSize) {
		minSize = in.MinNotional
	}
	if size.LessThan(minSize) {
		return denied(fmt.Sprintf("size %s below minimum %s", size.StringFixed(2), minSize.StringFixed(2)))
	}

	return RiskVerdict{Allowed: true, Size: size, Leverage: leverage, Warnings: warnings}
}
