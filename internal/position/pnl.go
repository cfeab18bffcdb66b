// Package position maintains open positions: mark-to-market valuation,
// stop-loss/take-profit/liquidation triggers and the PnL math used when a
// position closes.
package position

import (
	"github.com/shopspring/decimal"

	"whale-copy-trader/internal/database"
)

var hundred = decimal.NewFromInt(100)

// PriceChangePercent is the directional move from entry to price: positive
// when the position is in profit, for both sides.
func PriceChangePercent(side string, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	if side == database.TradeTypeFuturesShort || side == "SHORT" || side == "SELL" {
		return entry.Sub(price).Div(entry).Mul(hundred)
	}
	return price.Sub(entry).Div(entry).Mul(hundred)
}

// PnL is the realized result of closing (a chunk of) a position
type PnL struct {
	PriceChangePct decimal.Decimal
	GrossUSDT      decimal.Decimal
	RealizedUSDT   decimal.Decimal
	RealizedPct    decimal.Decimal
}

// Realize computes PnL for a closed chunk. sizeUSDT is the entry value of
// the chunk (margin for futures), fees the total fees attributed to it.
// Leverage multiplies both the dollar and percent results.
func Realize(side string, entry, exit, sizeUSDT, fees decimal.Decimal, leverage int) PnL {
	if leverage < 1 {
		leverage = 1
	}
	lev := decimal.NewFromInt(int64(leverage))

	pct := PriceChangePercent(side, entry, exit)
	gross := sizeUSDT.Mul(pct).Div(hundred).Mul(lev)
	realized := gross.Sub(fees)

	realizedPct := pct.Mul(lev)
	if !sizeUSDT.IsZero() {
		realizedPct = realizedPct.Sub(fees.Div(sizeUSDT).Mul(hundred).Mul(lev))
	}
	return PnL{
		PriceChangePct: pct,
		GrossUSDT:      gross,
		RealizedUSDT:   realized,
		RealizedPct:    realizedPct,
	}
}

// Unrealized computes the open PnL of a position at the given mark price
func Unrealized(p *database.Position, mark decimal.Decimal) (pnl, pnlPct decimal.Decimal) {
	res := Realize(p.Side, p.EntryPrice, mark, p.EntryValueUSDT, decimal.Zero, p.Leverage)
	return res.RealizedUSDT, res.RealizedPct
}

// ShouldTriggerStopLoss reports whether the mark price crossed the stop
func ShouldTriggerStopLoss(p *database.Position, mark decimal.Decimal) bool {
	if p.StopLossPrice == nil || p.StopLossPrice.IsZero() {
		return false
	}
	if isShort(p.Side) {
		return mark.GreaterThanOrEqual(*p.StopLossPrice)
	}
	return mark.LessThanOrEqual(*p.StopLossPrice)
}

// ShouldTriggerTakeProfit reports whether the mark price crossed the target
func ShouldTriggerTakeProfit(p *database.Position, mark decimal.Decimal) bool {
	if p.TakeProfitPrice == nil || p.TakeProfitPrice.IsZero() {
		return false
	}
	if isShort(p.Side) {
		return mark.LessThanOrEqual(*p.TakeProfitPrice)
	}
	return mark.GreaterThanOrEqual(*p.TakeProfitPrice)
}

// IsLiquidated reports whether the mark price crossed the liquidation price
func IsLiquidated(p *database.Position, mark decimal.Decimal) bool {
	if p.LiquidationPrice == nil || p.LiquidationPrice.IsZero() {
		return false
	}
	if isShort(p.Side) {
		return mark.GreaterThanOrEqual(*p.LiquidationPrice)
	}
	return mark.LessThanOrEqual(*p.LiquidationPrice)
}

// EstimateLiquidationPrice approximates the cross-margin liquidation level
// from entry and leverage. The venue's own engine is authoritative; this
// estimate only drives the local sweep.
func EstimateLiquidationPrice(side string, entry decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 1 {
		return decimal.Zero
	}
	move := entry.Div(decimal.NewFromInt(int64(leverage)))
	if isShort(side) {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

func isShort(side string) bool {
	return side == "SHORT" || side == database.TradeTypeFuturesShort || side == "SELL"
}
