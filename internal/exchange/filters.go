package exchange

import (
	"github.com/shopspring/decimal"
)

// QuantizeQuantity floors a quantity to the symbol's LOT_SIZE step.
// A result of zero, or one below the venue's minimum quantity, is a
// ValidationError rather than a silent skip.
func QuantizeQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	if info.StepSize.IsZero() {
		return quantity, nil
	}
	steps := quantity.Div(info.StepSize).Floor()
	q := steps.Mul(info.StepSize)
	if q.IsZero() {
		return decimal.Zero, &ValidationError{
			Field:  "quantity",
			Reason: "quantity " + quantity.String() + " quantizes to zero at step " + info.StepSize.String(),
		}
	}
	if !info.MinQuantity.IsZero() && q.LessThan(info.MinQuantity) {
		return decimal.Zero, &ValidationError{
			Field:  "quantity",
			Reason: "quantity " + q.String() + " below minimum " + info.MinQuantity.String(),
		}
	}
	return q, nil
}

// QuantizePrice floors a price to the symbol's tick size
func QuantizePrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	if info.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(info.TickSize).Floor()
	return ticks.Mul(info.TickSize)
}

// CheckNotional validates quantity*price against the symbol's notional floor
func CheckNotional(info *SymbolInfo, quantity, price decimal.Decimal, futures bool) error {
	minNotional := info.MinNotional
	if futures && !info.FuturesMinNotional.IsZero() {
		minNotional = info.FuturesMinNotional
	}
	if minNotional.IsZero() {
		return nil
	}
	notional := quantity.Mul(price)
	if notional.LessThan(minNotional) {
		return &ValidationError{
			Field:  "notional",
			Reason: "order value " + notional.StringFixed(2) + " below minimum " + minNotional.String(),
		}
	}
	return nil
}

// StopLossPrice computes an exchange-side stop trigger percent below entry
// for longs, above for shorts.
func StopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	frac := percent.Div(decimal.NewFromInt(100))
	if side == PositionShort {
		return entryPrice.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return entryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
}
