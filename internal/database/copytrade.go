package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InsufficientBalanceError is raised by the Phase-1 re-check when the locked
// balance no longer covers the trade. No reservation is made.
type InsufficientBalanceError struct {
	UserID    int64
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %d: have %s, need %s",
		e.UserID, e.Available.StringFixed(2), e.Required.StringFixed(2))
}

// ReserveTradeFunds runs Phase 1 of the copy-trade protocol as one
// transaction: lock the user row, re-verify the balance, insert the PENDING
// trade and decrement available_balance. On return the reservation is
// durable; a crash before here persists nothing.
func (r *Repository) ReserveTradeFunds(ctx context.Context, t *Trade) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := r.LockUserBalance(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		if balance.LessThan(t.SizeUSDT) {
			return &InsufficientBalanceError{UserID: t.UserID, Available: balance, Required: t.SizeUSDT}
		}
		if err := r.CreateTrade(ctx, tx, t); err != nil {
			return err
		}
		return r.AdjustUserBalance(ctx, tx, t.UserID, t.SizeUSDT.Neg())
	})
}

// CreateExitTrade inserts the PENDING exit-side trade for a position close.
// Closes release funds instead of reserving them, so no balance movement
// happens here; the credit lands in CloseTradeAndPosition.
func (r *Repository) CreateExitTrade(ctx context.Context, t *Trade) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return r.CreateTrade(ctx, tx, t)
	})
}

// ConfirmParams carries the exchange fill into the Phase 2A transaction
type ConfirmParams struct {
	TradeID        int64
	UserID         int64
	WhaleID        *int64
	Symbol         string
	PositionSide   string // LONG or SHORT
	PositionType   string // SPOT or FUTURES
	SizeUSDT       decimal.Decimal
	Leverage       int
	OrderID        string
	ExecutedPrice  decimal.Decimal
	FilledQuantity decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string
	FullyFilled    bool

	StopLossPrice    *decimal.Decimal
	TakeProfitPrice  *decimal.Decimal
	LiquidationPrice *decimal.Decimal
}

// ConfirmTradeAndPosition runs Phase 2A as one transaction: record the fill
// on the trade, then merge into the OPEN position with the same
// (user_id, symbol, whale_id) triple or create a new one. Positions sourced
// from different whales never merge. Follow statistics are bumped in the
// same transaction.
func (r *Repository) ConfirmTradeAndPosition(ctx context.Context, p ConfirmParams) (*Position, error) {
	var result *Position
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		status := TradeFilled
		if !p.FullyFilled {
			status = TradePartiallyFilled
		}
		if err := r.ConfirmTradeFill(ctx, tx, p.TradeID, p.OrderID,
			p.ExecutedPrice, p.FilledQuantity, p.Fee, p.FeeCurrency, status); err != nil {
			return err
		}

		existing, err := r.FindOpenPositionForUpdate(ctx, tx, p.UserID, p.Symbol, p.WhaleID)
		if err != nil {
			return err
		}

		if existing != nil && existing.Side == p.PositionSide {
			oldValue := existing.EntryPrice.Mul(existing.Quantity)
			newValue := p.ExecutedPrice.Mul(p.FilledQuantity)
			totalQty := existing.Quantity.Add(p.FilledQuantity)
			mergedEntry := oldValue.Add(newValue).Div(totalQty)
			if err := r.MergeIntoPosition(ctx, tx, existing.ID, mergedEntry, p.FilledQuantity, p.SizeUSDT); err != nil {
				return err
			}
			existing.EntryPrice = mergedEntry
			existing.Quantity = totalQty
			existing.RemainingQuantity = existing.RemainingQuantity.Add(p.FilledQuantity)
			existing.EntryValueUSDT = existing.EntryValueUSDT.Add(p.SizeUSDT)
			result = existing
		} else {
			pos := &Position{
				UserID:            p.UserID,
				WhaleID:           p.WhaleID,
				Symbol:            p.Symbol,
				Side:              p.PositionSide,
				PositionType:      p.PositionType,
				Quantity:          p.FilledQuantity,
				RemainingQuantity: p.FilledQuantity,
				EntryPrice:        p.ExecutedPrice,
				CurrentPrice:      &p.ExecutedPrice,
				EntryValueUSDT:    p.SizeUSDT,
				Leverage:          p.Leverage,
				LiquidationPrice:  p.LiquidationPrice,
				StopLossPrice:     p.StopLossPrice,
				TakeProfitPrice:   p.TakeProfitPrice,
				EntryTradeID:      &p.TradeID,
			}
			if err := r.CreatePosition(ctx, tx, pos); err != nil {
				return err
			}
			result = pos
		}

		if p.WhaleID != nil {
			return r.IncrementFollowStats(ctx, tx, p.UserID, *p.WhaleID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RollbackTradeReservation runs Phase 2B as one transaction: mark the trade
// FAILED with its error and restore the reserved balance under the row lock.
func (r *Repository) RollbackTradeReservation(ctx context.Context, tradeID, userID int64, size decimal.Decimal, msg string) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.FailTrade(ctx, tx, tradeID, msg); err != nil {
			return err
		}
		if _, err := r.LockUserBalance(ctx, tx, userID); err != nil {
			return err
		}
		return r.AdjustUserBalance(ctx, tx, userID, size)
	})
}

// CloseParams carries a reduce-only fill into the close transaction
type CloseParams struct {
	TradeID        int64
	PositionID     int64
	UserID         int64
	WhaleID        *int64
	OrderID        string
	ExitPrice      decimal.Decimal
	FilledQuantity decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string
	CloseReason    string
	Liquidated     bool

	// RealizedPnL covers the chunk being closed; BalanceCredit is the entry
	// value released plus that PnL. Both computed by the caller from the
	// canonical formulas.
	RealizedPnL   decimal.Decimal
	BalanceCredit decimal.Decimal
	Remaining     decimal.Decimal // zero means the position fully closes
}

// CloseTradeAndPosition runs the close-side Phase 2A as one transaction:
// confirm the exit trade, transition the position (CLOSED, LIQUIDATED, or
// still OPEN with a reduced remainder on partial fills), release the funds
// back to the user and accumulate follow PnL.
func (r *Repository) CloseTradeAndPosition(ctx context.Context, p CloseParams) (*Position, error) {
	var result *Position
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		fullyFilled := p.Remaining.IsZero()
		status := TradeFilled
		if !fullyFilled {
			status = TradePartiallyFilled
		}
		if err := r.ConfirmTradeFill(ctx, tx, p.TradeID, p.OrderID,
			p.ExitPrice, p.FilledQuantity, p.Fee, p.FeeCurrency, status); err != nil {
			return err
		}

		if fullyFilled {
			finalStatus := PositionClosed
			if p.Liquidated {
				finalStatus = PositionLiquidated
			}
			row := tx.QueryRow(ctx, `
				UPDATE positions
				SET status = $2, close_reason = $3, exit_price = $4, exit_trade_id = $5,
					remaining_quantity = 0,
					realized_pnl = COALESCE(realized_pnl, 0) + $6,
					closed_at = NOW()
				WHERE id = $1 AND status = $7
				RETURNING `+positionColumns,
				p.PositionID, finalStatus, p.CloseReason, p.ExitPrice, p.TradeID,
				p.RealizedPnL, PositionOpen)
			pos, err := scanPosition(row)
			if err != nil {
				return fmt.Errorf("failed to close position %d: %w", p.PositionID, err)
			}
			result = pos
		} else {
			row := tx.QueryRow(ctx, `
				UPDATE positions
				SET remaining_quantity = $2,
					realized_pnl = COALESCE(realized_pnl, 0) + $3
				WHERE id = $1 AND status = $4
				RETURNING `+positionColumns,
				p.PositionID, p.Remaining, p.RealizedPnL, PositionOpen)
			pos, err := scanPosition(row)
			if err != nil {
				return fmt.Errorf("failed to reduce position %d: %w", p.PositionID, err)
			}
			result = pos
		}

		if !p.BalanceCredit.IsZero() {
			if _, err := r.LockUserBalance(ctx, tx, p.UserID); err != nil {
				return err
			}
			if err := r.AdjustUserBalance(ctx, tx, p.UserID, p.BalanceCredit); err != nil {
				return err
			}
		}

		if p.WhaleID != nil {
			return r.AddFollowPnL(ctx, tx, p.UserID, *p.WhaleID, p.RealizedPnL)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LiquidatePosition marks a position LIQUIDATED without an exchange trade:
// the venue already seized the margin, so the engine only records the loss.
// exitPrice is the liquidation price; realizedPnL is computed by the caller.
func (r *Repository) LiquidatePosition(ctx context.Context, positionID, userID int64,
	whaleID *int64, exitPrice, realizedPnL, balanceCredit decimal.Decimal) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET status = $2, close_reason = $3, exit_price = $4, remaining_quantity = 0,
				realized_pnl = COALESCE(realized_pnl, 0) + $5, closed_at = NOW()
			WHERE id = $1 AND status = $6`,
			positionID, PositionLiquidated, CloseLiquidation, exitPrice, realizedPnL, PositionOpen)
		if err != nil {
			return fmt.Errorf("failed to liquidate position %d: %w", positionID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("position %d not OPEN", positionID)
		}

		if !balanceCredit.IsZero() {
			if _, err := r.LockUserBalance(ctx, tx, userID); err != nil {
				return err
			}
			if err := r.AdjustUserBalance(ctx, tx, userID, balanceCredit); err != nil {
				return err
			}
		}
		if whaleID != nil {
			return r.AddFollowPnL(ctx, tx, userID, *whaleID, realizedPnL)
		}
		return nil
	})
}

// CancelStaleReservation voids a PENDING trade that never reached the
// exchange and releases its reservation. Used by the reconciliation worker
// after a crash between Phase 1 and the exchange call.
func (r *Repository) CancelStaleReservation(ctx context.Context, t *Trade) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trades SET status = $1, error_message = $2, version = version + 1
			WHERE id = $3 AND status = $4 AND exchange_order_id IS NULL`,
			TradeFailed, "cancelled: never reached exchange", t.ID, TradePending)
		if err != nil {
			return fmt.Errorf("failed to cancel trade %d: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil // another worker got here first
		}
		if _, err := r.LockUserBalance(ctx, tx, t.UserID); err != nil {
			return err
		}
		return r.AdjustUserBalance(ctx, tx, t.UserID, t.SizeUSDT)
	})
}

// TouchTradeError appends context to a trade without changing status,
// used while a reconciliation attempt is still inconclusive.
func (r *Repository) TouchTradeError(ctx context.Context, tradeID int64, msg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE trades SET error_message = $2 WHERE id = $1`, tradeID, msg)
	if err != nil {
		return fmt.Errorf("failed to update trade %d error: %w", tradeID, err)
	}
	return nil
}

// ReconciliationAge reports how long a trade has been awaiting finalization
func ReconciliationAge(t *Trade) time.Duration {
	if t.ExecutedAt != nil {
		return time.Since(*t.ExecutedAt)
	}
	return time.Since(t.CreatedAt)
}
