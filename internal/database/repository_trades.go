package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const tradeColumns = `id, user_id, signal_id, exchange, symbol, side, trade_type,
	size_usdt, quantity, leverage, status, exchange_order_id, executed_price,
	filled_quantity, fee_amount, fee_currency, created_at, executed_at,
	error_message, version`

func scanTrade(row interface{ Scan(...interface{}) error }) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.UserID, &t.SignalID, &t.Exchange, &t.Symbol, &t.Side, &t.TradeType,
		&t.SizeUSDT, &t.Quantity, &t.Leverage, &t.Status, &t.ExchangeOrderID, &t.ExecutedPrice,
		&t.FilledQuantity, &t.FeeAmount, &t.FeeCurrency, &t.CreatedAt, &t.ExecutedAt,
		&t.ErrorMessage, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTrade inserts a PENDING trade inside the reservation transaction
func (r *Repository) CreateTrade(ctx context.Context, tx pgx.Tx, t *Trade) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO trades (user_id, signal_id, exchange, symbol, side, trade_type,
			size_usdt, quantity, leverage, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		t.UserID, t.SignalID, t.Exchange, t.Symbol, t.Side, t.TradeType,
		t.SizeUSDT, t.Quantity, t.Leverage, TradePending,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	t.Status = TradePending
	return nil
}

// GetTrade retrieves a trade by id
func (r *Repository) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return t, nil
}

// SetTradeExecuting transitions PENDING -> EXECUTING before the exchange call
func (r *Repository) SetTradeExecuting(ctx context.Context, tradeID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE trades SET status = $1, version = version + 1
		WHERE id = $2 AND status = $3`,
		TradeExecuting, tradeID, TradePending)
	if err != nil {
		return fmt.Errorf("failed to set trade %d executing: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d not in PENDING", tradeID)
	}
	return nil
}

// ConfirmTradeFill records the exchange result inside the Phase 2A
// transaction: order id, fill details and terminal fill status.
func (r *Repository) ConfirmTradeFill(ctx context.Context, tx pgx.Tx, tradeID int64, orderID string,
	executedPrice, filledQty, fee decimal.Decimal, feeCurrency, status string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET status = $1, exchange_order_id = $2, executed_price = $3, filled_quantity = $4,
			fee_amount = $5, fee_currency = $6, executed_at = NOW(), version = version + 1
		WHERE id = $7 AND status = $8`,
		status, orderID, executedPrice, filledQty, fee, feeCurrency, tradeID, TradeExecuting)
	if err != nil {
		return fmt.Errorf("failed to confirm trade %d: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %d not in EXECUTING", tradeID)
	}
	return nil
}

// FailTrade marks a trade FAILED with its error message inside tx
func (r *Repository) FailTrade(ctx context.Context, tx pgx.Tx, tradeID int64, msg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE trades SET status = $1, error_message = $2, version = version + 1
		WHERE id = $3`,
		TradeFailed, msg, tradeID)
	if err != nil {
		return fmt.Errorf("failed to fail trade %d: %w", tradeID, err)
	}
	return nil
}

// MarkTradeNeedsReconciliation flags a trade stranded between the exchange
// call and the local commit. Runs on the pool, not the broken transaction.
func (r *Repository) MarkTradeNeedsReconciliation(ctx context.Context, tradeID int64, orderID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE trades
		SET status = $1, exchange_order_id = COALESCE(NULLIF($2, ''), exchange_order_id), version = version + 1
		WHERE id = $3`,
		TradeNeedsReconciliation, orderID, tradeID)
	if err != nil {
		return fmt.Errorf("failed to mark trade %d for reconciliation: %w", tradeID, err)
	}
	return nil
}

// ListTradesNeedingReconciliation returns trades awaiting finalization
func (r *Repository) ListTradesNeedingReconciliation(ctx context.Context) ([]*Trade, error) {
	return r.listTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE status = $1 ORDER BY created_at`,
		TradeNeedsReconciliation)
}

// ListStalePendingTrades returns PENDING trades without an exchange order
// id older than age. These never reached the exchange and are safe to cancel.
func (r *Repository) ListStalePendingTrades(ctx context.Context, age time.Duration) ([]*Trade, error) {
	cutoff := time.Now().Add(-age)
	return r.listTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = $1 AND exchange_order_id IS NULL AND created_at < $2
		ORDER BY created_at`,
		TradePending, cutoff)
}

func (r *Repository) listTrades(ctx context.Context, sql string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
