package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const positionColumns = `id, user_id, whale_id, symbol, side, position_type,
	quantity, remaining_quantity, entry_price, current_price, exit_price,
	entry_value_usdt, current_value_usdt, leverage, liquidation_price,
	stop_loss_price, take_profit_price, unrealized_pnl, unrealized_pnl_percent,
	realized_pnl, status, close_reason, entry_trade_id, exit_trade_id,
	opened_at, closed_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.WhaleID, &p.Symbol, &p.Side, &p.PositionType,
		&p.Quantity, &p.RemainingQuantity, &p.EntryPrice, &p.CurrentPrice, &p.ExitPrice,
		&p.EntryValueUSDT, &p.CurrentValueUSDT, &p.Leverage, &p.LiquidationPrice,
		&p.StopLossPrice, &p.TakeProfitPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPercent,
		&p.RealizedPnL, &p.Status, &p.CloseReason, &p.EntryTradeID, &p.ExitTradeID,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPosition retrieves a position by id
func (r *Repository) GetPosition(ctx context.Context, id int64) (*Position, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return p, nil
}

// FindOpenPositionForUpdate locks and returns the OPEN position matching the
// (user_id, symbol, whale_id) triple, or nil when none exists. whale_id uses
// null-safe comparison so whale-less manual positions form their own scope.
func (r *Repository) FindOpenPositionForUpdate(ctx context.Context, tx pgx.Tx, userID int64, symbol string, whaleID *int64) (*Position, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND symbol = $2 AND whale_id IS NOT DISTINCT FROM $3 AND status = $4
		ORDER BY id
		LIMIT 1
		FOR UPDATE`,
		userID, symbol, whaleID, PositionOpen)
	p, err := scanPosition(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open position: %w", err)
	}
	return p, nil
}

// CreatePosition inserts a new OPEN position inside tx
func (r *Repository) CreatePosition(ctx context.Context, tx pgx.Tx, p *Position) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO positions (user_id, whale_id, symbol, side, position_type,
			quantity, remaining_quantity, entry_price, current_price, entry_value_usdt,
			leverage, liquidation_price, stop_loss_price, take_profit_price,
			status, entry_trade_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, opened_at`,
		p.UserID, p.WhaleID, p.Symbol, p.Side, p.PositionType,
		p.Quantity, p.RemainingQuantity, p.EntryPrice, p.CurrentPrice, p.EntryValueUSDT,
		p.Leverage, p.LiquidationPrice, p.StopLossPrice, p.TakeProfitPrice,
		PositionOpen, p.EntryTradeID,
	).Scan(&p.ID, &p.OpenedAt)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	p.Status = PositionOpen
	return nil
}

// MergeIntoPosition folds an additional fill into an existing OPEN position:
// weighted-average entry price, summed quantities and entry value. Runs
// inside the tx that holds the position row lock.
func (r *Repository) MergeIntoPosition(ctx context.Context, tx pgx.Tx, positionID int64,
	newEntryPrice, addQuantity, addValue decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE positions
		SET entry_price = $2,
			quantity = quantity + $3,
			remaining_quantity = remaining_quantity + $3,
			entry_value_usdt = entry_value_usdt + $4
		WHERE id = $1 AND status = $5`,
		positionID, newEntryPrice, addQuantity, addValue, PositionOpen)
	if err != nil {
		return fmt.Errorf("failed to merge into position %d: %w", positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d not OPEN", positionID)
	}
	return nil
}

// ListOpenPositions returns every OPEN position for the mark-to-market sweep
func (r *Repository) ListOpenPositions(ctx context.Context) ([]*Position, error) {
	return r.listPositions(ctx, `
		SELECT `+positionColumns+` FROM positions WHERE status = $1 ORDER BY id`,
		PositionOpen)
}

// ListOpenPositionsForWhale returns the OPEN positions sourced from a whale
// in one symbol. These are the targets of a whale close signal.
func (r *Repository) ListOpenPositionsForWhale(ctx context.Context, whaleID int64, symbol string) ([]*Position, error) {
	return r.listPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE whale_id = $1 AND symbol = $2 AND status = $3
		ORDER BY id`,
		whaleID, symbol, PositionOpen)
}

func (r *Repository) listPositions(ctx context.Context, sql string, args ...interface{}) ([]*Position, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionMark persists one mark-to-market observation
func (r *Repository) UpdatePositionMark(ctx context.Context, positionID int64,
	price, valueUSDT, unrealizedPnL, unrealizedPnLPercent decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE positions
		SET current_price = $2, current_value_usdt = $3, unrealized_pnl = $4, unrealized_pnl_percent = $5
		WHERE id = $1 AND status = $6`,
		positionID, price, valueUSDT, unrealizedPnL, unrealizedPnLPercent, PositionOpen)
	if err != nil {
		return fmt.Errorf("failed to update mark for position %d: %w", positionID, err)
	}
	return nil
}

// SetPositionStops updates the engine-side stop and target prices
func (r *Repository) SetPositionStops(ctx context.Context, positionID int64, stopLoss, takeProfit *decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE positions SET stop_loss_price = $2, take_profit_price = $3
		WHERE id = $1 AND status = $4`,
		positionID, stopLoss, takeProfit, PositionOpen)
	if err != nil {
		return fmt.Errorf("failed to set stops for position %d: %w", positionID, err)
	}
	return nil
}
