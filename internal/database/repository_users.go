package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetUser retrieves a user with settings joined
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.available_balance, u.subscription_tier, u.futures_enabled,
			u.max_positions, u.whales_limit, u.auto_copy_allowed, u.is_active, u.is_banned, u.created_at,
			s.user_id, s.default_trade_size_usdt, s.max_trade_size_usdt, s.daily_loss_limit_usdt,
			s.stop_loss_percent, s.take_profit_percent, s.max_leverage, s.preferred_exchange,
			s.trading_mode, s.sizing_strategy, s.kelly_fraction,
			s.notify_trades, s.notify_positions, s.notify_errors
		FROM users u
		JOIN user_settings s ON s.user_id = u.id
		WHERE u.id = $1`, id).Scan(
		&u.ID, &u.AvailableBalance, &u.SubscriptionTier, &u.FuturesEnabled,
		&u.MaxPositions, &u.WhalesLimit, &u.AutoCopyAllowed, &u.IsActive, &u.IsBanned, &u.CreatedAt,
		&u.Settings.UserID, &u.Settings.DefaultTradeSizeUSDT, &u.Settings.MaxTradeSizeUSDT, &u.Settings.DailyLossLimitUSDT,
		&u.Settings.StopLossPercent, &u.Settings.TakeProfitPercent, &u.Settings.MaxLeverage, &u.Settings.PreferredExchange,
		&u.Settings.TradingMode, &u.Settings.SizingStrategy, &u.Settings.KellyFraction,
		&u.Settings.NotifyTrades, &u.Settings.NotifyPositions, &u.Settings.NotifyErrors,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

// LockUserBalance acquires the row lock for a user inside tx and returns
// the current available balance. This is the single lock the engine holds;
// it serializes concurrent executions for one user.
func (r *Repository) LockUserBalance(ctx context.Context, tx pgx.Tx, userID int64) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT available_balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	return balance, nil
}

// AdjustUserBalance applies a delta to a locked user's available balance.
// Must run inside the transaction that holds the row lock.
func (r *Repository) AdjustUserBalance(ctx context.Context, tx pgx.Tx, userID int64, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET available_balance = available_balance + $2 WHERE id = $1`,
		userID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust balance for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}

// DailyRealizedLoss sums today's realized losses (absolute value) across
// the user's closed positions, for the daily loss limit gate.
func (r *Repository) DailyRealizedLoss(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var loss decimal.Decimal
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(ABS(SUM(realized_pnl)), 0)
		FROM positions
		WHERE user_id = $1
		  AND status IN ($2, $3)
		  AND closed_at >= date_trunc('day', NOW())
		  AND realized_pnl < 0`,
		userID, PositionClosed, PositionLiquidated).Scan(&loss)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum daily loss for user %d: %w", userID, err)
	}
	return loss, nil
}

// CountOpenPositions returns the user's OPEN position count
func (r *Repository) CountOpenPositions(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = $1 AND status = $2`,
		userID, PositionOpen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions for user %d: %w", userID, err)
	}
	return count, nil
}
