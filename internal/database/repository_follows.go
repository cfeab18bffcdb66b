package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Follower is one auto-copy follower of a whale with the user projection
// joined, ready for the risk gate and sizing.
type Follower struct {
	User   User
	Follow WhaleFollow
}

// ListAutoCopyFollowers returns every active, unbanned follower of a whale
// whose follow has auto-copy enabled and whose tier permits it.
func (r *Repository) ListAutoCopyFollowers(ctx context.Context, whaleID int64) ([]*Follower, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.available_balance, u.subscription_tier, u.futures_enabled,
			u.max_positions, u.whales_limit, u.auto_copy_allowed, u.is_active, u.is_banned, u.created_at,
			s.user_id, s.default_trade_size_usdt, s.max_trade_size_usdt, s.daily_loss_limit_usdt,
			s.stop_loss_percent, s.take_profit_percent, s.max_leverage, s.preferred_exchange,
			s.trading_mode, s.sizing_strategy, s.kelly_fraction,
			s.notify_trades, s.notify_positions, s.notify_errors,
			f.id, f.user_id, f.whale_id, f.auto_copy_enabled, f.trade_size_usdt, f.trade_size_percent,
			f.trading_mode_override, f.sizing_override, f.kelly_fraction_override,
			f.trades_copied, f.total_pnl_usdt, f.created_at
		FROM whale_follows f
		JOIN users u ON u.id = f.user_id
		JOIN user_settings s ON s.user_id = u.id
		WHERE f.whale_id = $1
		  AND f.auto_copy_enabled
		  AND u.is_active AND NOT u.is_banned AND u.auto_copy_allowed
		ORDER BY f.id`, whaleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers of whale %d: %w", whaleID, err)
	}
	defer rows.Close()

	var followers []*Follower
	for rows.Next() {
		var fw Follower
		err := rows.Scan(
			&fw.User.ID, &fw.User.AvailableBalance, &fw.User.SubscriptionTier, &fw.User.FuturesEnabled,
			&fw.User.MaxPositions, &fw.User.WhalesLimit, &fw.User.AutoCopyAllowed, &fw.User.IsActive, &fw.User.IsBanned, &fw.User.CreatedAt,
			&fw.User.Settings.UserID, &fw.User.Settings.DefaultTradeSizeUSDT, &fw.User.Settings.MaxTradeSizeUSDT, &fw.User.Settings.DailyLossLimitUSDT,
			&fw.User.Settings.StopLossPercent, &fw.User.Settings.TakeProfitPercent, &fw.User.Settings.MaxLeverage, &fw.User.Settings.PreferredExchange,
			&fw.User.Settings.TradingMode, &fw.User.Settings.SizingStrategy, &fw.User.Settings.KellyFraction,
			&fw.User.Settings.NotifyTrades, &fw.User.Settings.NotifyPositions, &fw.User.Settings.NotifyErrors,
			&fw.Follow.ID, &fw.Follow.UserID, &fw.Follow.WhaleID, &fw.Follow.AutoCopyEnabled, &fw.Follow.TradeSizeUSDT, &fw.Follow.TradeSizePercent,
			&fw.Follow.TradingModeOverride, &fw.Follow.SizingOverride, &fw.Follow.KellyFractionOverride,
			&fw.Follow.TradesCopied, &fw.Follow.TotalPnLUSDT, &fw.Follow.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan follower: %w", err)
		}
		followers = append(followers, &fw)
	}
	return followers, rows.Err()
}

// GetFollow retrieves one follow relationship, or nil when absent
func (r *Repository) GetFollow(ctx context.Context, userID, whaleID int64) (*WhaleFollow, error) {
	var f WhaleFollow
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, whale_id, auto_copy_enabled, trade_size_usdt, trade_size_percent,
			trading_mode_override, sizing_override, kelly_fraction_override,
			trades_copied, total_pnl_usdt, created_at
		FROM whale_follows WHERE user_id = $1 AND whale_id = $2`,
		userID, whaleID).Scan(
		&f.ID, &f.UserID, &f.WhaleID, &f.AutoCopyEnabled, &f.TradeSizeUSDT, &f.TradeSizePercent,
		&f.TradingModeOverride, &f.SizingOverride, &f.KellyFractionOverride,
		&f.TradesCopied, &f.TotalPnLUSDT, &f.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get follow (%d, %d): %w", userID, whaleID, err)
	}
	return &f, nil
}

// CreateFollow inserts a follow relationship
func (r *Repository) CreateFollow(ctx context.Context, f *WhaleFollow) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO whale_follows (user_id, whale_id, auto_copy_enabled, trade_size_usdt,
			trade_size_percent, trading_mode_override, sizing_override, kelly_fraction_override)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		f.UserID, f.WhaleID, f.AutoCopyEnabled, f.TradeSizeUSDT,
		f.TradeSizePercent, f.TradingModeOverride, f.SizingOverride, f.KellyFractionOverride,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	return nil
}

// IncrementFollowStats bumps the copy counter inside the confirm transaction
func (r *Repository) IncrementFollowStats(ctx context.Context, tx pgx.Tx, userID, whaleID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE whale_follows SET trades_copied = trades_copied + 1
		WHERE user_id = $1 AND whale_id = $2`,
		userID, whaleID)
	if err != nil {
		return fmt.Errorf("failed to increment follow stats: %w", err)
	}
	return nil
}

// AddFollowPnL accumulates a closed position's realized result onto the
// follow relationship inside tx.
func (r *Repository) AddFollowPnL(ctx context.Context, tx pgx.Tx, userID, whaleID int64, realizedPnL decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE whale_follows SET total_pnl_usdt = total_pnl_usdt + $3
		WHERE user_id = $1 AND whale_id = $2`,
		userID, whaleID, realizedPnL)
	if err != nil {
		return fmt.Errorf("failed to add follow pnl: %w", err)
	}
	return nil
}
