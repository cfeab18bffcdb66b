// Package engine executes copy trades: follower resolution, risk gating,
// position sizing, and the two-phase reserve/confirm protocol that keeps
// balances and positions consistent across crashes.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"whale-copy-trader/internal/database"
)

// Store is the persistence surface the engine needs. Every mutation is a
// single atomic operation; the engine never holds a transaction itself.
// *database.Repository satisfies this interface.
type Store interface {
	GetUser(ctx context.Context, id int64) (*database.User, error)
	GetWhale(ctx context.Context, id int64) (*database.Whale, error)
	GetFollow(ctx context.Context, userID, whaleID int64) (*database.WhaleFollow, error)
	ListAutoCopyFollowers(ctx context.Context, whaleID int64) ([]*database.Follower, error)
	ListOpenPositionsForWhale(ctx context.Context, whaleID int64, symbol string) ([]*database.Position, error)
	GetPosition(ctx context.Context, id int64) (*database.Position, error)
	DailyRealizedLoss(ctx context.Context, userID int64) (decimal.Decimal, error)
	CountOpenPositions(ctx context.Context, userID int64) (int, error)

	ReserveTradeFunds(ctx context.Context, t *database.Trade) error
	CreateExitTrade(ctx context.Context, t *database.Trade) error
	SetTradeExecuting(ctx context.Context, tradeID int64) error
	ConfirmTradeAndPosition(ctx context.Context, p database.ConfirmParams) (*database.Position, error)
	RollbackTradeReservation(ctx context.Context, tradeID, userID int64, size decimal.Decimal, msg string) error
	MarkTradeNeedsReconciliation(ctx context.Context, tradeID int64, orderID string) error
	CloseTradeAndPosition(ctx context.Context, p database.CloseParams) (*database.Position, error)
}
