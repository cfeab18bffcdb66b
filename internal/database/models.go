package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Whale data status constants
const (
	WhaleDataActive = "ACTIVE"
	WhaleDataStale  = "STALE"
	WhaleDataDead   = "DEAD"
)

// Signal source constants
const (
	SignalSourceWhale     = "WHALE"
	SignalSourceIndicator = "INDICATOR"
	SignalSourceManual    = "MANUAL"
	SignalSourceBot       = "BOT"
	SignalSourceWebhook   = "WEBHOOK"
)

// Signal priority constants
const (
	PriorityHigh   = "HIGH"
	PriorityMedium = "MEDIUM"
	PriorityLow    = "LOW"
)

// Signal status constants
const (
	SignalPending    = "PENDING"
	SignalProcessing = "PROCESSING"
	SignalProcessed  = "PROCESSED"
	SignalFailed     = "FAILED"
	SignalExpired    = "EXPIRED"
)

// Trade type constants
const (
	TradeTypeSpot         = "SPOT"
	TradeTypeFuturesLong  = "FUTURES_LONG"
	TradeTypeFuturesShort = "FUTURES_SHORT"
)

// Trade status constants
const (
	TradePending             = "PENDING"
	TradeExecuting           = "EXECUTING"
	TradeFilled              = "FILLED"
	TradePartiallyFilled     = "PARTIALLY_FILLED"
	TradeFailed              = "FAILED"
	TradeNeedsReconciliation = "NEEDS_RECONCILIATION"
)

// Position status constants
const (
	PositionOpen       = "OPEN"
	PositionClosed     = "CLOSED"
	PositionLiquidated = "LIQUIDATED"
)

// Position type constants
const (
	PositionTypeSpot    = "SPOT"
	PositionTypeFutures = "FUTURES"
)

// Close reason constants
const (
	CloseManual      = "MANUAL"
	CloseStopLoss    = "STOP_LOSS"
	CloseTakeProfit  = "TAKE_PROFIT"
	CloseWhaleExit   = "WHALE_EXIT"
	CloseLiquidation = "LIQUIDATION"
	CloseAuto        = "AUTO_CLOSE"
)

// Sizing strategy constants
const (
	SizingFixed          = "FIXED"
	SizingPercentBalance = "PERCENT_BALANCE"
	SizingKelly          = "KELLY"
)

// Whale represents a tracked account on a CEX or chain
type Whale struct {
	ID                int64      `json:"id"`
	Exchange          string     `json:"exchange"`
	ExchangeUID       string     `json:"exchange_uid"`
	Chain             *string    `json:"chain,omitempty"`
	Address           *string    `json:"address,omitempty"`
	DisplayName       string     `json:"display_name"`
	PriorityScore     int        `json:"priority_score"`
	DataStatus        string     `json:"data_status"`
	LastPositionFound *time.Time `json:"last_position_found,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	FollowerCount     int        `json:"follower_count"`
	WinRate           *float64   `json:"win_rate,omitempty"`     // [0,1], from performance tracking
	AvgWinLossRatio   *float64   `json:"avg_win_loss,omitempty"` // avg win / avg loss
	ROIPercent        *float64   `json:"roi_percent,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Signal represents one detected whale action awaiting copy execution
type Signal struct {
	ID                  int64           `json:"id"`
	WhaleID             int64           `json:"whale_id"`
	Source              string          `json:"source"`
	Symbol              string          `json:"symbol"`
	Side                string          `json:"side"`
	TradeType           string          `json:"trade_type"`
	Price               decimal.Decimal `json:"price"`
	SizeUSD             decimal.Decimal `json:"size_usd"`
	IsClose             bool            `json:"is_close"`
	Priority            string          `json:"priority"`
	Status              string          `json:"status"`
	DedupToken          string          `json:"dedup_token"`
	DetectedAt          time.Time       `json:"detected_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	TradesExecuted      int             `json:"trades_executed"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	Version             int             `json:"version"`
}

// Trade represents one follower-side order execution
type Trade struct {
	ID              int64            `json:"id"`
	UserID          int64            `json:"user_id"`
	SignalID        *int64           `json:"signal_id,omitempty"`
	Exchange        string           `json:"exchange"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	TradeType       string           `json:"trade_type"`
	SizeUSDT        decimal.Decimal  `json:"size_usdt"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Leverage        int              `json:"leverage"`
	Status          string           `json:"status"`
	ExchangeOrderID *string          `json:"exchange_order_id,omitempty"`
	ExecutedPrice   *decimal.Decimal `json:"executed_price,omitempty"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	FeeAmount       decimal.Decimal  `json:"fee_amount"`
	FeeCurrency     string           `json:"fee_currency"`
	CreatedAt       time.Time        `json:"created_at"`
	ExecutedAt      *time.Time       `json:"executed_at,omitempty"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	Version         int              `json:"version"`
}

// Position represents one follower's open or closed position, scoped to
// the whale that originated it. Two whales' positions in the same symbol
// never merge.
type Position struct {
	ID                   int64            `json:"id"`
	UserID               int64            `json:"user_id"`
	WhaleID              *int64           `json:"whale_id,omitempty"`
	Symbol               string           `json:"symbol"`
	Side                 string           `json:"side"`
	PositionType         string           `json:"position_type"`
	Quantity             decimal.Decimal  `json:"quantity"`
	RemainingQuantity    decimal.Decimal  `json:"remaining_quantity"`
	EntryPrice           decimal.Decimal  `json:"entry_price"`
	CurrentPrice         *decimal.Decimal `json:"current_price,omitempty"`
	ExitPrice            *decimal.Decimal `json:"exit_price,omitempty"`
	EntryValueUSDT       decimal.Decimal  `json:"entry_value_usdt"`
	CurrentValueUSDT     *decimal.Decimal `json:"current_value_usdt,omitempty"`
	Leverage             int              `json:"leverage"`
	LiquidationPrice     *decimal.Decimal `json:"liquidation_price,omitempty"`
	StopLossPrice        *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice      *decimal.Decimal `json:"take_profit_price,omitempty"`
	UnrealizedPnL        *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPercent *decimal.Decimal `json:"unrealized_pnl_percent,omitempty"`
	RealizedPnL          *decimal.Decimal `json:"realized_pnl,omitempty"`
	Status               string           `json:"status"`
	CloseReason          *string          `json:"close_reason,omitempty"`
	EntryTradeID         *int64           `json:"entry_trade_id,omitempty"`
	ExitTradeID          *int64           `json:"exit_trade_id,omitempty"`
	OpenedAt             time.Time        `json:"opened_at"`
	ClosedAt             *time.Time       `json:"closed_at,omitempty"`
}

// WhaleFollow links a user to a whale with per-follow copy settings
type WhaleFollow struct {
	ID                    int64            `json:"id"`
	UserID                int64            `json:"user_id"`
	WhaleID               int64            `json:"whale_id"`
	AutoCopyEnabled       bool             `json:"auto_copy_enabled"`
	TradeSizeUSDT         *decimal.Decimal `json:"trade_size_usdt,omitempty"`
	TradeSizePercent      *decimal.Decimal `json:"trade_size_percent,omitempty"`
	TradingModeOverride   *string          `json:"trading_mode_override,omitempty"`
	SizingOverride        *string          `json:"sizing_override,omitempty"`
	KellyFractionOverride *float64         `json:"kelly_fraction_override,omitempty"`
	TradesCopied          int              `json:"trades_copied"`
	TotalPnLUSDT          decimal.Decimal  `json:"total_pnl_usdt"`
	CreatedAt             time.Time        `json:"created_at"`
}

// User is the trading-relevant projection of a platform account. The core
// writes only available_balance, under a row lock during reservation.
type User struct {
	ID               int64           `json:"id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	SubscriptionTier string          `json:"subscription_tier"`
	FuturesEnabled   bool            `json:"futures_enabled"`
	MaxPositions     int             `json:"max_positions"`
	WhalesLimit      int             `json:"whales_limit"`
	AutoCopyAllowed  bool            `json:"auto_copy_allowed"`
	IsActive         bool            `json:"is_active"`
	IsBanned         bool            `json:"is_banned"`
	Settings         UserSettings    `json:"settings"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UserSettings holds the user's trading preferences
type UserSettings struct {
	UserID               int64            `json:"user_id"`
	DefaultTradeSizeUSDT decimal.Decimal  `json:"default_trade_size_usdt"`
	MaxTradeSizeUSDT     decimal.Decimal  `json:"max_trade_size_usdt"`
	DailyLossLimitUSDT   *decimal.Decimal `json:"daily_loss_limit_usdt,omitempty"`
	StopLossPercent      *decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent    *decimal.Decimal `json:"take_profit_percent,omitempty"`
	MaxLeverage          int              `json:"max_leverage"`
	PreferredExchange    string           `json:"preferred_exchange"`
	TradingMode          string           `json:"trading_mode"` // SPOT or FUTURES
	SizingStrategy       *string          `json:"sizing_strategy,omitempty"`
	KellyFraction        float64          `json:"kelly_fraction"`
	NotifyTrades         bool             `json:"notify_trades"`
	NotifyPositions      bool             `json:"notify_positions"`
	NotifyErrors         bool             `json:"notify_errors"`
}
