// Package exchange defines the uniform port over heterogeneous exchange
// adapters and the venue adapters themselves. Every adapter call returns a
// normalized OrderResult; venue-specific statuses and symbol forms never
// leak past this package.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Supported venue identifiers
const (
	Binance     = "binance"
	Bybit       = "bybit"
	OKX         = "okx"
	Bitget      = "bitget"
	Hyperliquid = "hyperliquid"
)

// Exchanges lists every supported venue
var Exchanges = []string{Binance, Bybit, OKX, Bitget, Hyperliquid}

// OrderStatus is the normalized order status set
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusPending         OrderStatus = "PENDING"
)

// OrderSide is the normalized order side
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PositionSide identifies the direction of a perpetual position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderResult is the normalized result of any order operation
type OrderResult struct {
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           string          `json:"type"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price,omitempty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price,omitempty"`
	Fee            decimal.Decimal `json:"fee"`
	FeeCurrency    string          `json:"fee_currency"`
	Timestamp      time.Time       `json:"timestamp"`
}

// FullyFilled reports whether the order filled its entire quantity
func (r *OrderResult) FullyFilled() bool {
	return r.Status == OrderStatusFilled && r.FilledQuantity.GreaterThanOrEqual(r.Quantity)
}

// Balance is a normalized asset balance
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// SymbolInfo carries the venue filters needed for order quantization
type SymbolInfo struct {
	Symbol            string          `json:"symbol"`
	BaseAsset         string          `json:"base_asset"`
	QuoteAsset        string          `json:"quote_asset"`
	StepSize          decimal.Decimal `json:"step_size"`    // LOT_SIZE quantity step
	TickSize          decimal.Decimal `json:"tick_size"`    // PRICE_FILTER price step
	MinQuantity       decimal.Decimal `json:"min_quantity"` // LOT_SIZE floor
	MinNotional       decimal.Decimal `json:"min_notional"` // NOTIONAL / MIN_NOTIONAL filter
	MaxLeverage       int             `json:"max_leverage"`
	FuturesMinNotional decimal.Decimal `json:"futures_min_notional"`
}

// WhalePosition is one open position observed on a tracked account
type WhalePosition struct {
	Symbol      string          `json:"symbol"` // canonical form
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Leverage    int             `json:"leverage"`
	IsSpot      bool            `json:"is_spot"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Adapter is the uniform interface every exchange adapter satisfies.
// Sessions are short-lived: Initialize before use, Close in a deferred scope.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Close() error

	// Spot
	SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error)
	SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error)
	SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error)
	SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error)

	// Futures
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error)
	FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error)
	// FuturesClosePosition issues a reduce-only order shrinking the position;
	// a zero quantity closes the full remaining size.
	FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error)

	// Account
	GetAccountBalance(ctx context.Context) ([]Balance, error)
	GetAssetBalance(ctx context.Context, asset string) (*Balance, error)
	GetFuturesBalance(ctx context.Context) ([]Balance, error)
	TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error
	TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error

	// Orders and market data
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error)
	RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error)
	RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal

	// Stop-loss orders (exchange-side; the engine's trigger sweep stays authoritative)
	PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error)
	CancelStopLossOrder(ctx context.Context, symbol, orderID string) error
	ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error)
	CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal
}

// PositionSource fetches the public open positions of a tracked account.
// proxyURL may be empty for a direct connection.
type PositionSource interface {
	Name() string
	FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error)
}
