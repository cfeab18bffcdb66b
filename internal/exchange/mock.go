package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockAdapter is an in-memory Adapter used by dry-run mode and tests.
// Orders fill immediately at the configured price unless a failure is
// injected for the next call.
type MockAdapter struct {
	mu sync.Mutex

	name       string
	prices     map[string]decimal.Decimal
	balances   map[string]decimal.Decimal
	orders     map[string]*OrderResult
	nextErr    error
	fillRatio  decimal.Decimal
	feeRate    decimal.Decimal
	orderSeq   int
	PlacedOrders []OrderResult
}

// NewMockAdapter creates a mock venue with a 100k USDT balance and a
// handful of seeded prices
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name: name,
		prices: map[string]decimal.Decimal{
			"BTCUSDT": decimal.NewFromInt(65000),
			"ETHUSDT": decimal.NewFromInt(3200),
			"SOLUSDT": decimal.NewFromInt(150),
		},
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(100000),
		},
		orders:    make(map[string]*OrderResult),
		fillRatio: decimal.NewFromInt(1),
		feeRate:   decimal.NewFromFloat(0.001),
	}
}

// SetPrice overrides the mark price for a symbol
func (m *MockAdapter) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[CanonicalSymbol(symbol)] = price
}

// FailNext makes the next order call return err once
func (m *MockAdapter) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// SetFillRatio controls how much of each order fills (1 = full fill)
func (m *MockAdapter) SetFillRatio(ratio decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillRatio = ratio
}

func (m *MockAdapter) Name() string                          { return m.name }
func (m *MockAdapter) Initialize(ctx context.Context) error  { return nil }
func (m *MockAdapter) Close() error                          { return nil }

func (m *MockAdapter) takeErr() error {
	if m.nextErr != nil {
		err := m.nextErr
		m.nextErr = nil
		return err
	}
	return nil
}

func (m *MockAdapter) fill(symbol string, side OrderSide, orderType string, quantity, price decimal.Decimal) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeErr(); err != nil {
		return nil, err
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}

	canonical := CanonicalSymbol(symbol)
	fillPrice := price
	if fillPrice.IsZero() {
		p, ok := m.prices[canonical]
		if !ok {
			return nil, &APIError{Exchange: m.name, Code: "unknown_symbol", Message: "no price for " + canonical}
		}
		fillPrice = p
	}

	filled := quantity.Mul(m.fillRatio)
	status := OrderStatusFilled
	if filled.LessThan(quantity) {
		status = OrderStatusPartiallyFilled
	}

	m.orderSeq++
	result := &OrderResult{
		OrderID:        fmt.Sprintf("mock-%s-%d", m.name, m.orderSeq),
		ClientOrderID:  newClientOrderID(),
		Symbol:         canonical,
		Side:           side,
		Type:           orderType,
		Status:         status,
		Quantity:       quantity,
		FilledQuantity: filled,
		Price:          fillPrice,
		AvgFillPrice:   fillPrice,
		Fee:            filled.Mul(fillPrice).Mul(m.feeRate),
		FeeCurrency:    "USDT",
		Timestamp:      time.Now(),
	}
	m.orders[result.OrderID] = result
	m.PlacedOrders = append(m.PlacedOrders, *result)
	return result, nil
}

func (m *MockAdapter) SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideBuy, "MARKET", quantity, decimal.Zero)
}

func (m *MockAdapter) SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideSell, "MARKET", quantity, decimal.Zero)
}

func (m *MockAdapter) SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideBuy, "LIMIT", quantity, price)
}

func (m *MockAdapter) SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideSell, "LIMIT", quantity, price)
}

func (m *MockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeErr()
}

func (m *MockAdapter) FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideBuy, "MARKET", quantity, decimal.Zero)
}

func (m *MockAdapter) FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, SideSell, "MARKET", quantity, decimal.Zero)
}

func (m *MockAdapter) FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error) {
	closeSide := SideSell
	if side == PositionShort {
		closeSide = SideBuy
	}
	return m.fill(symbol, closeSide, "MARKET", quantity, decimal.Zero)
}

func (m *MockAdapter) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var balances []Balance
	for asset, free := range m.balances {
		balances = append(balances, Balance{Asset: asset, Free: free})
	}
	return balances, nil
}

func (m *MockAdapter) GetAssetBalance(ctx context.Context, asset string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Balance{Asset: asset, Free: m.balances[asset]}, nil
}

func (m *MockAdapter) GetFuturesBalance(ctx context.Context) ([]Balance, error) {
	return m.GetAccountBalance(ctx)
}

func (m *MockAdapter) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return nil
}

func (m *MockAdapter) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return nil
}

func (m *MockAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[orderID]
	if !ok {
		return nil, &APIError{Exchange: m.name, Code: "order_not_found", Message: "order " + orderID + " not found"}
	}
	result := *ord
	return &result, nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[orderID]
	if !ok {
		return nil, &APIError{Exchange: m.name, Code: "order_not_found", Message: "order " + orderID + " not found"}
	}
	ord.Status = OrderStatusCanceled
	result := *ord
	return &result, nil
}

func (m *MockAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	return nil, nil
}

func (m *MockAdapter) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[CanonicalSymbol(symbol)]
	if !ok {
		return decimal.Zero, &APIError{Exchange: m.name, Code: "unknown_symbol", Message: "no price for " + symbol}
	}
	return price, nil
}

func (m *MockAdapter) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	canonical := CanonicalSymbol(symbol)
	return &SymbolInfo{
		Symbol:             canonical,
		BaseAsset:          BaseAsset(canonical),
		QuoteAsset:         QuoteAsset(canonical),
		StepSize:           decimal.NewFromFloat(0.001),
		TickSize:           decimal.NewFromFloat(0.01),
		MinQuantity:        decimal.NewFromFloat(0.001),
		MinNotional:        decimal.NewFromInt(10),
		FuturesMinNotional: decimal.NewFromInt(5),
		MaxLeverage:        125,
	}, nil
}

func (m *MockAdapter) GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error) {
	if isFutures {
		return decimal.NewFromInt(5), nil
	}
	return decimal.NewFromInt(10), nil
}

func (m *MockAdapter) RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	return QuantizeQuantity(info, quantity)
}

func (m *MockAdapter) RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	return QuantizePrice(info, price)
}

func (m *MockAdapter) PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	return m.fill(symbol, side, "STOP_MARKET", quantity, stopPrice)
}

func (m *MockAdapter) CancelStopLossOrder(ctx context.Context, symbol, orderID string) error {
	_, err := m.CancelOrder(ctx, symbol, orderID)
	return err
}

func (m *MockAdapter) ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	if _, err := m.CancelOrder(ctx, symbol, orderID); err != nil {
		return nil, err
	}
	return m.fill(symbol, SideSell, "STOP_MARKET", quantity, stopPrice)
}

func (m *MockAdapter) CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	return StopLossPrice(entryPrice, side, percent)
}
