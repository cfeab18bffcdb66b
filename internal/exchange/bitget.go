package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
)

// BitgetAdapter trades spot through the v1 spot API and USDT-M perpetuals
// through the v1 mix API (symbols carry the _UMCBL product suffix).
// Requires the extra passphrase credential.
type BitgetAdapter struct {
	creds  config.ExchangeCredentials
	client *resty.Client

	mu      sync.RWMutex
	symbols map[string]*SymbolInfo
}

// NewBitgetAdapter creates an uninitialized Bitget adapter
func NewBitgetAdapter(creds config.ExchangeCredentials, timeouts HTTPTimeouts) *BitgetAdapter {
	base := creds.BaseURL
	if base == "" {
		base = "https://api.bitget.com"
	}
	return &BitgetAdapter{
		creds:   creds,
		client:  NewHTTPClient(base, timeouts, ""),
		symbols: make(map[string]*SymbolInfo),
	}
}

func (b *BitgetAdapter) Name() string { return Bitget }

func (b *BitgetAdapter) Initialize(ctx context.Context) error {
	resp, err := b.client.R().SetContext(ctx).Get("/api/spot/v1/public/time")
	if err != nil {
		return fmt.Errorf("bitget connectivity check failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return &APIError{Exchange: Bitget, StatusCode: resp.StatusCode(), Message: "time check failed"}
	}
	return nil
}

func (b *BitgetAdapter) Close() error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}

type bitgetEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (b *BitgetAdapter) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(b.creds.SecretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (b *BitgetAdapter) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	raw := ""
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bitget %s: failed to encode body: %w", path, err)
		}
		raw = string(encoded)
	}

	req := b.client.R().SetContext(ctx).
		SetHeader("ACCESS-KEY", b.creds.APIKey).
		SetHeader("ACCESS-SIGN", b.sign(timestamp, method, path, raw)).
		SetHeader("ACCESS-TIMESTAMP", timestamp).
		SetHeader("ACCESS-PASSPHRASE", b.creds.Passphrase).
		SetHeader("Content-Type", "application/json")
	if raw != "" {
		req.SetBody(raw)
	}

	var resp *resty.Response
	var err error
	if method == "GET" {
		resp, err = req.Get(path)
	} else {
		resp, err = req.Post(path)
	}
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Exchange: Bitget, Op: path}
		}
		return fmt.Errorf("bitget %s failed: %w", path, err)
	}
	if resp.StatusCode() == 429 {
		return &RateLimitError{Exchange: Bitget, RetryAfter: 30 * time.Second}
	}

	var envelope bitgetEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("bitget %s: failed to decode response: %w", path, err)
	}
	if envelope.Code != "00000" {
		switch envelope.Code {
		case "429", "30007":
			return &RateLimitError{Exchange: Bitget, RetryAfter: 30 * time.Second}
		case "43012", "40754":
			return &InsufficientBalanceError{Exchange: Bitget, Asset: "USDT"}
		}
		return &APIError{
			Exchange:   Bitget,
			StatusCode: resp.StatusCode(),
			Code:       envelope.Code,
			Message:    envelope.Msg,
		}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("bitget %s: failed to decode data: %w", path, err)
		}
	}
	return nil
}

func (b *BitgetAdapter) spotOrder(ctx context.Context, symbol string, side OrderSide, orderType string, quantity, price decimal.Decimal) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	body := map[string]interface{}{
		"symbol":    VenueSymbol(Bitget, symbol, false) + "_SPBL",
		"side":      map[OrderSide]string{SideBuy: "buy", SideSell: "sell"}[side],
		"orderType": orderType,
		"force":     "normal",
		"quantity":  quantity.String(),
		"clientOrderId": newClientOrderID(),
	}
	if orderType == "limit" {
		body["price"] = price.String()
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, "POST", "/api/spot/v1/trade/orders", body, &created); err != nil {
		return nil, err
	}
	return b.spotOrderInfo(ctx, symbol, created.OrderID)
}

func (b *BitgetAdapter) spotOrderInfo(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	body := map[string]interface{}{
		"symbol":  VenueSymbol(Bitget, symbol, false) + "_SPBL",
		"orderId": orderID,
	}
	var orders []struct {
		OrderID          string          `json:"orderId"`
		ClientOrderID    string          `json:"clientOrderId"`
		Symbol           string          `json:"symbol"`
		Side             string          `json:"side"`
		OrderType        string          `json:"orderType"`
		Status           string          `json:"status"`
		Quantity         decimal.Decimal `json:"quantity"`
		FillQuantity     decimal.Decimal `json:"fillQuantity"`
		FillTotalAmount  decimal.Decimal `json:"fillTotalAmount"`
		Price            decimal.Decimal `json:"price"`
		CTime            string          `json:"cTime"`
	}
	if err := b.call(ctx, "POST", "/api/spot/v1/trade/orderInfo", body, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, &APIError{Exchange: Bitget, Code: "order_not_found", Message: "order " + orderID + " not found"}
	}

	ord := orders[0]
	side := SideBuy
	if ord.Side == "sell" {
		side = SideSell
	}
	result := &OrderResult{
		OrderID:        ord.OrderID,
		ClientOrderID:  ord.ClientOrderID,
		Symbol:         CanonicalSymbol(ord.Symbol),
		Side:           side,
		Type:           ord.OrderType,
		Status:         normalizeBitgetStatus(ord.Status),
		Quantity:       ord.Quantity,
		FilledQuantity: ord.FillQuantity,
		Price:          ord.Price,
		FeeCurrency:    "USDT",
		Timestamp:      time.Now(),
	}
	if !ord.FillQuantity.IsZero() && !ord.FillTotalAmount.IsZero() {
		result.AvgFillPrice = ord.FillTotalAmount.Div(ord.FillQuantity)
		result.Fee = ord.FillTotalAmount.Mul(decimal.NewFromFloat(0.001))
	}
	if ms, err := strconv.ParseInt(ord.CTime, 10, 64); err == nil {
		result.Timestamp = time.UnixMilli(ms)
	}
	return result, nil
}

func normalizeBitgetStatus(s string) OrderStatus {
	switch s {
	case "init", "new":
		return OrderStatusNew
	case "partial_fill", "partially_filled":
		return OrderStatusPartiallyFilled
	case "full_fill", "filled":
		return OrderStatusFilled
	case "cancelled", "canceled":
		return OrderStatusCanceled
	default:
		return OrderStatusPending
	}
}

func (b *BitgetAdapter) SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideBuy, "market", quantity, decimal.Zero)
}

func (b *BitgetAdapter) SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideSell, "market", quantity, decimal.Zero)
}

func (b *BitgetAdapter) SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideBuy, "limit", quantity, price)
}

func (b *BitgetAdapter) SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideSell, "limit", quantity, price)
}

func (b *BitgetAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"symbol":     VenueSymbol(Bitget, symbol, true),
		"marginCoin": "USDT",
		"leverage":   strconv.Itoa(leverage),
	}
	return b.call(ctx, "POST", "/api/mix/v1/account/setLeverage", body, nil)
}

func (b *BitgetAdapter) mixOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	body := map[string]interface{}{
		"symbol":     VenueSymbol(Bitget, symbol, true),
		"marginCoin": "USDT",
		"size":       quantity.String(),
		"side":       side, // open_long / open_short / close_long / close_short
		"orderType":  "market",
		"clientOid":  newClientOrderID(),
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, "POST", "/api/mix/v1/order/placeOrder", body, &created); err != nil {
		return nil, err
	}
	return b.mixOrderInfo(ctx, symbol, created.OrderID)
}

func (b *BitgetAdapter) mixOrderInfo(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	path := fmt.Sprintf("/api/mix/v1/order/detail?symbol=%s&orderId=%s", VenueSymbol(Bitget, symbol, true), orderID)
	var ord struct {
		OrderID      string          `json:"orderId"`
		ClientOid    string          `json:"clientOid"`
		Symbol       string          `json:"symbol"`
		Side         string          `json:"side"`
		Size         decimal.Decimal `json:"size"`
		FilledQty    decimal.Decimal `json:"filledQty"`
		PriceAvg     decimal.Decimal `json:"priceAvg"`
		Fee          decimal.Decimal `json:"fee"`
		State        string          `json:"state"`
		UTime        string          `json:"uTime"`
	}
	if err := b.call(ctx, "GET", path, nil, &ord); err != nil {
		return nil, err
	}

	side := SideBuy
	if ord.Side == "open_short" || ord.Side == "close_long" {
		side = SideSell
	}
	result := &OrderResult{
		OrderID:        ord.OrderID,
		ClientOrderID:  ord.ClientOid,
		Symbol:         CanonicalSymbol(ord.Symbol),
		Side:           side,
		Type:           "MARKET",
		Status:         normalizeBitgetStatus(ord.State),
		Quantity:       ord.Size,
		FilledQuantity: ord.FilledQty,
		AvgFillPrice:   ord.PriceAvg,
		Fee:            ord.Fee.Abs(),
		FeeCurrency:    "USDT",
		Timestamp:      time.Now(),
	}
	if ms, err := strconv.ParseInt(ord.UTime, 10, 64); err == nil {
		result.Timestamp = time.UnixMilli(ms)
	}
	return result, nil
}

func (b *BitgetAdapter) FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.mixOrder(ctx, symbol, "open_long", quantity)
}

func (b *BitgetAdapter) FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.mixOrder(ctx, symbol, "open_short", quantity)
}

func (b *BitgetAdapter) FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error) {
	if quantity.IsZero() {
		path := fmt.Sprintf("/api/mix/v1/position/singlePosition?symbol=%s&marginCoin=USDT", VenueSymbol(Bitget, symbol, true))
		var positions []struct {
			Total decimal.Decimal `json:"total"`
		}
		if err := b.call(ctx, "GET", path, nil, &positions); err != nil {
			return nil, err
		}
		if len(positions) == 0 || positions[0].Total.IsZero() {
			return nil, &ValidationError{Field: "position", Reason: "no live position to close"}
		}
		quantity = positions[0].Total
	}
	closeSide := "close_long"
	if side == PositionShort {
		closeSide = "close_short"
	}
	return b.mixOrder(ctx, symbol, closeSide, quantity)
}

func (b *BitgetAdapter) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	var assets []struct {
		CoinName  string          `json:"coinName"`
		Available decimal.Decimal `json:"available"`
		Frozen    decimal.Decimal `json:"frozen"`
	}
	if err := b.call(ctx, "GET", "/api/spot/v1/account/assets", nil, &assets); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, a := range assets {
		if a.Available.IsZero() && a.Frozen.IsZero() {
			continue
		}
		balances = append(balances, Balance{Asset: a.CoinName, Free: a.Available, Locked: a.Frozen})
	}
	return balances, nil
}

func (b *BitgetAdapter) GetFuturesBalance(ctx context.Context) ([]Balance, error) {
	var accounts []struct {
		MarginCoin string          `json:"marginCoin"`
		Available  decimal.Decimal `json:"available"`
		Locked     decimal.Decimal `json:"locked"`
	}
	if err := b.call(ctx, "GET", "/api/mix/v1/account/accounts?productType=umcbl", nil, &accounts); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, a := range accounts {
		balances = append(balances, Balance{Asset: a.MarginCoin, Free: a.Available, Locked: a.Locked})
	}
	return balances, nil
}

func (b *BitgetAdapter) GetAssetBalance(ctx context.Context, asset string) (*Balance, error) {
	balances, err := b.GetAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			result := bal
			return &result, nil
		}
	}
	return &Balance{Asset: asset}, nil
}

func (b *BitgetAdapter) transfer(ctx context.Context, asset string, amount decimal.Decimal, from, to string) error {
	body := map[string]interface{}{
		"coin":     asset,
		"amount":   amount.String(),
		"fromType": from,
		"toType":   to,
	}
	return b.call(ctx, "POST", "/api/spot/v1/wallet/transfer", body, nil)
}

func (b *BitgetAdapter) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, "spot", "mix_usdt")
}

func (b *BitgetAdapter) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, "mix_usdt", "spot")
}

func (b *BitgetAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	result, err := b.spotOrderInfo(ctx, symbol, orderID)
	if err == nil {
		return result, nil
	}
	return b.mixOrderInfo(ctx, symbol, orderID)
}

func (b *BitgetAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	body := map[string]interface{}{
		"symbol":  VenueSymbol(Bitget, symbol, false) + "_SPBL",
		"orderId": orderID,
	}
	if err := b.call(ctx, "POST", "/api/spot/v1/trade/cancel-order", body, nil); err != nil {
		mixBody := map[string]interface{}{
			"symbol":     VenueSymbol(Bitget, symbol, true),
			"marginCoin": "USDT",
			"orderId":    orderID,
		}
		if err := b.call(ctx, "POST", "/api/mix/v1/order/cancel-order", mixBody, nil); err != nil {
			return nil, err
		}
	}
	return b.GetOrder(ctx, symbol, orderID)
}

func (b *BitgetAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	body := map[string]interface{}{
		"symbol": VenueSymbol(Bitget, symbol, false) + "_SPBL",
	}
	var orders []struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, "POST", "/api/spot/v1/trade/open-orders", body, &orders); err != nil {
		return nil, err
	}
	results := make([]OrderResult, 0, len(orders))
	for _, ord := range orders {
		full, err := b.spotOrderInfo(ctx, symbol, ord.OrderID)
		if err != nil {
			continue
		}
		results = append(results, *full)
	}
	return results, nil
}

func (b *BitgetAdapter) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	path := "/api/spot/v1/market/ticker?symbol=" + VenueSymbol(Bitget, symbol, false) + "_SPBL"
	var ticker struct {
		Close decimal.Decimal `json:"close"`
	}
	if err := b.call(ctx, "GET", path, nil, &ticker); err != nil {
		return decimal.Zero, err
	}
	return ticker.Close, nil
}

// GetSymbolInfo derives step sizes from Bitget's precision fields
func (b *BitgetAdapter) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	canonical := CanonicalSymbol(symbol)
	b.mu.RLock()
	cached, ok := b.symbols[canonical]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := "/api/spot/v1/public/product?symbol=" + VenueSymbol(Bitget, canonical, false) + "_SPBL"
	var product struct {
		BaseCoin          string `json:"baseCoin"`
		QuoteCoin         string `json:"quoteCoin"`
		QuantityPrecision string `json:"quantityScale"`
		PricePrecision    string `json:"priceScale"`
		MinTradeAmount    decimal.Decimal `json:"minTradeAmount"`
	}
	if err := b.call(ctx, "GET", path, nil, &product); err != nil {
		return nil, err
	}

	info := &SymbolInfo{
		Symbol:             canonical,
		BaseAsset:          product.BaseCoin,
		QuoteAsset:         product.QuoteCoin,
		StepSize:           stepFromScale(product.QuantityPrecision),
		TickSize:           stepFromScale(product.PricePrecision),
		MinQuantity:        product.MinTradeAmount,
		MinNotional:        decimal.NewFromInt(1),
		FuturesMinNotional: decimal.NewFromInt(5),
	}

	b.mu.Lock()
	b.symbols[canonical] = info
	b.mu.Unlock()
	return info, nil
}

// stepFromScale converts a decimal-places count into a step: 3 -> 0.001
func stepFromScale(scale string) decimal.Decimal {
	n, err := strconv.Atoi(scale)
	if err != nil || n < 0 {
		return decimal.Zero
	}
	return decimal.New(1, int32(-n))
}

func (b *BitgetAdapter) GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error) {
	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if isFutures && !info.FuturesMinNotional.IsZero() {
		return info.FuturesMinNotional, nil
	}
	return info.MinNotional, nil
}

func (b *BitgetAdapter) RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	return QuantizeQuantity(info, quantity)
}

func (b *BitgetAdapter) RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	return QuantizePrice(info, price)
}

func (b *BitgetAdapter) PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	holdSide := "long"
	if side == SideBuy {
		holdSide = "short"
	}
	body := map[string]interface{}{
		"symbol":      VenueSymbol(Bitget, symbol, true),
		"marginCoin":  "USDT",
		"planType":    "loss_plan",
		"triggerPrice": stopPrice.String(),
		"holdSide":    holdSide,
		"size":        quantity.String(),
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, "POST", "/api/mix/v1/plan/placeTPSL", body, &created); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:     created.OrderID,
		Symbol:      CanonicalSymbol(symbol),
		Side:        side,
		Type:        "STOP_MARKET",
		Status:      OrderStatusNew,
		Quantity:    quantity,
		Price:       stopPrice,
		FeeCurrency: "USDT",
		Timestamp:   time.Now(),
	}, nil
}

func (b *BitgetAdapter) CancelStopLossOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":     VenueSymbol(Bitget, symbol, true),
		"marginCoin": "USDT",
		"orderId":    orderID,
		"planType":   "loss_plan",
	}
	return b.call(ctx, "POST", "/api/mix/v1/plan/cancelPlan", body, nil)
}

func (b *BitgetAdapter) ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	body := map[string]interface{}{
		"symbol":       VenueSymbol(Bitget, symbol, true),
		"marginCoin":   "USDT",
		"orderId":      orderID,
		"triggerPrice": stopPrice.String(),
		"planType":     "loss_plan",
	}
	if err := b.call(ctx, "POST", "/api/mix/v1/plan/modifyTPSLPlan", body, nil); err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:     orderID,
		Symbol:      CanonicalSymbol(symbol),
		Type:        "STOP_MARKET",
		Status:      OrderStatusNew,
		Quantity:    quantity,
		Price:       stopPrice,
		FeeCurrency: "USDT",
		Timestamp:   time.Now(),
	}, nil
}

func (b *BitgetAdapter) CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	return StopLossPrice(entryPrice, side, percent)
}
