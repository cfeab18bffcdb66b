package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
)

const bybitRecvWindow = "5000"

// BybitAdapter trades through the v5 unified API: category "spot" for spot
// and "linear" for USDT perpetuals.
type BybitAdapter struct {
	creds  config.ExchangeCredentials
	client *resty.Client

	mu      sync.RWMutex
	symbols map[string]*SymbolInfo
}

// NewBybitAdapter creates an uninitialized Bybit adapter
func NewBybitAdapter(creds config.ExchangeCredentials, timeouts HTTPTimeouts) *BybitAdapter {
	base := creds.BaseURL
	if base == "" {
		base = "https://api.bybit.com"
	}
	if creds.TestNet {
		base = "https://api-testnet.bybit.com"
	}
	return &BybitAdapter{
		creds:   creds,
		client:  NewHTTPClient(base, timeouts, ""),
		symbols: make(map[string]*SymbolInfo),
	}
}

func (b *BybitAdapter) Name() string { return Bybit }

func (b *BybitAdapter) Initialize(ctx context.Context) error {
	resp, err := b.client.R().SetContext(ctx).Get("/v5/market/time")
	if err != nil {
		return fmt.Errorf("bybit connectivity check failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return &APIError{Exchange: Bybit, StatusCode: resp.StatusCode(), Message: "time check failed"}
	}
	return nil
}

func (b *BybitAdapter) Close() error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}

// bybitEnvelope is the uniform v5 response wrapper
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(b.creds.SecretKey))
	mac.Write([]byte(timestamp + b.creds.APIKey + bybitRecvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// call executes a v5 request. GET signs the query string, POST the JSON body.
func (b *BybitAdapter) call(ctx context.Context, method, path string, query map[string]string, body interface{}, out interface{}) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := b.client.R().SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", b.creds.APIKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWindow)

	var resp *resty.Response
	var err error
	if method == "GET" {
		payload := encodeQuery(query)
		req.SetHeader("X-BAPI-SIGN", b.sign(timestamp, payload))
		req.SetQueryParams(query)
		resp, err = req.Get(path)
	} else {
		raw, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("bybit %s: failed to encode body: %w", path, merr)
		}
		req.SetHeader("X-BAPI-SIGN", b.sign(timestamp, string(raw))).
			SetHeader("Content-Type", "application/json").
			SetBody(raw)
		resp, err = req.Post(path)
	}
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Exchange: Bybit, Op: path}
		}
		return fmt.Errorf("bybit %s failed: %w", path, err)
	}
	if resp.StatusCode() == 429 {
		return &RateLimitError{Exchange: Bybit, RetryAfter: 30 * time.Second}
	}

	var envelope bybitEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("bybit %s: failed to decode response: %w", path, err)
	}
	if envelope.RetCode != 0 {
		switch envelope.RetCode {
		case 10006, 10018:
			return &RateLimitError{Exchange: Bybit, RetryAfter: 30 * time.Second}
		case 110007, 110012:
			return &InsufficientBalanceError{Exchange: Bybit, Asset: "USDT"}
		}
		return &APIError{
			Exchange:   Bybit,
			StatusCode: resp.StatusCode(),
			Code:       strconv.Itoa(envelope.RetCode),
			Message:    envelope.RetMsg,
		}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bybit %s: failed to decode result: %w", path, err)
		}
	}
	return nil
}

func encodeQuery(query map[string]string) string {
	// Bybit signs the query string in key order
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	payload := ""
	for i, k := range keys {
		if i > 0 {
			payload += "&"
		}
		payload += k + "=" + query[k]
	}
	return payload
}

func bybitCategory(futures bool) string {
	if futures {
		return "linear"
	}
	return "spot"
}

func (b *BybitAdapter) placeOrder(ctx context.Context, symbol string, side OrderSide, futures bool, orderType string, quantity, price decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	sideStr := "Buy"
	if side == SideSell {
		sideStr = "Sell"
	}
	body := map[string]interface{}{
		"category":    bybitCategory(futures),
		"symbol":      VenueSymbol(Bybit, symbol, futures),
		"side":        sideStr,
		"orderType":   orderType,
		"qty":         quantity.String(),
		"orderLinkId": newClientOrderID(),
	}
	if orderType == "Limit" {
		body["price"] = price.String()
		body["timeInForce"] = "GTC"
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.call(ctx, "POST", "/v5/order/create", nil, body, &created); err != nil {
		return nil, err
	}

	// Market orders fill asynchronously; fetch the resting state for fills
	result, err := b.getOrder(ctx, symbol, created.OrderID, futures)
	if err != nil {
		// Order exists on the venue; surface a minimal result rather than
		// an error that would trigger a rollback of a live order
		return &OrderResult{
			OrderID:       created.OrderID,
			ClientOrderID: created.OrderLinkID,
			Symbol:        CanonicalSymbol(symbol),
			Side:          side,
			Type:          orderType,
			Status:        OrderStatusPending,
			Quantity:      quantity,
			FeeCurrency:   "USDT",
			Timestamp:     time.Now(),
		}, nil
	}
	return result, nil
}

type bybitOrder struct {
	OrderID     string          `json:"orderId"`
	OrderLinkID string          `json:"orderLinkId"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	OrderType   string          `json:"orderType"`
	OrderStatus string          `json:"orderStatus"`
	Qty         decimal.Decimal `json:"qty"`
	CumExecQty  decimal.Decimal `json:"cumExecQty"`
	CumExecFee  decimal.Decimal `json:"cumExecFee"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	Price       decimal.Decimal `json:"price"`
	UpdatedTime string          `json:"updatedTime"`
}

func (o *bybitOrder) normalize() *OrderResult {
	side := SideBuy
	if o.Side == "Sell" {
		side = SideSell
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}
	return &OrderResult{
		OrderID:        o.OrderID,
		ClientOrderID:  o.OrderLinkID,
		Symbol:         CanonicalSymbol(o.Symbol),
		Side:           side,
		Type:           o.OrderType,
		Status:         normalizeBybitStatus(o.OrderStatus),
		Quantity:       o.Qty,
		FilledQuantity: o.CumExecQty,
		Price:          o.Price,
		AvgFillPrice:   o.AvgPrice,
		Fee:            o.CumExecFee,
		FeeCurrency:    "USDT",
		Timestamp:      ts,
	}
}

func normalizeBybitStatus(s string) OrderStatus {
	switch s {
	case "New", "Untriggered":
		return OrderStatusNew
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return OrderStatusCanceled
	case "Rejected":
		return OrderStatusRejected
	case "Deactivated":
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}

func (b *BybitAdapter) getOrder(ctx context.Context, symbol, orderID string, futures bool) (*OrderResult, error) {
	var result struct {
		List []bybitOrder `json:"list"`
	}
	query := map[string]string{
		"category": bybitCategory(futures),
		"symbol":   VenueSymbol(Bybit, symbol, futures),
		"orderId":  orderID,
	}
	if err := b.call(ctx, "GET", "/v5/order/realtime", query, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		// Terminal orders move to history
		if err := b.call(ctx, "GET", "/v5/order/history", query, nil, &result); err != nil {
			return nil, err
		}
	}
	if len(result.List) == 0 {
		return nil, &APIError{Exchange: Bybit, Code: "order_not_found", Message: "order " + orderID + " not found"}
	}
	return result.List[0].normalize(), nil
}

func (b *BybitAdapter) SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideBuy, false, "Market", quantity, decimal.Zero, false)
}

func (b *BybitAdapter) SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideSell, false, "Market", quantity, decimal.Zero, false)
}

func (b *BybitAdapter) SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideBuy, false, "Limit", quantity, price, false)
}

func (b *BybitAdapter) SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideSell, false, "Limit", quantity, price, false)
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       VenueSymbol(Bybit, symbol, true),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := b.call(ctx, "POST", "/v5/position/set-leverage", nil, body, nil)
	// 110043: leverage already set
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == "110043" {
		return nil
	}
	return err
}

func (b *BybitAdapter) FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideBuy, true, "Market", quantity, decimal.Zero, false)
}

func (b *BybitAdapter) FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.placeOrder(ctx, symbol, SideSell, true, "Market", quantity, decimal.Zero, false)
}

func (b *BybitAdapter) FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error) {
	if quantity.IsZero() {
		var result struct {
			List []struct {
				Size decimal.Decimal `json:"size"`
			} `json:"list"`
		}
		query := map[string]string{
			"category": "linear",
			"symbol":   VenueSymbol(Bybit, symbol, true),
		}
		if err := b.call(ctx, "GET", "/v5/position/list", query, nil, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 || result.List[0].Size.IsZero() {
			return nil, &ValidationError{Field: "position", Reason: "no live position to close"}
		}
		quantity = result.List[0].Size
	}
	closeSide := SideSell
	if side == PositionShort {
		closeSide = SideBuy
	}
	return b.placeOrder(ctx, symbol, closeSide, true, "Market", quantity, decimal.Zero, true)
}

func (b *BybitAdapter) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	return b.walletBalance(ctx, "UNIFIED")
}

func (b *BybitAdapter) GetFuturesBalance(ctx context.Context) ([]Balance, error) {
	return b.walletBalance(ctx, "CONTRACT")
}

func (b *BybitAdapter) walletBalance(ctx context.Context, accountType string) ([]Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin            string          `json:"coin"`
				WalletBalance   decimal.Decimal `json:"walletBalance"`
				AvailableToSell decimal.Decimal `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	query := map[string]string{"accountType": accountType}
	if err := b.call(ctx, "GET", "/v5/account/wallet-balance", query, nil, &result); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, account := range result.List {
		for _, coin := range account.Coin {
			if coin.WalletBalance.IsZero() {
				continue
			}
			free := coin.AvailableToSell
			if free.IsZero() {
				free = coin.WalletBalance
			}
			balances = append(balances, Balance{
				Asset:  coin.Coin,
				Free:   free,
				Locked: coin.WalletBalance.Sub(free),
			})
		}
	}
	return balances, nil
}

func (b *BybitAdapter) GetAssetBalance(ctx context.Context, asset string) (*Balance, error) {
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

func (b *BybitAdapter) transfer(ctx context.Context, asset string, amount decimal.Decimal, from, to string) error {
	body := map[string]interface{}{
		"transferId":      newClientOrderID(),
		"coin":            asset,
		"amount":          amount.String(),
		"fromAccountType": from,
		"toAccountType":   to,
	}
	return b.call(ctx, "POST", "/v5/asset/transfer/inter-transfer", nil, body, nil)
}

func (b *BybitAdapter) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, "UNIFIED", "CONTRACT")
}

func (b *BybitAdapter) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, "CONTRACT", "UNIFIED")
}

func (b *BybitAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	result, err := b.getOrder(ctx, symbol, orderID, false)
	if err == nil {
		return result, nil
	}
	return b.getOrder(ctx, symbol, orderID, true)
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	body := map[string]interface{}{
		"category": "spot",
		"symbol":   VenueSymbol(Bybit, symbol, false),
		"orderId":  orderID,
	}
	if err := b.call(ctx, "POST", "/v5/order/cancel", nil, body, nil); err != nil {
		body["category"] = "linear"
		body["symbol"] = VenueSymbol(Bybit, symbol, true)
		if err := b.call(ctx, "POST", "/v5/order/cancel", nil, body, nil); err != nil {
			return nil, err
		}
	}
	return b.GetOrder(ctx, symbol, orderID)
}

func (b *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	var result struct {
		List []bybitOrder `json:"list"`
	}
	query := map[string]string{
		"category": "spot",
		"symbol":   VenueSymbol(Bybit, symbol, false),
	}
	if err := b.call(ctx, "GET", "/v5/order/realtime", query, nil, &result); err != nil {
		return nil, err
	}
	orders := make([]OrderResult, 0, len(result.List))
	for i := range result.List {
		orders = append(orders, *result.List[i].normalize())
	}
	return orders, nil
}

func (b *BybitAdapter) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		List []struct {
			LastPrice decimal.Decimal `json:"lastPrice"`
		} `json:"list"`
	}
	query := map[string]string{
		"category": "spot",
		"symbol":   VenueSymbol(Bybit, symbol, false),
	}
	if err := b.call(ctx, "GET", "/v5/market/tickers", query, nil, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, &ValidationError{Field: "symbol", Reason: "unknown symbol " + symbol}
	}
	return result.List[0].LastPrice, nil
}

func (b *BybitAdapter) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	canonical := CanonicalSymbol(symbol)
	b.mu.RLock()
	cached, ok := b.symbols[canonical]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var result struct {
		List []struct {
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			LotSizeFilter struct {
				QtyStep     decimal.Decimal `json:"qtyStep"`
				BasePrec    decimal.Decimal `json:"basePrecision"`
				MinOrderQty decimal.Decimal `json:"minOrderQty"`
				MinOrderAmt decimal.Decimal `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize decimal.Decimal `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	query := map[string]string{
		"category": "spot",
		"symbol":   VenueSymbol(Bybit, canonical, false),
	}
	if err := b.call(ctx, "GET", "/v5/market/instruments-info", query, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, &ValidationError{Field: "symbol", Reason: "unknown symbol " + canonical}
	}

	s := result.List[0]
	step := s.LotSizeFilter.QtyStep
	if step.IsZero() {
		step = s.LotSizeFilter.BasePrec
	}
	info := &SymbolInfo{
		Symbol:             canonical,
		BaseAsset:          s.BaseCoin,
		QuoteAsset:         s.QuoteCoin,
		StepSize:           step,
		TickSize:           s.PriceFilter.TickSize,
		MinQuantity:        s.LotSizeFilter.MinOrderQty,
		MinNotional:        s.LotSizeFilter.MinOrderAmt,
		FuturesMinNotional: decimal.NewFromInt(5),
	}

	b.mu.Lock()
	b.symbols[canonical] = info
	b.mu.Unlock()
	return info, nil
}

func (b *BybitAdapter) GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error) {
	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if isFutures && !info.FuturesMinNotional.IsZero() {
		return info.FuturesMinNotional, nil
	}
	return info.MinNotional, nil
}

func (b *BybitAdapter) RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	return QuantizeQuantity(info, quantity)
}

func (b *BybitAdapter) RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	return QuantizePrice(info, price)
}

func (b *BybitAdapter) PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	sideStr := "Buy"
	if side == SideSell {
		sideStr = "Sell"
	}
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       VenueSymbol(Bybit, symbol, true),
		"side":         sideStr,
		"orderType":    "Market",
		"qty":          quantity.String(),
		"triggerPrice": stopPrice.String(),
		"triggerBy":    "MarkPrice",
		"reduceOnly":   true,
		"orderLinkId":  newClientOrderID(),
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := b.call(ctx, "POST", "/v5/order/create", nil, body, &created); err != nil {
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

func (b *BybitAdapter) CancelStopLossOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   VenueSymbol(Bybit, symbol, true),
		"orderId":  orderID,
	}
	return b.call(ctx, "POST", "/v5/order/cancel", nil, body, nil)
}

func (b *BybitAdapter) ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       VenueSymbol(Bybit, symbol, true),
		"orderId":      orderID,
		"qty":          quantity.String(),
		"triggerPrice": stopPrice.String(),
	}
	if err := b.call(ctx, "POST", "/v5/order/amend", nil, body, nil); err != nil {
		return nil, err
	}
	return b.getOrder(ctx, symbol, orderID, true)
}

func (b *BybitAdapter) CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	return StopLossPrice(entryPrice, side, percent)
}
