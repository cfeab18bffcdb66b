package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
)

// OKXAdapter trades through the v5 API: tdMode "cash" for spot, "cross"
// for swaps. Requires the extra passphrase credential.
type OKXAdapter struct {
	creds  config.ExchangeCredentials
	client *resty.Client

	mu      sync.RWMutex
	symbols map[string]*SymbolInfo
}

// NewOKXAdapter creates an uninitialized OKX adapter
func NewOKXAdapter(creds config.ExchangeCredentials, timeouts HTTPTimeouts) *OKXAdapter {
	base := creds.BaseURL
	if base == "" {
		base = "https://www.okx.com"
	}
	return &OKXAdapter{
		creds:   creds,
		client:  NewHTTPClient(base, timeouts, ""),
		symbols: make(map[string]*SymbolInfo),
	}
}

func (o *OKXAdapter) Name() string { return OKX }

func (o *OKXAdapter) Initialize(ctx context.Context) error {
	resp, err := o.client.R().SetContext(ctx).Get("/api/v5/public/time")
	if err != nil {
		return fmt.Errorf("okx connectivity check failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return &APIError{Exchange: OKX, StatusCode: resp.StatusCode(), Message: "time check failed"}
	}
	return nil
}

func (o *OKXAdapter) Close() error {
	o.client.GetClient().CloseIdleConnections()
	return nil
}

type okxEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKXAdapter) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(o.creds.SecretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// call executes a v5 request. The signature covers method, full request
// path (including query) and the JSON body.
func (o *OKXAdapter) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	raw := ""
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx %s: failed to encode body: %w", path, err)
		}
		raw = string(encoded)
	}

	req := o.client.R().SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", o.creds.APIKey).
		SetHeader("OK-ACCESS-SIGN", o.sign(timestamp, method, path, raw)).
		SetHeader("OK-ACCESS-TIMESTAMP", timestamp).
		SetHeader("OK-ACCESS-PASSPHRASE", o.creds.Passphrase).
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
			return &TimeoutError{Exchange: OKX, Op: path}
		}
		return fmt.Errorf("okx %s failed: %w", path, err)
	}
	if resp.StatusCode() == 429 {
		return &RateLimitError{Exchange: OKX, RetryAfter: 30 * time.Second}
	}

	var envelope okxEnvelope
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("okx %s: failed to decode response: %w", path, err)
	}
	if envelope.Code != "0" {
		switch envelope.Code {
		case "50011":
			return &RateLimitError{Exchange: OKX, RetryAfter: 30 * time.Second}
		case "51008", "59200":
			return &InsufficientBalanceError{Exchange: OKX, Asset: "USDT"}
		}
		return &APIError{
			Exchange:   OKX,
			StatusCode: resp.StatusCode(),
			Code:       envelope.Code,
			Message:    envelope.Msg,
		}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("okx %s: failed to decode data: %w", path, err)
		}
	}
	return nil
}

func (o *OKXAdapter) placeOrder(ctx context.Context, symbol string, side OrderSide, futures bool, ordType string, quantity, price decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	tdMode := "cash"
	if futures {
		tdMode = "cross"
	}
	body := map[string]interface{}{
		"instId":  VenueSymbol(OKX, symbol, futures),
		"tdMode":  tdMode,
		"side":    strings.ToLower(string(side)),
		"ordType": strings.ToLower(ordType),
		"sz":      quantity.String(),
		"clOrdId": strings.ReplaceAll(newClientOrderID(), "-", ""),
	}
	if !futures && ordType == "MARKET" {
		// Spot market sz is quote currency by default; keep base semantics
		body["tgtCcy"] = "base_ccy"
	}
	if ordType == "LIMIT" {
		body["px"] = price.String()
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}

	var created []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := o.call(ctx, "POST", "/api/v5/trade/order", body, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, &APIError{Exchange: OKX, Message: "empty order response"}
	}
	if created[0].SCode != "0" && created[0].SCode != "" {
		return nil, &APIError{Exchange: OKX, Code: created[0].SCode, Message: created[0].SMsg}
	}

	result, err := o.fetchOrder(ctx, symbol, created[0].OrdID, futures)
	if err != nil {
		return &OrderResult{
			OrderID:       created[0].OrdID,
			ClientOrderID: created[0].ClOrdID,
			Symbol:        CanonicalSymbol(symbol),
			Side:          side,
			Type:          ordType,
			Status:        OrderStatusPending,
			Quantity:      quantity,
			FeeCurrency:   "USDT",
			Timestamp:     time.Now(),
		}, nil
	}
	return result, nil
}

type okxOrder struct {
	InstID  string          `json:"instId"`
	OrdID   string          `json:"ordId"`
	ClOrdID string          `json:"clOrdId"`
	Side    string          `json:"side"`
	OrdType string          `json:"ordType"`
	State   string          `json:"state"`
	Sz      decimal.Decimal `json:"sz"`
	AccFill decimal.Decimal `json:"accFillSz"`
	AvgPx   decimal.Decimal `json:"avgPx"`
	Px      decimal.Decimal `json:"px"`
	Fee     decimal.Decimal `json:"fee"`
	FeeCcy  string          `json:"feeCcy"`
	UTime   string          `json:"uTime"`
}

func (ord *okxOrder) normalize() *OrderResult {
	side := SideBuy
	if ord.Side == "sell" {
		side = SideSell
	}
	ts := time.Now()
	if ord.UTime != "" {
		var ms int64
		if _, err := fmt.Sscanf(ord.UTime, "%d", &ms); err == nil {
			ts = time.UnixMilli(ms)
		}
	}
	feeCcy := ord.FeeCcy
	if feeCcy == "" {
		feeCcy = "USDT"
	}
	return &OrderResult{
		OrderID:        ord.OrdID,
		ClientOrderID:  ord.ClOrdID,
		Symbol:         CanonicalSymbol(ord.InstID),
		Side:           side,
		Type:           strings.ToUpper(ord.OrdType),
		Status:         normalizeOKXStatus(ord.State),
		Quantity:       ord.Sz,
		FilledQuantity: ord.AccFill,
		Price:          ord.Px,
		AvgFillPrice:   ord.AvgPx,
		Fee:            ord.Fee.Abs(), // OKX reports fees negative
		FeeCurrency:    feeCcy,
		Timestamp:      ts,
	}
}

func normalizeOKXStatus(s string) OrderStatus {
	switch s {
	case "live":
		return OrderStatusNew
	case "partially_filled":
		return OrderStatusPartiallyFilled
	case "filled":
		return OrderStatusFilled
	case "canceled", "mmp_canceled":
		return OrderStatusCanceled
	default:
		return OrderStatusPending
	}
}

func (o *OKXAdapter) fetchOrder(ctx context.Context, symbol, orderID string, futures bool) (*OrderResult, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", VenueSymbol(OKX, symbol, futures), orderID)
	var orders []okxOrder
	if err := o.call(ctx, "GET", path, nil, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, &APIError{Exchange: OKX, Code: "order_not_found", Message: "order " + orderID + " not found"}
	}
	return orders[0].normalize(), nil
}

func (o *OKXAdapter) SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideBuy, false, "MARKET", quantity, decimal.Zero, false)
}

func (o *OKXAdapter) SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideSell, false, "MARKET", quantity, decimal.Zero, false)
}

func (o *OKXAdapter) SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideBuy, false, "LIMIT", quantity, price, false)
}

func (o *OKXAdapter) SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideSell, false, "LIMIT", quantity, price, false)
}

func (o *OKXAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"instId":  VenueSymbol(OKX, symbol, true),
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": "cross",
	}
	return o.call(ctx, "POST", "/api/v5/account/set-leverage", body, nil)
}

func (o *OKXAdapter) FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideBuy, true, "MARKET", quantity, decimal.Zero, false)
}

func (o *OKXAdapter) FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return o.placeOrder(ctx, symbol, SideSell, true, "MARKET", quantity, decimal.Zero, false)
}

func (o *OKXAdapter) FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error) {
	if quantity.IsZero() {
		body := map[string]interface{}{
			"instId":  VenueSymbol(OKX, symbol, true),
			"mgnMode": "cross",
		}
		if err := o.call(ctx, "POST", "/api/v5/trade/close-position", body, nil); err != nil {
			return nil, err
		}
		return &OrderResult{
			Symbol:      CanonicalSymbol(symbol),
			Type:        "MARKET",
			Status:      OrderStatusFilled,
			FeeCurrency: "USDT",
			Timestamp:   time.Now(),
		}, nil
	}
	closeSide := SideSell
	if side == PositionShort {
		closeSide = SideBuy
	}
	return o.placeOrder(ctx, symbol, closeSide, true, "MARKET", quantity, decimal.Zero, true)
}

func (o *OKXAdapter) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	var accounts []struct {
		Details []struct {
			Ccy      string          `json:"ccy"`
			AvailBal decimal.Decimal `json:"availBal"`
			FrozenBal decimal.Decimal `json:"frozenBal"`
		} `json:"details"`
	}
	if err := o.call(ctx, "GET", "/api/v5/account/balance", nil, &accounts); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, account := range accounts {
		for _, d := range account.Details {
			if d.AvailBal.IsZero() && d.FrozenBal.IsZero() {
				continue
			}
			balances = append(balances, Balance{Asset: d.Ccy, Free: d.AvailBal, Locked: d.FrozenBal})
		}
	}
	return balances, nil
}

// GetFuturesBalance returns the unified account balance; OKX has no
// separate futures wallet in unified mode.
func (o *OKXAdapter) GetFuturesBalance(ctx context.Context) ([]Balance, error) {
	return o.GetAccountBalance(ctx)
}

func (o *OKXAdapter) GetAssetBalance(ctx context.Context, asset string) (*Balance, error) {
	balances, err := o.GetAccountBalance(ctx)
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

func (o *OKXAdapter) transfer(ctx context.Context, asset string, amount decimal.Decimal, from, to string) error {
	body := map[string]interface{}{
		"ccy":  asset,
		"amt":  amount.String(),
		"from": from,
		"to":   to,
		"type": "0",
	}
	return o.call(ctx, "POST", "/api/v5/asset/transfer", body, nil)
}

// TransferToFutures moves funds from funding (6) to trading (18)
func (o *OKXAdapter) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return o.transfer(ctx, asset, amount, "6", "18")
}

func (o *OKXAdapter) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return o.transfer(ctx, asset, amount, "18", "6")
}

func (o *OKXAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	result, err := o.fetchOrder(ctx, symbol, orderID, false)
	if err == nil {
		return result, nil
	}
	return o.fetchOrder(ctx, symbol, orderID, true)
}

func (o *OKXAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	body := map[string]interface{}{
		"instId": VenueSymbol(OKX, symbol, false),
		"ordId":  orderID,
	}
	if err := o.call(ctx, "POST", "/api/v5/trade/cancel-order", body, nil); err != nil {
		body["instId"] = VenueSymbol(OKX, symbol, true)
		if err := o.call(ctx, "POST", "/api/v5/trade/cancel-order", body, nil); err != nil {
			return nil, err
		}
	}
	return o.GetOrder(ctx, symbol, orderID)
}

func (o *OKXAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	path := "/api/v5/trade/orders-pending?instId=" + VenueSymbol(OKX, symbol, false)
	var orders []okxOrder
	if err := o.call(ctx, "GET", path, nil, &orders); err != nil {
		return nil, err
	}
	results := make([]OrderResult, 0, len(orders))
	for i := range orders {
		results = append(results, *orders[i].normalize())
	}
	return results, nil
}

func (o *OKXAdapter) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	path := "/api/v5/market/ticker?instId=" + VenueSymbol(OKX, symbol, false)
	var tickers []struct {
		Last decimal.Decimal `json:"last"`
	}
	if err := o.call(ctx, "GET", path, nil, &tickers); err != nil {
		return decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, &ValidationError{Field: "symbol", Reason: "unknown symbol " + symbol}
	}
	return tickers[0].Last, nil
}

func (o *OKXAdapter) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	canonical := CanonicalSymbol(symbol)
	o.mu.RLock()
	cached, ok := o.symbols[canonical]
	o.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path := "/api/v5/public/instruments?instType=SPOT&instId=" + VenueSymbol(OKX, canonical, false)
	var instruments []struct {
		BaseCcy string          `json:"baseCcy"`
		QuoteCcy string         `json:"quoteCcy"`
		LotSz   decimal.Decimal `json:"lotSz"`
		TickSz  decimal.Decimal `json:"tickSz"`
		MinSz   decimal.Decimal `json:"minSz"`
	}
	if err := o.call(ctx, "GET", path, nil, &instruments); err != nil {
		return nil, err
	}
	if len(instruments) == 0 {
		return nil, &ValidationError{Field: "symbol", Reason: "unknown symbol " + canonical}
	}

	inst := instruments[0]
	info := &SymbolInfo{
		Symbol:             canonical,
		BaseAsset:          inst.BaseCcy,
		QuoteAsset:         inst.QuoteCcy,
		StepSize:           inst.LotSz,
		TickSize:           inst.TickSz,
		MinQuantity:        inst.MinSz,
		MinNotional:        decimal.NewFromInt(1),
		FuturesMinNotional: decimal.NewFromInt(5),
	}

	o.mu.Lock()
	o.symbols[canonical] = info
	o.mu.Unlock()
	return info, nil
}

func (o *OKXAdapter) GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error) {
	info, err := o.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if isFutures && !info.FuturesMinNotional.IsZero() {
		return info.FuturesMinNotional, nil
	}
	return info.MinNotional, nil
}

func (o *OKXAdapter) RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	return QuantizeQuantity(info, quantity)
}

func (o *OKXAdapter) RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	return QuantizePrice(info, price)
}

func (o *OKXAdapter) PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	body := map[string]interface{}{
		"instId":      VenueSymbol(OKX, symbol, true),
		"tdMode":      "cross",
		"side":        strings.ToLower(string(side)),
		"ordType":     "conditional",
		"sz":          quantity.String(),
		"slTriggerPx": stopPrice.String(),
		"slOrdPx":     "-1", // market execution on trigger
		"reduceOnly":  true,
	}
	var created []struct {
		AlgoID string `json:"algoId"`
	}
	if err := o.call(ctx, "POST", "/api/v5/trade/order-algo", body, &created); err != nil {
		return nil, err
	}
	orderID := ""
	if len(created) > 0 {
		orderID = created[0].AlgoID
	}
	return &OrderResult{
		OrderID:     orderID,
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

func (o *OKXAdapter) CancelStopLossOrder(ctx context.Context, symbol, orderID string) error {
	body := []map[string]interface{}{{
		"instId": VenueSymbol(OKX, symbol, true),
		"algoId": orderID,
	}}
	return o.call(ctx, "POST", "/api/v5/trade/cancel-algos", body, nil)
}

func (o *OKXAdapter) ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	if err := o.CancelStopLossOrder(ctx, symbol, orderID); err != nil {
		return nil, err
	}
	return o.PlaceStopLossOrder(ctx, symbol, SideSell, quantity, stopPrice)
}

func (o *OKXAdapter) CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	return StopLossPrice(entryPrice, side, percent)
}
