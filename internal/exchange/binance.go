package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
)

// Fee rates applied when the venue response omits commission detail
var (
	binanceSpotTakerFee    = decimal.NewFromFloat(0.001)
	binanceFuturesTakerFee = decimal.NewFromFloat(0.0004)
)

// BinanceAdapter trades spot through api.binance.com and USDT-M futures
// through fapi.binance.com.
type BinanceAdapter struct {
	creds   config.ExchangeCredentials
	spot    *resty.Client
	futures *resty.Client

	mu      sync.RWMutex
	symbols map[string]*SymbolInfo
}

// NewBinanceAdapter creates an uninitialized Binance adapter
func NewBinanceAdapter(creds config.ExchangeCredentials, timeouts HTTPTimeouts) *BinanceAdapter {
	spotBase := creds.BaseURL
	if spotBase == "" {
		spotBase = "https://api.binance.com"
	}
	futuresBase := strings.Replace(spotBase, "api.", "fapi.", 1)
	if creds.TestNet {
		spotBase = "https://testnet.binance.vision"
		futuresBase = "https://testnet.binancefuture.com"
	}
	return &BinanceAdapter{
		creds:   creds,
		spot:    NewHTTPClient(spotBase, timeouts, ""),
		futures: NewHTTPClient(futuresBase, timeouts, ""),
		symbols: make(map[string]*SymbolInfo),
	}
}

func (b *BinanceAdapter) Name() string { return Binance }

// Initialize verifies connectivity and clock skew
func (b *BinanceAdapter) Initialize(ctx context.Context) error {
	resp, err := b.spot.R().SetContext(ctx).Get("/api/v3/time")
	if err != nil {
		return fmt.Errorf("binance connectivity check failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return b.classify(resp, "time")
	}
	return nil
}

func (b *BinanceAdapter) Close() error {
	b.spot.GetClient().CloseIdleConnections()
	b.futures.GetClient().CloseIdleConnections()
	return nil
}

func (b *BinanceAdapter) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(b.creds.SecretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedCall executes an authenticated request and decodes the response.
// Non-200 results are classified into the typed error taxonomy.
func (b *BinanceAdapter) signedCall(ctx context.Context, client *resty.Client, method, path string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	params.Set("signature", b.sign(params))

	req := client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.creds.APIKey).
		SetQueryParamsFromValues(params)

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return &ValidationError{Field: "method", Reason: "unsupported method " + method}
	}
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Exchange: Binance, Op: path}
		}
		return fmt.Errorf("binance %s failed: %w", path, err)
	}
	if resp.StatusCode() != 200 {
		return b.classify(resp, path)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("binance %s: failed to decode response: %w", path, err)
		}
	}
	return nil
}

// classify turns a non-200 Binance response into a typed error
func (b *BinanceAdapter) classify(resp *resty.Response, op string) error {
	var apiResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(resp.Body(), &apiResp)

	status := resp.StatusCode()
	if status == 429 || status == 418 || apiResp.Code == -1015 {
		retryAfter := 30 * time.Second
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Exchange: Binance, RetryAfter: retryAfter}
	}
	if apiResp.Code == -2010 || apiResp.Code == -2019 {
		return &InsufficientBalanceError{Exchange: Binance, Asset: "USDT"}
	}
	return &APIError{
		Exchange:   Binance,
		StatusCode: status,
		Code:       strconv.Itoa(apiResp.Code),
		Message:    apiResp.Msg,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

type binanceOrderResp struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	CumQuote            decimal.Decimal `json:"cumQuote"` // futures field name
	AvgPrice            decimal.Decimal `json:"avgPrice"` // futures only
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	TransactTime        int64           `json:"transactTime"`
	UpdateTime          int64           `json:"updateTime"`
	Fills               []struct {
		Price           decimal.Decimal `json:"price"`
		Qty             decimal.Decimal `json:"qty"`
		Commission      decimal.Decimal `json:"commission"`
		CommissionAsset string          `json:"commissionAsset"`
	} `json:"fills"`
}

func (b *BinanceAdapter) normalize(resp *binanceOrderResp, futures bool) *OrderResult {
	result := &OrderResult{
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:  resp.ClientOrderID,
		Symbol:         CanonicalSymbol(resp.Symbol),
		Side:           OrderSide(resp.Side),
		Type:           resp.Type,
		Status:         normalizeBinanceStatus(resp.Status),
		Quantity:       resp.OrigQty,
		FilledQuantity: resp.ExecutedQty,
		Price:          resp.Price,
		FeeCurrency:    "USDT",
		Timestamp:      time.UnixMilli(maxInt64(resp.TransactTime, resp.UpdateTime)),
	}

	quote := resp.CummulativeQuoteQty
	if quote.IsZero() {
		quote = resp.CumQuote
	}
	if !resp.AvgPrice.IsZero() {
		result.AvgFillPrice = resp.AvgPrice
	} else if !resp.ExecutedQty.IsZero() && !quote.IsZero() {
		result.AvgFillPrice = quote.Div(resp.ExecutedQty)
	}

	if len(resp.Fills) > 0 {
		fee := decimal.Zero
		for _, fill := range resp.Fills {
			fee = fee.Add(fill.Commission)
			result.FeeCurrency = fill.CommissionAsset
		}
		result.Fee = fee
	} else if !quote.IsZero() {
		rate := binanceSpotTakerFee
		if futures {
			rate = binanceFuturesTakerFee
		}
		result.Fee = quote.Mul(rate)
	}
	return result
}

func normalizeBinanceStatus(s string) OrderStatus {
	switch s {
	case "NEW":
		return OrderStatusNew
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return OrderStatusCanceled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func newClientOrderID() string {
	return "wct-" + uuid.NewString()[:18]
}

func (b *BinanceAdapter) spotOrder(ctx context.Context, symbol string, side OrderSide, orderType string, quantity, price decimal.Decimal) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, false))
	params.Set("side", string(side))
	params.Set("type", orderType)
	params.Set("quantity", quantity.String())
	params.Set("newClientOrderId", newClientOrderID())
	params.Set("newOrderRespType", "FULL")
	if orderType == "LIMIT" {
		params.Set("price", price.String())
		params.Set("timeInForce", "GTC")
	}

	var resp binanceOrderResp
	if err := b.signedCall(ctx, b.spot, "POST", "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalize(&resp, false), nil
}

func (b *BinanceAdapter) SpotMarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideBuy, "MARKET", quantity, decimal.Zero)
}

func (b *BinanceAdapter) SpotMarketSell(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideSell, "MARKET", quantity, decimal.Zero)
}

func (b *BinanceAdapter) SpotLimitBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideBuy, "LIMIT", quantity, price)
}

func (b *BinanceAdapter) SpotLimitSell(ctx context.Context, symbol string, quantity, price decimal.Decimal) (*OrderResult, error) {
	return b.spotOrder(ctx, symbol, SideSell, "LIMIT", quantity, price)
}

func (b *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	params.Set("leverage", strconv.Itoa(leverage))
	return b.signedCall(ctx, b.futures, "POST", "/fapi/v1/leverage", params, nil)
}

func (b *BinanceAdapter) futuresOrder(ctx context.Context, symbol string, side OrderSide, quantity decimal.Decimal, reduceOnly bool) (*OrderResult, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "quantity", Reason: "invalid trade size"}
	}
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.String())
	params.Set("newClientOrderId", newClientOrderID())
	params.Set("newOrderRespType", "RESULT")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp binanceOrderResp
	if err := b.signedCall(ctx, b.futures, "POST", "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalize(&resp, true), nil
}

func (b *BinanceAdapter) FuturesMarketLong(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.futuresOrder(ctx, symbol, SideBuy, quantity, false)
}

func (b *BinanceAdapter) FuturesMarketShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*OrderResult, error) {
	return b.futuresOrder(ctx, symbol, SideSell, quantity, false)
}

// FuturesClosePosition issues a reduce-only market order against the
// position. A zero quantity closes the full live size reported by the venue.
func (b *BinanceAdapter) FuturesClosePosition(ctx context.Context, symbol string, side PositionSide, quantity decimal.Decimal) (*OrderResult, error) {
	if quantity.IsZero() {
		live, err := b.futuresPositionSize(ctx, symbol)
		if err != nil {
			return nil, err
		}
		quantity = live.Abs()
		if quantity.IsZero() {
			return nil, &ValidationError{Field: "position", Reason: "no live position to close"}
		}
	}
	closeSide := SideSell
	if side == PositionShort {
		closeSide = SideBuy
	}
	return b.futuresOrder(ctx, symbol, closeSide, quantity, true)
}

func (b *BinanceAdapter) futuresPositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, true))

	var resp []struct {
		PositionAmt decimal.Decimal `json:"positionAmt"`
	}
	if err := b.signedCall(ctx, b.futures, "GET", "/fapi/v2/positionRisk", params, &resp); err != nil {
		return decimal.Zero, err
	}
	if len(resp) == 0 {
		return decimal.Zero, nil
	}
	return resp[0].PositionAmt, nil
}

func (b *BinanceAdapter) GetAccountBalance(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := b.signedCall(ctx, b.spot, "GET", "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, bal := range resp.Balances {
		if bal.Free.IsZero() && bal.Locked.IsZero() {
			continue
		}
		balances = append(balances, Balance{Asset: bal.Asset, Free: bal.Free, Locked: bal.Locked})
	}
	return balances, nil
}

func (b *BinanceAdapter) GetAssetBalance(ctx context.Context, asset string) (*Balance, error) {
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

func (b *BinanceAdapter) GetFuturesBalance(ctx context.Context) ([]Balance, error) {
	var resp []struct {
		Asset            string          `json:"asset"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
		Balance          decimal.Decimal `json:"balance"`
	}
	if err := b.signedCall(ctx, b.futures, "GET", "/fapi/v2/balance", nil, &resp); err != nil {
		return nil, err
	}

	var balances []Balance
	for _, bal := range resp {
		if bal.Balance.IsZero() {
			continue
		}
		balances = append(balances, Balance{
			Asset:  bal.Asset,
			Free:   bal.AvailableBalance,
			Locked: bal.Balance.Sub(bal.AvailableBalance),
		})
	}
	return balances, nil
}

func (b *BinanceAdapter) transfer(ctx context.Context, asset string, amount decimal.Decimal, transferType int) error {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("amount", amount.String())
	params.Set("type", strconv.Itoa(transferType))
	return b.signedCall(ctx, b.spot, "POST", "/sapi/v1/futures/transfer", params, nil)
}

func (b *BinanceAdapter) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, 1)
}

func (b *BinanceAdapter) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, 2)
}

// GetOrder queries spot first and falls back to futures; order ids do not
// collide across the two services in practice.
func (b *BinanceAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, false))
	params.Set("orderId", orderID)

	var resp binanceOrderResp
	if err := b.signedCall(ctx, b.spot, "GET", "/api/v3/order", params, &resp); err == nil {
		return b.normalize(&resp, false), nil
	}

	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	if err := b.signedCall(ctx, b.futures, "GET", "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalize(&resp, true), nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, false))
	params.Set("orderId", orderID)

	var resp binanceOrderResp
	if err := b.signedCall(ctx, b.spot, "DELETE", "/api/v3/order", params, &resp); err == nil {
		return b.normalize(&resp, false), nil
	}

	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	if err := b.signedCall(ctx, b.futures, "DELETE", "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalize(&resp, true), nil
}

func (b *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, false))

	var resp []binanceOrderResp
	if err := b.signedCall(ctx, b.spot, "GET", "/api/v3/openOrders", params, &resp); err != nil {
		return nil, err
	}
	results := make([]OrderResult, 0, len(resp))
	for i := range resp {
		results = append(results, *b.normalize(&resp[i], false))
	}
	return results, nil
}

func (b *BinanceAdapter) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := b.spot.R().
		SetContext(ctx).
		SetQueryParam("symbol", VenueSymbol(Binance, symbol, false)).
		Get("/api/v3/ticker/price")
	if err != nil {
		if isTimeout(err) {
			return decimal.Zero, &TimeoutError{Exchange: Binance, Op: "ticker"}
		}
		return decimal.Zero, fmt.Errorf("binance ticker failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, b.classify(resp, "ticker")
	}

	var ticker struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(resp.Body(), &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("binance ticker: failed to decode: %w", err)
	}
	return ticker.Price, nil
}

// GetSymbolInfo resolves and caches LOT_SIZE, PRICE_FILTER and NOTIONAL
// filters for a symbol, merging the futures minimum notional when available.
func (b *BinanceAdapter) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	canonical := CanonicalSymbol(symbol)
	b.mu.RLock()
	cached, ok := b.symbols[canonical]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resp, err := b.spot.R().
		SetContext(ctx).
		SetQueryParam("symbol", VenueSymbol(Binance, canonical, false)).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("binance exchangeInfo failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, b.classify(resp, "exchangeInfo")
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string          `json:"filterType"`
				StepSize    decimal.Decimal `json:"stepSize"`
				TickSize    decimal.Decimal `json:"tickSize"`
				MinQty      decimal.Decimal `json:"minQty"`
				MinNotional decimal.Decimal `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, fmt.Errorf("binance exchangeInfo: failed to decode: %w", err)
	}
	if len(info.Symbols) == 0 {
		return nil, &ValidationError{Field: "symbol", Reason: "unknown symbol " + canonical}
	}

	s := info.Symbols[0]
	result := &SymbolInfo{
		Symbol:     canonical,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			result.StepSize = f.StepSize
			result.MinQuantity = f.MinQty
		case "PRICE_FILTER":
			result.TickSize = f.TickSize
		case "NOTIONAL", "MIN_NOTIONAL":
			result.MinNotional = f.MinNotional
		}
	}
	result.FuturesMinNotional = decimal.NewFromInt(5) // USDT-M floor

	b.mu.Lock()
	b.symbols[canonical] = result
	b.mu.Unlock()
	return result, nil
}

func (b *BinanceAdapter) GetMinNotional(ctx context.Context, symbol string, isFutures bool) (decimal.Decimal, error) {
	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if isFutures && !info.FuturesMinNotional.IsZero() {
		return info.FuturesMinNotional, nil
	}
	return info.MinNotional, nil
}

func (b *BinanceAdapter) RoundQuantity(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	return QuantizeQuantity(info, quantity)
}

func (b *BinanceAdapter) RoundPrice(info *SymbolInfo, price decimal.Decimal) decimal.Decimal {
	return QuantizePrice(info, price)
}

// PlaceStopLossOrder places an exchange-side STOP_MARKET order. The engine's
// own trigger sweep stays authoritative; this is an optimization against
// gaps between sweeps.
func (b *BinanceAdapter) PlaceStopLossOrder(ctx context.Context, symbol string, side OrderSide, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	params.Set("side", string(side))
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", stopPrice.String())
	params.Set("quantity", quantity.String())
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", newClientOrderID())

	var resp binanceOrderResp
	if err := b.signedCall(ctx, b.futures, "POST", "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}
	return b.normalize(&resp, true), nil
}

func (b *BinanceAdapter) CancelStopLossOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", VenueSymbol(Binance, symbol, true))
	params.Set("orderId", orderID)
	return b.signedCall(ctx, b.futures, "DELETE", "/fapi/v1/order", params, nil)
}

// ModifyStopLossOrder is cancel-and-replace; Binance has no in-place stop edit
func (b *BinanceAdapter) ModifyStopLossOrder(ctx context.Context, symbol, orderID string, quantity, stopPrice decimal.Decimal) (*OrderResult, error) {
	existing, err := b.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	if err := b.CancelStopLossOrder(ctx, symbol, orderID); err != nil {
		return nil, err
	}
	return b.PlaceStopLossOrder(ctx, symbol, existing.Side, quantity, stopPrice)
}

func (b *BinanceAdapter) CalculateStopLossPrice(entryPrice decimal.Decimal, side PositionSide, percent decimal.Decimal) decimal.Decimal {
	return StopLossPrice(entryPrice, side, percent)
}
