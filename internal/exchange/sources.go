package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Position sources read the PUBLIC position feeds of tracked accounts.
// No credentials are involved, which is why they rotate through pool
// proxies while the trading adapters connect directly. A fresh client is
// built per request so each attempt can carry a different proxy.

func sourceClient(baseURL, proxyURL string) *resty.Client {
	return NewHTTPClient(baseURL, DefaultTimeouts(), proxyURL)
}

// classifySourceResponse maps a public-endpoint failure onto the shared
// error taxonomy so the fetcher can blame proxies vs back off.
func classifySourceResponse(venue string, resp *resty.Response) error {
	status := resp.StatusCode()
	body := string(resp.Body())
	if status == 429 || status == 418 {
		return &RateLimitError{Exchange: venue, RetryAfter: 30 * time.Second}
	}
	if status == 403 && (strings.Contains(strings.ToLower(body), "rate") || strings.Contains(strings.ToLower(body), "limit")) {
		return &RateLimitError{Exchange: venue, RetryAfter: 30 * time.Second}
	}
	return &APIError{Exchange: venue, StatusCode: status, Message: truncateBody(body)}
}

func truncateBody(body string) string {
	if len(body) > 200 {
		return body[:200]
	}
	return body
}

// BinanceSource reads the futures leaderboard position feed for an
// encrypted leaderboard UID
type BinanceSource struct {
	baseURL string
}

func NewBinanceSource() *BinanceSource {
	return &BinanceSource{baseURL: "https://www.binance.com"}
}

func (s *BinanceSource) Name() string { return Binance }

func (s *BinanceSource) FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error) {
	client := sourceClient(s.baseURL, proxyURL)
	defer client.GetClient().CloseIdleConnections()

	resp, err := client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"encryptedUid": exchangeUID, "tradeType": "PERPETUAL"}).
		Post("/bapi/futures/v1/public/future/leaderboard/getOtherPosition")
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Exchange: Binance, Op: "leaderboard positions"}
		}
		return nil, fmt.Errorf("binance leaderboard fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifySourceResponse(Binance, resp)
	}

	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			OtherPositionRetList []struct {
				Symbol     string          `json:"symbol"`
				EntryPrice decimal.Decimal `json:"entryPrice"`
				MarkPrice  decimal.Decimal `json:"markPrice"`
				Amount     decimal.Decimal `json:"amount"`
				Leverage   decimal.Decimal `json:"leverage"`
				UpdateTime []int           `json:"updateTime"`
			} `json:"otherPositionRetList"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("binance leaderboard: failed to decode response: %w", err)
	}
	if !payload.Success {
		if IsRateLimitMessage(payload.Message) {
			return nil, &RateLimitError{Exchange: Binance, RetryAfter: 30 * time.Second}
		}
		return nil, &APIError{Exchange: Binance, Message: payload.Message}
	}

	positions := make([]WhalePosition, 0, len(payload.Data.OtherPositionRetList))
	for _, p := range payload.Data.OtherPositionRetList {
		if p.Amount.IsZero() {
			continue
		}
		side := PositionLong
		qty := p.Amount
		if p.Amount.IsNegative() {
			side = PositionShort
			qty = p.Amount.Abs()
		}
		positions = append(positions, WhalePosition{
			Symbol:      CanonicalSymbol(p.Symbol),
			Side:        side,
			Quantity:    qty,
			EntryPrice:  p.EntryPrice,
			MarkPrice:   p.MarkPrice,
			NotionalUSD: qty.Mul(p.MarkPrice),
			Leverage:    int(p.Leverage.IntPart()),
			UpdatedAt:   time.Now(),
		})
	}
	return positions, nil
}

// BybitSource reads a copy-trading leader's public position list
type BybitSource struct {
	baseURL string
}

func NewBybitSource() *BybitSource {
	return &BybitSource{baseURL: "https://api2.bybit.com"}
}

func (s *BybitSource) Name() string { return Bybit }

func (s *BybitSource) FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error) {
	client := sourceClient(s.baseURL, proxyURL)
	defer client.GetClient().CloseIdleConnections()

	resp, err := client.R().SetContext(ctx).
		SetQueryParam("leaderMark", exchangeUID).
		Get("/fapi/beehive/public/v1/common/position/list")
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Exchange: Bybit, Op: "leader positions"}
		}
		return nil, fmt.Errorf("bybit leader fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifySourceResponse(Bybit, resp)
	}

	var payload struct {
		RetCode int    `json:"ret_code"`
		RetMsg  string `json:"ret_msg"`
		Result  struct {
			Data []struct {
				Symbol      string          `json:"symbol"`
				Side        string          `json:"side"`
				Size        decimal.Decimal `json:"sizeX"`
				EntryPrice  decimal.Decimal `json:"entryPrice"`
				MarkPrice   decimal.Decimal `json:"markPrice"`
				Leverage    decimal.Decimal `json:"leverageE2"`
				PositionValue decimal.Decimal `json:"positionValue"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("bybit leader: failed to decode response: %w", err)
	}
	if payload.RetCode != 0 {
		if IsRateLimitMessage(payload.RetMsg) {
			return nil, &RateLimitError{Exchange: Bybit, RetryAfter: 30 * time.Second}
		}
		return nil, &APIError{Exchange: Bybit, Code: fmt.Sprintf("%d", payload.RetCode), Message: payload.RetMsg}
	}

	positions := make([]WhalePosition, 0, len(payload.Result.Data))
	for _, p := range payload.Result.Data {
		if p.Size.IsZero() {
			continue
		}
		side := PositionLong
		if strings.EqualFold(p.Side, "Sell") {
			side = PositionShort
		}
		notional := p.PositionValue
		if notional.IsZero() {
			notional = p.Size.Mul(p.MarkPrice)
		}
		positions = append(positions, WhalePosition{
			Symbol:      CanonicalSymbol(p.Symbol),
			Side:        side,
			Quantity:    p.Size,
			EntryPrice:  p.EntryPrice,
			MarkPrice:   p.MarkPrice,
			NotionalUSD: notional,
			Leverage:    int(p.Leverage.Div(decimal.NewFromInt(100)).IntPart()),
			UpdatedAt:   time.Now(),
		})
	}
	return positions, nil
}

// OKXSource reads a copy-trading leader's public sub-positions
type OKXSource struct {
	baseURL string
}

func NewOKXSource() *OKXSource {
	return &OKXSource{baseURL: "https://www.okx.com"}
}

func (s *OKXSource) Name() string { return OKX }

func (s *OKXSource) FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error) {
	client := sourceClient(s.baseURL, proxyURL)
	defer client.GetClient().CloseIdleConnections()

	resp, err := client.R().SetContext(ctx).
		SetQueryParam("uniqueCode", exchangeUID).
		Get("/api/v5/copytrading/public-current-subpositions")
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Exchange: OKX, Op: "leader subpositions"}
		}
		return nil, fmt.Errorf("okx leader fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifySourceResponse(OKX, resp)
	}

	var payload struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID   string          `json:"instId"`
			PosSide  string          `json:"posSide"`
			Pos      decimal.Decimal `json:"subPos"`
			AvgPx    decimal.Decimal `json:"openAvgPx"`
			MarkPx   decimal.Decimal `json:"markPx"`
			Lever    decimal.Decimal `json:"lever"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("okx leader: failed to decode response: %w", err)
	}
	if payload.Code != "0" {
		if payload.Code == "50011" || IsRateLimitMessage(payload.Msg) {
			return nil, &RateLimitError{Exchange: OKX, RetryAfter: 30 * time.Second}
		}
		return nil, &APIError{Exchange: OKX, Code: payload.Code, Message: payload.Msg}
	}

	positions := make([]WhalePosition, 0, len(payload.Data))
	for _, p := range payload.Data {
		if p.Pos.IsZero() {
			continue
		}
		side := PositionLong
		if strings.EqualFold(p.PosSide, "short") {
			side = PositionShort
		}
		positions = append(positions, WhalePosition{
			Symbol:      CanonicalSymbol(p.InstID),
			Side:        side,
			Quantity:    p.Pos,
			EntryPrice:  p.AvgPx,
			MarkPrice:   p.MarkPx,
			NotionalUSD: p.Pos.Mul(p.MarkPx),
			Leverage:    int(p.Lever.IntPart()),
			UpdatedAt:   time.Now(),
		})
	}
	return positions, nil
}

// BitgetSource reads a trader's public current track orders. Bitget keeps
// trader positions public, which is why Bitget whales rank into the HIGH
// polling tier.
type BitgetSource struct {
	baseURL string
}

func NewBitgetSource() *BitgetSource {
	return &BitgetSource{baseURL: "https://api.bitget.com"}
}

func (s *BitgetSource) Name() string { return Bitget }

func (s *BitgetSource) FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error) {
	client := sourceClient(s.baseURL, proxyURL)
	defer client.GetClient().CloseIdleConnections()

	resp, err := client.R().SetContext(ctx).
		SetQueryParam("traderId", exchangeUID).
		SetQueryParam("pageSize", "50").
		Get("/api/mix/v1/trace/queryTraceCurrent")
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Exchange: Bitget, Op: "trader track"}
		}
		return nil, fmt.Errorf("bitget trader fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifySourceResponse(Bitget, resp)
	}

	var payload struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol     string          `json:"symbol"`
			HoldSide   string          `json:"holdSide"`
			OpenSize   decimal.Decimal `json:"openSize"`
			OpenPrice  decimal.Decimal `json:"openPriceAvg"`
			MarkPrice  decimal.Decimal `json:"currentPrice"`
			Leverage   decimal.Decimal `json:"openLeverage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("bitget trader: failed to decode response: %w", err)
	}
	if payload.Code != "00000" {
		if payload.Code == "429" || IsRateLimitMessage(payload.Msg) {
			return nil, &RateLimitError{Exchange: Bitget, RetryAfter: 30 * time.Second}
		}
		return nil, &APIError{Exchange: Bitget, Code: payload.Code, Message: payload.Msg}
	}

	positions := make([]WhalePosition, 0, len(payload.Data))
	for _, p := range payload.Data {
		if p.OpenSize.IsZero() {
			continue
		}
		side := PositionLong
		if strings.EqualFold(p.HoldSide, "short") {
			side = PositionShort
		}
		positions = append(positions, WhalePosition{
			Symbol:      CanonicalSymbol(p.Symbol),
			Side:        side,
			Quantity:    p.OpenSize,
			EntryPrice:  p.OpenPrice,
			MarkPrice:   p.MarkPrice,
			NotionalUSD: p.OpenSize.Mul(p.MarkPrice),
			Leverage:    int(p.Leverage.IntPart()),
			UpdatedAt:   time.Now(),
		})
	}
	return positions, nil
}

// HyperliquidSource reads the on-chain clearinghouse state for a wallet
// address. Coin names come back bare ("BTC") and are mapped onto the
// canonical USDT-quoted form.
type HyperliquidSource struct {
	baseURL string
}

func NewHyperliquidSource() *HyperliquidSource {
	return &HyperliquidSource{baseURL: "https://api.hyperliquid.xyz"}
}

func (s *HyperliquidSource) Name() string { return Hyperliquid }

func (s *HyperliquidSource) FetchWhalePositions(ctx context.Context, exchangeUID string, proxyURL string) ([]WhalePosition, error) {
	client := sourceClient(s.baseURL, proxyURL)
	defer client.GetClient().CloseIdleConnections()

	resp, err := client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"type": "clearinghouseState", "user": exchangeUID}).
		Post("/info")
	if err != nil {
		if isTimeout(err) {
			return nil, &TimeoutError{Exchange: Hyperliquid, Op: "clearinghouse state"}
		}
		return nil, fmt.Errorf("hyperliquid fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, classifySourceResponse(Hyperliquid, resp)
	}

	var payload struct {
		AssetPositions []struct {
			Position struct {
				Coin     string          `json:"coin"`
				Szi      decimal.Decimal `json:"szi"`
				EntryPx  decimal.Decimal `json:"entryPx"`
				PositionValue decimal.Decimal `json:"positionValue"`
				Leverage struct {
					Value int `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("hyperliquid: failed to decode response: %w", err)
	}

	positions := make([]WhalePosition, 0, len(payload.AssetPositions))
	for _, a := range payload.AssetPositions {
		p := a.Position
		if p.Szi.IsZero() {
			continue
		}
		side := PositionLong
		qty := p.Szi
		if p.Szi.IsNegative() {
			side = PositionShort
			qty = p.Szi.Abs()
		}
		markPrice := decimal.Zero
		if !qty.IsZero() && !p.PositionValue.IsZero() {
			markPrice = p.PositionValue.Div(qty)
		}
		positions = append(positions, WhalePosition{
			Symbol:      CanonicalSymbol(p.Coin + "USDT"),
			Side:        side,
			Quantity:    qty,
			EntryPrice:  p.EntryPx,
			MarkPrice:   markPrice,
			NotionalUSD: p.PositionValue.Abs(),
			Leverage:    p.Leverage.Value,
			UpdatedAt:   time.Now(),
		})
	}
	return positions, nil
}

// Sources returns one position source per supported venue
func Sources() map[string]PositionSource {
	return map[string]PositionSource{
		Binance:     NewBinanceSource(),
		Bybit:       NewBybitSource(),
		OKX:         NewOKXSource(),
		Bitget:      NewBitgetSource(),
		Hyperliquid: NewHyperliquidSource(),
	}
}
