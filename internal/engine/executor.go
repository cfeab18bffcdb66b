package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/circuit"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/guard"
	"whale-copy-trader/internal/position"
)

// Executor runs the trade protocol for one follower at a time. It owns no
// state; every mutation goes through the Store's atomic operations so a
// crash at any point leaves a recoverable trade row behind.
type Executor struct {
	store    Store
	registry *exchange.Registry
	guard    *guard.Guard
	breaker  *circuit.Registry
	events   *events.EventBus
	riskCfg  config.RiskConfig
	logger   zerolog.Logger
}

func NewExecutor(store Store, registry *exchange.Registry, g *guard.Guard, breaker *circuit.Registry, bus *events.EventBus, riskCfg config.RiskConfig, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		guard:    g,
		breaker:  breaker,
		events:   bus,
		riskCfg:  riskCfg,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// ExecuteOpen copies an open/add signal for one follower: sizing, risk
// gate, then reserve -> exchange -> confirm/rollback.
func (e *Executor) ExecuteOpen(ctx context.Context, signal *database.Signal, user *database.User, follow *database.WhaleFollow, whale *database.Whale) (*database.Trade, error) {
	venue := preferredVenue(user)
	symbol := exchange.CanonicalSymbol(signal.Symbol)

	tradeType, err := resolveTradeType(signal, user, follow)
	if err != nil {
		return nil, err
	}
	isFutures := tradeType != database.TradeTypeSpot

	size, err := ComputeSize(e.riskCfg, user, follow, whale)
	if err != nil {
		return nil, err
	}

	adapter, err := e.registry.Adapter(venue)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s adapter: %w", venue, err)
	}
	defer adapter.Close()

	var minNotional decimal.Decimal
	if err := e.guard.Call(ctx, venue, venue, func() error {
		var callErr error
		minNotional, callErr = adapter.GetMinNotional(ctx, symbol, isFutures)
		return callErr
	}); err != nil {
		return nil, err
	}

	dailyLoss, err := e.store.DailyRealizedLoss(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	openPositions, err := e.store.CountOpenPositions(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	requestedLeverage := 1
	if isFutures {
		requestedLeverage = user.Settings.MaxLeverage
	}
	verdict := Gate(e.riskCfg, RiskInput{
		User:          user,
		SizeUSDT:      size,
		IsFutures:     isFutures,
		Leverage:      requestedLeverage,
		MinNotional:   minNotional,
		DailyLoss:     dailyLoss,
		OpenPositions: openPositions,
	})
	if !verdict.Allowed {
		return nil, &exchange.ValidationError{Field: "risk", Reason: verdict.Reason}
	}
	for _, w := range verdict.Warnings {
		e.logger.Warn().Int64("user_id", user.ID).Str("symbol", symbol).Msg(w)
	}

	var price decimal.Decimal
	var info *exchange.SymbolInfo
	if err := e.guard.Call(ctx, venue, venue, func() error {
		var callErr error
		if price, callErr = adapter.GetTickerPrice(ctx, symbol); callErr != nil {
			return callErr
		}
		info, callErr = adapter.GetSymbolInfo(ctx, symbol)
		return callErr
	}); err != nil {
		return nil, err
	}
	if price.IsZero() {
		return nil, &exchange.ValidationError{Field: "price", Reason: "no price for " + symbol}
	}

	quantity, err := adapter.RoundQuantity(info, verdict.Size.Div(price))
	if err != nil {
		return nil, err
	}

	// Phase 1: the reservation is durable once this returns
	trade := &database.Trade{
		UserID:      user.ID,
		SignalID:    &signal.ID,
		Exchange:    venue,
		Symbol:      symbol,
		Side:        signal.Side,
		TradeType:   tradeType,
		SizeUSDT:    verdict.Size,
		Quantity:    quantity,
		Leverage:    verdict.Leverage,
		FeeCurrency: "USDT",
	}
	if err := e.store.ReserveTradeFunds(ctx, trade); err != nil {
		return nil, err
	}
	if err := e.store.SetTradeExecuting(ctx, trade.ID); err != nil {
		return nil, err
	}

	if err := e.breaker.Allow(venue); err != nil {
		e.rollback(ctx, trade, "circuit open for "+venue)
		return nil, err
	}

	if isFutures && verdict.Leverage > 1 {
		if err := e.guard.Call(ctx, venue, venue, func() error {
			return adapter.SetLeverage(ctx, symbol, verdict.Leverage)
		}); err != nil {
			e.rollback(ctx, trade, "failed to set leverage: "+err.Error())
			return nil, err
		}
	}

	var result *exchange.OrderResult
	dispatchErr := e.guard.Call(ctx, venue, venue, func() error {
		var callErr error
		result, callErr = dispatchOrder(ctx, adapter, tradeType, signal.Side, symbol, quantity)
		return callErr
	})

	switch {
	case dispatchErr == nil:
		return trade, e.confirmOpen(ctx, adapter, trade, signal, user, result)
	case isTimeoutErr(dispatchErr):
		// the order may have reached the venue; never roll back blind
		if err := e.store.MarkTradeNeedsReconciliation(ctx, trade.ID, ""); err != nil {
			e.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("Failed to flag trade for reconciliation")
		}
		e.events.PublishTradeNeedsReconciliation(trade.ID, user.ID, "")
		return nil, dispatchErr
	default:
		e.rollback(ctx, trade, dispatchErr.Error())
		return nil, dispatchErr
	}
}

func (e *Executor) confirmOpen(ctx context.Context, adapter exchange.Adapter, trade *database.Trade, signal *database.Signal, user *database.User, result *exchange.OrderResult) error {
	positionSide := "LONG"
	if trade.TradeType == database.TradeTypeFuturesShort {
		positionSide = "SHORT"
	}
	positionType := database.PositionTypeFutures
	if trade.TradeType == database.TradeTypeSpot {
		positionType = database.PositionTypeSpot
	}

	execPrice := result.AvgFillPrice
	if execPrice.IsZero() {
		execPrice = result.Price
	}

	var stopLoss, takeProfit, liquidation *decimal.Decimal
	if pct := user.Settings.StopLossPercent; pct != nil && pct.IsPositive() {
		sl := exchange.StopLossPrice(execPrice, exchange.PositionSide(positionSide), *pct)
		stopLoss = &sl
	}
	if pct := user.Settings.TakeProfitPercent; pct != nil && pct.IsPositive() {
		tp := takeProfitPrice(execPrice, positionSide, *pct)
		takeProfit = &tp
	}
	if positionType == database.PositionTypeFutures {
		if liq := position.EstimateLiquidationPrice(positionSide, execPrice, trade.Leverage); !liq.IsZero() {
			liquidation = &liq
		}
	}

	pos, err := e.store.ConfirmTradeAndPosition(ctx, database.ConfirmParams{
		TradeID:          trade.ID,
		UserID:           user.ID,
		WhaleID:          whaleIDOf(signal),
		Symbol:           trade.Symbol,
		PositionSide:     positionSide,
		PositionType:     positionType,
		SizeUSDT:         trade.SizeUSDT,
		Leverage:         trade.Leverage,
		OrderID:          result.OrderID,
		ExecutedPrice:    execPrice,
		FilledQuantity:   result.FilledQuantity,
		Fee:              result.Fee,
		FeeCurrency:      result.FeeCurrency,
		FullyFilled:      result.FullyFilled(),
		StopLossPrice:    stopLoss,
		TakeProfitPrice:  takeProfit,
		LiquidationPrice: liquidation,
	})
	if err != nil {
		// the venue filled the order; only reconciliation may touch it now
		if flagErr := e.store.MarkTradeNeedsReconciliation(ctx, trade.ID, result.OrderID); flagErr != nil {
			e.logger.Error().Err(flagErr).Int64("trade_id", trade.ID).Msg("Failed to flag trade for reconciliation")
		}
		e.events.PublishTradeNeedsReconciliation(trade.ID, user.ID, result.OrderID)
		return err
	}

	// venue-side stop order where the venue supports it; the trigger sweep
	// stays authoritative either way
	if stopLoss != nil && positionType == database.PositionTypeFutures {
		slSide := exchange.SideSell
		if positionSide == "SHORT" {
			slSide = exchange.SideBuy
		}
		if _, slErr := adapter.PlaceStopLossOrder(ctx, trade.Symbol, slSide, result.FilledQuantity, *stopLoss); slErr != nil {
			e.logger.Debug().Err(slErr).Int64("position_id", pos.ID).Msg("Venue stop order not placed")
		}
	}

	e.events.PublishTradeExecuted(trade.ID, user.ID, trade.Exchange, trade.Symbol, trade.Side, execPrice, result.FilledQuantity)
	e.events.PublishPositionOpened(pos.ID, user.ID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity)
	e.logger.Info().
		Int64("trade_id", trade.ID).
		Int64("position_id", pos.ID).
		Int64("user_id", user.ID).
		Str("symbol", trade.Symbol).
		Str("size_usdt", trade.SizeUSDT.String()).
		Msg("Copy trade executed")
	return nil
}

// ClosePosition closes (part of) an open position with a reduce-only
// order. A zero quantity closes the full remainder. Satisfies the position
// manager's Closer.
func (e *Executor) ClosePosition(ctx context.Context, positionID int64, reason string, quantity decimal.Decimal) error {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Status != database.PositionOpen {
		return nil // already closed; close tasks are idempotent
	}
	user, err := e.store.GetUser(ctx, pos.UserID)
	if err != nil {
		return err
	}

	venue := preferredVenue(user)
	adapter, err := e.registry.Adapter(venue)
	if err != nil {
		return err
	}
	if err := adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s adapter: %w", venue, err)
	}
	defer adapter.Close()

	closeQty := quantity
	if closeQty.IsZero() || closeQty.GreaterThan(pos.RemainingQuantity) {
		closeQty = pos.RemainingQuantity
	}

	side := "SELL"
	tradeType := database.TradeTypeFuturesLong
	if pos.Side == "SHORT" {
		side = "BUY"
		tradeType = database.TradeTypeFuturesShort
	}
	if pos.PositionType == database.PositionTypeSpot {
		tradeType = database.TradeTypeSpot
	}

	chunkValue := pos.EntryValueUSDT
	if !pos.Quantity.IsZero() {
		chunkValue = pos.EntryValueUSDT.Mul(closeQty).Div(pos.Quantity)
	}

	trade := &database.Trade{
		UserID:      user.ID,
		Exchange:    venue,
		Symbol:      pos.Symbol,
		Side:        side,
		TradeType:   tradeType,
		SizeUSDT:    chunkValue,
		Quantity:    closeQty,
		Leverage:    pos.Leverage,
		FeeCurrency: "USDT",
	}
	if err := e.store.CreateExitTrade(ctx, trade); err != nil {
		return err
	}
	if err := e.store.SetTradeExecuting(ctx, trade.ID); err != nil {
		return err
	}

	if err := e.breaker.Allow(venue); err != nil {
		e.failExit(ctx, trade, "circuit open for "+venue)
		return err
	}

	var result *exchange.OrderResult
	dispatchErr := e.guard.Call(ctx, venue, venue, func() error {
		var callErr error
		result, callErr = e.dispatchClose(ctx, adapter, pos, closeQty)
		return callErr
	})

	switch {
	case dispatchErr == nil:
		return e.confirmClose(ctx, trade, pos, user, result, reason, chunkValue)
	case isTimeoutErr(dispatchErr):
		if err := e.store.MarkTradeNeedsReconciliation(ctx, trade.ID, ""); err != nil {
			e.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("Failed to flag exit trade for reconciliation")
		}
		e.events.PublishTradeNeedsReconciliation(trade.ID, user.ID, "")
		return dispatchErr
	default:
		e.failExit(ctx, trade, dispatchErr.Error())
		return dispatchErr
	}
}

// dispatchClose issues the reduce-only order. Spot closes sell what the
// wallet actually holds rather than the book quantity; LOT_SIZE dust stays
// behind and is logged.
func (e *Executor) dispatchClose(ctx context.Context, adapter exchange.Adapter, pos *database.Position, closeQty decimal.Decimal) (*exchange.OrderResult, error) {
	if pos.PositionType == database.PositionTypeFutures {
		side := exchange.PositionLong
		if pos.Side == "SHORT" {
			side = exchange.PositionShort
		}
		return adapter.FuturesClosePosition(ctx, pos.Symbol, side, closeQty)
	}

	base := exchange.BaseAsset(pos.Symbol)
	balance, err := adapter.GetAssetBalance(ctx, base)
	if err != nil {
		return nil, err
	}
	walletQty := balance.Free
	if walletQty.GreaterThan(closeQty) {
		walletQty = closeQty
	}
	info, err := adapter.GetSymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	sellQty, err := adapter.RoundQuantity(info, walletQty)
	if err != nil {
		return nil, err
	}
	if dust := walletQty.Sub(sellQty); dust.IsPositive() {
		e.logger.Debug().
			Int64("position_id", pos.ID).
			Str("symbol", pos.Symbol).
			Str("dust", dust.String()).
			Msg("Lot-size dust left behind on spot close")
	}
	return adapter.SpotMarketSell(ctx, pos.Symbol, sellQty)
}

func (e *Executor) confirmClose(ctx context.Context, trade *database.Trade, pos *database.Position, user *database.User, result *exchange.OrderResult, reason string, chunkValue decimal.Decimal) error {
	exitPrice := result.AvgFillPrice
	if exitPrice.IsZero() {
		exitPrice = result.Price
	}

	filled := result.FilledQuantity
	actualChunk := chunkValue
	if !pos.Quantity.IsZero() {
		actualChunk = pos.EntryValueUSDT.Mul(filled).Div(pos.Quantity)
	}
	pnl := position.Realize(pos.Side, pos.EntryPrice, exitPrice, actualChunk, result.Fee, pos.Leverage)

	remaining := pos.RemainingQuantity.Sub(filled)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	credit := actualChunk.Add(pnl.RealizedUSDT)
	if credit.IsNegative() {
		credit = decimal.Zero
	}

	closed, err := e.store.CloseTradeAndPosition(ctx, database.CloseParams{
		TradeID:        trade.ID,
		PositionID:     pos.ID,
		UserID:         user.ID,
		WhaleID:        pos.WhaleID,
		OrderID:        result.OrderID,
		ExitPrice:      exitPrice,
		FilledQuantity: filled,
		Fee:            result.Fee,
		FeeCurrency:    result.FeeCurrency,
		CloseReason:    reason,
		Liquidated:     reason == database.CloseLiquidation,
		RealizedPnL:    pnl.RealizedUSDT,
		BalanceCredit:  credit,
		Remaining:      remaining,
	})
	if err != nil {
		if flagErr := e.store.MarkTradeNeedsReconciliation(ctx, trade.ID, result.OrderID); flagErr != nil {
			e.logger.Error().Err(flagErr).Int64("trade_id", trade.ID).Msg("Failed to flag exit trade for reconciliation")
		}
		e.events.PublishTradeNeedsReconciliation(trade.ID, user.ID, result.OrderID)
		return err
	}

	if closed.Status == database.PositionOpen {
		e.logger.Info().
			Int64("position_id", pos.ID).
			Str("remaining", remaining.String()).
			Msg("Partial close fill, position stays open")
	} else {
		e.events.PublishPositionClosed(pos.ID, user.ID, pos.Symbol, reason, exitPrice, pnl.RealizedUSDT)
	}
	e.events.PublishTradeExecuted(trade.ID, user.ID, trade.Exchange, trade.Symbol, trade.Side, exitPrice, filled)
	return nil
}

func (e *Executor) rollback(ctx context.Context, trade *database.Trade, msg string) {
	if err := e.store.RollbackTradeReservation(ctx, trade.ID, trade.UserID, trade.SizeUSDT, msg); err != nil {
		e.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("Failed to roll back reservation")
		return
	}
	e.events.PublishTradeFailed(trade.ID, trade.UserID, trade.Symbol, msg)
}

// failExit voids an exit trade. Exit trades reserve nothing, so the
// rollback carries a zero balance delta.
func (e *Executor) failExit(ctx context.Context, trade *database.Trade, msg string) {
	if err := e.store.RollbackTradeReservation(ctx, trade.ID, trade.UserID, decimal.Zero, msg); err != nil {
		e.logger.Error().Err(err).Int64("trade_id", trade.ID).Msg("Failed to void exit trade")
		return
	}
	e.events.PublishTradeFailed(trade.ID, trade.UserID, trade.Symbol, msg)
}

func dispatchOrder(ctx context.Context, adapter exchange.Adapter, tradeType, side, symbol string, quantity decimal.Decimal) (*exchange.OrderResult, error) {
	switch tradeType {
	case database.TradeTypeFuturesLong:
		return adapter.FuturesMarketLong(ctx, symbol, quantity)
	case database.TradeTypeFuturesShort:
		return adapter.FuturesMarketShort(ctx, symbol, quantity)
	default:
		if side == "SELL" {
			return adapter.SpotMarketSell(ctx, symbol, quantity)
		}
		return adapter.SpotMarketBuy(ctx, symbol, quantity)
	}
}

// resolveTradeType maps the whale's action onto the follower's trading
// mode. Spot accounts cannot mirror shorts.
func resolveTradeType(signal *database.Signal, user *database.User, follow *database.WhaleFollow) (string, error) {
	mode := user.Settings.TradingMode
	if follow != nil && follow.TradingModeOverride != nil && *follow.TradingModeOverride != "" {
		mode = *follow.TradingModeOverride
	}

	if mode != "FUTURES" || signal.TradeType == database.TradeTypeSpot {
		if signal.Side == "SELL" && !signal.IsClose {
			return "", &exchange.ValidationError{Field: "trade_type", Reason: "spot account cannot open a short"}
		}
		return database.TradeTypeSpot, nil
	}
	if signal.Side == "SELL" {
		return database.TradeTypeFuturesShort, nil
	}
	return database.TradeTypeFuturesLong, nil
}

func preferredVenue(user *database.User) string {
	if v := user.Settings.PreferredExchange; v != "" {
		return v
	}
	return exchange.Binance
}

func takeProfitPrice(entry decimal.Decimal, side string, percent decimal.Decimal) decimal.Decimal {
	move := entry.Mul(percent).Div(decimal.NewFromInt(100))
	if side == "SHORT" {
		return entry.Sub(move)
	}
	return entry.Add(move)
}

func whaleIDOf(signal *database.Signal) *int64 {
	if signal == nil || signal.WhaleID == 0 {
		return nil
	}
	id := signal.WhaleID
	return &id
}

func isTimeoutErr(err error) bool {
	var toErr *exchange.TimeoutError
	return errors.As(err, &toErr)
}
