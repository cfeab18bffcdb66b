// Package reconcile finalizes trades the engine could not settle: it
// replays the venue's canonical order state onto trades stuck in
// NEEDS_RECONCILIATION and releases reservations that never reached an
// exchange.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/guard"
	"whale-copy-trader/internal/position"
)

// Store is the persistence surface of the reconciler. *database.Repository
// satisfies it.
type Store interface {
	ListTradesNeedingReconciliation(ctx context.Context) ([]*database.Trade, error)
	ListStalePendingTrades(ctx context.Context, age time.Duration) ([]*database.Trade, error)
	CancelStaleReservation(ctx context.Context, t *database.Trade) error
	TouchTradeError(ctx context.Context, tradeID int64, msg string) error
	GetSignal(ctx context.Context, id int64) (*database.Signal, error)
	ConfirmTradeAndPosition(ctx context.Context, p database.ConfirmParams) (*database.Position, error)
	RollbackTradeReservation(ctx context.Context, tradeID, userID int64, size decimal.Decimal, msg string) error
}

type Reconciler struct {
	store    Store
	registry *exchange.Registry
	guard    *guard.Guard
	events   *events.EventBus
	cfg      config.EngineConfig
	logger   zerolog.Logger

	resolved atomic.Int64
	released atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Stats struct {
	TradesResolved       int64 `json:"trades_resolved"`
	ReservationsReleased int64 `json:"reservations_released"`
}

func New(store Store, registry *exchange.Registry, g *guard.Guard, bus *events.EventBus, cfg config.EngineConfig, logger zerolog.Logger) *Reconciler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.StalePendingAge <= 0 {
		cfg.StalePendingAge = 5 * time.Minute
	}
	return &Reconciler{
		store:    store,
		registry: registry,
		guard:    g,
		events:   bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		stopChan: make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	r.logger.Info().Dur("interval", r.cfg.ReconcileInterval).Msg("Reconciler started")
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

// RunOnce performs one full pass: stuck trades first, then stale
// reservations
func (r *Reconciler) RunOnce(ctx context.Context) {
	stuck, err := r.store.ListTradesNeedingReconciliation(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list stuck trades")
	} else {
		for _, t := range stuck {
			r.reconcileTrade(ctx, t)
		}
	}

	stale, err := r.store.ListStalePendingTrades(ctx, r.cfg.StalePendingAge)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list stale reservations")
		return
	}
	for _, t := range stale {
		if err := r.store.CancelStaleReservation(ctx, t); err != nil {
			r.logger.Error().Err(err).Int64("trade_id", t.ID).Msg("Failed to cancel stale reservation")
			continue
		}
		r.released.Add(1)
		r.logger.Info().
			Int64("trade_id", t.ID).
			Int64("user_id", t.UserID).
			Str("size_usdt", t.SizeUSDT.String()).
			Msg("Released stale reservation")
	}
}

func (r *Reconciler) reconcileTrade(ctx context.Context, t *database.Trade) {
	log := r.logger.With().Int64("trade_id", t.ID).Str("symbol", t.Symbol).Logger()

	if t.ExchangeOrderID == nil || *t.ExchangeOrderID == "" {
		// a timed-out dispatch with no order id cannot be looked up; after
		// the stale window the order is assumed to have never been accepted
		if database.ReconciliationAge(t) > r.cfg.StalePendingAge {
			r.rollback(ctx, t, "order id unknown after timeout, reservation released")
			log.Warn().Msg("Gave up waiting for an order id")
			return
		}
		if err := r.store.TouchTradeError(ctx, t.ID, "awaiting order id"); err != nil {
			log.Error().Err(err).Msg("Failed to touch trade")
		}
		return
	}

	adapter, err := r.registry.Adapter(t.Exchange)
	if err != nil {
		log.Error().Err(err).Msg("No adapter for venue")
		return
	}
	if err := adapter.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("Adapter init failed")
		return
	}
	defer adapter.Close()

	var order *exchange.OrderResult
	err = r.guard.Call(ctx, t.Exchange, t.Exchange, func() error {
		var callErr error
		order, callErr = adapter.GetOrder(ctx, t.Symbol, *t.ExchangeOrderID)
		return callErr
	})
	if err != nil {
		if touchErr := r.store.TouchTradeError(ctx, t.ID, "order lookup failed: "+err.Error()); touchErr != nil {
			log.Error().Err(touchErr).Msg("Failed to touch trade")
		}
		return
	}

	switch order.Status {
	case exchange.OrderStatusFilled, exchange.OrderStatusPartiallyFilled:
		r.finalizeFill(ctx, t, order, log)
	case exchange.OrderStatusCanceled, exchange.OrderStatusRejected, exchange.OrderStatusExpired:
		r.rollback(ctx, t, "venue reported "+string(order.Status))
		log.Info().Str("status", string(order.Status)).Msg("Trade rolled back from venue state")
	default:
		// still working on the venue side; leave it for the next pass
		if err := r.store.TouchTradeError(ctx, t.ID, "venue status "+string(order.Status)); err != nil {
			log.Error().Err(err).Msg("Failed to touch trade")
		}
	}
}

// finalizeFill commits a filled entry trade. Exit trades cannot be rebuilt
// from the order alone, so they are flagged for manual review instead.
func (r *Reconciler) finalizeFill(ctx context.Context, t *database.Trade, order *exchange.OrderResult, log zerolog.Logger) {
	if t.SignalID == nil {
		if err := r.store.TouchTradeError(ctx, t.ID, "exit order filled on venue, position needs manual review"); err != nil {
			log.Error().Err(err).Msg("Failed to touch trade")
		}
		log.Warn().Str("order_id", order.OrderID).Msg("Filled exit trade needs manual review")
		return
	}

	var whaleID *int64
	if signal, err := r.store.GetSignal(ctx, *t.SignalID); err == nil && signal.WhaleID != 0 {
		id := signal.WhaleID
		whaleID = &id
	}

	execPrice := order.AvgFillPrice
	if execPrice.IsZero() {
		execPrice = order.Price
	}
	positionSide := "LONG"
	if t.TradeType == database.TradeTypeFuturesShort {
		positionSide = "SHORT"
	}
	positionType := database.PositionTypeFutures
	if t.TradeType == database.TradeTypeSpot {
		positionType = database.PositionTypeSpot
	}
	var liquidation *decimal.Decimal
	if positionType == database.PositionTypeFutures {
		if liq := position.EstimateLiquidationPrice(positionSide, execPrice, t.Leverage); !liq.IsZero() {
			liquidation = &liq
		}
	}

	pos, err := r.store.ConfirmTradeAndPosition(ctx, database.ConfirmParams{
		TradeID:          t.ID,
		UserID:           t.UserID,
		WhaleID:          whaleID,
		Symbol:           t.Symbol,
		PositionSide:     positionSide,
		PositionType:     positionType,
		SizeUSDT:         t.SizeUSDT,
		Leverage:         t.Leverage,
		OrderID:          order.OrderID,
		ExecutedPrice:    execPrice,
		FilledQuantity:   order.FilledQuantity,
		Fee:              order.Fee,
		FeeCurrency:      order.FeeCurrency,
		FullyFilled:      order.FullyFilled(),
		LiquidationPrice: liquidation,
	})
	if err != nil {
		log.Error().Err(err).Msg("Confirm failed again, keeping trade flagged")
		return
	}
	r.resolved.Add(1)
	r.events.PublishTradeExecuted(t.ID, t.UserID, t.Exchange, t.Symbol, t.Side, execPrice, order.FilledQuantity)
	r.events.PublishPositionOpened(pos.ID, t.UserID, pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity)
	log.Info().Str("order_id", order.OrderID).Msg("Stuck trade finalized from venue fill")
}

// rollback releases the reservation. Exit trades reserved nothing, so
// their rollback carries a zero delta.
func (r *Reconciler) rollback(ctx context.Context, t *database.Trade, msg string) {
	size := t.SizeUSDT
	if t.SignalID == nil {
		size = decimal.Zero
	}
	if err := r.store.RollbackTradeReservation(ctx, t.ID, t.UserID, size, msg); err != nil {
		r.logger.Error().Err(err).Int64("trade_id", t.ID).Msg("Rollback failed")
		return
	}
	r.resolved.Add(1)
	r.events.PublishTradeFailed(t.ID, t.UserID, t.Symbol, msg)
}

func (r *Reconciler) GetStats() Stats {
	return Stats{
		TradesResolved:       r.resolved.Load(),
		ReservationsReleased: r.released.Load(),
	}
}
