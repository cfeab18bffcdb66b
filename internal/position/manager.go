package position

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
)

// Closer issues the reduce-only order for a triggered position. The trade
// engine's executor implements it.
type Closer interface {
	ClosePosition(ctx context.Context, positionID int64, reason string, quantity decimal.Decimal) error
}

// Repo is the persistence surface of the manager
type Repo interface {
	ListOpenPositions(ctx context.Context) ([]*database.Position, error)
	UpdatePositionMark(ctx context.Context, positionID int64, price, valueUSDT, unrealizedPnL, unrealizedPnLPercent decimal.Decimal) error
	LiquidatePosition(ctx context.Context, positionID, userID int64, whaleID *int64, exitPrice, realizedPnL, balanceCredit decimal.Decimal) error
}

// Manager runs the mark-to-market sweep over open positions and fires
// stop-loss, take-profit and liquidation triggers. Prices come from the
// futures mark stream when enabled, with REST lookups filling the gaps.
type Manager struct {
	repo     Repo
	closer   Closer
	registry *exchange.Registry
	guard    *guard.Guard
	events   *events.EventBus
	cfg      config.PositionConfig
	logger   zerolog.Logger

	mu    sync.RWMutex
	marks map[string]decimal.Decimal

	stream   *exchange.MarkStream
	sweeps   atomic.Int64
	triggers atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Stats struct {
	Sweeps        int64 `json:"sweeps"`
	TriggersFired int64 `json:"triggers_fired"`
	StreamHealthy bool  `json:"stream_healthy"`
	MarksTracked  int   `json:"marks_tracked"`
}

func NewManager(repo Repo, closer Closer, registry *exchange.Registry, g *guard.Guard, bus *events.EventBus, cfg config.PositionConfig, logger zerolog.Logger) *Manager {
	if cfg.MarkInterval <= 0 {
		cfg.MarkInterval = 5 * time.Second
	}
	if cfg.TriggerInterval <= 0 {
		cfg.TriggerInterval = 2 * time.Second
	}
	m := &Manager{
		repo:     repo,
		closer:   closer,
		registry: registry,
		guard:    g,
		events:   bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "position_manager").Logger(),
		marks:    make(map[string]decimal.Decimal),
		stopChan: make(chan struct{}),
	}
	if cfg.UseMarkStream {
		m.stream = exchange.NewMarkStream(m.SetMark, logger)
	}
	return m
}

func (m *Manager) Start(ctx context.Context) {
	if m.stream != nil {
		m.stream.Start()
	}
	m.wg.Add(2)
	go m.loop(ctx, m.cfg.MarkInterval, m.markSweep)
	go m.loop(ctx, m.cfg.TriggerInterval, m.triggerSweep)
	m.logger.Info().
		Dur("mark_interval", m.cfg.MarkInterval).
		Dur("trigger_interval", m.cfg.TriggerInterval).
		Bool("mark_stream", m.stream != nil).
		Msg("Position manager started")
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	if m.stream != nil {
		m.stream.Stop()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// SetMark records one observed mark price. The stream handler and tests
// both feed through here.
func (m *Manager) SetMark(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.marks[exchange.CanonicalSymbol(symbol)] = price
	m.mu.Unlock()
}

func (m *Manager) mark(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.marks[symbol]
	return p, ok
}

// markFor resolves the current mark, falling back to a REST lookup when
// the stream has not seen the symbol yet. REST results are cached so one
// sweep asks each venue at most once per symbol.
func (m *Manager) markFor(ctx context.Context, symbol string) decimal.Decimal {
	if p, ok := m.mark(symbol); ok {
		return p
	}
	adapter, err := m.registry.Adapter(exchange.Binance)
	if err != nil {
		return decimal.Zero
	}
	var price decimal.Decimal
	err = m.guard.Call(ctx, exchange.Binance, exchange.Binance, func() error {
		var callErr error
		price, callErr = adapter.GetTickerPrice(ctx, symbol)
		return callErr
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("symbol", symbol).Msg("Mark price lookup failed")
		return decimal.Zero
	}
	m.SetMark(symbol, price)
	return price
}

// markSweep persists one mark-to-market observation per open position
func (m *Manager) markSweep(ctx context.Context) {
	positions, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list open positions")
		return
	}
	m.sweeps.Add(1)
	for _, pos := range positions {
		mark := m.markFor(ctx, pos.Symbol)
		if mark.IsZero() {
			continue
		}
		pnl, pnlPct := Unrealized(pos, mark)
		value := pos.EntryValueUSDT.Add(pnl)
		if err := m.repo.UpdatePositionMark(ctx, pos.ID, mark, value, pnl, pnlPct); err != nil {
			m.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("Failed to persist mark")
		}
	}
}

// triggerSweep fires at most one trigger per position per pass, checking
// liquidation before the user's stops.
func (m *Manager) triggerSweep(ctx context.Context) {
	positions, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list open positions")
		return
	}
	for _, pos := range positions {
		// a close order that partially filled left a remainder; finish it
		// before looking at price triggers
		if pos.RemainingQuantity.IsPositive() && pos.RemainingQuantity.LessThan(pos.Quantity) {
			if err := m.closer.ClosePosition(ctx, pos.ID, database.CloseAuto, decimal.Zero); err != nil {
				m.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("Remainder close failed")
			} else {
				m.triggers.Add(1)
			}
			continue
		}
		mark, ok := m.mark(pos.Symbol)
		if !ok || mark.IsZero() {
			continue
		}
		m.checkTriggers(ctx, pos, mark)
	}
}

func (m *Manager) checkTriggers(ctx context.Context, pos *database.Position, mark decimal.Decimal) {
	log := m.logger.With().
		Int64("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("mark", mark.String()).
		Logger()

	switch {
	case IsLiquidated(pos, mark):
		// the venue already seized the margin; record the loss locally
		loss := pos.EntryValueUSDT.Neg()
		if err := m.repo.LiquidatePosition(ctx, pos.ID, pos.UserID, pos.WhaleID, *pos.LiquidationPrice, loss, decimal.Zero); err != nil {
			log.Error().Err(err).Msg("Failed to record liquidation")
			return
		}
		m.triggers.Add(1)
		m.events.PublishPositionLiquidated(pos.ID, pos.UserID, pos.Symbol, *pos.LiquidationPrice, loss)
		log.Warn().Msg("Position liquidated")

	case ShouldTriggerStopLoss(pos, mark):
		m.events.PublishStopLossTriggered(pos.ID, pos.UserID, pos.Symbol, mark, *pos.StopLossPrice)
		if err := m.closer.ClosePosition(ctx, pos.ID, database.CloseStopLoss, decimal.Zero); err != nil {
			log.Error().Err(err).Msg("Stop-loss close failed")
			return
		}
		m.triggers.Add(1)
		log.Info().Str("stop", pos.StopLossPrice.String()).Msg("Stop loss triggered")

	case ShouldTriggerTakeProfit(pos, mark):
		m.events.PublishTakeProfitTriggered(pos.ID, pos.UserID, pos.Symbol, mark, *pos.TakeProfitPrice)
		if err := m.closer.ClosePosition(ctx, pos.ID, database.CloseTakeProfit, decimal.Zero); err != nil {
			log.Error().Err(err).Msg("Take-profit close failed")
			return
		}
		m.triggers.Add(1)
		log.Info().Str("target", pos.TakeProfitPrice.String()).Msg("Take profit triggered")
	}
}

func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	tracked := len(m.marks)
	m.mu.RUnlock()
	healthy := m.stream == nil || m.stream.Healthy()
	return Stats{
		Sweeps:        m.sweeps.Load(),
		TriggersFired: m.triggers.Load(),
		StreamHealthy: healthy,
		MarksTracked:  tracked,
	}
}
