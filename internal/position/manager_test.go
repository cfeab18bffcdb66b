package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/circuit"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/guard"
	"whale-copy-trader/internal/ratelimit"
)

type fakeRepo struct {
	mu        sync.Mutex
	positions []*database.Position
	marks     map[int64]decimal.Decimal
	liquidated []int64
}

func (r *fakeRepo) ListOpenPositions(ctx context.Context) ([]*database.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []*database.Position
	for _, p := range r.positions {
		if p.Status == database.PositionOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (r *fakeRepo) UpdatePositionMark(ctx context.Context, positionID int64, price, valueUSDT, unrealizedPnL, unrealizedPnLPercent decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks == nil {
		r.marks = make(map[int64]decimal.Decimal)
	}
	r.marks[positionID] = price
	return nil
}

func (r *fakeRepo) LiquidatePosition(ctx context.Context, positionID, userID int64, whaleID *int64, exitPrice, realizedPnL, balanceCredit decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.ID == positionID {
			p.Status = database.PositionLiquidated
		}
	}
	r.liquidated = append(r.liquidated, positionID)
	return nil
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []struct {
		ID     int64
		Reason string
	}
}

func (c *fakeCloser) ClosePosition(ctx context.Context, positionID int64, reason string, quantity decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, struct {
		ID     int64
		Reason string
	}{positionID, reason})
	return nil
}

func newTestManager(t *testing.T, repo *fakeRepo, closer *fakeCloser) *Manager {
	t.Helper()
	logger := zerolog.Nop()
	breaker := circuit.NewRegistry(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Second,
		SuccessThreshold: 1,
	}, nil, logger)
	limits := ratelimit.NewManager(config.RateLimitConfig{
		MaxBackoff:    time.Second,
		MaxWaitPerTry: 10 * time.Millisecond,
	}, nil, logger)
	g := guard.New(breaker, limits, 1, logger)
	registry := exchange.NewRegistry(config.ExchangesConfig{}, true)
	return NewManager(repo, closer, registry, g, events.NewEventBus(), config.PositionConfig{
		MarkInterval:    time.Minute,
		TriggerInterval: time.Minute,
	}, logger)
}

func testPosition(id int64, side string, entry float64) *database.Position {
	return &database.Position{
		ID:                id,
		UserID:            1,
		Symbol:            "BTCUSDT",
		Side:              side,
		PositionType:      database.PositionTypeFutures,
		Quantity:          decimal.NewFromFloat(0.01),
		RemainingQuantity: decimal.NewFromFloat(0.01),
		EntryPrice:        decimal.NewFromFloat(entry),
		EntryValueUSDT:    decimal.NewFromInt(100),
		Leverage:          1,
		Status:            database.PositionOpen,
	}
}

func TestMarkSweepPersistsStreamedPrice(t *testing.T) {
	repo := &fakeRepo{positions: []*database.Position{testPosition(1, "LONG", 60000)}}
	m := newTestManager(t, repo, &fakeCloser{})
	m.SetMark("BTCUSDT", decimal.NewFromInt(61000))

	m.markSweep(context.Background())

	if got := repo.marks[1]; !got.Equal(decimal.NewFromInt(61000)) {
		t.Errorf("persisted mark = %s, want streamed 61000", got)
	}
}

func TestMarkSweepFallsBackToRest(t *testing.T) {
	repo := &fakeRepo{positions: []*database.Position{testPosition(1, "LONG", 60000)}}
	m := newTestManager(t, repo, &fakeCloser{})

	// no streamed mark; the dry-run venue quotes BTCUSDT at 65000
	m.markSweep(context.Background())

	if got := repo.marks[1]; !got.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("persisted mark = %s, want REST 65000", got)
	}
	if _, ok := m.mark("BTCUSDT"); !ok {
		t.Error("REST result should be cached for the trigger sweep")
	}
}

func TestTriggerSweepStopLoss(t *testing.T) {
	pos := testPosition(1, "LONG", 50000)
	pos.StopLossPrice = dp(49000)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	m.SetMark("BTCUSDT", decimal.NewFromInt(48900))
	m.triggerSweep(context.Background())

	if len(closer.closed) != 1 {
		t.Fatalf("closes = %d, want 1", len(closer.closed))
	}
	if closer.closed[0].Reason != database.CloseStopLoss {
		t.Errorf("reason = %s, want STOP_LOSS", closer.closed[0].Reason)
	}
}

func TestTriggerSweepTakeProfit(t *testing.T) {
	pos := testPosition(1, "SHORT", 50000)
	pos.TakeProfitPrice = dp(45000)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	m.SetMark("BTCUSDT", decimal.NewFromInt(44800))
	m.triggerSweep(context.Background())

	if len(closer.closed) != 1 || closer.closed[0].Reason != database.CloseTakeProfit {
		t.Fatalf("closed = %+v, want one TAKE_PROFIT close", closer.closed)
	}
}

func TestTriggerSweepLiquidationWinsOverStop(t *testing.T) {
	pos := testPosition(1, "LONG", 50000)
	pos.Leverage = 10
	pos.StopLossPrice = dp(46000)
	pos.LiquidationPrice = dp(45000)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	// below both levels: the liquidation is recorded, no close order goes out
	m.SetMark("BTCUSDT", decimal.NewFromInt(44000))
	m.triggerSweep(context.Background())

	if len(repo.liquidated) != 1 {
		t.Fatalf("liquidations = %d, want 1", len(repo.liquidated))
	}
	if len(closer.closed) != 0 {
		t.Errorf("closes = %d, want 0 (margin already gone)", len(closer.closed))
	}
	if pos.Status != database.PositionLiquidated {
		t.Errorf("status = %s, want LIQUIDATED", pos.Status)
	}
}

func TestTriggerSweepSkipsUnmarkedSymbols(t *testing.T) {
	pos := testPosition(1, "LONG", 50000)
	pos.StopLossPrice = dp(49000)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	// the trigger sweep never does REST lookups on its own
	m.triggerSweep(context.Background())

	if len(closer.closed) != 0 {
		t.Errorf("closes = %d, want 0 without a mark", len(closer.closed))
	}
}

func TestTriggerSweepFinishesPartialClose(t *testing.T) {
	pos := testPosition(1, "LONG", 50000)
	pos.RemainingQuantity = decimal.NewFromFloat(0.004)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	// no mark needed: the remainder of an earlier close goes out regardless
	m.triggerSweep(context.Background())

	if len(closer.closed) != 1 {
		t.Fatalf("closes = %d, want 1", len(closer.closed))
	}
	if closer.closed[0].Reason != database.CloseAuto {
		t.Errorf("reason = %s, want AUTO_CLOSE", closer.closed[0].Reason)
	}
}

func TestTriggerSweepQuietMarketFiresNothing(t *testing.T) {
	pos := testPosition(1, "LONG", 50000)
	pos.StopLossPrice = dp(49000)
	pos.TakeProfitPrice = dp(55000)
	repo := &fakeRepo{positions: []*database.Position{pos}}
	closer := &fakeCloser{}
	m := newTestManager(t, repo, closer)

	m.SetMark("BTCUSDT", decimal.NewFromInt(50500))
	m.triggerSweep(context.Background())

	if len(closer.closed) != 0 {
		t.Errorf("closes = %d, want 0 inside the band", len(closer.closed))
	}
}
