package engine

import (
	"context"
	"errors"
	"fmt"
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

// fakeStore mirrors the repository's atomic-operation contracts in memory:
// reserve debits the balance, rollback credits it back, confirm merges
// positions scoped by (user, symbol, whale, side).
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]*database.User
	whales    map[int64]*database.Whale
	follows   map[string]*database.WhaleFollow
	followers map[int64][]*database.Follower
	trades    map[int64]*database.Trade
	positions map[int64]*database.Position
	nextTrade int64
	nextPos   int64
	dailyLoss decimal.Decimal

	reserveErr error
	confirmErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[int64]*database.User),
		whales:    make(map[int64]*database.Whale),
		follows:   make(map[string]*database.WhaleFollow),
		followers: make(map[int64][]*database.Follower),
		trades:    make(map[int64]*database.Trade),
		positions: make(map[int64]*database.Position),
	}
}

func followKey(userID, whaleID int64) string { return fmt.Sprintf("%d:%d", userID, whaleID) }

func (s *fakeStore) GetUser(ctx context.Context, id int64) (*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (s *fakeStore) GetWhale(ctx context.Context, id int64) (*database.Whale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.whales[id]
	if !ok {
		return nil, errors.New("whale not found")
	}
	return w, nil
}

func (s *fakeStore) GetFollow(ctx context.Context, userID, whaleID int64) (*database.WhaleFollow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.follows[followKey(userID, whaleID)]
	if !ok {
		return nil, errors.New("follow not found")
	}
	return f, nil
}

func (s *fakeStore) ListAutoCopyFollowers(ctx context.Context, whaleID int64) ([]*database.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followers[whaleID], nil
}

func (s *fakeStore) ListOpenPositionsForWhale(ctx context.Context, whaleID int64, symbol string) ([]*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Position
	for _, p := range s.positions {
		if p.Status == database.PositionOpen && p.Symbol == symbol && p.WhaleID != nil && *p.WhaleID == whaleID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetPosition(ctx context.Context, id int64) (*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, errors.New("position not found")
	}
	return p, nil
}

func (s *fakeStore) DailyRealizedLoss(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.dailyLoss, nil
}

func (s *fakeStore) CountOpenPositions(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == database.PositionOpen {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ReserveTradeFunds(ctx context.Context, t *database.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return s.reserveErr
	}
	user := s.users[t.UserID]
	if user.AvailableBalance.LessThan(t.SizeUSDT) {
		return &database.InsufficientBalanceError{
			UserID:    t.UserID,
			Available: user.AvailableBalance,
			Required:  t.SizeUSDT,
		}
	}
	user.AvailableBalance = user.AvailableBalance.Sub(t.SizeUSDT)
	s.nextTrade++
	t.ID = s.nextTrade
	t.Status = database.TradePending
	s.trades[t.ID] = t
	return nil
}

func (s *fakeStore) CreateExitTrade(ctx context.Context, t *database.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrade++
	t.ID = s.nextTrade
	t.Status = database.TradePending
	s.trades[t.ID] = t
	return nil
}

func (s *fakeStore) SetTradeExecuting(ctx context.Context, tradeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[tradeID].Status = database.TradeExecuting
	return nil
}

func (s *fakeStore) ConfirmTradeAndPosition(ctx context.Context, p database.ConfirmParams) (*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return nil, s.confirmErr
	}
	trade := s.trades[p.TradeID]
	trade.Status = database.TradeFilled
	trade.ExchangeOrderID = &p.OrderID
	trade.ExecutedPrice = &p.ExecutedPrice
	trade.FilledQuantity = p.FilledQuantity

	for _, pos := range s.positions {
		if pos.Status != database.PositionOpen || pos.UserID != p.UserID || pos.Symbol != p.Symbol || pos.Side != p.PositionSide {
			continue
		}
		if (pos.WhaleID == nil) != (p.WhaleID == nil) {
			continue
		}
		if pos.WhaleID != nil && *pos.WhaleID != *p.WhaleID {
			continue
		}
		pos.Quantity = pos.Quantity.Add(p.FilledQuantity)
		pos.RemainingQuantity = pos.RemainingQuantity.Add(p.FilledQuantity)
		pos.EntryValueUSDT = pos.EntryValueUSDT.Add(p.SizeUSDT)
		return pos, nil
	}

	s.nextPos++
	pos := &database.Position{
		ID:                s.nextPos,
		UserID:            p.UserID,
		WhaleID:           p.WhaleID,
		Symbol:            p.Symbol,
		Side:              p.PositionSide,
		PositionType:      p.PositionType,
		Quantity:          p.FilledQuantity,
		RemainingQuantity: p.FilledQuantity,
		EntryPrice:        p.ExecutedPrice,
		EntryValueUSDT:    p.SizeUSDT,
		Leverage:          p.Leverage,
		StopLossPrice:     p.StopLossPrice,
		TakeProfitPrice:   p.TakeProfitPrice,
		LiquidationPrice:  p.LiquidationPrice,
		Status:            database.PositionOpen,
		EntryTradeID:      &p.TradeID,
		OpenedAt:          time.Now(),
	}
	s.positions[pos.ID] = pos
	return pos, nil
}

func (s *fakeStore) RollbackTradeReservation(ctx context.Context, tradeID, userID int64, size decimal.Decimal, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade := s.trades[tradeID]
	trade.Status = database.TradeFailed
	trade.ErrorMessage = &msg
	s.users[userID].AvailableBalance = s.users[userID].AvailableBalance.Add(size)
	return nil
}

func (s *fakeStore) MarkTradeNeedsReconciliation(ctx context.Context, tradeID int64, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade := s.trades[tradeID]
	trade.Status = database.TradeNeedsReconciliation
	if orderID != "" {
		trade.ExchangeOrderID = &orderID
	}
	return nil
}

func (s *fakeStore) CloseTradeAndPosition(ctx context.Context, p database.CloseParams) (*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade := s.trades[p.TradeID]
	trade.Status = database.TradeFilled
	trade.ExchangeOrderID = &p.OrderID
	trade.FilledQuantity = p.FilledQuantity

	pos := s.positions[p.PositionID]
	pos.RemainingQuantity = p.Remaining
	if p.Remaining.IsZero() {
		pos.Status = database.PositionClosed
		if p.Liquidated {
			pos.Status = database.PositionLiquidated
		}
		pos.CloseReason = &p.CloseReason
		pos.RealizedPnL = &p.RealizedPnL
		pos.ExitPrice = &p.ExitPrice
		pos.ExitTradeID = &p.TradeID
	}
	s.users[p.UserID].AvailableBalance = s.users[p.UserID].AvailableBalance.Add(p.BalanceCredit)
	return pos, nil
}

func (s *fakeStore) addUser(id int64, balance float64) *database.User {
	u := &database.User{
		ID:               id,
		AvailableBalance: decimal.NewFromFloat(balance),
		FuturesEnabled:   true,
		MaxPositions:     10,
		IsActive:         true,
		Settings: database.UserSettings{
			DefaultTradeSizeUSDT: decimal.NewFromInt(100),
			MaxTradeSizeUSDT:     decimal.NewFromInt(1000),
			MaxLeverage:          5,
			PreferredExchange:    exchange.Binance,
			TradingMode:          "FUTURES",
		},
	}
	s.users[id] = u
	return u
}

func (s *fakeStore) addWhale(id int64) *database.Whale {
	w := &database.Whale{ID: id, Exchange: exchange.Binance, ExchangeUID: "uid", IsActive: true}
	s.whales[id] = w
	return w
}

func newTestExecutor(t *testing.T, store *fakeStore) (*Executor, *exchange.Registry, *circuit.Registry) {
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
	bus := events.NewEventBus()
	return NewExecutor(store, registry, g, breaker, bus, testRiskConfig(), logger), registry, breaker
}

func openSignal(whaleID int64) *database.Signal {
	return &database.Signal{
		ID:        1,
		WhaleID:   whaleID,
		Source:    database.SignalSourceWhale,
		Symbol:    "BTCUSDT",
		Side:      "BUY",
		TradeType: database.TradeTypeFuturesLong,
		Price:     decimal.NewFromInt(65000),
		SizeUSD:   decimal.NewFromInt(500000),
	}
}

func TestExecuteOpenHappyPath(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	whale := store.addWhale(7)
	ex, _, _ := newTestExecutor(t, store)

	trade, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale)
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}

	if trade.Status != database.TradeFilled {
		t.Errorf("trade status = %s, want FILLED", trade.Status)
	}
	if trade.ExchangeOrderID == nil || *trade.ExchangeOrderID == "" {
		t.Error("trade should carry the venue order id")
	}
	if !user.AvailableBalance.Equal(decimal.NewFromInt(400)) {
		t.Errorf("balance = %s, want 400 after reserving 100", user.AvailableBalance)
	}
	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	for _, pos := range store.positions {
		if pos.Status != database.PositionOpen {
			t.Errorf("position status = %s, want OPEN", pos.Status)
		}
		if pos.WhaleID == nil || *pos.WhaleID != 7 {
			t.Error("position should be scoped to the originating whale")
		}
		if pos.EntryTradeID == nil || *pos.EntryTradeID != trade.ID {
			t.Error("position should link back to the entry trade")
		}
	}
}

func TestExecuteOpenInsufficientBalanceAbortsCleanly(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	whale := store.addWhale(7)
	// another worker spent the balance between the gate and the reservation
	store.reserveErr = &database.InsufficientBalanceError{
		UserID: 1, Available: decimal.NewFromInt(40), Required: decimal.NewFromInt(100),
	}
	ex, _, _ := newTestExecutor(t, store)

	_, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale)
	var insufficientErr *database.InsufficientBalanceError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
	if !user.AvailableBalance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance = %s, want untouched 500", user.AvailableBalance)
	}
	if len(store.positions) != 0 {
		t.Error("no position should exist after a failed reservation")
	}
}

func TestExecuteOpenExchangeFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	whale := store.addWhale(7)
	ex, registry, _ := newTestExecutor(t, store)
	registry.Mock(exchange.Binance).FailNext(&exchange.APIError{
		Exchange: exchange.Binance, StatusCode: 400, Message: "margin is insufficient",
	})

	_, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale)
	if err == nil {
		t.Fatal("expected the venue error to surface")
	}

	if !user.AvailableBalance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance = %s, want restored to 500", user.AvailableBalance)
	}
	if len(store.positions) != 0 {
		t.Error("no position should exist after a rollback")
	}
	var failedTrade *database.Trade
	for _, tr := range store.trades {
		failedTrade = tr
	}
	if failedTrade == nil || failedTrade.Status != database.TradeFailed {
		t.Fatalf("trade should end FAILED, got %+v", failedTrade)
	}
	if failedTrade.ErrorMessage == nil {
		t.Error("failed trade should record the venue error")
	}
}

func TestExecuteOpenConfirmFailureFlagsReconciliation(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	whale := store.addWhale(7)
	store.confirmErr = errors.New("connection refused")
	ex, _, _ := newTestExecutor(t, store)

	_, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale)
	if err == nil {
		t.Fatal("expected the confirm failure to surface")
	}

	// the venue filled the order, so the funds stay reserved
	if !user.AvailableBalance.Equal(decimal.NewFromInt(400)) {
		t.Errorf("balance = %s, want 400 (reservation kept)", user.AvailableBalance)
	}
	for _, tr := range store.trades {
		if tr.Status != database.TradeNeedsReconciliation {
			t.Errorf("trade status = %s, want NEEDS_RECONCILIATION", tr.Status)
		}
		if tr.ExchangeOrderID == nil || *tr.ExchangeOrderID == "" {
			t.Error("reconciliation flag should carry the venue order id")
		}
	}
}

func TestExecuteOpenCircuitOpenFastFails(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	whale := store.addWhale(7)
	ex, registry, breaker := newTestExecutor(t, store)

	for i := 0; i < 3; i++ {
		breaker.RecordFailure(exchange.Binance, errors.New("connection reset"))
	}

	_, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale)
	var openErr *exchange.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("err = %v, want CircuitOpenError", err)
	}
	if len(store.trades) != 0 {
		t.Error("no trade should be created while the circuit is open")
	}
	if n := len(registry.Mock(exchange.Binance).PlacedOrders); n != 0 {
		t.Errorf("placed orders = %d, want 0", n)
	}
	if !user.AvailableBalance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("balance = %s, want untouched 500", user.AvailableBalance)
	}
}

func TestExecuteOpenSpotAccountCannotShort(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 500)
	user.Settings.TradingMode = "SPOT"
	whale := store.addWhale(7)
	ex, _, _ := newTestExecutor(t, store)

	signal := openSignal(7)
	signal.Side = "SELL"
	signal.TradeType = database.TradeTypeFuturesShort

	_, err := ex.ExecuteOpen(context.Background(), signal, user, nil, whale)
	var valErr *exchange.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(store.trades) != 0 {
		t.Error("no trade should be created for a rejected short")
	}
}

func TestExecuteOpenScopesPositionsByWhale(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 1000)
	whaleA := store.addWhale(7)
	whaleB := store.addWhale(8)
	ex, _, _ := newTestExecutor(t, store)

	if _, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whaleA); err != nil {
		t.Fatal(err)
	}
	sigB := openSignal(8)
	sigB.ID = 2
	if _, err := ex.ExecuteOpen(context.Background(), sigB, user, nil, whaleB); err != nil {
		t.Fatal(err)
	}

	if len(store.positions) != 2 {
		t.Fatalf("positions = %d, want 2 (one per whale, never merged)", len(store.positions))
	}
}

func TestExecuteOpenMergesSameWhaleSameSide(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 1000)
	whale := store.addWhale(7)
	ex, _, _ := newTestExecutor(t, store)

	if _, err := ex.ExecuteOpen(context.Background(), openSignal(7), user, nil, whale); err != nil {
		t.Fatal(err)
	}
	sig2 := openSignal(7)
	sig2.ID = 2
	if _, err := ex.ExecuteOpen(context.Background(), sig2, user, nil, whale); err != nil {
		t.Fatal(err)
	}

	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1 merged position", len(store.positions))
	}
	for _, pos := range store.positions {
		if !pos.EntryValueUSDT.Equal(decimal.NewFromInt(200)) {
			t.Errorf("entry value = %s, want 200 after merging two 100 USDT adds", pos.EntryValueUSDT)
		}
	}
}

func (s *fakeStore) seedOpenPosition(userID, whaleID int64, side string, entry, qty, entryValue float64, leverage int) *database.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos++
	wid := whaleID
	pos := &database.Position{
		ID:                s.nextPos,
		UserID:            userID,
		WhaleID:           &wid,
		Symbol:            "BTCUSDT",
		Side:              side,
		PositionType:      database.PositionTypeFutures,
		Quantity:          decimal.NewFromFloat(qty),
		RemainingQuantity: decimal.NewFromFloat(qty),
		EntryPrice:        decimal.NewFromFloat(entry),
		EntryValueUSDT:    decimal.NewFromFloat(entryValue),
		Leverage:          leverage,
		Status:            database.PositionOpen,
		OpenedAt:          time.Now(),
	}
	s.positions[pos.ID] = pos
	return pos
}

func TestClosePositionFullClose(t *testing.T) {
	store := newFakeStore()
	user := store.addUser(1, 400)
	store.addWhale(7)
	pos := store.seedOpenPosition(1, 7, "LONG", 60000, 0.001, 60, 1)
	ex, _, _ := newTestExecutor(t, store)

	if err := ex.ClosePosition(context.Background(), pos.ID, database.CloseWhaleExit, decimal.Zero); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if pos.Status != database.PositionClosed {
		t.Fatalf("position status = %s, want CLOSED", pos.Status)
	}
	if pos.CloseReason == nil || *pos.CloseReason != database.CloseWhaleExit {
		t.Error("close reason should be WHALE_EXIT")
	}
	// mark 65000 vs entry 60000: +8.33% on 60 USDT is ~5 USDT, minus fees
	if pos.RealizedPnL == nil || pos.RealizedPnL.LessThan(decimal.NewFromInt(4)) {
		t.Errorf("realized pnl = %v, want roughly +5", pos.RealizedPnL)
	}
	if user.AvailableBalance.LessThan(decimal.NewFromInt(464)) {
		t.Errorf("balance = %s, want entry value plus pnl credited", user.AvailableBalance)
	}
}

func TestClosePositionPartialFillStaysOpen(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 400)
	store.addWhale(7)
	pos := store.seedOpenPosition(1, 7, "LONG", 60000, 0.002, 120, 1)
	ex, registry, _ := newTestExecutor(t, store)
	registry.Mock(exchange.Binance).SetFillRatio(decimal.NewFromFloat(0.5))

	if err := ex.ClosePosition(context.Background(), pos.ID, database.CloseManual, decimal.Zero); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if pos.Status != database.PositionOpen {
		t.Fatalf("position status = %s, want still OPEN after a partial fill", pos.Status)
	}
	if !pos.RemainingQuantity.Equal(decimal.NewFromFloat(0.001)) {
		t.Errorf("remaining = %s, want 0.001", pos.RemainingQuantity)
	}
}

func TestClosePositionAlreadyClosedIsNoop(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 400)
	store.addWhale(7)
	pos := store.seedOpenPosition(1, 7, "LONG", 60000, 0.001, 60, 1)
	pos.Status = database.PositionClosed
	ex, registry, _ := newTestExecutor(t, store)

	if err := ex.ClosePosition(context.Background(), pos.ID, database.CloseWhaleExit, decimal.Zero); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if len(store.trades) != 0 {
		t.Error("closing a closed position should create no trade")
	}
	if n := len(registry.Mock(exchange.Binance).PlacedOrders); n != 0 {
		t.Errorf("placed orders = %d, want 0", n)
	}
}
