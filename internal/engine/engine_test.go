package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/queue"
)

func newTestEngine(t *testing.T, store *fakeStore) (*Engine, *queue.MemoryQueue) {
	t.Helper()
	ex, _, _ := newTestExecutor(t, store)
	q := queue.NewMemoryQueue(time.Minute)
	eng := New(q, store, ex, events.NewEventBus(), config.QueueConfig{
		PollInterval:    10 * time.Millisecond,
		CleanupInterval: time.Minute,
		Workers:         1,
	}, config.EngineConfig{FollowerWorkers: 4}, zerolog.Nop())
	return eng, q
}

func (s *fakeStore) addFollower(userID, whaleID int64, balance float64) {
	user := s.addUser(userID, balance)
	follow := &database.WhaleFollow{
		UserID:          userID,
		WhaleID:         whaleID,
		AutoCopyEnabled: true,
	}
	s.follows[followKey(userID, whaleID)] = follow
	s.followers[whaleID] = append(s.followers[whaleID], &database.Follower{
		User:   *user,
		Follow: *follow,
	})
}

func claim(t *testing.T, q *queue.MemoryQueue) *database.Signal {
	t.Helper()
	s, err := q.PickNext(context.Background())
	if err != nil {
		t.Fatalf("PickNext: %v", err)
	}
	if s == nil {
		t.Fatal("expected a claimable signal")
	}
	return s
}

func TestProcessSignalFansOutToFollowers(t *testing.T) {
	store := newFakeStore()
	store.addWhale(7)
	store.addFollower(1, 7, 500)
	store.addFollower(2, 7, 500)
	eng, q := newTestEngine(t, store)

	sig := openSignal(7)
	sig.ID = 0
	if err := q.Push(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	eng.processSignal(context.Background(), claim(t, q))

	stored, _ := q.Get(sig.ID)
	if stored.Status != database.SignalProcessed {
		t.Fatalf("signal status = %s, want PROCESSED", stored.Status)
	}
	if stored.TradesExecuted != 2 {
		t.Errorf("trades executed = %d, want 2", stored.TradesExecuted)
	}
	if len(store.positions) != 2 {
		t.Errorf("positions = %d, want one per follower", len(store.positions))
	}
}

func TestProcessSignalSkipsFailingFollower(t *testing.T) {
	store := newFakeStore()
	store.addWhale(7)
	store.addFollower(1, 7, 500)
	store.addFollower(2, 7, 20) // below the trading minimum, gate denies
	eng, q := newTestEngine(t, store)

	sig := openSignal(7)
	sig.ID = 0
	if err := q.Push(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	eng.processSignal(context.Background(), claim(t, q))

	stored, _ := q.Get(sig.ID)
	if stored.Status != database.SignalProcessed {
		t.Fatalf("signal status = %s, want PROCESSED despite one denial", stored.Status)
	}
	if stored.TradesExecuted != 1 {
		t.Errorf("trades executed = %d, want 1", stored.TradesExecuted)
	}
}

func TestProcessSignalNoFollowers(t *testing.T) {
	store := newFakeStore()
	store.addWhale(7)
	eng, q := newTestEngine(t, store)

	sig := openSignal(7)
	sig.ID = 0
	if err := q.Push(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	eng.processSignal(context.Background(), claim(t, q))

	stored, _ := q.Get(sig.ID)
	if stored.Status != database.SignalProcessed {
		t.Fatalf("signal status = %s, want PROCESSED", stored.Status)
	}
	if stored.TradesExecuted != 0 {
		t.Errorf("trades executed = %d, want 0", stored.TradesExecuted)
	}
}

func TestProcessCloseSignalOnlyTouchesMatchingWhale(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 400)
	store.addWhale(7)
	store.addWhale(8)
	matching := store.seedOpenPosition(1, 7, "LONG", 60000, 0.001, 60, 1)
	other := store.seedOpenPosition(1, 8, "LONG", 60000, 0.001, 60, 1)
	eng, q := newTestEngine(t, store)

	sig := openSignal(7)
	sig.ID = 0
	sig.Side = "SELL"
	sig.IsClose = true
	if err := q.Push(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	eng.processSignal(context.Background(), claim(t, q))

	if matching.Status != database.PositionClosed {
		t.Errorf("whale 7 position status = %s, want CLOSED", matching.Status)
	}
	if matching.CloseReason == nil || *matching.CloseReason != database.CloseWhaleExit {
		t.Error("close reason should be WHALE_EXIT")
	}
	if other.Status != database.PositionOpen {
		t.Errorf("whale 8 position status = %s, want untouched OPEN", other.Status)
	}
}

func TestManualCopyIgnoresAutoCopy(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 500)
	store.addWhale(7)
	// no follow row at all; manual copy still executes
	eng, _ := newTestEngine(t, store)

	trade, err := eng.ManualCopy(context.Background(), openSignal(7), 1)
	if err != nil {
		t.Fatalf("ManualCopy: %v", err)
	}
	if trade.Status != database.TradeFilled {
		t.Errorf("trade status = %s, want FILLED", trade.Status)
	}
}

func TestEngineDrainProcessesBurst(t *testing.T) {
	store := newFakeStore()
	store.addWhale(7)
	store.addFollower(1, 7, 10000)
	eng, q := newTestEngine(t, store)

	for i := 0; i < 3; i++ {
		sig := openSignal(7)
		sig.ID = 0
		sig.DetectedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		if err := q.Push(context.Background(), sig); err != nil {
			t.Fatal(err)
		}
	}
	eng.drain(context.Background(), 0)

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depth[database.SignalPending] != 0 {
		t.Errorf("pending = %d, want 0 after drain", depth[database.SignalPending])
	}
	if got := eng.GetStats().SignalsProcessed; got != 3 {
		t.Errorf("processed = %d, want 3", got)
	}
	// three adds from the same whale merge into one position
	if len(store.positions) != 1 {
		t.Errorf("positions = %d, want 1", len(store.positions))
	}
	if !store.users[1].AvailableBalance.Equal(decimal.NewFromInt(9700)) {
		t.Errorf("balance = %s, want 9700 after three 100 USDT reservations", store.users[1].AvailableBalance)
	}
}
