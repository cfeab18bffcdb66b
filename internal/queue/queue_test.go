package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whale-copy-trader/internal/database"
)

func pending(priority string, age time.Duration) *database.Signal {
	return &database.Signal{
		WhaleID:    1,
		Source:     database.SignalSourceWhale,
		Symbol:     "BTCUSDT",
		Side:       "BUY",
		TradeType:  database.TradeTypeFuturesLong,
		Price:      decimal.NewFromInt(60000),
		SizeUSD:    decimal.NewFromInt(1000),
		Priority:   priority,
		DetectedAt: time.Now().Add(-age),
	}
}

func TestPickNextPriorityOrder(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	low := pending(database.PriorityLow, 30*time.Second)
	med := pending(database.PriorityMedium, 20*time.Second)
	high := pending(database.PriorityHigh, time.Second)
	for _, s := range []*database.Signal{low, med, high} {
		if err := q.Push(ctx, s); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	var order []string
	for {
		s, err := q.PickNext(ctx)
		if err != nil {
			t.Fatalf("PickNext: %v", err)
		}
		if s == nil {
			break
		}
		order = append(order, s.Priority)
	}
	want := []string{database.PriorityHigh, database.PriorityMedium, database.PriorityLow}
	if len(order) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestPickNextOldestFirstWithinPriority(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	newer := pending(database.PriorityHigh, 5*time.Second)
	older := pending(database.PriorityHigh, 40*time.Second)
	q.Push(ctx, newer)
	q.Push(ctx, older)

	s, err := q.PickNext(ctx)
	if err != nil {
		t.Fatalf("PickNext: %v", err)
	}
	if s == nil || s.ID != older.ID {
		t.Errorf("expected oldest signal %d first, got %+v", older.ID, s)
	}
}

func TestPickNextSkipsExpired(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	q.Push(ctx, pending(database.PriorityHigh, 2*time.Minute))
	s, err := q.PickNext(ctx)
	if err != nil {
		t.Fatalf("PickNext: %v", err)
	}
	if s != nil {
		t.Errorf("over-age signal must not dispatch, got %+v", s)
	}
}

func TestPickNextClaimsExactlyOnce(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		q.Push(ctx, pending(database.PriorityHigh, time.Second))
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := q.PickNext(ctx)
				if err != nil || s == nil {
					return
				}
				mu.Lock()
				claimed[s.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("expected %d distinct claims, got %d", n, len(claimed))
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("signal %d claimed %d times", id, count)
		}
	}
}

func TestStateMachine(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	s := pending(database.PriorityHigh, time.Second)
	q.Push(ctx, s)

	// mark_processed requires PROCESSING
	if err := q.MarkProcessed(ctx, s.ID, 1); err == nil {
		t.Error("MarkProcessed on PENDING should fail")
	}

	picked, _ := q.PickNext(ctx)
	if picked == nil || picked.Status != database.SignalProcessing {
		t.Fatalf("expected PROCESSING claim, got %+v", picked)
	}
	if err := q.MarkProcessed(ctx, picked.ID, 3); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	stored, _ := q.Get(picked.ID)
	if stored.Status != database.SignalProcessed || stored.TradesExecuted != 3 {
		t.Errorf("unexpected terminal state: %+v", stored)
	}

	// terminal states reject further transitions
	if err := q.MarkFailed(ctx, picked.ID, "late"); err == nil {
		t.Error("MarkFailed on PROCESSED should fail")
	}
}

func TestMarkFailedFromPending(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	s := pending(database.PriorityLow, time.Second)
	q.Push(ctx, s)
	if err := q.MarkFailed(ctx, s.ID, "validation rejected"); err != nil {
		t.Fatalf("MarkFailed from PENDING: %v", err)
	}
	stored, _ := q.Get(s.ID)
	if stored.Status != database.SignalFailed {
		t.Errorf("expected FAILED, got %s", stored.Status)
	}
	if stored.ErrorMessage == nil || *stored.ErrorMessage != "validation rejected" {
		t.Error("expected error message to persist")
	}
}

func TestCleanupExpired(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	q.Push(ctx, pending(database.PriorityHigh, 2*time.Minute))
	q.Push(ctx, pending(database.PriorityHigh, 3*time.Minute))
	fresh := pending(database.PriorityHigh, time.Second)
	q.Push(ctx, fresh)

	n, err := q.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}

	depth, _ := q.Depth(ctx)
	if depth[database.SignalExpired] != 2 || depth[database.SignalPending] != 1 {
		t.Errorf("unexpected depth after cleanup: %v", depth)
	}
}

func TestPushDedupToken(t *testing.T) {
	q := NewMemoryQueue(60 * time.Second)
	ctx := context.Background()

	first := pending(database.PriorityHigh, time.Second)
	first.DedupToken = "tok-1"
	q.Push(ctx, first)
	if first.ID == 0 {
		t.Fatal("first push should assign an id")
	}

	dup := pending(database.PriorityHigh, time.Second)
	dup.DedupToken = "tok-1"
	if err := q.Push(ctx, dup); err != nil {
		t.Fatalf("duplicate push should be a silent no-op, got %v", err)
	}
	if dup.ID != 0 {
		t.Error("duplicate push must leave ID 0")
	}

	depth, _ := q.Depth(ctx)
	if depth[database.SignalPending] != 1 {
		t.Errorf("expected 1 pending signal, got %d", depth[database.SignalPending])
	}
}
