package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/exchange"
)

type fakeWhaleStore struct {
	mu       sync.Mutex
	whales   []*database.Whale
	followed map[int64]bool
	scores   map[int64]int
}

func (f *fakeWhaleStore) ListActiveWhales(ctx context.Context) ([]*database.Whale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.whales, nil
}

func (f *fakeWhaleStore) ListFollowedWhaleIDs(ctx context.Context) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.followed, nil
}

func (f *fakeWhaleStore) UpdateWhalePriority(ctx context.Context, whaleID int64, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scores == nil {
		f.scores = make(map[int64]int)
	}
	f.scores[whaleID] = score
	return nil
}

func ptrTime(t time.Time) *time.Time    { return &t }
func ptrFloat(v float64) *float64        { return &v }

func testScheduler(store *fakeWhaleStore, dispatch DispatchFunc) *Scheduler {
	cfg := config.SchedulerConfig{
		Critical:             config.TierConfig{Interval: 2 * time.Second, BatchCap: 10},
		High:                 config.TierConfig{Interval: 5 * time.Second, BatchCap: 50},
		Normal:               config.TierConfig{Interval: 15 * time.Second, BatchCap: 100},
		Low:                  config.TierConfig{Interval: 60 * time.Second, BatchCap: 200},
		RecentActivityWindow: time.Hour,
	}
	return New(store, cfg, dispatch, zerolog.Nop())
}

func TestPartitionTiers(t *testing.T) {
	now := time.Now()
	whales := []*database.Whale{
		// followed, active, recent position: CRITICAL
		{ID: 1, Exchange: exchange.Binance, DataStatus: database.WhaleDataActive,
			LastCheckedAt: ptrTime(now), LastPositionFound: ptrTime(now.Add(-10 * time.Minute)), PriorityScore: 30},
		// followed, active, never checked: CRITICAL
		{ID: 2, Exchange: exchange.Bybit, DataStatus: database.WhaleDataActive, PriorityScore: 30},
		// followed but stale data: falls through to score-based tiers
		{ID: 3, Exchange: exchange.Binance, DataStatus: database.WhaleDataStale,
			LastCheckedAt: ptrTime(now), PriorityScore: 45},
		// Bitget always HIGH
		{ID: 4, Exchange: exchange.Bitget, DataStatus: database.WhaleDataActive, PriorityScore: 20},
		// high score: HIGH
		{ID: 5, Exchange: exchange.OKX, DataStatus: database.WhaleDataActive, PriorityScore: 85},
		// mid score: NORMAL
		{ID: 6, Exchange: exchange.Binance, DataStatus: database.WhaleDataActive, PriorityScore: 55},
		// low score: LOW
		{ID: 7, Exchange: exchange.Binance, DataStatus: database.WhaleDataActive, PriorityScore: 10},
	}
	followed := map[int64]bool{1: true, 2: true, 3: true}

	s := testScheduler(&fakeWhaleStore{}, nil)
	tiers := s.Partition(whales, followed)

	wantIDs := func(tier Tier, want ...int64) {
		t.Helper()
		got := tiers[tier]
		if len(got) != len(want) {
			t.Fatalf("%s: expected %d whales, got %d", tier, len(want), len(got))
		}
		seen := map[int64]bool{}
		for _, w := range got {
			seen[w.ID] = true
		}
		for _, id := range want {
			if !seen[id] {
				t.Errorf("%s: missing whale %d", tier, id)
			}
		}
	}
	wantIDs(TierCritical, 1, 2)
	wantIDs(TierHigh, 4, 5)
	wantIDs(TierNormal, 3, 6)
	wantIDs(TierLow, 7)
}

func TestPartitionOrdersByScore(t *testing.T) {
	whales := []*database.Whale{
		{ID: 1, Exchange: exchange.Binance, PriorityScore: 45},
		{ID: 2, Exchange: exchange.Binance, PriorityScore: 65},
		{ID: 3, Exchange: exchange.Binance, PriorityScore: 55},
	}
	s := testScheduler(&fakeWhaleStore{}, nil)
	tiers := s.Partition(whales, nil)

	normal := tiers[TierNormal]
	if len(normal) != 3 {
		t.Fatalf("expected 3 NORMAL whales, got %d", len(normal))
	}
	if normal[0].ID != 2 || normal[1].ID != 3 || normal[2].ID != 1 {
		t.Errorf("expected descending score order [2 3 1], got [%d %d %d]",
			normal[0].ID, normal[1].ID, normal[2].ID)
	}
}

func TestPriorityScore(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		whale database.Whale
		want  int
	}{
		{"base", database.Whale{Exchange: exchange.Binance}, 50},
		{"bitget bonus", database.Whale{Exchange: exchange.Bitget}, 80},
		{"okx bonus", database.Whale{Exchange: exchange.OKX}, 70},
		{"bybit bonus", database.Whale{Exchange: exchange.Bybit}, 60},
		{"followers tier 1", database.Whale{Exchange: exchange.Binance, FollowerCount: 1}, 55},
		{"followers tier 5", database.Whale{Exchange: exchange.Binance, FollowerCount: 5}, 60},
		{"followers tier 10", database.Whale{Exchange: exchange.Binance, FollowerCount: 12}, 65},
		{"recent hour", database.Whale{Exchange: exchange.Binance,
			LastPositionFound: ptrTime(now.Add(-30 * time.Minute))}, 65},
		{"recent six hours", database.Whale{Exchange: exchange.Binance,
			LastPositionFound: ptrTime(now.Add(-3 * time.Hour))}, 60},
		{"recent day", database.Whale{Exchange: exchange.Binance,
			LastPositionFound: ptrTime(now.Add(-12 * time.Hour))}, 55},
		{"roi capped", database.Whale{Exchange: exchange.Binance, ROIPercent: ptrFloat(500)}, 60},
		{"clamped at 100", database.Whale{Exchange: exchange.Bitget, FollowerCount: 20,
			LastPositionFound: ptrTime(now.Add(-5 * time.Minute)), ROIPercent: ptrFloat(300)}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityScore(&tt.whale, now); got != tt.want {
				t.Errorf("PriorityScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTickRespectsBatchCap(t *testing.T) {
	store := &fakeWhaleStore{}
	for i := int64(1); i <= 30; i++ {
		store.whales = append(store.whales, &database.Whale{
			ID: i, Exchange: exchange.Bitget, DataStatus: database.WhaleDataActive, PriorityScore: int(i),
		})
	}

	var mu sync.Mutex
	var got []*database.Whale
	s := testScheduler(store, func(ctx context.Context, tier Tier, whales []*database.Whale) {
		mu.Lock()
		got = whales
		mu.Unlock()
	})

	s.tick(context.Background(), TierHigh, 5)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("expected batch capped at 5, got %d", len(got))
	}
	// cap keeps the highest-scored whales
	for _, w := range got {
		if w.PriorityScore < 26 {
			t.Errorf("expected top-scored whales in capped batch, got score %d", w.PriorityScore)
		}
	}
}

func TestRecomputePersistsChangedScores(t *testing.T) {
	store := &fakeWhaleStore{
		whales: []*database.Whale{
			{ID: 1, Exchange: exchange.Bitget, PriorityScore: 80}, // unchanged
			{ID: 2, Exchange: exchange.OKX, PriorityScore: 10},    // should become 70
		},
	}
	s := testScheduler(store, nil)
	s.recomputeScores(context.Background())

	if _, ok := store.scores[1]; ok {
		t.Error("unchanged score should not be rewritten")
	}
	if got := store.scores[2]; got != 70 {
		t.Errorf("expected whale 2 score 70, got %d", got)
	}
}
