// Package scheduler decides which whales to poll and when. Whales are
// partitioned into four tiers with independent intervals and batch caps;
// the priority score driving tier placement is recomputed periodically.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/exchange"
)

// Tier identifies one polling cadence
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierNormal   Tier = "NORMAL"
	TierLow      Tier = "LOW"
)

// WhaleStore is the slice of the repository the scheduler reads and writes
type WhaleStore interface {
	ListActiveWhales(ctx context.Context) ([]*database.Whale, error)
	ListFollowedWhaleIDs(ctx context.Context) (map[int64]bool, error)
	UpdateWhalePriority(ctx context.Context, whaleID int64, score int) error
}

// DispatchFunc receives one tier's whale batch for fetching
type DispatchFunc func(ctx context.Context, tier Tier, whales []*database.Whale)

// Scheduler drives the four tier tickers and the score recompute loop
type Scheduler struct {
	store    WhaleStore
	cfg      config.SchedulerConfig
	dispatch DispatchFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	statsMu   sync.Mutex
	tickCount map[Tier]int64
	lastBatch map[Tier]int
}

func New(store WhaleStore, cfg config.SchedulerConfig, dispatch DispatchFunc, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		cfg:       cfg,
		dispatch:  dispatch,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		tickCount: make(map[Tier]int64),
		lastBatch: make(map[Tier]int),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	tiers := []struct {
		tier Tier
		cfg  config.TierConfig
	}{
		{TierCritical, s.cfg.Critical},
		{TierHigh, s.cfg.High},
		{TierNormal, s.cfg.Normal},
		{TierLow, s.cfg.Low},
	}
	for _, t := range tiers {
		s.wg.Add(1)
		go s.tierLoop(ctx, t.tier, t.cfg)
	}

	s.wg.Add(1)
	go s.recomputeLoop(ctx)

	s.logger.Info().
		Dur("critical", s.cfg.Critical.Interval).
		Dur("high", s.cfg.High.Interval).
		Dur("normal", s.cfg.Normal.Interval).
		Dur("low", s.cfg.Low.Interval).
		Msg("Scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) tierLoop(ctx context.Context, tier Tier, cfg config.TierConfig) {
	defer s.wg.Done()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, tier, cfg.BatchCap)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, tier Tier, batchCap int) {
	whales, err := s.store.ListActiveWhales(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("tier", string(tier)).Msg("Failed to list whales")
		return
	}
	followed, err := s.store.ListFollowedWhaleIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("tier", string(tier)).Msg("Failed to list followed whales")
		return
	}

	batch := s.Partition(whales, followed)[tier]
	if len(batch) > batchCap {
		batch = batch[:batchCap]
	}

	s.statsMu.Lock()
	s.tickCount[tier]++
	s.lastBatch[tier] = len(batch)
	s.statsMu.Unlock()

	if len(batch) == 0 {
		return
	}
	s.dispatch(ctx, tier, batch)
}

// Partition assigns every whale to exactly one tier. Precedence is
// CRITICAL > HIGH > NORMAL > LOW; within a tier whales are ordered by
// descending priority score so batch caps keep the most interesting ones.
func (s *Scheduler) Partition(whales []*database.Whale, followed map[int64]bool) map[Tier][]*database.Whale {
	out := map[Tier][]*database.Whale{}
	now := time.Now()
	recentWindow := s.cfg.RecentActivityWindow
	if recentWindow <= 0 {
		recentWindow = time.Hour
	}

	for _, w := range whales {
		tier := s.tierOf(w, followed, now, recentWindow)
		out[tier] = append(out[tier], w)
	}
	for tier := range out {
		batch := out[tier]
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].PriorityScore > batch[j].PriorityScore
		})
	}
	return out
}

func (s *Scheduler) tierOf(w *database.Whale, followed map[int64]bool, now time.Time, recentWindow time.Duration) Tier {
	if followed[w.ID] && w.DataStatus == database.WhaleDataActive {
		neverChecked := w.LastCheckedAt == nil
		recentlyActive := w.LastPositionFound != nil && now.Sub(*w.LastPositionFound) < recentWindow
		if neverChecked || recentlyActive {
			return TierCritical
		}
	}
	if w.Exchange == exchange.Bitget || w.PriorityScore >= 70 {
		return TierHigh
	}
	if w.PriorityScore >= 40 {
		return TierNormal
	}
	return TierLow
}

func (s *Scheduler) recomputeLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.ScoreRecomputeEvery
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.recomputeScores(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) recomputeScores(ctx context.Context) {
	whales, err := s.store.ListActiveWhales(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Score recompute: failed to list whales")
		return
	}

	updated := 0
	for _, w := range whales {
		score := PriorityScore(w, time.Now())
		if score == w.PriorityScore {
			continue
		}
		if err := s.store.UpdateWhalePriority(ctx, w.ID, score); err != nil {
			s.logger.Error().Err(err).Int64("whale_id", w.ID).Msg("Failed to update priority score")
			continue
		}
		updated++
	}
	s.logger.Debug().Int("whales", len(whales)).Int("updated", updated).Msg("Priority scores recomputed")
}

// PriorityScore computes the polling priority for a whale, clamped to [1, 100]
func PriorityScore(w *database.Whale, now time.Time) int {
	score := 50

	switch w.Exchange {
	case exchange.Bitget:
		score += 30
	case exchange.OKX:
		score += 20
	case exchange.Bybit:
		score += 10
	}

	switch {
	case w.FollowerCount >= 10:
		score += 15
	case w.FollowerCount >= 5:
		score += 10
	case w.FollowerCount >= 1:
		score += 5
	}

	if w.LastPositionFound != nil {
		age := now.Sub(*w.LastPositionFound)
		switch {
		case age < time.Hour:
			score += 15
		case age < 6*time.Hour:
			score += 10
		case age < 24*time.Hour:
			score += 5
		}
	}

	if w.ROIPercent != nil && *w.ROIPercent > 0 {
		roi := int(*w.ROIPercent / 10)
		if roi > 10 {
			roi = 10
		}
		score += roi
	}

	if score > 100 {
		score = 100
	}
	if score < 1 {
		score = 1
	}
	return score
}

// Stats is a snapshot of per-tier tick activity
type Stats struct {
	Ticks     map[Tier]int64 `json:"ticks"`
	LastBatch map[Tier]int   `json:"last_batch"`
}

func (s *Scheduler) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	stats := Stats{
		Ticks:     make(map[Tier]int64, len(s.tickCount)),
		LastBatch: make(map[Tier]int, len(s.lastBatch)),
	}
	for tier, n := range s.tickCount {
		stats.Ticks[tier] = n
	}
	for tier, n := range s.lastBatch {
		stats.LastBatch[tier] = n
	}
	return stats
}
